// Package pool holds the aggregate escrow ledger: per-asset cumulative
// accounting, fee configuration, and the operator's administrative surface.
package pool

import (
	"errors"
	"math/bits"
	"time"
)

// FeePrecision is the basis-point scale: 10000 bps = 100%.
const FeePrecision = 10_000

var (
	// ErrMathOverflow signals a checked add/sub on a ledger counter failed.
	// It always aborts the enclosing operation; totals are never clamped.
	ErrMathOverflow = errors.New("pool: math overflow")
	// ErrInvalidFeeConfig signals a fee rate above 100%.
	ErrInvalidFeeConfig = errors.New("pool: invalid fee config")
	// ErrOperatorOnly signals a non-operator attempted an administrative operation.
	ErrOperatorOnly = errors.New("pool: operator only")
	// ErrOutstandingTransfers blocks destructive admin operations while
	// created > resolved.
	ErrOutstandingTransfers = errors.New("pool: outstanding transfers")
	// ErrNoCollectedFees signals a sweep with nothing to sweep.
	ErrNoCollectedFees = errors.New("pool: no collected fees")
	// ErrPoolPaused blocks transfer creation on a paused pool.
	ErrPoolPaused = errors.New("pool: paused")
	// ErrNotFound is returned when no ledger row exists for the address.
	ErrNotFound = errors.New("pool: not found")
	// ErrPoolExists is returned when initializing a pool id that is already taken.
	ErrPoolExists = errors.New("pool: already exists")
	// ErrInsufficientFunds is returned when a close-pool withdrawal exceeds the vault balance.
	ErrInsufficientFunds = errors.New("pool: insufficient funds")
)

// Ledger mirrors one pools row. The conservation invariant
// Escrowed == Deposited - Withdrawn holds at every commit point; AddDeposit
// and AddWithdrawal are the only mutators of those three counters.
type Ledger struct {
	Address        string
	PoolID         string
	Operator       string
	VaultAddress   string
	Asset          string
	Decimals       uint8
	FeeBps         uint16
	TotalDeposited uint64
	TotalWithdrawn uint64
	TotalEscrowed  uint64
	CreatedCount   uint64
	ResolvedCount  uint64
	CollectedFees  uint64
	Paused         bool
	CreatedAt      time.Time
}

func checkedAdd(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrMathOverflow
	}
	return sum, nil
}

func checkedSub(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, ErrMathOverflow
	}
	return diff, nil
}

// AddDeposit credits a new escrow lock into the cumulative totals.
func (l *Ledger) AddDeposit(amount uint64) error {
	deposited, err := checkedAdd(l.TotalDeposited, amount)
	if err != nil {
		return err
	}
	escrowed, err := checkedAdd(l.TotalEscrowed, amount)
	if err != nil {
		return err
	}
	l.TotalDeposited = deposited
	l.TotalEscrowed = escrowed
	return nil
}

// AddWithdrawal debits a resolution out of the cumulative totals. Underflow of
// the escrowed counter means conservation was already broken and is fatal.
func (l *Ledger) AddWithdrawal(amount uint64) error {
	withdrawn, err := checkedAdd(l.TotalWithdrawn, amount)
	if err != nil {
		return err
	}
	escrowed, err := checkedSub(l.TotalEscrowed, amount)
	if err != nil {
		return err
	}
	l.TotalWithdrawn = withdrawn
	l.TotalEscrowed = escrowed
	return nil
}

// AddCollectedFees accumulates a claim fee for a later sweep.
func (l *Ledger) AddCollectedFees(amount uint64) error {
	fees, err := checkedAdd(l.CollectedFees, amount)
	if err != nil {
		return err
	}
	l.CollectedFees = fees
	return nil
}

// IncrementCreated bumps the created counter on transfer creation.
func (l *Ledger) IncrementCreated() error {
	n, err := checkedAdd(l.CreatedCount, 1)
	if err != nil {
		return err
	}
	l.CreatedCount = n
	return nil
}

// IncrementResolved bumps the resolved counter on any terminal transition.
func (l *Ledger) IncrementResolved() error {
	n, err := checkedAdd(l.ResolvedCount, 1)
	if err != nil {
		return err
	}
	l.ResolvedCount = n
	return nil
}

// HasOutstanding reports whether any created transfer is still unresolved.
func (l *Ledger) HasOutstanding() bool {
	return l.CreatedCount > l.ResolvedCount
}

// Fee computes floor(amount * FeeBps / FeePrecision) on a 128-bit widened
// intermediate. A zero rate yields zero; if the widened quotient cannot be
// taken safely the fee clamps to zero rather than failing the claim.
func (l *Ledger) Fee(amount uint64) uint64 {
	if l.FeeBps == 0 {
		return 0
	}
	hi, lo := bits.Mul64(amount, uint64(l.FeeBps))
	if hi >= FeePrecision {
		return 0
	}
	quo, _ := bits.Div64(hi, lo, FeePrecision)
	return quo
}
