package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowflow/address"
	"escrowflow/outbox"
	"escrowflow/pool"
	"escrowflow/vault"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PoolRepo is the slice of the pool repository the transfer service needs:
// locking the ledger row first and writing back checked counter updates.
type PoolRepo interface {
	Lock(ctx context.Context, tx pgx.Tx, addr string) (pool.Ledger, error)
	SaveCounters(ctx context.Context, tx pgx.Tx, l *pool.Ledger) error
}

// Repo is the transfer persistence surface.
type Repo interface {
	Insert(ctx context.Context, tx pgx.Tx, rec *Record) error
	Lock(ctx context.Context, tx pgx.Tx, addr string) (Record, error)
	MarkResolved(ctx context.Context, tx pgx.Tx, addr string, status Status, resolvedAt time.Time) error
}

// Enqueuer appends one structured event per transition to the outbox.
type Enqueuer interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service drives the transfer state machine. Every operation is one database
// transaction: pool row locked first, then the transfer row, then guards,
// value movement, accounting, and the terminal transition — so either all of
// it commits or none of it does.
type Service struct {
	db       TxBeginner
	repo     Repo
	poolRepo PoolRepo
	vault    vault.Transferrer
	events   Enqueuer
	now      func() time.Time
	rent     uint64
}

func NewService(db TxBeginner, repo Repo, poolRepo PoolRepo, v vault.Transferrer, events Enqueuer) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if poolRepo == nil {
		poolRepo = pool.NewRepository()
	}
	if events == nil {
		events = outbox.NewQueue()
	}
	return &Service{
		db:       db,
		repo:     repo,
		poolRepo: poolRepo,
		vault:    v,
		events:   events,
		now:      time.Now,
		rent:     DefaultRentDeposit,
	}
}

// WithClock overrides the time source; claim windows and expiry are evaluated
// lazily against it at call time.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithRentDeposit overrides the refundable storage deposit.
func (s *Service) WithRentDeposit(rent uint64) *Service {
	s.rent = rent
	return s
}

// CreateParams describes a new escrow lock.
type CreateParams struct {
	PoolAddress    string
	Sender         string
	Recipient      string
	Nonce          uint64
	Amount         uint64
	Memo           string
	ClaimableAfter int64
	ClaimableUntil int64
	Conditions     *ReleaseConditions
	ComplianceHash []byte
}

// Create debits the sender's custody, credits the pool vault, and instantiates
// an active record at the address derived from (sender, recipient, nonce).
func (s *Service) Create(ctx context.Context, params CreateParams) (Record, error) {
	if params.Sender == "" || params.Recipient == "" {
		return Record{}, fmt.Errorf("transfer: sender and recipient required")
	}
	if params.Amount == 0 {
		return Record{}, ErrDepositTooSmall
	}
	if len(params.Memo) > MemoMaxLen {
		return Record{}, ErrMemoTooLong
	}
	now := s.now()
	if err := ValidateWindow(params.ClaimableAfter, params.ClaimableUntil, now); err != nil {
		return Record{}, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("transfer: begin create tx: %w", err)
	}
	defer tx.Rollback(ctx)

	l, err := s.poolRepo.Lock(ctx, tx, params.PoolAddress)
	if err != nil {
		return Record{}, err
	}
	if l.Paused {
		return Record{}, pool.ErrPoolPaused
	}

	rec := Record{
		Address:        address.ForTransfer(params.Sender, params.Recipient, params.Nonce),
		Nonce:          params.Nonce,
		Sender:         params.Sender,
		Recipient:      params.Recipient,
		Pool:           l.Address,
		Amount:         params.Amount,
		Memo:           params.Memo,
		RentDeposit:    s.rent,
		Status:         StatusActive,
		ClaimableAfter: params.ClaimableAfter,
		ClaimableUntil: params.ClaimableUntil,
		Conditions:     params.Conditions,
		ComplianceHash: params.ComplianceHash,
		CreatedAt:      now.UTC(),
	}

	if err := s.repo.Insert(ctx, tx, &rec); err != nil {
		return Record{}, err
	}

	if err := s.vault.TransferChecked(ctx, tx, vault.Movement{
		FromOwner: params.Sender,
		ToOwner:   l.VaultAddress,
		Authority: params.Sender,
		Asset:     l.Asset,
		Decimals:  l.Decimals,
		Amount:    params.Amount,
	}); err != nil {
		return Record{}, err
	}
	if rec.RentDeposit > 0 {
		if err := s.vault.TransferChecked(ctx, tx, vault.Movement{
			FromOwner: params.Sender,
			ToOwner:   l.VaultAddress,
			Authority: params.Sender,
			Asset:     l.Asset,
			Decimals:  l.Decimals,
			Amount:    rec.RentDeposit,
		}); err != nil {
			return Record{}, err
		}
	}

	if err := l.AddDeposit(params.Amount); err != nil {
		return Record{}, err
	}
	if err := l.IncrementCreated(); err != nil {
		return Record{}, err
	}
	if err := s.poolRepo.SaveCounters(ctx, tx, &l); err != nil {
		return Record{}, err
	}

	if err := s.events.Enqueue(ctx, tx, "transfer.created", map[string]any{
		"transfer":        rec.Address,
		"pool":            l.Address,
		"sender":          rec.Sender,
		"recipient":       rec.Recipient,
		"amount":          rec.Amount,
		"nonce":           rec.Nonce,
		"memo":            rec.Memo,
		"claimable_after": rec.ClaimableAfter,
		"claimable_until": rec.ClaimableUntil,
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("transfer: commit create: %w", err)
	}
	return rec, nil
}

// Claim settles an active record to its recipient within the claim window.
// The pool retains the fee; withdrawn grows by the full original amount.
func (s *Service) Claim(ctx context.Context, poolAddr, transferAddr, actor string) (Record, error) {
	var claimed Record
	err := s.resolve(ctx, poolAddr, transferAddr, func(tx pgx.Tx, l *pool.Ledger, rec *Record) error {
		if actor != rec.Recipient {
			return ErrOnlyRecipientCanClaim
		}
		if err := rec.ClaimableAt(s.now()); err != nil {
			return err
		}

		fee := l.Fee(rec.Amount)
		net := rec.Amount - fee

		if err := s.settle(ctx, tx, l, rec, settlement{
			payoutTo: rec.Recipient,
			payout:   net,
			fee:      fee,
			rentTo:   rec.Sender,
			status:   StatusClaimed,
		}); err != nil {
			return err
		}

		claimed = *rec
		return s.events.Enqueue(ctx, tx, "transfer.claimed", map[string]any{
			"transfer":   rec.Address,
			"pool":       l.Address,
			"sender":     rec.Sender,
			"recipient":  rec.Recipient,
			"amount":     rec.Amount,
			"fee":        fee,
			"net_amount": net,
		})
	})
	return claimed, err
}

// Cancel refunds the full amount to the sender, no fee.
func (s *Service) Cancel(ctx context.Context, poolAddr, transferAddr, actor string) (Record, error) {
	var cancelled Record
	err := s.resolve(ctx, poolAddr, transferAddr, func(tx pgx.Tx, l *pool.Ledger, rec *Record) error {
		if actor != rec.Sender {
			return ErrOnlySenderCanCancel
		}

		if err := s.settle(ctx, tx, l, rec, settlement{
			payoutTo: rec.Sender,
			payout:   rec.Amount,
			rentTo:   rec.Sender,
			status:   StatusCancelled,
		}); err != nil {
			return err
		}

		cancelled = *rec
		return s.events.Enqueue(ctx, tx, "transfer.cancelled", map[string]any{
			"transfer":  rec.Address,
			"pool":      l.Address,
			"sender":    rec.Sender,
			"recipient": rec.Recipient,
			"amount":    rec.Amount,
		})
	})
	return cancelled, err
}

// Decline settles exactly like cancel but expresses recipient-initiated
// refusal, with an optional reason code carried on the event.
func (s *Service) Decline(ctx context.Context, poolAddr, transferAddr, actor string, reason *uint8) (Record, error) {
	var declined Record
	err := s.resolve(ctx, poolAddr, transferAddr, func(tx pgx.Tx, l *pool.Ledger, rec *Record) error {
		if actor != rec.Recipient {
			return ErrOnlyRecipientCanDecline
		}

		if err := s.settle(ctx, tx, l, rec, settlement{
			payoutTo: rec.Sender,
			payout:   rec.Amount,
			rentTo:   rec.Sender,
			status:   StatusDeclined,
		}); err != nil {
			return err
		}

		declined = *rec
		return s.events.Enqueue(ctx, tx, "transfer.declined", map[string]any{
			"transfer":  rec.Address,
			"pool":      l.Address,
			"sender":    rec.Sender,
			"recipient": rec.Recipient,
			"amount":    rec.Amount,
			"reason":    reasonValue(reason),
		})
	})
	return declined, err
}

// Reject lets the pool operator refund the sender in full, recording the
// audit reason on the emitted event.
func (s *Service) Reject(ctx context.Context, poolAddr, transferAddr, actor string, reason *uint8) (Record, error) {
	var rejected Record
	err := s.resolve(ctx, poolAddr, transferAddr, func(tx pgx.Tx, l *pool.Ledger, rec *Record) error {
		if actor != l.Operator {
			return pool.ErrOperatorOnly
		}

		if err := s.settle(ctx, tx, l, rec, settlement{
			payoutTo: rec.Sender,
			payout:   rec.Amount,
			rentTo:   rec.Sender,
			status:   StatusRejected,
		}); err != nil {
			return err
		}

		rejected = *rec
		return s.events.Enqueue(ctx, tx, "transfer.rejected", map[string]any{
			"transfer":  rec.Address,
			"pool":      l.Address,
			"sender":    rec.Sender,
			"recipient": rec.Recipient,
			"amount":    rec.Amount,
			"reason":    reasonValue(reason),
		})
	})
	return rejected, err
}

// Expire is permissionless: once the upper bound has passed, anyone may drive
// an abandoned record to expired with a full refund to the sender.
func (s *Service) Expire(ctx context.Context, poolAddr, transferAddr string) (Record, error) {
	var expired Record
	err := s.resolve(ctx, poolAddr, transferAddr, func(tx pgx.Tx, l *pool.Ledger, rec *Record) error {
		if err := rec.ExpirableAt(s.now()); err != nil {
			return err
		}

		if err := s.settle(ctx, tx, l, rec, settlement{
			payoutTo: rec.Sender,
			payout:   rec.Amount,
			rentTo:   rec.Sender,
			status:   StatusExpired,
		}); err != nil {
			return err
		}

		expired = *rec
		return s.events.Enqueue(ctx, tx, "transfer.expired", map[string]any{
			"transfer":  rec.Address,
			"pool":      l.Address,
			"sender":    rec.Sender,
			"recipient": rec.Recipient,
			"amount":    rec.Amount,
		})
	})
	return expired, err
}

// Destroy is the emergency path: operator only, pool paused, full amount and
// rent deposit swept to the operator instead of the sender. It shares the
// rejected status tag but is a distinct observable outcome, so it emits its
// own topic.
func (s *Service) Destroy(ctx context.Context, poolAddr, transferAddr, actor string) (Record, error) {
	var destroyed Record
	err := s.resolve(ctx, poolAddr, transferAddr, func(tx pgx.Tx, l *pool.Ledger, rec *Record) error {
		if actor != l.Operator {
			return pool.ErrOperatorOnly
		}
		if !l.Paused {
			return ErrPoolNotPaused
		}

		if err := s.settle(ctx, tx, l, rec, settlement{
			payoutTo: l.Operator,
			payout:   rec.Amount,
			rentTo:   l.Operator,
			status:   StatusRejected,
		}); err != nil {
			return err
		}

		destroyed = *rec
		return s.events.Enqueue(ctx, tx, "transfer.destroyed", map[string]any{
			"transfer":  rec.Address,
			"pool":      l.Address,
			"sender":    rec.Sender,
			"recipient": rec.Recipient,
			"amount":    rec.Amount,
			"operator":  l.Operator,
		})
	})
	return destroyed, err
}

// resolve wraps the shared resolution frame: one transaction, pool row locked
// before the transfer row, back-reference validated, and the active check as
// the very first record guard so the loser of a resolution race fails with
// ErrTransferNotActive before any other validation runs.
func (s *Service) resolve(ctx context.Context, poolAddr, transferAddr string, fn func(tx pgx.Tx, l *pool.Ledger, rec *Record) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("transfer: begin resolve tx: %w", err)
	}
	defer tx.Rollback(ctx)

	l, err := s.poolRepo.Lock(ctx, tx, poolAddr)
	if err != nil {
		return err
	}
	rec, err := s.repo.Lock(ctx, tx, transferAddr)
	if err != nil {
		return err
	}
	if rec.Pool != l.Address {
		return ErrWrongPool
	}
	if rec.Status != StatusActive {
		return ErrTransferNotActive
	}

	if err := fn(tx, &l, &rec); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("transfer: commit resolve: %w", err)
	}
	return nil
}

// settlement describes the value movements of one terminal transition.
type settlement struct {
	payoutTo string
	payout   uint64
	fee      uint64
	rentTo   string
	status   Status
}

// settle applies the common tail of every resolving transition: vault payout,
// pool accounting (withdrawn grows by the full escrowed amount regardless of
// fee), resolved counter, the terminal status, and the rent-deposit refund.
func (s *Service) settle(ctx context.Context, tx pgx.Tx, l *pool.Ledger, rec *Record, st settlement) error {
	if st.payout > 0 {
		if err := s.vault.TransferChecked(ctx, tx, vault.Movement{
			FromOwner: l.VaultAddress,
			ToOwner:   st.payoutTo,
			Authority: l.Address,
			Asset:     l.Asset,
			Decimals:  l.Decimals,
			Amount:    st.payout,
		}); err != nil {
			return err
		}
	}
	if rec.RentDeposit > 0 {
		if err := s.vault.TransferChecked(ctx, tx, vault.Movement{
			FromOwner: l.VaultAddress,
			ToOwner:   st.rentTo,
			Authority: l.Address,
			Asset:     l.Asset,
			Decimals:  l.Decimals,
			Amount:    rec.RentDeposit,
		}); err != nil {
			return err
		}
	}

	if err := l.AddWithdrawal(rec.Amount); err != nil {
		return err
	}
	if st.fee > 0 {
		if err := l.AddCollectedFees(st.fee); err != nil {
			return err
		}
	}
	if err := l.IncrementResolved(); err != nil {
		return err
	}
	if err := s.poolRepo.SaveCounters(ctx, tx, l); err != nil {
		return err
	}

	resolvedAt := s.now().UTC()
	if err := s.repo.MarkResolved(ctx, tx, rec.Address, st.status, resolvedAt); err != nil {
		return err
	}
	rec.Status = st.status
	rec.ResolvedAt = &resolvedAt
	return nil
}

func reasonValue(reason *uint8) any {
	if reason == nil {
		return nil
	}
	return *reason
}
