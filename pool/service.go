package pool

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"escrowflow/address"
	"escrowflow/outbox"
	"escrowflow/vault"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repo is the persistence surface the service needs.
type Repo interface {
	Insert(ctx context.Context, tx pgx.Tx, l *Ledger) error
	Lock(ctx context.Context, tx pgx.Tx, addr string) (Ledger, error)
	SaveCounters(ctx context.Context, tx pgx.Tx, l *Ledger) error
	Delete(ctx context.Context, tx pgx.Tx, addr string) error
}

// VaultOpener extends the transfer primitive with account creation, used only
// at pool initialization.
type VaultOpener interface {
	vault.Transferrer
	Open(ctx context.Context, tx pgx.Tx, owner, asset string, decimals uint8, delegate string) error
}

// Enqueuer appends one structured event per transition to the outbox.
type Enqueuer interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

type Service struct {
	db     TxBeginner
	repo   Repo
	vault  VaultOpener
	events Enqueuer
}

func NewService(db TxBeginner, repo Repo, v VaultOpener, events Enqueuer) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if events == nil {
		events = outbox.NewQueue()
	}
	return &Service{db: db, repo: repo, vault: v, events: events}
}

// InitParams configures a new pool ledger.
type InitParams struct {
	PoolID   string
	Operator string
	Asset    string
	Decimals uint8
	FeeBps   uint16
}

// Init creates a zeroed ledger plus its custody vault. The vault lists the
// pool address as owner so only pool operations can authorize debits.
func (s *Service) Init(ctx context.Context, params InitParams) (Ledger, error) {
	if params.PoolID == "" {
		return Ledger{}, fmt.Errorf("pool: pool id required")
	}
	if params.Operator == "" {
		return Ledger{}, fmt.Errorf("pool: operator required")
	}
	if params.Asset == "" {
		return Ledger{}, fmt.Errorf("pool: asset required")
	}
	if params.FeeBps > FeePrecision {
		return Ledger{}, ErrInvalidFeeConfig
	}

	addr := address.ForPool(params.PoolID)
	l := Ledger{
		Address:      addr,
		PoolID:       params.PoolID,
		Operator:     params.Operator,
		VaultAddress: address.ForVault(addr),
		Asset:        params.Asset,
		Decimals:     params.Decimals,
		FeeBps:       params.FeeBps,
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Ledger{}, fmt.Errorf("pool: begin init tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.Insert(ctx, tx, &l); err != nil {
		return Ledger{}, err
	}
	if err := s.vault.Open(ctx, tx, l.VaultAddress, l.Asset, l.Decimals, l.Address); err != nil {
		return Ledger{}, err
	}

	if err := s.events.Enqueue(ctx, tx, "pool.created", map[string]any{
		"pool":     l.Address,
		"pool_id":  l.PoolID,
		"operator": l.Operator,
		"asset":    l.Asset,
		"fee_bps":  l.FeeBps,
	}); err != nil {
		return Ledger{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Ledger{}, fmt.Errorf("pool: commit init: %w", err)
	}
	return l, nil
}

// SetPaused flips the emergency pause flag. Pausing blocks new transfer
// creation only; normal resolution stays open, and the emergency destroy path
// requires the flag to be set.
func (s *Service) SetPaused(ctx context.Context, poolAddr, actor string, paused bool) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pool: begin pause tx: %w", err)
	}
	defer tx.Rollback(ctx)

	l, err := s.repo.Lock(ctx, tx, poolAddr)
	if err != nil {
		return err
	}
	if actor != l.Operator {
		return ErrOperatorOnly
	}

	l.Paused = paused
	if err := s.repo.SaveCounters(ctx, tx, &l); err != nil {
		return err
	}

	if err := s.events.Enqueue(ctx, tx, "pool.paused", map[string]any{
		"pool":   l.Address,
		"paused": paused,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("pool: commit pause: %w", err)
	}
	return nil
}

// SweepFees moves every collected fee to the operator's custody account and
// resets the accumulator.
func (s *Service) SweepFees(ctx context.Context, poolAddr, actor string) (uint64, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("pool: begin sweep tx: %w", err)
	}
	defer tx.Rollback(ctx)

	l, err := s.repo.Lock(ctx, tx, poolAddr)
	if err != nil {
		return 0, err
	}
	if actor != l.Operator {
		return 0, ErrOperatorOnly
	}

	fees := l.CollectedFees
	if fees == 0 {
		return 0, ErrNoCollectedFees
	}

	if err := s.vault.TransferChecked(ctx, tx, vault.Movement{
		FromOwner: l.VaultAddress,
		ToOwner:   l.Operator,
		Authority: l.Address,
		Asset:     l.Asset,
		Decimals:  l.Decimals,
		Amount:    fees,
	}); err != nil {
		return 0, err
	}

	l.CollectedFees = 0
	if err := s.repo.SaveCounters(ctx, tx, &l); err != nil {
		return 0, err
	}

	if err := s.events.Enqueue(ctx, tx, "pool.fees_swept", map[string]any{
		"pool":     l.Address,
		"operator": l.Operator,
		"amount":   fees,
	}); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("pool: commit sweep: %w", err)
	}
	return fees, nil
}

// Reset zeroes every counter without destroying the ledger. Blocked while any
// transfer is outstanding, independent of the vault's actual balance.
func (s *Service) Reset(ctx context.Context, poolAddr, actor string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pool: begin reset tx: %w", err)
	}
	defer tx.Rollback(ctx)

	l, err := s.repo.Lock(ctx, tx, poolAddr)
	if err != nil {
		return err
	}
	if actor != l.Operator {
		return ErrOperatorOnly
	}
	if l.HasOutstanding() {
		return ErrOutstandingTransfers
	}

	l.TotalDeposited = 0
	l.TotalWithdrawn = 0
	l.TotalEscrowed = 0
	l.CreatedCount = 0
	l.ResolvedCount = 0
	l.CollectedFees = 0
	if err := s.repo.SaveCounters(ctx, tx, &l); err != nil {
		return err
	}

	if err := s.events.Enqueue(ctx, tx, "pool.reset", map[string]any{
		"pool": l.Address,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("pool: commit reset: %w", err)
	}
	return nil
}

// Close sweeps withdrawalAmount from the vault to the operator and destroys
// the ledger. Requires no outstanding transfers.
func (s *Service) Close(ctx context.Context, poolAddr, actor string, withdrawalAmount uint64) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pool: begin close tx: %w", err)
	}
	defer tx.Rollback(ctx)

	l, err := s.repo.Lock(ctx, tx, poolAddr)
	if err != nil {
		return err
	}
	if actor != l.Operator {
		return ErrOperatorOnly
	}
	if l.HasOutstanding() {
		return ErrOutstandingTransfers
	}

	if withdrawalAmount > 0 {
		balance, err := s.vault.Balance(ctx, tx, l.VaultAddress, l.Asset)
		if err != nil {
			return err
		}
		if withdrawalAmount > balance {
			return ErrInsufficientFunds
		}
		if err := s.vault.TransferChecked(ctx, tx, vault.Movement{
			FromOwner: l.VaultAddress,
			ToOwner:   l.Operator,
			Authority: l.Address,
			Asset:     l.Asset,
			Decimals:  l.Decimals,
			Amount:    withdrawalAmount,
		}); err != nil {
			return err
		}
	}

	if err := s.repo.Delete(ctx, tx, l.Address); err != nil {
		return err
	}

	if err := s.events.Enqueue(ctx, tx, "pool.closed", map[string]any{
		"pool":       l.Address,
		"operator":   l.Operator,
		"withdrawal": withdrawalAmount,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("pool: commit close: %w", err)
	}
	return nil
}
