package pool

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/vault"
)

func newTestService(l Ledger) (*Service, *fakeDB, *fakeRepo, *fakeVault, *fakeEvents) {
	db := &fakeDB{}
	repo := &fakeRepo{ledger: l}
	v := &fakeVault{}
	ev := &fakeEvents{}
	return NewService(db, repo, v, ev), db, repo, v, ev
}

func TestInitRejectsFeeOverPrecision(t *testing.T) {
	svc, db, _, _, _ := newTestService(Ledger{})

	_, err := svc.Init(context.Background(), InitParams{
		PoolID:   "pool-1",
		Operator: "op-addr",
		Asset:    "USDC",
		FeeBps:   10001,
	})
	if !errors.Is(err, ErrInvalidFeeConfig) {
		t.Fatalf("expected ErrInvalidFeeConfig, got %v", err)
	}
	if db.tx != nil {
		t.Errorf("expected no transaction for config error")
	}
}

func TestInitOpensVaultAndEmits(t *testing.T) {
	svc, db, repo, v, ev := newTestService(Ledger{})

	l, err := svc.Init(context.Background(), InitParams{
		PoolID:   "pool-1",
		Operator: "op-addr",
		Asset:    "USDC",
		Decimals: 6,
		FeeBps:   250,
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if !db.tx.committed {
		t.Fatalf("expected commit")
	}
	if repo.inserted == nil || repo.inserted.Address != l.Address {
		t.Errorf("expected ledger insert for %s", l.Address)
	}
	if v.opened != l.VaultAddress {
		t.Errorf("expected vault %s opened, got %s", l.VaultAddress, v.opened)
	}
	if v.openedDelegate != l.Address {
		t.Errorf("expected pool address as vault delegate")
	}
	if len(ev.topics) != 1 || ev.topics[0] != "pool.created" {
		t.Errorf("expected single pool.created event, got %v", ev.topics)
	}
}

func TestSetPausedOperatorOnly(t *testing.T) {
	svc, db, _, _, _ := newTestService(Ledger{Address: "p", Operator: "op-addr"})

	err := svc.SetPaused(context.Background(), "p", "intruder", true)
	if !errors.Is(err, ErrOperatorOnly) {
		t.Fatalf("expected ErrOperatorOnly, got %v", err)
	}
	if db.tx.committed {
		t.Errorf("expected rollback")
	}
}

func TestSweepFeesRequiresCollected(t *testing.T) {
	svc, db, _, v, _ := newTestService(Ledger{Address: "p", Operator: "op-addr"})

	_, err := svc.SweepFees(context.Background(), "p", "op-addr")
	if !errors.Is(err, ErrNoCollectedFees) {
		t.Fatalf("expected ErrNoCollectedFees, got %v", err)
	}
	if len(v.movements) != 0 {
		t.Errorf("expected no vault movement")
	}
	if db.tx.committed {
		t.Errorf("expected rollback")
	}
}

func TestSweepFeesMovesAndResets(t *testing.T) {
	svc, db, repo, v, ev := newTestService(Ledger{
		Address:       "p",
		Operator:      "op-addr",
		VaultAddress:  "v",
		Asset:         "USDC",
		CollectedFees: 77,
	})

	swept, err := svc.SweepFees(context.Background(), "p", "op-addr")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 77 {
		t.Errorf("expected 77 swept, got %d", swept)
	}
	if len(v.movements) != 1 || v.movements[0].Amount != 77 || v.movements[0].ToOwner != "op-addr" {
		t.Errorf("unexpected movements %+v", v.movements)
	}
	if repo.saved == nil || repo.saved.CollectedFees != 0 {
		t.Errorf("expected collected fees reset")
	}
	if !db.tx.committed {
		t.Errorf("expected commit")
	}
	if len(ev.topics) != 1 || ev.topics[0] != "pool.fees_swept" {
		t.Errorf("expected pool.fees_swept event, got %v", ev.topics)
	}
}

func TestResetBlockedByOutstanding(t *testing.T) {
	svc, _, _, _, _ := newTestService(Ledger{
		Address:       "p",
		Operator:      "op-addr",
		CreatedCount:  3,
		ResolvedCount: 2,
	})

	err := svc.Reset(context.Background(), "p", "op-addr")
	if !errors.Is(err, ErrOutstandingTransfers) {
		t.Fatalf("expected ErrOutstandingTransfers, got %v", err)
	}
}

func TestCloseBlockedByOutstanding(t *testing.T) {
	svc, _, repo, _, _ := newTestService(Ledger{
		Address:       "p",
		Operator:      "op-addr",
		CreatedCount:  1,
		ResolvedCount: 0,
	})

	err := svc.Close(context.Background(), "p", "op-addr", 0)
	if !errors.Is(err, ErrOutstandingTransfers) {
		t.Fatalf("expected ErrOutstandingTransfers, got %v", err)
	}
	if repo.deleted {
		t.Errorf("expected ledger to survive")
	}
}

func TestCloseChecksVaultBalance(t *testing.T) {
	svc, _, repo, v, _ := newTestService(Ledger{
		Address:      "p",
		Operator:     "op-addr",
		VaultAddress: "v",
		Asset:        "USDC",
	})
	v.balance = 50

	err := svc.Close(context.Background(), "p", "op-addr", 100)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if repo.deleted {
		t.Errorf("expected ledger to survive")
	}
}

func TestCloseDeletesLedger(t *testing.T) {
	svc, db, repo, v, ev := newTestService(Ledger{
		Address:      "p",
		Operator:     "op-addr",
		VaultAddress: "v",
		Asset:        "USDC",
	})
	v.balance = 500

	if err := svc.Close(context.Background(), "p", "op-addr", 500); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !repo.deleted {
		t.Errorf("expected ledger deleted")
	}
	if !db.tx.committed {
		t.Errorf("expected commit")
	}
	if len(ev.topics) != 1 || ev.topics[0] != "pool.closed" {
		t.Errorf("expected pool.closed event, got %v", ev.topics)
	}
}

type fakeRepo struct {
	ledger   Ledger
	inserted *Ledger
	saved    *Ledger
	deleted  bool
}

func (f *fakeRepo) Insert(ctx context.Context, tx pgx.Tx, l *Ledger) error {
	cp := *l
	f.inserted = &cp
	return nil
}

func (f *fakeRepo) Lock(ctx context.Context, tx pgx.Tx, addr string) (Ledger, error) {
	if addr != f.ledger.Address {
		return Ledger{}, ErrNotFound
	}
	return f.ledger, nil
}

func (f *fakeRepo) SaveCounters(ctx context.Context, tx pgx.Tx, l *Ledger) error {
	cp := *l
	f.saved = &cp
	return nil
}

func (f *fakeRepo) Delete(ctx context.Context, tx pgx.Tx, addr string) error {
	f.deleted = true
	return nil
}

type fakeVault struct {
	opened         string
	openedDelegate string
	balance        uint64
	movements      []vault.Movement
}

func (f *fakeVault) Open(ctx context.Context, tx pgx.Tx, owner, asset string, decimals uint8, delegate string) error {
	f.opened = owner
	f.openedDelegate = delegate
	return nil
}

func (f *fakeVault) TransferChecked(ctx context.Context, tx pgx.Tx, m vault.Movement) error {
	f.movements = append(f.movements, m)
	return nil
}

func (f *fakeVault) Balance(ctx context.Context, tx pgx.Tx, owner, asset string) (uint64, error) {
	return f.balance, nil
}

type fakeEvents struct {
	topics []string
}

func (f *fakeEvents) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	f.topics = append(f.topics, topic)
	return nil
}

type fakeDB struct {
	tx *fakeTx
}

func (f *fakeDB) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
