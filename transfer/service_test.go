package transfer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/address"
	"escrowflow/pool"
	"escrowflow/vault"
)

const (
	testSender    = "sender-addr"
	testRecipient = "recipient-addr"
	testOperator  = "operator-addr"
	testPoolAddr  = "pool-addr"
	testVaultAddr = "vault-addr"
)

func testLedger() pool.Ledger {
	return pool.Ledger{
		Address:      testPoolAddr,
		PoolID:       "pool-1",
		Operator:     testOperator,
		VaultAddress: testVaultAddr,
		Asset:        "USDC",
		Decimals:     6,
		FeeBps:       250,
	}
}

func activeRecord() Record {
	return Record{
		Address:     "rec-addr",
		Nonce:       7,
		Sender:      testSender,
		Recipient:   testRecipient,
		Pool:        testPoolAddr,
		Amount:      1000,
		RentDeposit: 10,
		Status:      StatusActive,
	}
}

type fixture struct {
	svc    *Service
	db     *fakeDB
	repo   *fakeRepo
	pools  *fakePoolRepo
	vault  *fakeVault
	events *fakeEvents
}

func newFixture(l pool.Ledger, rec Record) *fixture {
	f := &fixture{
		db:     &fakeDB{},
		repo:   &fakeRepo{record: rec},
		pools:  &fakePoolRepo{ledger: l},
		vault:  &fakeVault{},
		events: &fakeEvents{},
	}
	f.svc = NewService(f.db, f.repo, f.pools, f.vault, f.events).
		WithClock(func() time.Time { return time.Unix(1_700_000_000, 0) }).
		WithRentDeposit(10)
	return f
}

func TestCreateRejectsZeroAmount(t *testing.T) {
	f := newFixture(testLedger(), Record{})

	_, err := f.svc.Create(context.Background(), CreateParams{
		PoolAddress: testPoolAddr,
		Sender:      testSender,
		Recipient:   testRecipient,
		Amount:      0,
	})
	if !errors.Is(err, ErrDepositTooSmall) {
		t.Fatalf("expected ErrDepositTooSmall, got %v", err)
	}
	if f.db.tx != nil {
		t.Errorf("expected validation before any transaction")
	}
}

func TestCreateRejectsLongMemo(t *testing.T) {
	f := newFixture(testLedger(), Record{})

	_, err := f.svc.Create(context.Background(), CreateParams{
		PoolAddress: testPoolAddr,
		Sender:      testSender,
		Recipient:   testRecipient,
		Amount:      100,
		Memo:        strings.Repeat("x", MemoMaxLen+1),
	})
	if !errors.Is(err, ErrMemoTooLong) {
		t.Fatalf("expected ErrMemoTooLong, got %v", err)
	}
}

func TestCreateRejectsInvertedWindow(t *testing.T) {
	f := newFixture(testLedger(), Record{})

	_, err := f.svc.Create(context.Background(), CreateParams{
		PoolAddress:    testPoolAddr,
		Sender:         testSender,
		Recipient:      testRecipient,
		Amount:         100,
		ClaimableAfter: 1_700_000_500,
		ClaimableUntil: 1_700_000_500,
	})
	if !errors.Is(err, ErrInvalidTimeWindow) {
		t.Fatalf("expected ErrInvalidTimeWindow, got %v", err)
	}
}

func TestCreateRejectsPausedPool(t *testing.T) {
	l := testLedger()
	l.Paused = true
	f := newFixture(l, Record{})

	_, err := f.svc.Create(context.Background(), CreateParams{
		PoolAddress: testPoolAddr,
		Sender:      testSender,
		Recipient:   testRecipient,
		Amount:      100,
	})
	if !errors.Is(err, pool.ErrPoolPaused) {
		t.Fatalf("expected ErrPoolPaused, got %v", err)
	}
	if f.db.tx.committed {
		t.Errorf("expected rollback")
	}
}

func TestCreateLocksValueAndCounts(t *testing.T) {
	f := newFixture(testLedger(), Record{})

	rec, err := f.svc.Create(context.Background(), CreateParams{
		PoolAddress: testPoolAddr,
		Sender:      testSender,
		Recipient:   testRecipient,
		Nonce:       42,
		Amount:      1000,
		Memo:        "invoice 7",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if want := address.ForTransfer(testSender, testRecipient, 42); rec.Address != want {
		t.Errorf("derived address mismatch: got %s want %s", rec.Address, want)
	}
	if rec.Status != StatusActive {
		t.Errorf("expected active record, got %s", rec.Status)
	}
	if len(f.vault.movements) != 2 {
		t.Fatalf("expected amount and rent movements, got %d", len(f.vault.movements))
	}
	if m := f.vault.movements[0]; m.Amount != 1000 || m.FromOwner != testSender || m.ToOwner != testVaultAddr {
		t.Errorf("unexpected amount movement %+v", m)
	}
	if m := f.vault.movements[1]; m.Amount != 10 || m.FromOwner != testSender {
		t.Errorf("unexpected rent movement %+v", m)
	}
	saved := f.pools.saved
	if saved == nil || saved.TotalDeposited != 1000 || saved.TotalEscrowed != 1000 || saved.CreatedCount != 1 {
		t.Errorf("unexpected pool counters %+v", saved)
	}
	if len(f.events.topics) != 1 || f.events.topics[0] != "transfer.created" {
		t.Errorf("expected transfer.created event, got %v", f.events.topics)
	}
	if !f.db.tx.committed {
		t.Errorf("expected commit")
	}
}

func TestCreateDuplicateNonceDoesNotDoubleCreate(t *testing.T) {
	f := newFixture(testLedger(), Record{})
	f.repo.insertErr = ErrTransferExists

	_, err := f.svc.Create(context.Background(), CreateParams{
		PoolAddress: testPoolAddr,
		Sender:      testSender,
		Recipient:   testRecipient,
		Nonce:       42,
		Amount:      1000,
	})
	if !errors.Is(err, ErrTransferExists) {
		t.Fatalf("expected ErrTransferExists, got %v", err)
	}
	if len(f.vault.movements) != 0 {
		t.Errorf("expected no value movement on duplicate")
	}
	if f.db.tx.committed {
		t.Errorf("expected rollback")
	}
}

func TestClaimComputesFeeAndNet(t *testing.T) {
	f := newFixture(testLedger(), activeRecord())
	// Ledger as if the create already committed.
	f.pools.ledger.TotalDeposited = 1000
	f.pools.ledger.TotalEscrowed = 1000
	f.pools.ledger.CreatedCount = 1

	rec, err := f.svc.Claim(context.Background(), testPoolAddr, "rec-addr", testRecipient)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if rec.Status != StatusClaimed {
		t.Errorf("expected claimed, got %s", rec.Status)
	}
	if len(f.vault.movements) != 2 {
		t.Fatalf("expected net payout and rent refund, got %d movements", len(f.vault.movements))
	}
	if m := f.vault.movements[0]; m.Amount != 975 || m.ToOwner != testRecipient {
		t.Errorf("unexpected payout %+v", m)
	}
	if m := f.vault.movements[1]; m.Amount != 10 || m.ToOwner != testSender {
		t.Errorf("expected rent refund to sender, got %+v", m)
	}
	saved := f.pools.saved
	if saved == nil {
		t.Fatalf("expected pool counters saved")
	}
	if saved.TotalWithdrawn != 1000 {
		t.Errorf("withdrawn must grow by the full amount, got %d", saved.TotalWithdrawn)
	}
	if saved.CollectedFees != 25 {
		t.Errorf("expected 25 collected fees, got %d", saved.CollectedFees)
	}
	if saved.TotalEscrowed != saved.TotalDeposited-saved.TotalWithdrawn {
		t.Errorf("conservation broken: %+v", saved)
	}
	if saved.ResolvedCount != 1 {
		t.Errorf("expected resolved count 1, got %d", saved.ResolvedCount)
	}
	if payload := f.events.payloads["transfer.claimed"]; payload == nil {
		t.Fatalf("expected transfer.claimed event")
	} else if payload["fee"] != uint64(25) || payload["net_amount"] != uint64(975) {
		t.Errorf("unexpected claim payload %v", payload)
	}
}

func TestClaimRecipientOnly(t *testing.T) {
	f := newFixture(testLedger(), activeRecord())

	_, err := f.svc.Claim(context.Background(), testPoolAddr, "rec-addr", "third-party")
	if !errors.Is(err, ErrOnlyRecipientCanClaim) {
		t.Fatalf("expected ErrOnlyRecipientCanClaim, got %v", err)
	}
	if len(f.vault.movements) != 0 {
		t.Errorf("expected no movement")
	}
}

func TestClaimOutsideWindow(t *testing.T) {
	rec := activeRecord()
	rec.ClaimableAfter = 1_700_000_100 // clock is pinned at 1_700_000_000
	f := newFixture(testLedger(), rec)

	_, err := f.svc.Claim(context.Background(), testPoolAddr, "rec-addr", testRecipient)
	if !errors.Is(err, ErrOutsideClaimWindow) {
		t.Fatalf("expected ErrOutsideClaimWindow, got %v", err)
	}
}

func TestResolvedRecordFailsBeforeActorCheck(t *testing.T) {
	rec := activeRecord()
	rec.Status = StatusClaimed
	f := newFixture(testLedger(), rec)

	// Wrong actor AND resolved record: the state guard must win.
	_, err := f.svc.Claim(context.Background(), testPoolAddr, "rec-addr", "third-party")
	if !errors.Is(err, ErrTransferNotActive) {
		t.Fatalf("expected ErrTransferNotActive, got %v", err)
	}

	_, err = f.svc.Cancel(context.Background(), testPoolAddr, "rec-addr", testSender)
	if !errors.Is(err, ErrTransferNotActive) {
		t.Fatalf("expected ErrTransferNotActive for second resolver, got %v", err)
	}
}

func TestCancelSenderOnly(t *testing.T) {
	f := newFixture(testLedger(), activeRecord())

	_, err := f.svc.Cancel(context.Background(), testPoolAddr, "rec-addr", testRecipient)
	if !errors.Is(err, ErrOnlySenderCanCancel) {
		t.Fatalf("expected ErrOnlySenderCanCancel, got %v", err)
	}
}

func TestCancelRefundsInFull(t *testing.T) {
	f := newFixture(testLedger(), activeRecord())
	f.pools.ledger.TotalDeposited = 1000
	f.pools.ledger.TotalEscrowed = 1000
	f.pools.ledger.CreatedCount = 1

	rec, err := f.svc.Cancel(context.Background(), testPoolAddr, "rec-addr", testSender)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if rec.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", rec.Status)
	}
	if m := f.vault.movements[0]; m.Amount != 1000 || m.ToOwner != testSender {
		t.Errorf("expected full refund to sender, got %+v", m)
	}
	if f.pools.saved.CollectedFees != 0 {
		t.Errorf("cancel must not collect a fee")
	}
}

func TestDeclineRecipientOnly(t *testing.T) {
	f := newFixture(testLedger(), activeRecord())

	_, err := f.svc.Decline(context.Background(), testPoolAddr, "rec-addr", testSender, nil)
	if !errors.Is(err, ErrOnlyRecipientCanDecline) {
		t.Fatalf("expected ErrOnlyRecipientCanDecline, got %v", err)
	}
}

func TestDeclineSettlesLikeCancel(t *testing.T) {
	f := newFixture(testLedger(), activeRecord())
	f.pools.ledger.TotalDeposited = 1000
	f.pools.ledger.TotalEscrowed = 1000
	f.pools.ledger.CreatedCount = 1
	reason := uint8(3)

	rec, err := f.svc.Decline(context.Background(), testPoolAddr, "rec-addr", testRecipient, &reason)
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if rec.Status != StatusDeclined {
		t.Errorf("expected declined, got %s", rec.Status)
	}
	if m := f.vault.movements[0]; m.Amount != 1000 || m.ToOwner != testSender {
		t.Errorf("expected full refund to sender, got %+v", m)
	}
	if payload := f.events.payloads["transfer.declined"]; payload["reason"] != uint8(3) {
		t.Errorf("expected reason on event, got %v", payload)
	}
}

func TestRejectOperatorOnly(t *testing.T) {
	f := newFixture(testLedger(), activeRecord())

	_, err := f.svc.Reject(context.Background(), testPoolAddr, "rec-addr", testRecipient, nil)
	if !errors.Is(err, pool.ErrOperatorOnly) {
		t.Fatalf("expected ErrOperatorOnly, got %v", err)
	}
}

func TestRejectRefundsSender(t *testing.T) {
	f := newFixture(testLedger(), activeRecord())
	f.pools.ledger.TotalDeposited = 1000
	f.pools.ledger.TotalEscrowed = 1000
	f.pools.ledger.CreatedCount = 1

	rec, err := f.svc.Reject(context.Background(), testPoolAddr, "rec-addr", testOperator, nil)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rec.Status != StatusRejected {
		t.Errorf("expected rejected, got %s", rec.Status)
	}
	if m := f.vault.movements[0]; m.ToOwner != testSender {
		t.Errorf("reject must refund the sender, got %+v", m)
	}
	if m := f.vault.movements[1]; m.ToOwner != testSender {
		t.Errorf("reject must refund rent to the sender, got %+v", m)
	}
}

func TestExpireRequiresUpperBound(t *testing.T) {
	f := newFixture(testLedger(), activeRecord())

	_, err := f.svc.Expire(context.Background(), testPoolAddr, "rec-addr")
	if !errors.Is(err, ErrInvalidTimeWindow) {
		t.Fatalf("expected ErrInvalidTimeWindow for unbounded record, got %v", err)
	}
}

func TestExpireBeforeDeadline(t *testing.T) {
	rec := activeRecord()
	rec.ClaimableUntil = 1_700_000_100
	f := newFixture(testLedger(), rec)

	_, err := f.svc.Expire(context.Background(), testPoolAddr, "rec-addr")
	if !errors.Is(err, ErrDeadlineNotPassed) {
		t.Fatalf("expected ErrDeadlineNotPassed, got %v", err)
	}
}

func TestExpireRefundsSender(t *testing.T) {
	rec := activeRecord()
	rec.ClaimableUntil = 1_699_999_000
	f := newFixture(testLedger(), rec)
	f.pools.ledger.TotalDeposited = 1000
	f.pools.ledger.TotalEscrowed = 1000
	f.pools.ledger.CreatedCount = 1

	got, err := f.svc.Expire(context.Background(), testPoolAddr, "rec-addr")
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if got.Status != StatusExpired {
		t.Errorf("expected expired, got %s", got.Status)
	}
	if m := f.vault.movements[0]; m.Amount != 1000 || m.ToOwner != testSender {
		t.Errorf("expected full refund to sender, got %+v", m)
	}
}

func TestDestroyRequiresPause(t *testing.T) {
	f := newFixture(testLedger(), activeRecord())

	_, err := f.svc.Destroy(context.Background(), testPoolAddr, "rec-addr", testOperator)
	if !errors.Is(err, ErrPoolNotPaused) {
		t.Fatalf("expected ErrPoolNotPaused, got %v", err)
	}
}

func TestDestroySweepsToOperator(t *testing.T) {
	l := testLedger()
	l.Paused = true
	l.TotalDeposited = 1000
	l.TotalEscrowed = 1000
	l.CreatedCount = 1
	f := newFixture(l, activeRecord())

	rec, err := f.svc.Destroy(context.Background(), testPoolAddr, "rec-addr", testOperator)
	if err != nil {
		t.Fatalf("destroy: %v", err)
	}
	// Shares the rejected tag with the ordinary reject path but sweeps both
	// the amount and the rent deposit to the operator.
	if rec.Status != StatusRejected {
		t.Errorf("expected rejected tag, got %s", rec.Status)
	}
	if m := f.vault.movements[0]; m.ToOwner != testOperator {
		t.Errorf("destroy must sweep to the operator, got %+v", m)
	}
	if m := f.vault.movements[1]; m.ToOwner != testOperator {
		t.Errorf("destroy must refund rent to the operator, got %+v", m)
	}
	if f.events.payloads["transfer.destroyed"] == nil {
		t.Errorf("expected distinct transfer.destroyed topic, got %v", f.events.topics)
	}
}

func TestVaultFailureAbortsResolution(t *testing.T) {
	f := newFixture(testLedger(), activeRecord())
	f.vault.err = vault.ErrInsufficientFunds

	_, err := f.svc.Cancel(context.Background(), testPoolAddr, "rec-addr", testSender)
	if !errors.Is(err, vault.ErrInsufficientFunds) {
		t.Fatalf("expected vault error to propagate, got %v", err)
	}
	if f.db.tx.committed {
		t.Errorf("expected rollback")
	}
	if f.repo.resolved {
		t.Errorf("expected no terminal transition")
	}
	if f.pools.saved != nil {
		t.Errorf("expected no pool accounting change")
	}
}

func TestResolveValidatesPoolBackReference(t *testing.T) {
	rec := activeRecord()
	rec.Pool = "some-other-pool"
	f := newFixture(testLedger(), rec)

	_, err := f.svc.Cancel(context.Background(), testPoolAddr, "rec-addr", testSender)
	if !errors.Is(err, ErrWrongPool) {
		t.Fatalf("expected ErrWrongPool, got %v", err)
	}
}

type fakeRepo struct {
	record    Record
	insertErr error
	inserted  *Record
	resolved  bool
}

func (f *fakeRepo) Insert(ctx context.Context, tx pgx.Tx, rec *Record) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	cp := *rec
	f.inserted = &cp
	return nil
}

func (f *fakeRepo) Lock(ctx context.Context, tx pgx.Tx, addr string) (Record, error) {
	if addr != f.record.Address {
		return Record{}, ErrTransferNotFound
	}
	return f.record, nil
}

func (f *fakeRepo) MarkResolved(ctx context.Context, tx pgx.Tx, addr string, status Status, resolvedAt time.Time) error {
	if f.record.Status != StatusActive {
		return ErrTransferNotActive
	}
	f.record.Status = status
	f.resolved = true
	return nil
}

type fakePoolRepo struct {
	ledger pool.Ledger
	saved  *pool.Ledger
}

func (f *fakePoolRepo) Lock(ctx context.Context, tx pgx.Tx, addr string) (pool.Ledger, error) {
	if addr != f.ledger.Address {
		return pool.Ledger{}, pool.ErrNotFound
	}
	return f.ledger, nil
}

func (f *fakePoolRepo) SaveCounters(ctx context.Context, tx pgx.Tx, l *pool.Ledger) error {
	cp := *l
	f.saved = &cp
	return nil
}

type fakeVault struct {
	err       error
	movements []vault.Movement
}

func (f *fakeVault) TransferChecked(ctx context.Context, tx pgx.Tx, m vault.Movement) error {
	if f.err != nil {
		return f.err
	}
	f.movements = append(f.movements, m)
	return nil
}

func (f *fakeVault) Balance(ctx context.Context, tx pgx.Tx, owner, asset string) (uint64, error) {
	return 0, nil
}

type fakeEvents struct {
	topics   []string
	payloads map[string]map[string]any
}

func (f *fakeEvents) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	f.topics = append(f.topics, topic)
	if f.payloads == nil {
		f.payloads = make(map[string]map[string]any)
	}
	f.payloads[topic] = payload
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
