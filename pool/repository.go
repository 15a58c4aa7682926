package pool

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ledgerColumns = `
	address, pool_id, operator, vault_address, asset, decimals, fee_bps,
	total_deposited, total_withdrawn, total_escrowed,
	created_count, resolved_count, collected_fees, paused, created_at
`

// Repository persists pool ledgers. Mutating methods run inside the caller's
// transaction; the ledger row is always locked before any transfer row.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// Insert writes a freshly initialized ledger.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, l *Ledger) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO pools (
			address, pool_id, operator, vault_address, asset, decimals, fee_bps,
			total_deposited, total_withdrawn, total_escrowed,
			created_count, resolved_count, collected_fees, paused
		) VALUES ($1,$2,$3,$4,$5,$6,$7,0,0,0,0,0,0,false)
	`, l.Address, l.PoolID, l.Operator, l.VaultAddress, l.Asset, int16(l.Decimals), int32(l.FeeBps))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrPoolExists
		}
		return fmt.Errorf("pool: insert: %w", err)
	}
	return nil
}

// Lock fetches the ledger row FOR UPDATE, serializing every operation that
// touches this pool.
func (r *Repository) Lock(ctx context.Context, tx pgx.Tx, addr string) (Ledger, error) {
	return scanLedger(tx.QueryRow(ctx, `
		SELECT `+ledgerColumns+`
		FROM pools
		WHERE address = $1
		FOR UPDATE
	`, addr))
}

// SaveCounters writes back the mutable accounting columns after in-memory
// checked updates succeeded.
func (r *Repository) SaveCounters(ctx context.Context, tx pgx.Tx, l *Ledger) error {
	tag, err := tx.Exec(ctx, `
		UPDATE pools SET
			total_deposited = $2,
			total_withdrawn = $3,
			total_escrowed = $4,
			created_count = $5,
			resolved_count = $6,
			collected_fees = $7,
			paused = $8
		WHERE address = $1
	`, l.Address,
		int64(l.TotalDeposited), int64(l.TotalWithdrawn), int64(l.TotalEscrowed),
		int64(l.CreatedCount), int64(l.ResolvedCount), int64(l.CollectedFees), l.Paused)
	if err != nil {
		return fmt.Errorf("pool: save counters: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the ledger row on close-pool.
func (r *Repository) Delete(ctx context.Context, tx pgx.Tx, addr string) error {
	tag, err := tx.Exec(ctx, `DELETE FROM pools WHERE address = $1`, addr)
	if err != nil {
		return fmt.Errorf("pool: delete: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

// Get reads a ledger outside any transaction, for the API read path.
func (r *Repository) Get(ctx context.Context, pool *pgxpool.Pool, addr string) (Ledger, error) {
	return scanLedger(pool.QueryRow(ctx, `
		SELECT `+ledgerColumns+`
		FROM pools
		WHERE address = $1
	`, addr))
}

func scanLedger(row pgx.Row) (Ledger, error) {
	var (
		l                              Ledger
		decimals                       int16
		feeBps                         int32
		deposited, withdrawn, escrowed int64
		created, resolved, fees        int64
	)
	err := row.Scan(
		&l.Address, &l.PoolID, &l.Operator, &l.VaultAddress, &l.Asset, &decimals, &feeBps,
		&deposited, &withdrawn, &escrowed,
		&created, &resolved, &fees, &l.Paused, &l.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Ledger{}, ErrNotFound
		}
		return Ledger{}, fmt.Errorf("pool: scan ledger: %w", err)
	}
	l.Decimals = uint8(decimals)
	l.FeeBps = uint16(feeBps)
	l.TotalDeposited = uint64(deposited)
	l.TotalWithdrawn = uint64(withdrawn)
	l.TotalEscrowed = uint64(escrowed)
	l.CreatedCount = uint64(created)
	l.ResolvedCount = uint64(resolved)
	l.CollectedFees = uint64(fees)
	return l, nil
}
