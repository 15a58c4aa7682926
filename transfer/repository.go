package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const recordColumns = `
	address, nonce, sender, recipient, pool, amount, memo, rent_deposit,
	status, claimable_after, claimable_until,
	condition_type, condition_params, compliance_hash,
	created_at, resolved_at
`

// Repository persists transfer records inside the caller's transaction.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// Insert writes a new active record. The primary key is the derived address,
// so a duplicate (sender, recipient, nonce) triple maps to ErrTransferExists.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, rec *Record) error {
	var (
		condType   any
		condParams any
	)
	if rec.Conditions != nil {
		condType = string(rec.Conditions.Type)
		condParams = rec.Conditions.Params
	}
	var compliance any
	if len(rec.ComplianceHash) > 0 {
		compliance = rec.ComplianceHash
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO transfers (
			address, nonce, sender, recipient, pool, amount, memo, rent_deposit,
			status, claimable_after, claimable_until,
			condition_type, condition_params, compliance_hash, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'active',$9,$10,$11,$12,$13,$14)
	`, rec.Address, int64(rec.Nonce), rec.Sender, rec.Recipient, rec.Pool,
		int64(rec.Amount), rec.Memo, int64(rec.RentDeposit),
		rec.ClaimableAfter, rec.ClaimableUntil,
		condType, condParams, compliance, rec.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrTransferExists
		}
		return fmt.Errorf("transfer: insert: %w", err)
	}
	return nil
}

// Lock fetches the record FOR UPDATE. Callers lock the pool row first; this
// fixed order keeps concurrent resolutions deadlock-free.
func (r *Repository) Lock(ctx context.Context, tx pgx.Tx, addr string) (Record, error) {
	return scanRecord(tx.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM transfers
		WHERE address = $1
		FOR UPDATE
	`, addr))
}

// MarkResolved applies the terminal transition. The guard on status = 'active'
// is the last line of defense against double settlement; the row lock makes it
// unreachable, but a zero row count still fails loudly.
func (r *Repository) MarkResolved(ctx context.Context, tx pgx.Tx, addr string, status Status, resolvedAt time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE transfers
		SET status = $2::transfer_status, resolved_at = $3
		WHERE address = $1 AND status = 'active'
	`, addr, string(status), resolvedAt)
	if err != nil {
		return fmt.Errorf("transfer: mark resolved: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrTransferNotActive
	}
	return nil
}

// Get reads a record outside any transaction, for the API read path.
func (r *Repository) Get(ctx context.Context, pool *pgxpool.Pool, addr string) (Record, error) {
	return scanRecord(pool.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM transfers
		WHERE address = $1
	`, addr))
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec           Record
		nonce, amount int64
		rent          int64
		status        string
		condType      *string
		condParams    []byte
		compliance    []byte
	)
	err := row.Scan(
		&rec.Address, &nonce, &rec.Sender, &rec.Recipient, &rec.Pool,
		&amount, &rec.Memo, &rent,
		&status, &rec.ClaimableAfter, &rec.ClaimableUntil,
		&condType, &condParams, &compliance,
		&rec.CreatedAt, &rec.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrTransferNotFound
		}
		return Record{}, fmt.Errorf("transfer: scan record: %w", err)
	}
	rec.Nonce = uint64(nonce)
	rec.Amount = uint64(amount)
	rec.RentDeposit = uint64(rent)
	rec.Status = Status(status)
	if condType != nil {
		rec.Conditions = &ReleaseConditions{Type: ConditionType(*condType), Params: condParams}
	}
	rec.ComplianceHash = compliance
	return rec, nil
}
