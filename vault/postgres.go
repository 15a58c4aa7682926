package vault

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrAccountExists is returned when opening a custody account that already exists.
var ErrAccountExists = errors.New("vault: custody account already exists")

// PG is the Postgres-backed Transferrer. All methods operate inside the
// caller's transaction so a failed movement rolls back with everything else.
type PG struct{}

func NewPG() *PG {
	return &PG{}
}

type account struct {
	owner    string
	asset    string
	decimals uint8
	delegate *string
	balance  uint64
}

// Open creates a zero-balance custody account for owner/asset. The optional
// delegate may authorize debits in addition to the owner.
func (v *PG) Open(ctx context.Context, tx pgx.Tx, owner, asset string, decimals uint8, delegate string) error {
	var del any
	if delegate != "" {
		del = delegate
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO custody_accounts (owner_address, asset, decimals, delegate, balance)
		VALUES ($1, $2, $3, $4, 0)
	`, owner, asset, decimals, del)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAccountExists
		}
		return fmt.Errorf("vault: open account: %w", err)
	}
	return nil
}

// Credit mints amount into an existing account. Used for test funding and
// external on-ramps; escrow operations themselves only ever move value.
func (v *PG) Credit(ctx context.Context, tx pgx.Tx, owner, asset string, amount uint64) error {
	acct, err := lockAccount(ctx, tx, owner, asset)
	if err != nil {
		return err
	}
	if amount > math.MaxInt64 || acct.balance > math.MaxInt64-amount {
		return ErrBalanceOverflow
	}
	return setBalance(ctx, tx, owner, asset, acct.balance+amount)
}

// TransferChecked debits FromOwner and credits ToOwner atomically within the
// transaction, validating asset, precision, and the authorizing party. Both
// account rows are locked in a fixed order to keep concurrent movements
// deadlock-free.
func (v *PG) TransferChecked(ctx context.Context, tx pgx.Tx, m Movement) error {
	if m.Amount == 0 {
		return ErrInvalidAmount
	}
	if m.FromOwner == m.ToOwner {
		return nil
	}

	first, second := m.FromOwner, m.ToOwner
	if second < first {
		first, second = second, first
	}
	accts := make(map[string]account, 2)
	for _, owner := range []string{first, second} {
		acct, err := lockAccount(ctx, tx, owner, m.Asset)
		if err != nil {
			return err
		}
		accts[owner] = acct
	}

	from := accts[m.FromOwner]
	to := accts[m.ToOwner]

	if from.asset != m.Asset || to.asset != m.Asset {
		return ErrAssetMismatch
	}
	if from.decimals != m.Decimals || to.decimals != m.Decimals {
		return ErrDecimalsMismatch
	}
	if m.Authority != from.owner && (from.delegate == nil || *from.delegate != m.Authority) {
		return ErrUnauthorizedMovement
	}
	if from.balance < m.Amount {
		return ErrInsufficientFunds
	}
	if m.Amount > math.MaxInt64 || to.balance > math.MaxInt64-m.Amount {
		return ErrBalanceOverflow
	}

	if err := setBalance(ctx, tx, from.owner, m.Asset, from.balance-m.Amount); err != nil {
		return err
	}
	return setBalance(ctx, tx, to.owner, m.Asset, to.balance+m.Amount)
}

// Balance reports the current balance of owner/asset under the row lock.
func (v *PG) Balance(ctx context.Context, tx pgx.Tx, owner, asset string) (uint64, error) {
	acct, err := lockAccount(ctx, tx, owner, asset)
	if err != nil {
		return 0, err
	}
	return acct.balance, nil
}

func lockAccount(ctx context.Context, tx pgx.Tx, owner, asset string) (account, error) {
	const query = `
		SELECT owner_address, asset, decimals, delegate, balance
		FROM custody_accounts
		WHERE owner_address = $1 AND asset = $2
		FOR UPDATE
	`
	var (
		acct    account
		decs    int16
		balance int64
	)
	err := tx.QueryRow(ctx, query, owner, asset).Scan(&acct.owner, &acct.asset, &decs, &acct.delegate, &balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return account{}, ErrAccountNotFound
		}
		return account{}, fmt.Errorf("vault: lock account: %w", err)
	}
	acct.decimals = uint8(decs)
	acct.balance = uint64(balance)
	return acct, nil
}

func setBalance(ctx context.Context, tx pgx.Tx, owner, asset string, balance uint64) error {
	tag, err := tx.Exec(ctx, `
		UPDATE custody_accounts SET balance = $3 WHERE owner_address = $1 AND asset = $2
	`, owner, asset, int64(balance))
	if err != nil {
		return fmt.Errorf("vault: set balance: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrAccountNotFound
	}
	return nil
}
