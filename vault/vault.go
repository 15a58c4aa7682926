// Package vault moves custodied value between ledger accounts. Every escrow
// operation that touches funds goes through the Transferrer interface inside
// the caller's transaction; a failed movement aborts the whole operation when
// the caller rolls the transaction back.
package vault

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrAccountNotFound is returned when the source or destination custody account does not exist.
	ErrAccountNotFound = errors.New("vault: custody account not found")
	// ErrInsufficientFunds is returned when the source account cannot cover the movement.
	ErrInsufficientFunds = errors.New("vault: insufficient funds")
	// ErrAssetMismatch is returned when an account holds a different asset than requested.
	ErrAssetMismatch = errors.New("vault: asset mismatch")
	// ErrDecimalsMismatch is returned when the caller-declared precision disagrees with the account.
	ErrDecimalsMismatch = errors.New("vault: decimals mismatch")
	// ErrUnauthorizedMovement is returned when the authorizing party does not own the source account.
	ErrUnauthorizedMovement = errors.New("vault: authority does not own source account")
	// ErrBalanceOverflow is returned when crediting would overflow the destination balance.
	ErrBalanceOverflow = errors.New("vault: balance overflow")
	// ErrInvalidAmount is returned for zero-amount movements.
	ErrInvalidAmount = errors.New("vault: amount must be positive")
)

// Movement describes one checked transfer between two custody accounts.
type Movement struct {
	FromOwner string
	ToOwner   string
	// Authority is the party authorizing the debit. It must own the source
	// account, or be the delegated authority recorded on it.
	Authority string
	Asset     string
	Decimals  uint8
	Amount    uint64
}

// Transferrer is the verified-transfer primitive. Implementations must make no
// partial updates: either both balances move or neither does.
type Transferrer interface {
	TransferChecked(ctx context.Context, tx pgx.Tx, m Movement) error
	Balance(ctx context.Context, tx pgx.Tx, owner, asset string) (uint64, error)
}
