// Package transfer implements the per-escrow transfer record and its
// one-directional state machine: an active record resolves exactly once into
// claimed, cancelled, rejected, expired, or declined.
package transfer

import (
	"errors"
	"time"
)

// MemoMaxLen is the fixed memo capacity in bytes.
const MemoMaxLen = 64

// DefaultRentDeposit is the refundable storage deposit charged in the pool's
// asset when a record is created and returned when it resolves.
const DefaultRentDeposit uint64 = 1_000

// Status is the lifecycle tag of a transfer record.
type Status string

const (
	StatusActive    Status = "active"
	StatusClaimed   Status = "claimed"
	StatusCancelled Status = "cancelled"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
	StatusDeclined  Status = "declined"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s != StatusActive
}

// ConditionType tags the reserved release-conditions extension point. The
// variants are stored but never consulted by any resolving transition.
type ConditionType string

const (
	ConditionTimeDelay ConditionType = "time_delay"
	ConditionMultiSig  ConditionType = "multi_sig"
	ConditionOracle    ConditionType = "oracle"
	ConditionMilestone ConditionType = "milestone"
)

// ReleaseConditions is the inert structured-conditions payload.
type ReleaseConditions struct {
	Type   ConditionType
	Params []byte
}

var (
	// ErrTransferNotActive covers every already-resolved record, regardless of
	// which terminal state it reached. The loser of a resolution race gets this.
	ErrTransferNotActive = errors.New("transfer: not active")
	// ErrTransferNotFound is returned when no record exists for the address.
	ErrTransferNotFound = errors.New("transfer: not found")
	// ErrTransferExists is returned when the derived address is already taken;
	// retrying a create with the same sender, recipient, and nonce hits this
	// instead of double-creating.
	ErrTransferExists = errors.New("transfer: already exists")
	// ErrWrongPool is returned when a record's pool back-reference does not
	// match the pool the caller named.
	ErrWrongPool = errors.New("transfer: record belongs to a different pool")

	// ErrOnlySenderCanCancel, ErrOnlyRecipientCanClaim and friends are kept
	// distinct per role so clients can tell which party was required.
	ErrOnlySenderCanCancel     = errors.New("transfer: only sender can cancel")
	ErrOnlyRecipientCanClaim   = errors.New("transfer: only recipient can claim")
	ErrOnlyRecipientCanDecline = errors.New("transfer: only recipient can decline")

	// ErrDepositTooSmall rejects zero-amount creations.
	ErrDepositTooSmall = errors.New("transfer: deposit too small")
	// ErrMemoTooLong rejects memos over MemoMaxLen bytes.
	ErrMemoTooLong = errors.New("transfer: memo too long")
	// ErrPoolNotPaused guards the emergency destroy path, which is only legal
	// while the pool is paused.
	ErrPoolNotPaused = errors.New("transfer: pool not paused")
)

// Record mirrors one transfers row. Terminal rows are retained with
// resolved_at set as the audit trail; the storage deposit refund is the
// reclamation the original storage model performed on close.
type Record struct {
	Address        string
	Nonce          uint64
	Sender         string
	Recipient      string
	Pool           string
	Amount         uint64
	Memo           string
	RentDeposit    uint64
	Status         Status
	ClaimableAfter int64
	ClaimableUntil int64
	Conditions     *ReleaseConditions
	ComplianceHash []byte
	CreatedAt      time.Time
	ResolvedAt     *time.Time
}
