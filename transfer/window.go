package transfer

import (
	"errors"
	"time"
)

var (
	// ErrInvalidTimeWindow rejects windows with lower >= upper, bounds in the
	// past at creation, or an expire call on an unbounded record.
	ErrInvalidTimeWindow = errors.New("transfer: invalid time window")
	// ErrOutsideClaimWindow is returned when a claim lands before the window
	// opens or after it closes.
	ErrOutsideClaimWindow = errors.New("transfer: outside claim window")
	// ErrDeadlineNotPassed is returned when expire is called before the upper
	// bound has elapsed.
	ErrDeadlineNotPassed = errors.New("transfer: claim deadline not passed")
)

// ValidateWindow checks a caller-supplied claim window at creation time.
// A zero bound is unbounded on that side; set bounds must not already be past,
// and a fully bounded window must satisfy lower < upper.
func ValidateWindow(after, until int64, now time.Time) error {
	ts := now.Unix()
	if after > 0 && until > 0 && after >= until {
		return ErrInvalidTimeWindow
	}
	if after > 0 && after < ts {
		return ErrInvalidTimeWindow
	}
	if until > 0 && until < ts {
		return ErrInvalidTimeWindow
	}
	return nil
}

// ClaimableAt reports whether now falls within the record's claim window.
func (r *Record) ClaimableAt(now time.Time) error {
	ts := now.Unix()
	if r.ClaimableAfter > 0 && ts < r.ClaimableAfter {
		return ErrOutsideClaimWindow
	}
	if r.ClaimableUntil > 0 && ts > r.ClaimableUntil {
		return ErrOutsideClaimWindow
	}
	return nil
}

// ExpirableAt reports whether the record can be expired: the upper bound must
// be set, and now must be past it.
func (r *Record) ExpirableAt(now time.Time) error {
	if r.ClaimableUntil == 0 {
		return ErrInvalidTimeWindow
	}
	if now.Unix() <= r.ClaimableUntil {
		return ErrDeadlineNotPassed
	}
	return nil
}
