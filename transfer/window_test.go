package transfer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var windowNow = time.Unix(1_700_000_000, 0)

func TestValidateWindow(t *testing.T) {
	cases := []struct {
		name  string
		after int64
		until int64
		err   error
	}{
		{name: "unbounded", after: 0, until: 0},
		{name: "lower only", after: 1_700_000_100, until: 0},
		{name: "upper only", after: 0, until: 1_700_000_100},
		{name: "both ordered", after: 1_700_000_100, until: 1_700_000_200},
		{name: "lower at now", after: 1_700_000_000, until: 0},
		{name: "inverted", after: 1_700_000_200, until: 1_700_000_100, err: ErrInvalidTimeWindow},
		{name: "equal bounds", after: 1_700_000_100, until: 1_700_000_100, err: ErrInvalidTimeWindow},
		{name: "lower in past", after: 1_699_999_999, until: 0, err: ErrInvalidTimeWindow},
		{name: "upper in past", after: 0, until: 1_699_999_999, err: ErrInvalidTimeWindow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateWindow(tc.after, tc.until, windowNow)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestClaimableAt(t *testing.T) {
	rec := Record{ClaimableAfter: 1_700_000_000, ClaimableUntil: 1_700_000_100}

	assert.ErrorIs(t, rec.ClaimableAt(time.Unix(1_699_999_999, 0)), ErrOutsideClaimWindow)
	assert.NoError(t, rec.ClaimableAt(time.Unix(1_700_000_000, 0)))
	// The upper bound itself is still claimable.
	assert.NoError(t, rec.ClaimableAt(time.Unix(1_700_000_100, 0)))
	assert.ErrorIs(t, rec.ClaimableAt(time.Unix(1_700_000_101, 0)), ErrOutsideClaimWindow)
}

func TestClaimableAtUnbounded(t *testing.T) {
	var rec Record
	assert.NoError(t, rec.ClaimableAt(windowNow))
	assert.NoError(t, rec.ClaimableAt(time.Unix(0, 0).Add(time.Second)))
}

func TestExpirableAt(t *testing.T) {
	var unbounded Record
	assert.ErrorIs(t, unbounded.ExpirableAt(windowNow), ErrInvalidTimeWindow)

	rec := Record{ClaimableUntil: 1_700_000_100}
	assert.ErrorIs(t, rec.ExpirableAt(time.Unix(1_700_000_099, 0)), ErrDeadlineNotPassed)
	// Expiry opens strictly after the claimable bound, so the two windows
	// never overlap.
	assert.ErrorIs(t, rec.ExpirableAt(time.Unix(1_700_000_100, 0)), ErrDeadlineNotPassed)
	assert.NoError(t, rec.ExpirableAt(time.Unix(1_700_000_101, 0)))
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusActive.Terminal())
	for _, s := range []Status{StatusClaimed, StatusCancelled, StatusRejected, StatusExpired, StatusDeclined} {
		assert.True(t, s.Terminal(), string(s))
	}
}
