// Package actors contains the concurrent workloads used by the stress test.
// Every actor drives the real services, so races surface the same way they
// would in production; domain errors (lost races, closed windows, role
// rejections) are expected under contention and ignored. Invariant checking
// is the oracles' job.
package actors

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/pool"
	"escrowflow/transfer"
)

// Env bundles the shared world every actor operates in.
type Env struct {
	DB        *pgxpool.Pool
	Pools     *pool.Service
	Transfers *transfer.Service
	PoolAddr  string
	Operator  string
	Sender    string
	Recipient string
}

// Creator opens new escrow locks with a monotonically increasing nonce. A
// quarter of them get a short claim deadline so the expirer has work.
func Creator(ctx context.Context, env Env, nonce *atomic.Uint64, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		params := transfer.CreateParams{
			PoolAddress: env.PoolAddr,
			Sender:      env.Sender,
			Recipient:   env.Recipient,
			Nonce:       nonce.Add(1),
			Amount:      uint64(1 + rand.Intn(1000)),
		}
		if rand.Intn(4) == 0 {
			params.ClaimableUntil = time.Now().Add(time.Duration(2+rand.Intn(3)) * time.Second).Unix()
		}
		_, _ = env.Transfers.Create(ctx, params)
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Claimer picks a random active transfer and claims it as the recipient.
func Claimer(ctx context.Context, env Env, stop <-chan struct{}) error {
	return resolveLoop(ctx, env, stop, 20, func(addr string) {
		_, _ = env.Transfers.Claim(ctx, env.PoolAddr, addr, env.Recipient)
	})
}

// Canceller races the claimer by cancelling active transfers as the sender.
func Canceller(ctx context.Context, env Env, stop <-chan struct{}) error {
	return resolveLoop(ctx, env, stop, 35, func(addr string) {
		_, _ = env.Transfers.Cancel(ctx, env.PoolAddr, addr, env.Sender)
	})
}

// Decliner refuses transfers as the recipient with a random reason code.
func Decliner(ctx context.Context, env Env, stop <-chan struct{}) error {
	return resolveLoop(ctx, env, stop, 60, func(addr string) {
		reason := uint8(rand.Intn(4))
		_, _ = env.Transfers.Decline(ctx, env.PoolAddr, addr, env.Recipient, &reason)
	})
}

// Rejecter refunds transfers as the operator.
func Rejecter(ctx context.Context, env Env, stop <-chan struct{}) error {
	return resolveLoop(ctx, env, stop, 80, func(addr string) {
		_, _ = env.Transfers.Reject(ctx, env.PoolAddr, addr, env.Operator, nil)
	})
}

// Expirer sweeps deadline-bound transfers once their windows close. The call
// is permissionless, so it carries no actor identity.
func Expirer(ctx context.Context, env Env, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var addr string
		_ = env.DB.QueryRow(ctx, `
			SELECT address FROM transfers
			WHERE pool = $1 AND status = 'active' AND claimable_until > 0
			ORDER BY claimable_until ASC LIMIT 1
		`, env.PoolAddr).Scan(&addr)
		if addr != "" {
			_, _ = env.Transfers.Expire(ctx, env.PoolAddr, addr)
		}
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// Sweeper periodically moves collected fees to the operator.
func Sweeper(ctx context.Context, env Env, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, _ = env.Pools.SweepFees(ctx, env.PoolAddr, env.Operator)
		time.Sleep(time.Duration(200+rand.Intn(300)) * time.Millisecond)
	}
}

// Pauser flips the pool into its emergency state, destroys one stuck transfer
// while paused, then resumes. Creations hitting the paused window are expected
// to fail.
func Pauser(ctx context.Context, env Env, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := env.Pools.SetPaused(ctx, env.PoolAddr, env.Operator, true); err == nil {
			if addr := randomActive(ctx, env); addr != "" {
				_, _ = env.Transfers.Destroy(ctx, env.PoolAddr, addr, env.Operator)
			}
			_ = env.Pools.SetPaused(ctx, env.PoolAddr, env.Operator, false)
		}
		time.Sleep(time.Duration(500+rand.Intn(500)) * time.Millisecond)
	}
}

func resolveLoop(ctx context.Context, env Env, stop <-chan struct{}, pauseMs int, attempt func(addr string)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if addr := randomActive(ctx, env); addr != "" {
			attempt(addr)
		}
		time.Sleep(time.Duration(pauseMs+rand.Intn(pauseMs)) * time.Millisecond)
	}
}

func randomActive(ctx context.Context, env Env) string {
	var addr string
	_ = env.DB.QueryRow(ctx, `
		SELECT address FROM transfers
		WHERE pool = $1 AND status = 'active'
		ORDER BY random() LIMIT 1
	`, env.PoolAddr).Scan(&addr)
	return addr
}
