// Package oracles holds the SQL invariants checked while the stress actors
// run. Each oracle is a query over committed state that must return zero rows;
// the first row returned is the counterexample.
package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_ledger_conservation",
			SQL: `SELECT address, total_deposited, total_withdrawn, total_escrowed FROM pools
                  WHERE total_escrowed <> total_deposited - total_withdrawn`,
		},
		{
			Name: "O2_resolved_within_created",
			SQL: `SELECT address, created_count, resolved_count FROM pools
                  WHERE resolved_count > created_count`,
		},
		{
			Name: "O3_active_rows_match_counters",
			SQL: `SELECT p.address, p.created_count, p.resolved_count, COALESCE(t.active, 0) AS active_rows
                  FROM pools p
                  LEFT JOIN (
                      SELECT pool, COUNT(*) AS active FROM transfers
                      WHERE status = 'active' GROUP BY pool
                  ) t ON t.pool = p.address
                  WHERE COALESCE(t.active, 0) <> p.created_count - p.resolved_count`,
		},
		{
			Name: "O4_no_negative_balances",
			SQL:  `SELECT owner_address, asset, balance FROM custody_accounts WHERE balance < 0`,
		},
		{
			Name: "O5_vault_covers_liabilities",
			SQL: `SELECT p.address, c.balance, p.total_escrowed, p.collected_fees, COALESCE(t.rents, 0) AS active_rents
                  FROM pools p
                  JOIN custody_accounts c ON c.owner_address = p.vault_address AND c.asset = p.asset
                  LEFT JOIN (
                      SELECT pool, SUM(rent_deposit) AS rents FROM transfers
                      WHERE status = 'active' GROUP BY pool
                  ) t ON t.pool = p.address
                  WHERE c.balance <> p.total_escrowed + p.collected_fees + COALESCE(t.rents, 0)`,
		},
		{
			Name: "O6_terminal_rows_timestamped",
			SQL: `SELECT address, status, resolved_at FROM transfers
                  WHERE (status = 'active') <> (resolved_at IS NULL)`,
		},
		{
			Name: "O7_one_event_per_resolution",
			SQL: `SELECT 'count_mismatch' AS detail
                  WHERE (SELECT COUNT(*) FROM transfers WHERE status <> 'active')
                     <> (SELECT COUNT(*) FROM outbox WHERE topic IN (
                            'transfer.claimed','transfer.cancelled','transfer.declined',
                            'transfer.rejected','transfer.expired','transfer.destroyed'))`,
		},
		{
			Name: "O8_fee_never_exceeds_amount",
			SQL: `SELECT id, payload FROM outbox
                  WHERE topic = 'transfer.claimed'
                    AND (payload->>'fee')::numeric > (payload->>'amount')::numeric`,
		},
		{
			Name: "O9_no_overdraw",
			SQL: `SELECT address, total_deposited, total_withdrawn FROM pools
                  WHERE total_withdrawn > total_deposited`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
