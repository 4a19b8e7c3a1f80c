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

// All returns the invariant queries. Each must return zero rows on a healthy
// database; any row is a counterexample.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_at_most_one_accepted_offer",
			SQL: `SELECT session_id, COUNT(*) FROM offers
                  WHERE status = 'accepted'
                  GROUP BY session_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_transaction_iff_committed",
			SQL: `SELECT s.id FROM sessions s
                  WHERE s.status = 'committed'
                    AND NOT EXISTS (SELECT 1 FROM transactions t WHERE t.session_id = s.id)
                  UNION ALL
                  SELECT t.session_id FROM transactions t
                  JOIN sessions s ON s.id = t.session_id
                  WHERE s.status <> 'committed'`,
		},
		{
			Name: "O3_one_transaction_per_session",
			SQL: `SELECT session_id, COUNT(*) FROM transactions
                  GROUP BY session_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_transaction_offer_consistent",
			SQL: `SELECT t.id FROM transactions t
                  JOIN offers o ON o.id = t.offer_id
                  WHERE o.status <> 'accepted'
                     OR o.session_id <> t.session_id
                     OR o.beacon_id <> t.beacon_id`,
		},
		{
			Name: "O5_no_accepted_without_commit",
			SQL: `SELECT o.id FROM offers o
                  JOIN sessions s ON s.id = o.session_id
                  WHERE o.status = 'accepted' AND s.status <> 'committed'`,
		},
		{
			Name: "O6_idempotency_key_unique",
			SQL: `SELECT idempotency_key, COUNT(*) FROM transactions
                  WHERE idempotency_key IS NOT NULL
                  GROUP BY idempotency_key HAVING COUNT(*) > 1`,
		},
		{
			Name: "O7_cancelled_sessions_clean",
			SQL: `SELECT o.id FROM offers o
                  JOIN sessions s ON s.id = o.session_id
                  WHERE s.status = 'cancelled' AND o.status = 'accepted'`,
		},
		{
			Name: "O8_commit_outbox_emitted",
			SQL: `SELECT t.id FROM transactions t
                  WHERE NOT EXISTS (
                      SELECT 1 FROM outbox ob
                      WHERE ob.topic = 'transaction.committed'
                        AND ob.payload->>'transaction_id' = t.id::text)`,
		},
		{
			Name: "O9_commit_audited",
			SQL: `SELECT t.id FROM transactions t
                  WHERE NOT EXISTS (
                      SELECT 1 FROM audit_log a
                      WHERE a.entity_type = 'transaction'
                        AND a.entity_id = t.id::text
                        AND a.action = 'TRANSACTION_COMMITTED')`,
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
