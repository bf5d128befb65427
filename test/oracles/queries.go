package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that must return no rows while the system is consistent.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_one_open_escalation",
			SQL: `SELECT order_id, COUNT(*) FROM escalations
                  WHERE resolved_at IS NULL
                  GROUP BY order_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_release_justified",
			SQL: `SELECT o.id FROM orders o
                  WHERE o.escrow_status = 'released'
                    AND NOT (o.buyer_confirmed_at IS NOT NULL AND o.seller_confirmed_at IS NOT NULL)
                    AND NOT EXISTS (SELECT 1 FROM escalations e
                                    WHERE e.order_id = o.id AND e.resolution_action = 'released')`,
		},
		{
			Name: "O3_refund_justified",
			SQL: `SELECT o.id FROM orders o
                  WHERE o.escrow_status = 'refunded'
                    AND NOT EXISTS (SELECT 1 FROM escalations e
                                    WHERE e.order_id = o.id AND e.resolution_action = 'refunded')`,
		},
		{
			Name: "O4_dispute_has_escalation",
			SQL: `SELECT o.id FROM orders o
                  WHERE (o.status = 'disputed' OR o.escrow_status = 'disputed')
                    AND NOT EXISTS (SELECT 1 FROM escalations e
                                    WHERE e.order_id = o.id AND e.resolved_at IS NULL)`,
		},
		{
			Name: "O5_escalation_has_dispute",
			SQL: `SELECT e.id FROM escalations e
                  JOIN orders o ON o.id = e.order_id
                  WHERE e.resolved_at IS NULL
                    AND (o.status <> 'disputed' OR o.escrow_status <> 'disputed')`,
		},
		{
			Name: "O6_one_ledger_instruction",
			SQL: `WITH counts AS (
                      SELECT o.id, o.status,
                             (SELECT COUNT(*) FROM outbox m WHERE m.payload->>'order_id' = o.id::text) AS n
                      FROM orders o)
                  SELECT id, status, n FROM counts
                  WHERE (status IN ('completed', 'refunded') AND n <> 1)
                     OR (status NOT IN ('completed', 'refunded') AND n <> 0)`,
		},
		{
			Name: "O7_ship_needs_both_approvals",
			SQL: `SELECT id FROM orders
                  WHERE delivery_option = 'ship'
                    AND NOT (buyer_approved_shipping AND seller_approved_shipping)`,
		},
		{
			Name: "O8_escalation_guard",
			SQL: `SELECT 'missing_escalations_guard_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'escalations_guard_trg')`,
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
