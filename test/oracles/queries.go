// Package oracles holds SQL invariant checks run against the live database
// while the actors hammer it. Every query returns rows only when an
// invariant is broken.
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
			Name: "O1_no_duplicate_settlement",
			SQL: `SELECT escrow_id, kind, COUNT(*) FROM payouts
                  GROUP BY escrow_id, kind HAVING COUNT(*) > 1`,
		},
		{
			// Principal-denominated payouts of a settled escrow must sum to
			// exactly the custodied amount. Dispute fee legs are funded by
			// the initiator's fee, not the principal.
			Name: "O2_payout_conservation",
			SQL: `SELECT e.id, e.amount, SUM(p.amount) AS paid
                  FROM escrows e
                  JOIN payouts p ON p.escrow_id = e.id
                  WHERE e.state IN ('complete', 'closed')
                    AND p.kind NOT IN ('dispute_fee_forfeit', 'dispute_fee_refund')
                  GROUP BY e.id, e.amount
                  HAVING SUM(p.amount) <> e.amount`,
		},
		{
			Name: "O3_no_payout_before_settlement",
			SQL: `SELECT DISTINCT p.escrow_id FROM payouts p
                  JOIN escrows e ON e.id = p.escrow_id
                  WHERE e.state NOT IN ('complete', 'closed')`,
		},
		{
			Name: "O4_settled_escrow_has_payouts",
			SQL: `SELECT e.id FROM escrows e
                  WHERE e.state IN ('complete', 'closed')
                    AND NOT EXISTS (SELECT 1 FROM payouts p WHERE p.escrow_id = e.id)`,
		},
		{
			// proof_ref is set exactly when the escrow moved past funded on
			// the proof path. funded escrows carry none; proof_sent always
			// carries one.
			Name: "O5_proof_ref_consistency",
			SQL: `SELECT id, state FROM escrows
                  WHERE (state = 'funded' AND proof_ref IS NOT NULL)
                     OR (state IN ('proof_sent', 'complete', 'holder_disputed') AND proof_ref IS NULL)`,
		},
		{
			Name: "O6_disputed_escrow_links_dispute",
			SQL: `SELECT e.id, e.state FROM escrows e
                  WHERE e.state IN ('provider_disputed', 'holder_disputed', 'closed')
                    AND (e.dispute_id IS NULL
                         OR NOT EXISTS (SELECT 1 FROM disputes d WHERE d.id = e.dispute_id))`,
		},
		{
			Name: "O7_resolved_dispute_closed_escrow",
			SQL: `SELECT d.id FROM disputes d
                  JOIN escrows e ON e.id = d.escrow_id
                  WHERE d.resolved AND e.state <> 'closed'`,
		},
		{
			Name: "O8_unresolved_dispute_carries_no_ruling",
			SQL: `SELECT id FROM disputes
                  WHERE (NOT resolved AND ruling <> 'none')
                     OR (resolved AND ruling = 'none')
                     OR (resolved AND resolved_at IS NULL)`,
		},
		{
			// Every accepted escrow burned both signers' nonces.
			Name: "O9_nonces_claimed_for_every_escrow",
			SQL: `SELECT e.id FROM escrows e
                  WHERE NOT EXISTS (SELECT 1 FROM nonces n WHERE n.signer = e.holder AND n.nonce = e.nonce)
                     OR NOT EXISTS (SELECT 1 FROM nonces n WHERE n.signer = e.provider AND n.nonce = e.nonce)`,
		},
		{
			Name: "O10_nonce_backs_one_escrow",
			SQL: `SELECT holder, nonce, COUNT(*) FROM escrows
                  GROUP BY holder, nonce HAVING COUNT(*) > 1`,
		},
		{
			// Funded events exist for every escrow; the audit log is written
			// in the same transaction as the insert.
			Name: "O11_funded_event_present",
			SQL: `SELECT e.id FROM escrows e
                  WHERE NOT EXISTS (
                      SELECT 1 FROM escrow_events ev
                      WHERE ev.escrow_id = e.id AND ev.type = 'ESCROW_FUNDED')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample
// row text) or an empty name when all pass.
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
