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

// All returns the invariant checks run continuously during stress. Each query
// selects violating rows; any result row is a failure.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_payment_balance_bounds",
			SQL:  `SELECT id, amount, balance FROM payments WHERE balance < 0 OR balance > amount`,
		},
		{
			Name: "O2_terminal_balance_zero",
			SQL: `SELECT id, status, balance FROM payments
                  WHERE status IN ('complete','refunded') AND balance <> 0`,
		},
		{
			Name: "O3_conservation",
			SQL: `SELECT p.id FROM payments p
                  WHERE p.status IN ('complete','refunded')
                    AND p.amount <> (SELECT COALESCE(SUM(t.amount),0) FROM token_transfers t
                                     WHERE t.payment_id = p.id AND t.kind <> 'escrow_fund')`,
		},
		{
			Name: "O4_account_non_negative",
			SQL:  `SELECT address, balance FROM token_accounts WHERE balance < 0`,
		},
		{
			Name: "O5_tally_matches_ballots",
			SQL: `SELECT d.id FROM disputes d
                  WHERE d.approve_votes <> (SELECT COUNT(*) FROM dispute_votes v
                                            WHERE v.dispute_id = d.id AND v.choice = 'approve')
                     OR d.reject_votes <> (SELECT COUNT(*) FROM dispute_votes v
                                           WHERE v.dispute_id = d.id AND v.choice = 'reject')`,
		},
		{
			Name: "O6_no_ballot_after_resolution",
			SQL: `SELECT v.dispute_id, v.reviewer_id FROM dispute_votes v
                  JOIN disputes d ON d.id = v.dispute_id
                  WHERE d.resolved_at IS NOT NULL AND v.created_at > d.resolved_at`,
		},
		{
			Name: "O7_bounded_reward_fan_out",
			SQL: `SELECT payment_id, COUNT(*) FROM token_transfers
                  WHERE kind = 'voter_reward'
                  GROUP BY payment_id HAVING COUNT(*) > 10`,
		},
		{
			Name: "O8_no_duplicate_voter_reward",
			SQL: `SELECT payment_id, to_address, COUNT(*) FROM token_transfers
                  WHERE kind = 'voter_reward'
                  GROUP BY payment_id, to_address HAVING COUNT(*) > 1`,
		},
		{
			Name: "O9_timeline_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT job_id, seq,
                             LAG(seq) OVER (PARTITION BY job_id ORDER BY seq) AS prev
                      FROM timeline_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O10_outbox_staleness",
			SQL: `SELECT id::text FROM outbox
                  WHERE status NOT IN ('processed','dead')
                    AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O11_disputed_job_flagged",
			SQL: `SELECT d.id FROM disputes d
                  JOIN jobs j ON j.id = d.job_id
                  WHERE j.is_disputed = false`,
		},
		{
			Name: "O12_delete_guards_present",
			SQL: `SELECT 'missing_no_delete_payments' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'no_delete_payments')
                  UNION ALL
                  SELECT 'missing_no_update_dispute_votes'
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'no_update_dispute_votes')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or empty name if all pass.
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
