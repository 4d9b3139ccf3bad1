package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const disputeColumns = `id, job_id, payment_id, status::text, approve_votes, reject_votes,
	end_time, created_at, updated_at, resolved_at`

// Repository is the persistence surface for disputes and ballots. All writes
// run inside the engine's transaction.
type Repository interface {
	GetByID(ctx context.Context, disputeID string) (Dispute, error)
	GetByJob(ctx context.Context, jobID string) (Dispute, error)
	ListPending(ctx context.Context) ([]Dispute, error)
	ListBallots(ctx context.Context, disputeID string) ([]Ballot, error)

	CreateTx(ctx context.Context, tx pgx.Tx, jobID string, paymentID int64, endTime time.Time) (Dispute, error)
	GetForUpdateTx(ctx context.Context, tx pgx.Tx, disputeID string) (Dispute, error)
	RecordVoteTx(ctx context.Context, tx pgx.Tx, disputeID, reviewerID string, choice Choice) error
	WinningBallotsTx(ctx context.Context, tx pgx.Tx, disputeID string, choice Choice) ([]Ballot, error)
	ResolveTx(ctx context.Context, tx pgx.Tx, disputeID string, status Status, resolvedAt time.Time) error
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) GetByID(ctx context.Context, disputeID string) (Dispute, error) {
	const query = `SELECT ` + disputeColumns + ` FROM disputes WHERE id = $1`
	return r.scanOne(r.pool.QueryRow(ctx, query, disputeID))
}

func (r *PGRepository) GetByJob(ctx context.Context, jobID string) (Dispute, error) {
	const query = `SELECT ` + disputeColumns + ` FROM disputes WHERE job_id = $1`
	return r.scanOne(r.pool.QueryRow(ctx, query, jobID))
}

func (r *PGRepository) ListPending(ctx context.Context) ([]Dispute, error) {
	const query = `SELECT ` + disputeColumns + ` FROM disputes WHERE status = 'pending' ORDER BY end_time ASC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("dispute: list pending: %w", err)
	}
	defer rows.Close()

	out := make([]Dispute, 0, 8)
	for rows.Next() {
		d, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate pending: %w", err)
	}
	return out, nil
}

func (r *PGRepository) ListBallots(ctx context.Context, disputeID string) ([]Ballot, error) {
	const query = `
		SELECT dispute_id, reviewer_id, choice::text, cast_seq, created_at
		FROM dispute_votes
		WHERE dispute_id = $1
		ORDER BY cast_seq ASC
	`
	rows, err := r.pool.Query(ctx, query, disputeID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list ballots: %w", err)
	}
	defer rows.Close()
	return scanBallots(rows)
}

func (r *PGRepository) CreateTx(ctx context.Context, tx pgx.Tx, jobID string, paymentID int64, endTime time.Time) (Dispute, error) {
	const query = `
		INSERT INTO disputes (job_id, payment_id, end_time)
		VALUES ($1, $2, $3)
		RETURNING ` + disputeColumns
	d, err := r.scanOne(tx.QueryRow(ctx, query, jobID, paymentID, endTime))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Dispute{}, ErrAlreadyDisputed
		}
		return Dispute{}, err
	}
	return d, nil
}

func (r *PGRepository) GetForUpdateTx(ctx context.Context, tx pgx.Tx, disputeID string) (Dispute, error) {
	const query = `SELECT ` + disputeColumns + ` FROM disputes WHERE id = $1 FOR UPDATE`
	return r.scanOne(tx.QueryRow(ctx, query, disputeID))
}

// RecordVoteTx inserts the write-once ballot and bumps the matching tally.
func (r *PGRepository) RecordVoteTx(ctx context.Context, tx pgx.Tx, disputeID, reviewerID string, choice Choice) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO dispute_votes (dispute_id, reviewer_id, choice)
		VALUES ($1, $2, $3)
	`, disputeID, reviewerID, choice); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyVoted
		}
		return fmt.Errorf("dispute: record vote: %w", err)
	}

	column := "approve_votes"
	if choice == ChoiceReject {
		column = "reject_votes"
	}
	if _, err := tx.Exec(ctx, `
		UPDATE disputes SET `+column+` = `+column+` + 1, updated_at = now() WHERE id = $1
	`, disputeID); err != nil {
		return fmt.Errorf("dispute: bump tally: %w", err)
	}
	return nil
}

func (r *PGRepository) WinningBallotsTx(ctx context.Context, tx pgx.Tx, disputeID string, choice Choice) ([]Ballot, error) {
	const query = `
		SELECT dispute_id, reviewer_id, choice::text, cast_seq, created_at
		FROM dispute_votes
		WHERE dispute_id = $1 AND choice = $2
		ORDER BY cast_seq ASC
	`
	rows, err := tx.Query(ctx, query, disputeID, choice)
	if err != nil {
		return nil, fmt.Errorf("dispute: winning ballots: %w", err)
	}
	defer rows.Close()
	return scanBallots(rows)
}

func (r *PGRepository) ResolveTx(ctx context.Context, tx pgx.Tx, disputeID string, status Status, resolvedAt time.Time) error {
	if _, err := tx.Exec(ctx, `
		UPDATE disputes
		SET status = $2, resolved_at = $3, updated_at = now()
		WHERE id = $1
	`, disputeID, status, resolvedAt); err != nil {
		return fmt.Errorf("dispute: resolve %s: %w", disputeID, err)
	}
	return nil
}

func (r *PGRepository) scanOne(row pgx.Row) (Dispute, error) {
	var d Dispute
	err := row.Scan(
		&d.ID, &d.JobID, &d.PaymentID, &d.Status, &d.ApproveVotes, &d.RejectVotes,
		&d.EndTime, &d.CreatedAt, &d.UpdatedAt, &d.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: scan: %w", err)
	}
	return d, nil
}

func scanBallots(rows pgx.Rows) ([]Ballot, error) {
	out := make([]Ballot, 0, 8)
	for rows.Next() {
		var b Ballot
		if err := rows.Scan(&b.DisputeID, &b.ReviewerID, &b.Choice, &b.CastSeq, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan ballot: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate ballots: %w", err)
	}
	return out, nil
}
