package review

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists reviews.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (Review, error)
	ListForSubject(ctx context.Context, subjectID string) ([]Review, error)
	ListForJob(ctx context.Context, jobID string) ([]Review, error)
}

// CreateParams enumerates the fields of a new review.
type CreateParams struct {
	JobID     string
	AuthorID  string
	SubjectID string
	Rating    int
	Comment   string
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Create inserts the review and refreshes the subject's average rating in the
// same transaction.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (Review, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Review{}, fmt.Errorf("review: begin create tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const query = `
		INSERT INTO reviews (job_id, author_id, subject_id, rating, comment)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, job_id, author_id, subject_id, rating, comment, created_at
	`
	var rec Review
	err = tx.QueryRow(ctx, query,
		params.JobID, params.AuthorID, params.SubjectID, params.Rating, params.Comment,
	).Scan(&rec.ID, &rec.JobID, &rec.AuthorID, &rec.SubjectID, &rec.Rating, &rec.Comment, &rec.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Review{}, ErrAlreadyReviewed
		}
		return Review{}, fmt.Errorf("review: create: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE users
		SET rating = (SELECT AVG(rating) FROM reviews WHERE subject_id = $1), updated_at = now()
		WHERE id = $1
	`, params.SubjectID); err != nil {
		return Review{}, fmt.Errorf("review: refresh subject rating: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Review{}, fmt.Errorf("review: commit create tx: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) ListForSubject(ctx context.Context, subjectID string) ([]Review, error) {
	const query = `
		SELECT id, job_id, author_id, subject_id, rating, comment, created_at
		FROM reviews
		WHERE subject_id = $1
		ORDER BY created_at DESC
	`
	return r.list(ctx, query, subjectID)
}

func (r *PGRepository) ListForJob(ctx context.Context, jobID string) ([]Review, error) {
	const query = `
		SELECT id, job_id, author_id, subject_id, rating, comment, created_at
		FROM reviews
		WHERE job_id = $1
		ORDER BY created_at ASC
	`
	return r.list(ctx, query, jobID)
}

func (r *PGRepository) list(ctx context.Context, query string, args ...any) ([]Review, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("review: list: %w", err)
	}
	defer rows.Close()

	out := make([]Review, 0, 8)
	for rows.Next() {
		var rec Review
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.AuthorID, &rec.SubjectID, &rec.Rating, &rec.Comment, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("review: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("review: iterate: %w", err)
	}
	return out, nil
}
