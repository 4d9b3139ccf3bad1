package job

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const jobColumns = `id, client_id, COALESCE(freelancer_id::text, ''), title, description, reward,
	status::text, payment_id, is_disputed, created_at, updated_at`

// Repository is the persistence surface for listings and applications. Methods
// suffixed Tx run inside the caller's transaction.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (Job, error)
	GetByID(ctx context.Context, jobID string) (Job, error)
	ListOpen(ctx context.Context) ([]Job, error)
	ListByClient(ctx context.Context, clientID string) ([]Job, error)

	CreateApplication(ctx context.Context, jobID, freelancerID, note string) (Application, error)
	ListApplications(ctx context.Context, jobID string) ([]Application, error)

	GetForUpdateTx(ctx context.Context, tx pgx.Tx, jobID string) (Job, error)
	GetApplicationTx(ctx context.Context, tx pgx.Tx, applicationID string) (Application, error)
	AcceptApplicationTx(ctx context.Context, tx pgx.Tx, jobID, applicationID string) error
	AssignTx(ctx context.Context, tx pgx.Tx, jobID, freelancerID string, paymentID int64) error
	SetStatusTx(ctx context.Context, tx pgx.Tx, jobID string, status Status) error
	SetDisputedTx(ctx context.Context, tx pgx.Tx, jobID string, disputed bool, status Status) error
}

// CreateParams enumerates the fields for posting a listing.
type CreateParams struct {
	ClientID    string
	Title       string
	Description string
	Reward      int64
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Create(ctx context.Context, params CreateParams) (Job, error) {
	const query = `
		INSERT INTO jobs (client_id, title, description, reward)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + jobColumns
	var j Job
	err := r.pool.QueryRow(ctx, query,
		params.ClientID, params.Title, params.Description, params.Reward,
	).Scan(
		&j.ID, &j.ClientID, &j.FreelancerID, &j.Title, &j.Description, &j.Reward,
		&j.Status, &j.PaymentID, &j.IsDisputed, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return Job{}, fmt.Errorf("job: create: %w", err)
	}
	return j, nil
}

func (r *PGRepository) GetByID(ctx context.Context, jobID string) (Job, error) {
	const query = `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	var j Job
	err := r.pool.QueryRow(ctx, query, jobID).Scan(
		&j.ID, &j.ClientID, &j.FreelancerID, &j.Title, &j.Description, &j.Reward,
		&j.Status, &j.PaymentID, &j.IsDisputed, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, fmt.Errorf("job: get %s: %w", jobID, err)
	}
	return j, nil
}

func (r *PGRepository) ListOpen(ctx context.Context) ([]Job, error) {
	const query = `SELECT ` + jobColumns + ` FROM jobs WHERE status = 'open' ORDER BY created_at DESC`
	return r.list(ctx, query)
}

func (r *PGRepository) ListByClient(ctx context.Context, clientID string) ([]Job, error) {
	const query = `SELECT ` + jobColumns + ` FROM jobs WHERE client_id = $1 ORDER BY created_at DESC`
	return r.list(ctx, query, clientID)
}

func (r *PGRepository) list(ctx context.Context, query string, args ...any) ([]Job, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("job: list: %w", err)
	}
	defer rows.Close()

	jobs := make([]Job, 0, 8)
	for rows.Next() {
		var j Job
		if err := rows.Scan(
			&j.ID, &j.ClientID, &j.FreelancerID, &j.Title, &j.Description, &j.Reward,
			&j.Status, &j.PaymentID, &j.IsDisputed, &j.CreatedAt, &j.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("job: scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job: iterate: %w", err)
	}
	return jobs, nil
}

func (r *PGRepository) CreateApplication(ctx context.Context, jobID, freelancerID, note string) (Application, error) {
	const query = `
		INSERT INTO job_applications (job_id, freelancer_id, note)
		VALUES ($1, $2, $3)
		RETURNING id, job_id, freelancer_id, note, state::text, created_at
	`
	var a Application
	err := r.pool.QueryRow(ctx, query, jobID, freelancerID, note).Scan(
		&a.ID, &a.JobID, &a.FreelancerID, &a.Note, &a.State, &a.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Application{}, ErrAlreadyApplied
		}
		return Application{}, fmt.Errorf("job: create application: %w", err)
	}
	return a, nil
}

func (r *PGRepository) ListApplications(ctx context.Context, jobID string) ([]Application, error) {
	const query = `
		SELECT id, job_id, freelancer_id, note, state::text, created_at
		FROM job_applications
		WHERE job_id = $1
		ORDER BY created_at ASC
	`
	rows, err := r.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("job: list applications: %w", err)
	}
	defer rows.Close()

	apps := make([]Application, 0, 8)
	for rows.Next() {
		var a Application
		if err := rows.Scan(&a.ID, &a.JobID, &a.FreelancerID, &a.Note, &a.State, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("job: scan application: %w", err)
		}
		apps = append(apps, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job: iterate applications: %w", err)
	}
	return apps, nil
}

func (r *PGRepository) GetForUpdateTx(ctx context.Context, tx pgx.Tx, jobID string) (Job, error) {
	const query = `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1 FOR UPDATE`
	var j Job
	err := tx.QueryRow(ctx, query, jobID).Scan(
		&j.ID, &j.ClientID, &j.FreelancerID, &j.Title, &j.Description, &j.Reward,
		&j.Status, &j.PaymentID, &j.IsDisputed, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, fmt.Errorf("job: lock %s: %w", jobID, err)
	}
	return j, nil
}

func (r *PGRepository) GetApplicationTx(ctx context.Context, tx pgx.Tx, applicationID string) (Application, error) {
	const query = `
		SELECT id, job_id, freelancer_id, note, state::text, created_at
		FROM job_applications
		WHERE id = $1
		FOR UPDATE
	`
	var a Application
	err := tx.QueryRow(ctx, query, applicationID).Scan(
		&a.ID, &a.JobID, &a.FreelancerID, &a.Note, &a.State, &a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Application{}, ErrApplicationNotFound
		}
		return Application{}, fmt.Errorf("job: lock application %s: %w", applicationID, err)
	}
	return a, nil
}

// AcceptApplicationTx marks the chosen application accepted and every other
// pending application for the job rejected.
func (r *PGRepository) AcceptApplicationTx(ctx context.Context, tx pgx.Tx, jobID, applicationID string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE job_applications SET state = 'accepted' WHERE id = $1
	`, applicationID); err != nil {
		return fmt.Errorf("job: accept application: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE job_applications SET state = 'rejected'
		WHERE job_id = $1 AND id <> $2 AND state = 'pending'
	`, jobID, applicationID); err != nil {
		return fmt.Errorf("job: reject other applications: %w", err)
	}
	return nil
}

func (r *PGRepository) AssignTx(ctx context.Context, tx pgx.Tx, jobID, freelancerID string, paymentID int64) error {
	if _, err := tx.Exec(ctx, `
		UPDATE jobs
		SET freelancer_id = $2, payment_id = $3, status = 'assigned', updated_at = now()
		WHERE id = $1
	`, jobID, freelancerID, paymentID); err != nil {
		return fmt.Errorf("job: assign %s: %w", jobID, err)
	}
	return nil
}

func (r *PGRepository) SetStatusTx(ctx context.Context, tx pgx.Tx, jobID string, status Status) error {
	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = now() WHERE id = $1
	`, jobID, status); err != nil {
		return fmt.Errorf("job: set status %s: %w", jobID, err)
	}
	return nil
}

func (r *PGRepository) SetDisputedTx(ctx context.Context, tx pgx.Tx, jobID string, disputed bool, status Status) error {
	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET is_disputed = $2, status = $3, updated_at = now() WHERE id = $1
	`, jobID, disputed, status); err != nil {
		return fmt.Errorf("job: set disputed %s: %w", jobID, err)
	}
	return nil
}
