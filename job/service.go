package job

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/ryo-wijaya/sprout/escrow"
)

// TxBeginner starts database transactions. Satisfied by *pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// EscrowGateway is the capability handle this service holds over escrowed
// payments. Satisfied by *escrow.ListingGateway.
type EscrowGateway interface {
	InitiateTx(ctx context.Context, tx pgx.Tx, params escrow.InitiateParams) (int64, error)
	ConfirmDeliveryTx(ctx context.Context, tx pgx.Tx, paymentID int64, withStake bool) error
}

// RoleDirectory answers role membership questions. Satisfied by *auth.Service.
type RoleDirectory interface {
	IsClient(ctx context.Context, userID string) (bool, error)
	IsFreelancer(ctx context.Context, userID string) (bool, error)
}

// Service owns the listing lifecycle. Accepting an application, funding the
// escrow and assigning the freelancer happen in one transaction, so a job is
// never assigned without custody of the reward and stake.
type Service struct {
	pool   TxBeginner
	repo   Repository
	escrow EscrowGateway
	roles  RoleDirectory
	stake  int64
}

func NewService(pool TxBeginner, repo Repository, gateway EscrowGateway, roles RoleDirectory, stake int64) *Service {
	return &Service{pool: pool, repo: repo, escrow: gateway, roles: roles, stake: stake}
}

// Post creates an open listing.
func (s *Service) Post(ctx context.Context, params CreateParams) (Job, error) {
	if strings.TrimSpace(params.Title) == "" {
		return Job{}, fmt.Errorf("job: title is required")
	}
	if params.Reward <= 0 {
		return Job{}, ErrInvalidReward
	}
	if err := s.requireRole(ctx, s.roles.IsClient, params.ClientID); err != nil {
		return Job{}, err
	}
	return s.repo.Create(ctx, params)
}

func (s *Service) Get(ctx context.Context, jobID string) (Job, error) {
	return s.repo.GetByID(ctx, jobID)
}

func (s *Service) ListOpen(ctx context.Context) ([]Job, error) {
	return s.repo.ListOpen(ctx)
}

func (s *Service) ListByClient(ctx context.Context, clientID string) ([]Job, error) {
	return s.repo.ListByClient(ctx, clientID)
}

func (s *Service) Applications(ctx context.Context, jobID string) ([]Application, error) {
	return s.repo.ListApplications(ctx, jobID)
}

// Apply records a freelancer's offer on an open listing.
func (s *Service) Apply(ctx context.Context, jobID, freelancerID, note string) (Application, error) {
	if err := s.requireRole(ctx, s.roles.IsFreelancer, freelancerID); err != nil {
		return Application{}, err
	}
	j, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return Application{}, err
	}
	if j.Status != StatusOpen {
		return Application{}, ErrInvalidStatus
	}
	if j.ClientID == freelancerID {
		return Application{}, ErrOwnJob
	}
	return s.repo.CreateApplication(ctx, jobID, freelancerID, note)
}

// AcceptParams identifies the application a client accepts.
type AcceptParams struct {
	JobID         string
	ApplicationID string
	ClientID      string
}

// AcceptApplication picks the winning freelancer and funds the escrow in one
// transaction. The client is debited reward plus stake; the job carries the
// resulting payment id from here on.
func (s *Service) AcceptApplication(ctx context.Context, params AcceptParams) (Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Job{}, fmt.Errorf("job: begin accept tx: %w", err)
	}
	defer tx.Rollback(ctx)

	j, err := s.repo.GetForUpdateTx(ctx, tx, params.JobID)
	if err != nil {
		return Job{}, err
	}
	if j.ClientID != params.ClientID {
		return Job{}, ErrForbidden
	}
	if j.Status != StatusOpen {
		return Job{}, ErrInvalidStatus
	}

	app, err := s.repo.GetApplicationTx(ctx, tx, params.ApplicationID)
	if err != nil {
		return Job{}, err
	}
	if app.JobID != j.ID {
		return Job{}, ErrApplicationNotFound
	}
	if app.State != ApplicationPending {
		return Job{}, ErrInvalidStatus
	}

	if err := s.repo.AcceptApplicationTx(ctx, tx, j.ID, app.ID); err != nil {
		return Job{}, err
	}

	paymentID, err := s.escrow.InitiateTx(ctx, tx, escrow.InitiateParams{
		ClientID:     j.ClientID,
		FreelancerID: app.FreelancerID,
		JobID:        j.ID,
		Amount:       j.Reward + s.stake,
	})
	if err != nil {
		return Job{}, err
	}

	if err := s.repo.AssignTx(ctx, tx, j.ID, app.FreelancerID, paymentID); err != nil {
		return Job{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Job{}, fmt.Errorf("job: commit accept tx: %w", err)
	}
	return s.repo.GetByID(ctx, j.ID)
}

// SubmitWork is the freelancer declaring the job done.
func (s *Service) SubmitWork(ctx context.Context, jobID, freelancerID string) (Job, error) {
	return s.transition(ctx, jobID, func(j Job) error {
		if j.FreelancerID != freelancerID {
			return ErrForbidden
		}
		if j.Status != StatusAssigned {
			return ErrInvalidStatus
		}
		return nil
	}, StatusCompleted, nil)
}

// AcceptDelivery is the client approving submitted work. The escrow settles
// in the freelancer's favour with the stake returned, in the same transaction
// as the status change.
func (s *Service) AcceptDelivery(ctx context.Context, jobID, clientID string) (Job, error) {
	return s.transition(ctx, jobID, func(j Job) error {
		if j.ClientID != clientID {
			return ErrForbidden
		}
		if j.Status != StatusCompleted {
			return ErrInvalidStatus
		}
		if j.IsDisputed {
			return ErrInvalidStatus
		}
		return nil
	}, StatusAccepted, func(tx pgx.Tx, j Job) error {
		return s.escrow.ConfirmDeliveryTx(ctx, tx, j.PaymentID, true)
	})
}

// Cancel withdraws a listing no freelancer has been accepted for.
func (s *Service) Cancel(ctx context.Context, jobID, clientID string) (Job, error) {
	return s.transition(ctx, jobID, func(j Job) error {
		if j.ClientID != clientID {
			return ErrForbidden
		}
		if j.Status != StatusOpen {
			return ErrInvalidStatus
		}
		return nil
	}, StatusCancelled, nil)
}

func (s *Service) transition(ctx context.Context, jobID string, check func(Job) error, to Status, inTx func(pgx.Tx, Job) error) (Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Job{}, fmt.Errorf("job: begin transition tx: %w", err)
	}
	defer tx.Rollback(ctx)

	j, err := s.repo.GetForUpdateTx(ctx, tx, jobID)
	if err != nil {
		return Job{}, err
	}
	if err := check(j); err != nil {
		return Job{}, err
	}
	if inTx != nil {
		if err := inTx(tx, j); err != nil {
			return Job{}, err
		}
	}
	if err := s.repo.SetStatusTx(ctx, tx, jobID, to); err != nil {
		return Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Job{}, fmt.Errorf("job: commit transition tx: %w", err)
	}
	return s.repo.GetByID(ctx, jobID)
}

// BeginDisputeTx flags a completed job as disputed inside the caller's
// transaction and returns the locked row. Used by the dispute engine.
func (s *Service) BeginDisputeTx(ctx context.Context, tx pgx.Tx, jobID, clientID string) (Job, error) {
	j, err := s.repo.GetForUpdateTx(ctx, tx, jobID)
	if err != nil {
		return Job{}, err
	}
	if j.ClientID != clientID {
		return Job{}, ErrForbidden
	}
	if j.Status != StatusCompleted || j.IsDisputed {
		return Job{}, ErrInvalidStatus
	}
	if err := s.repo.SetDisputedTx(ctx, tx, jobID, true, StatusDisputed); err != nil {
		return Job{}, err
	}
	j.Status = StatusDisputed
	j.IsDisputed = true
	return j, nil
}

// CloseDisputeTx moves a disputed job to closed once the verdict is executed.
// The is_disputed flag stays set as a historical marker.
func (s *Service) CloseDisputeTx(ctx context.Context, tx pgx.Tx, jobID string) error {
	j, err := s.repo.GetForUpdateTx(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if j.Status != StatusDisputed {
		return ErrInvalidStatus
	}
	return s.repo.SetStatusTx(ctx, tx, jobID, StatusClosed)
}

func (s *Service) requireRole(ctx context.Context, check func(context.Context, string) (bool, error), userID string) error {
	ok, err := check(ctx, userID)
	if err != nil {
		return fmt.Errorf("job: check role: %w", err)
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}
