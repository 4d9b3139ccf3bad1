package dispute

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ryo-wijaya/sprout/job"
)

// TxBeginner starts database transactions. Satisfied by *pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Arbiter is the capability handle this engine holds over escrowed payments.
// Satisfied by *escrow.ArbiterGateway.
type Arbiter interface {
	ConfirmDeliveryTx(ctx context.Context, tx pgx.Tx, paymentID int64, withStake bool) error
	RefundPaymentTx(ctx context.Context, tx pgx.Tx, paymentID int64) error
	RewardVoterTx(ctx context.Context, tx pgx.Tx, paymentID int64, voterAddress string) error
	RefundBalanceTx(ctx context.Context, tx pgx.Tx, paymentID int64) error
}

// Directory resolves identities and roles. Satisfied by *auth.Service.
type Directory interface {
	ResolveAddress(ctx context.Context, userID string) (string, error)
	SameAddress(ctx context.Context, id1, id2 string) (bool, error)
	IsReviewer(ctx context.Context, userID string) (bool, error)
	IsAdmin(ctx context.Context, userID string) (bool, error)
}

// Listings is the slice of the job service the engine drives. Satisfied by
// *job.Service.
type Listings interface {
	Get(ctx context.Context, jobID string) (job.Job, error)
	BeginDisputeTx(ctx context.Context, tx pgx.Tx, jobID, clientID string) (job.Job, error)
	CloseDisputeTx(ctx context.Context, tx pgx.Tx, jobID string) error
}

// Engine runs the dispute state machine: collect weighted ballots until the
// voting window closes, then settle the escrow for the winning side and
// distribute the forfeited stake to a bounded sample of winning voters.
//
// Deadlines are tested lazily. Nothing fires at end_time; the first vote that
// arrives after it, an administrative trigger, or a ResolveExpired sweep is
// what closes the dispute.
type Engine struct {
	pool       TxBeginner
	repo       Repository
	arbiter    Arbiter
	directory  Directory
	jobs       Listings
	window     time.Duration
	maxWinners int

	clock func() time.Time
	rng   *rand.Rand
}

func NewEngine(pool TxBeginner, repo Repository, arbiter Arbiter, directory Directory, jobs Listings, window time.Duration, maxWinners int) *Engine {
	return &Engine{
		pool:       pool,
		repo:       repo,
		arbiter:    arbiter,
		directory:  directory,
		jobs:       jobs,
		window:     window,
		maxWinners: maxWinners,
		clock:      time.Now,
		rng:        rand.New(rand.NewSource(cryptoSeed())),
	}
}

// WithClock overrides the time source.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// WithRand overrides the sampling randomness source.
func (e *Engine) WithRand(rng *rand.Rand) *Engine {
	e.rng = rng
	return e
}

func (e *Engine) Get(ctx context.Context, disputeID string) (Dispute, error) {
	return e.repo.GetByID(ctx, disputeID)
}

func (e *Engine) GetByJob(ctx context.Context, jobID string) (Dispute, error) {
	return e.repo.GetByJob(ctx, jobID)
}

func (e *Engine) Ballots(ctx context.Context, disputeID string) ([]Ballot, error) {
	return e.repo.ListBallots(ctx, disputeID)
}

// StartDispute opens a dispute over a completed job. The job is flagged so a
// second dispute can never be raised, and the voting window starts now.
func (e *Engine) StartDispute(ctx context.Context, clientID, jobID string) (Dispute, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin start tx: %w", err)
	}
	defer tx.Rollback(ctx)

	j, err := e.jobs.BeginDisputeTx(ctx, tx, jobID, clientID)
	if err != nil {
		return Dispute{}, err
	}
	if j.PaymentID == 0 {
		return Dispute{}, fmt.Errorf("dispute: job %s carries no payment", jobID)
	}

	endTime := e.clock().Add(e.window)
	d, err := e.repo.CreateTx(ctx, tx, jobID, j.PaymentID, endTime)
	if err != nil {
		return Dispute{}, err
	}

	if err := insertTimelineEvent(ctx, tx, jobID, "DISPUTE_STARTED", clientID, map[string]any{
		"dispute_id": d.ID,
		"payment_id": d.PaymentID,
		"end_time":   endTime,
	}); err != nil {
		return Dispute{}, err
	}
	if err := enqueueOutbox(ctx, tx, "dispute.started", map[string]any{
		"dispute_id": d.ID,
		"job_id":     jobID,
	}); err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit start tx: %w", err)
	}
	return d, nil
}

// Vote records one reviewer ballot. A vote arriving after the window has
// closed does not count: it triggers resolution instead and the ballot is
// discarded, so the dispute is settled by whoever shows up first after the
// deadline.
func (e *Engine) Vote(ctx context.Context, reviewerID, disputeID string, choice Choice) (Dispute, error) {
	if choice != ChoiceApprove && choice != ChoiceReject {
		return Dispute{}, fmt.Errorf("dispute: unknown choice %q", choice)
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin vote tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := e.repo.GetForUpdateTx(ctx, tx, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if d.Status != StatusPending {
		return Dispute{}, ErrAlreadyResolved
	}

	ok, err := e.directory.IsReviewer(ctx, reviewerID)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: check reviewer role: %w", err)
	}
	if !ok {
		return Dispute{}, ErrNotReviewer
	}

	j, err := e.jobs.Get(ctx, d.JobID)
	if err != nil {
		return Dispute{}, err
	}
	for _, party := range []string{j.ClientID, j.FreelancerID} {
		same, err := e.directory.SameAddress(ctx, reviewerID, party)
		if err != nil {
			return Dispute{}, fmt.Errorf("dispute: compare addresses: %w", err)
		}
		if same {
			return Dispute{}, ErrSelfDealing
		}
	}

	if !e.clock().Before(d.EndTime) {
		if err := e.resolveLocked(ctx, tx, &d); err != nil {
			return Dispute{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return Dispute{}, fmt.Errorf("dispute: commit passive close: %w", err)
		}
		return d, nil
	}

	if err := e.repo.RecordVoteTx(ctx, tx, disputeID, reviewerID, choice); err != nil {
		return Dispute{}, err
	}

	if err := insertTimelineEvent(ctx, tx, d.JobID, "VOTE_CAST", reviewerID, map[string]any{
		"dispute_id": d.ID,
		"choice":     choice,
	}); err != nil {
		return Dispute{}, err
	}
	if err := enqueueOutbox(ctx, tx, "dispute.voted", map[string]any{
		"dispute_id": d.ID,
		"reviewer":   reviewerID,
	}); err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit vote tx: %w", err)
	}
	return e.repo.GetByID(ctx, disputeID)
}

// ManuallyTriggerEndVoting forces resolution of a pending dispute before its
// window elapses. Admin-only escape hatch; routine closure comes from late
// votes or the ResolveExpired sweep.
func (e *Engine) ManuallyTriggerEndVoting(ctx context.Context, adminID, disputeID string) (Dispute, error) {
	ok, err := e.directory.IsAdmin(ctx, adminID)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: check admin role: %w", err)
	}
	if !ok {
		return Dispute{}, ErrForbidden
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin trigger tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := e.repo.GetForUpdateTx(ctx, tx, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if d.Status != StatusPending {
		return Dispute{}, ErrAlreadyResolved
	}

	if err := e.resolveLocked(ctx, tx, &d); err != nil {
		return Dispute{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit trigger tx: %w", err)
	}
	return d, nil
}

// ResolveExpired closes every pending dispute whose window has elapsed. Meant
// to be driven by an external scheduler; each dispute settles in its own
// transaction so one failure does not hold up the rest.
func (e *Engine) ResolveExpired(ctx context.Context) (int, error) {
	pending, err := e.repo.ListPending(ctx)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, d := range pending {
		if e.clock().Before(d.EndTime) {
			continue
		}
		if err := e.resolveOne(ctx, d.ID); err != nil {
			return closed, err
		}
		closed++
	}
	return closed, nil
}

func (e *Engine) resolveOne(ctx context.Context, disputeID string) error {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin sweep tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := e.repo.GetForUpdateTx(ctx, tx, disputeID)
	if err != nil {
		return err
	}
	if d.Status != StatusPending || e.clock().Before(d.EndTime) {
		return nil
	}
	if err := e.resolveLocked(ctx, tx, &d); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit sweep tx: %w", err)
	}
	return nil
}

// resolveLocked settles a pending dispute the caller has locked. Ties favour
// the client. The escrow moves first, then the stake fans out to winning
// voters, then the job closes; all inside the caller's transaction.
func (e *Engine) resolveLocked(ctx context.Context, tx pgx.Tx, d *Dispute) error {
	status := StatusApproved
	winning := ChoiceApprove
	if d.RejectVotes > d.ApproveVotes {
		status = StatusRejected
		winning = ChoiceReject
	}

	if status == StatusApproved {
		if err := e.arbiter.RefundPaymentTx(ctx, tx, d.PaymentID); err != nil {
			return err
		}
	} else {
		if err := e.arbiter.ConfirmDeliveryTx(ctx, tx, d.PaymentID, false); err != nil {
			return err
		}
	}

	now := e.clock()
	if err := e.repo.ResolveTx(ctx, tx, d.ID, status, now); err != nil {
		return err
	}

	if err := e.distributeLocked(ctx, tx, d, winning); err != nil {
		return err
	}

	if err := e.jobs.CloseDisputeTx(ctx, tx, d.JobID); err != nil {
		return err
	}

	if err := insertTimelineEvent(ctx, tx, d.JobID, "DISPUTE_CLOSED", "", map[string]any{
		"dispute_id":    d.ID,
		"outcome":       status,
		"approve_votes": d.ApproveVotes,
		"reject_votes":  d.RejectVotes,
	}); err != nil {
		return err
	}
	if err := enqueueOutbox(ctx, tx, "dispute.closed", map[string]any{
		"dispute_id": d.ID,
		"job_id":     d.JobID,
		"outcome":    status,
	}); err != nil {
		return err
	}

	d.Status = status
	d.ResolvedAt = &now
	return nil
}

// distributeLocked pays the winning voters out of the forfeited stake. When
// more voters won than the stake can cover, a uniform sample of maxWinners
// gets paid and the stake is exactly exhausted. Whatever remains afterwards
// goes back to the client and the payment closes.
func (e *Engine) distributeLocked(ctx context.Context, tx pgx.Tx, d *Dispute, winning Choice) error {
	ballots, err := e.repo.WinningBallotsTx(ctx, tx, d.ID, winning)
	if err != nil {
		return err
	}

	for _, b := range sampleWinners(ballots, e.maxWinners, e.rng) {
		addr, err := e.directory.ResolveAddress(ctx, b.ReviewerID)
		if err != nil {
			return fmt.Errorf("dispute: resolve voter address: %w", err)
		}
		if err := e.arbiter.RewardVoterTx(ctx, tx, d.PaymentID, addr); err != nil {
			return err
		}
	}

	return e.arbiter.RefundBalanceTx(ctx, tx, d.PaymentID)
}

func cryptoSeed() int64 {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return time.Now().UnixNano()
	}
	return int64(binary.LittleEndian.Uint64(b[:]))
}
