package dispute

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ryo-wijaya/sprout/job"
)

func TestStartDispute(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()

	jobID := env.listings.addCompleted("client-1", "freelancer-1", 7)

	d, err := env.engine.StartDispute(ctx, "client-1", jobID)
	if err != nil {
		t.Fatalf("start dispute: %v", err)
	}
	if d.Status != StatusPending || d.PaymentID != 7 {
		t.Fatalf("unexpected dispute %+v", d)
	}
	if want := env.now.Add(72 * time.Hour); !d.EndTime.Equal(want) {
		t.Fatalf("expected end time %v, got %v", want, d.EndTime)
	}
	if env.listings.jobs[jobID].Status != job.StatusDisputed {
		t.Fatalf("expected job disputed, got %s", env.listings.jobs[jobID].Status)
	}

	if _, err := env.engine.StartDispute(ctx, "client-1", jobID); !errors.Is(err, job.ErrInvalidStatus) {
		t.Fatalf("expected second dispute to be rejected, got %v", err)
	}
}

func TestVoteRules(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()

	jobID := env.listings.addCompleted("client-1", "freelancer-1", 7)
	d, err := env.engine.StartDispute(ctx, "client-1", jobID)
	if err != nil {
		t.Fatalf("start dispute: %v", err)
	}

	if _, err := env.engine.Vote(ctx, "reviewer-1", d.ID, Choice("abstain")); err == nil {
		t.Fatal("expected error for unknown choice")
	}

	if _, err := env.engine.Vote(ctx, "client-2", d.ID, ChoiceApprove); !errors.Is(err, ErrNotReviewer) {
		t.Fatalf("expected ErrNotReviewer, got %v", err)
	}

	env.directory.wallets["reviewer-9"] = env.directory.address("client-1")
	if _, err := env.engine.Vote(ctx, "reviewer-9", d.ID, ChoiceApprove); !errors.Is(err, ErrSelfDealing) {
		t.Fatalf("expected ErrSelfDealing for client wallet, got %v", err)
	}
	env.directory.wallets["reviewer-8"] = env.directory.address("freelancer-1")
	if _, err := env.engine.Vote(ctx, "reviewer-8", d.ID, ChoiceReject); !errors.Is(err, ErrSelfDealing) {
		t.Fatalf("expected ErrSelfDealing for freelancer wallet, got %v", err)
	}

	after, err := env.engine.Vote(ctx, "reviewer-1", d.ID, ChoiceApprove)
	if err != nil {
		t.Fatalf("vote: %v", err)
	}
	if after.ApproveVotes != 1 || after.RejectVotes != 0 {
		t.Fatalf("expected tally 1/0, got %d/%d", after.ApproveVotes, after.RejectVotes)
	}

	if _, err := env.engine.Vote(ctx, "reviewer-1", d.ID, ChoiceReject); !errors.Is(err, ErrAlreadyVoted) {
		t.Fatalf("expected ErrAlreadyVoted, got %v", err)
	}
}

func TestTieResolvesApproved(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()

	jobID := env.listings.addCompleted("client-1", "freelancer-1", 7)
	d, _ := env.engine.StartDispute(ctx, "client-1", jobID)

	env.vote(t, d.ID, "reviewer-1", ChoiceApprove)
	env.vote(t, d.ID, "reviewer-2", ChoiceReject)

	env.advance(73 * time.Hour)
	if _, err := env.engine.Vote(ctx, "reviewer-3", d.ID, ChoiceReject); err != nil {
		t.Fatalf("late vote should close, not fail: %v", err)
	}

	got, _ := env.engine.Get(ctx, d.ID)
	if got.Status != StatusApproved {
		t.Fatalf("tie must resolve approved, got %s", got.Status)
	}
	if env.arbiter.refundedPayments != 1 || env.arbiter.confirmations != 0 {
		t.Fatalf("approved outcome must refund the client, got %d refunds %d confirms",
			env.arbiter.refundedPayments, env.arbiter.confirmations)
	}
	if env.arbiter.balanceRefunds != 1 {
		t.Fatalf("expected one balance refund closing the payment, got %d", env.arbiter.balanceRefunds)
	}
	if env.listings.jobs[jobID].Status != job.StatusClosed {
		t.Fatalf("expected job closed, got %s", env.listings.jobs[jobID].Status)
	}
}

func TestLateVoteDiscardedThenRejected(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()

	jobID := env.listings.addCompleted("client-1", "freelancer-1", 7)
	d, _ := env.engine.StartDispute(ctx, "client-1", jobID)

	env.vote(t, d.ID, "reviewer-1", ChoiceApprove)
	env.vote(t, d.ID, "reviewer-2", ChoiceReject)
	env.vote(t, d.ID, "reviewer-3", ChoiceReject)

	env.advance(80 * time.Hour)
	closed, err := env.engine.Vote(ctx, "reviewer-4", d.ID, ChoiceApprove)
	if err != nil {
		t.Fatalf("late vote: %v", err)
	}
	if closed.Status != StatusRejected {
		t.Fatalf("expected rejected outcome, got %s", closed.Status)
	}
	if closed.ApproveVotes != 1 || closed.RejectVotes != 2 {
		t.Fatalf("late ballot must not count, tallies %d/%d", closed.ApproveVotes, closed.RejectVotes)
	}
	if len(env.repo.ballots[d.ID]) != 3 {
		t.Fatalf("late ballot must not be recorded, have %d", len(env.repo.ballots[d.ID]))
	}
	if env.arbiter.confirmations != 1 || env.arbiter.withStake {
		t.Fatalf("rejected outcome must confirm delivery without stake")
	}

	if _, err := env.engine.Vote(ctx, "reviewer-5", d.ID, ChoiceApprove); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved after closure, got %v", err)
	}
}

func TestDistributionRewardsWinningSide(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()

	jobID := env.listings.addCompleted("client-1", "freelancer-1", 7)
	d, _ := env.engine.StartDispute(ctx, "client-1", jobID)

	env.vote(t, d.ID, "reviewer-1", ChoiceApprove)
	env.vote(t, d.ID, "reviewer-2", ChoiceReject)
	env.vote(t, d.ID, "reviewer-3", ChoiceReject)

	env.advance(73 * time.Hour)
	if _, err := env.engine.Vote(ctx, "reviewer-4", d.ID, ChoiceApprove); err != nil {
		t.Fatalf("closing vote: %v", err)
	}

	want := []string{env.directory.address("reviewer-2"), env.directory.address("reviewer-3")}
	got := append([]string(nil), env.arbiter.rewarded...)
	sort.Strings(want)
	sort.Strings(got)
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("expected reject voters rewarded, got %v", env.arbiter.rewarded)
	}
}

func TestDistributionBoundedFanOut(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()

	jobID := env.listings.addCompleted("client-1", "freelancer-1", 7)
	d, _ := env.engine.StartDispute(ctx, "client-1", jobID)

	for i := 0; i < 15; i++ {
		env.vote(t, d.ID, fmt.Sprintf("reviewer-a%d", i), ChoiceApprove)
	}
	env.vote(t, d.ID, "reviewer-r1", ChoiceReject)

	env.advance(73 * time.Hour)
	if _, err := env.engine.Vote(ctx, "reviewer-late", d.ID, ChoiceApprove); err != nil {
		t.Fatalf("closing vote: %v", err)
	}

	if len(env.arbiter.rewarded) != 10 {
		t.Fatalf("expected exactly maxWinners rewards, got %d", len(env.arbiter.rewarded))
	}
	seen := make(map[string]bool)
	for _, addr := range env.arbiter.rewarded {
		if seen[addr] {
			t.Fatalf("duplicate reward for %s", addr)
		}
		seen[addr] = true
		if addr == env.directory.address("reviewer-r1") {
			t.Fatal("losing voter must not be rewarded")
		}
	}
	if env.arbiter.balanceRefunds != 1 {
		t.Fatalf("distribution must still close the payment, got %d balance refunds", env.arbiter.balanceRefunds)
	}
}

func TestManualTrigger(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()

	jobID := env.listings.addCompleted("client-1", "freelancer-1", 7)
	d, _ := env.engine.StartDispute(ctx, "client-1", jobID)
	env.vote(t, d.ID, "reviewer-1", ChoiceReject)

	if _, err := env.engine.ManuallyTriggerEndVoting(ctx, "client-1", d.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-admin, got %v", err)
	}

	closed, err := env.engine.ManuallyTriggerEndVoting(ctx, "admin-1", d.ID)
	if err != nil {
		t.Fatalf("manual trigger: %v", err)
	}
	if closed.Status != StatusRejected {
		t.Fatalf("expected rejected, got %s", closed.Status)
	}

	if _, err := env.engine.ManuallyTriggerEndVoting(ctx, "admin-1", d.ID); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved on replay, got %v", err)
	}
}

func TestResolveExpiredSweep(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()

	first := env.listings.addCompleted("client-1", "freelancer-1", 7)
	d1, _ := env.engine.StartDispute(ctx, "client-1", first)
	env.vote(t, d1.ID, "reviewer-1", ChoiceApprove)

	env.advance(24 * time.Hour)
	second := env.listings.addCompleted("client-2", "freelancer-2", 8)
	d2, _ := env.engine.StartDispute(ctx, "client-2", second)

	env.advance(50 * time.Hour)
	closed, err := env.engine.ResolveExpired(ctx)
	if err != nil {
		t.Fatalf("resolve expired: %v", err)
	}
	if closed != 1 {
		t.Fatalf("expected one expired dispute closed, got %d", closed)
	}

	got1, _ := env.engine.Get(ctx, d1.ID)
	got2, _ := env.engine.Get(ctx, d2.ID)
	if got1.Status != StatusApproved {
		t.Fatalf("expired dispute should be approved, got %s", got1.Status)
	}
	if got2.Status != StatusPending {
		t.Fatalf("young dispute must stay pending, got %s", got2.Status)
	}
}

type engineEnv struct {
	engine    *Engine
	repo      *fakeRepo
	arbiter   *fakeArbiter
	directory *fakeDirectory
	listings  *fakeListings
	now       time.Time
	clockAt   *time.Time
}

func newEngineEnv(t *testing.T) *engineEnv {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env := &engineEnv{
		repo:      newFakeRepo(),
		arbiter:   &fakeArbiter{},
		directory: newFakeDirectory(),
		listings:  newFakeListings(),
		now:       now,
	}
	at := now
	env.clockAt = &at
	env.engine = NewEngine(&fakePool{}, env.repo, env.arbiter, env.directory, env.listings, 72*time.Hour, 10).
		WithClock(func() time.Time { return *env.clockAt }).
		WithRand(rand.New(rand.NewSource(1)))
	return env
}

func (e *engineEnv) advance(d time.Duration) {
	*e.clockAt = e.clockAt.Add(d)
}

func (e *engineEnv) vote(t *testing.T, disputeID, reviewerID string, choice Choice) {
	t.Helper()
	if _, err := e.engine.Vote(context.Background(), reviewerID, disputeID, choice); err != nil {
		t.Fatalf("vote %s: %v", reviewerID, err)
	}
}

type fakeDirectory struct {
	wallets map[string]string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{wallets: make(map[string]string)}
}

func (f *fakeDirectory) address(userID string) string {
	if w, ok := f.wallets[userID]; ok {
		return w
	}
	return "0x" + userID
}

func (f *fakeDirectory) ResolveAddress(ctx context.Context, userID string) (string, error) {
	return f.address(userID), nil
}

func (f *fakeDirectory) SameAddress(ctx context.Context, id1, id2 string) (bool, error) {
	return f.address(id1) == f.address(id2), nil
}

func (f *fakeDirectory) IsReviewer(ctx context.Context, userID string) (bool, error) {
	return len(userID) >= 8 && userID[:8] == "reviewer", nil
}

func (f *fakeDirectory) IsAdmin(ctx context.Context, userID string) (bool, error) {
	return len(userID) >= 5 && userID[:5] == "admin", nil
}

type fakeArbiter struct {
	confirmations    int
	withStake        bool
	refundedPayments int
	rewarded         []string
	balanceRefunds   int
}

func (f *fakeArbiter) ConfirmDeliveryTx(ctx context.Context, tx pgx.Tx, paymentID int64, withStake bool) error {
	f.confirmations++
	f.withStake = withStake
	return nil
}

func (f *fakeArbiter) RefundPaymentTx(ctx context.Context, tx pgx.Tx, paymentID int64) error {
	f.refundedPayments++
	return nil
}

func (f *fakeArbiter) RewardVoterTx(ctx context.Context, tx pgx.Tx, paymentID int64, voterAddress string) error {
	f.rewarded = append(f.rewarded, voterAddress)
	return nil
}

func (f *fakeArbiter) RefundBalanceTx(ctx context.Context, tx pgx.Tx, paymentID int64) error {
	f.balanceRefunds++
	return nil
}

type fakeListings struct {
	jobs   map[string]*job.Job
	nextID int
}

func newFakeListings() *fakeListings {
	return &fakeListings{jobs: make(map[string]*job.Job), nextID: 1}
}

func (f *fakeListings) addCompleted(clientID, freelancerID string, paymentID int64) string {
	id := fmt.Sprintf("job-%d", f.nextID)
	f.nextID++
	f.jobs[id] = &job.Job{
		ID:           id,
		ClientID:     clientID,
		FreelancerID: freelancerID,
		PaymentID:    paymentID,
		Status:       job.StatusCompleted,
	}
	return id
}

func (f *fakeListings) Get(ctx context.Context, jobID string) (job.Job, error) {
	j, ok := f.jobs[jobID]
	if !ok {
		return job.Job{}, job.ErrNotFound
	}
	return *j, nil
}

func (f *fakeListings) BeginDisputeTx(ctx context.Context, tx pgx.Tx, jobID, clientID string) (job.Job, error) {
	j, ok := f.jobs[jobID]
	if !ok {
		return job.Job{}, job.ErrNotFound
	}
	if j.ClientID != clientID {
		return job.Job{}, job.ErrForbidden
	}
	if j.Status != job.StatusCompleted || j.IsDisputed {
		return job.Job{}, job.ErrInvalidStatus
	}
	j.Status = job.StatusDisputed
	j.IsDisputed = true
	return *j, nil
}

func (f *fakeListings) CloseDisputeTx(ctx context.Context, tx pgx.Tx, jobID string) error {
	j, ok := f.jobs[jobID]
	if !ok {
		return job.ErrNotFound
	}
	j.Status = job.StatusClosed
	return nil
}

type fakeRepo struct {
	disputes map[string]*Dispute
	ballots  map[string][]Ballot
	nextID   int
	nextSeq  int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		disputes: make(map[string]*Dispute),
		ballots:  make(map[string][]Ballot),
		nextID:   1,
	}
}

func (f *fakeRepo) GetByID(ctx context.Context, disputeID string) (Dispute, error) {
	d, ok := f.disputes[disputeID]
	if !ok {
		return Dispute{}, ErrNotFound
	}
	return *d, nil
}

func (f *fakeRepo) GetByJob(ctx context.Context, jobID string) (Dispute, error) {
	for _, d := range f.disputes {
		if d.JobID == jobID {
			return *d, nil
		}
	}
	return Dispute{}, ErrNotFound
}

func (f *fakeRepo) ListPending(ctx context.Context) ([]Dispute, error) {
	out := make([]Dispute, 0, len(f.disputes))
	for _, d := range f.disputes {
		if d.Status == StatusPending {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndTime.Before(out[j].EndTime) })
	return out, nil
}

func (f *fakeRepo) ListBallots(ctx context.Context, disputeID string) ([]Ballot, error) {
	return append([]Ballot(nil), f.ballots[disputeID]...), nil
}

func (f *fakeRepo) CreateTx(ctx context.Context, tx pgx.Tx, jobID string, paymentID int64, endTime time.Time) (Dispute, error) {
	for _, d := range f.disputes {
		if d.JobID == jobID {
			return Dispute{}, ErrAlreadyDisputed
		}
	}
	d := Dispute{
		ID:        fmt.Sprintf("dispute-%d", f.nextID),
		JobID:     jobID,
		PaymentID: paymentID,
		Status:    StatusPending,
		EndTime:   endTime,
	}
	f.nextID++
	f.disputes[d.ID] = &d
	return d, nil
}

func (f *fakeRepo) GetForUpdateTx(ctx context.Context, tx pgx.Tx, disputeID string) (Dispute, error) {
	return f.GetByID(ctx, disputeID)
}

func (f *fakeRepo) RecordVoteTx(ctx context.Context, tx pgx.Tx, disputeID, reviewerID string, choice Choice) error {
	for _, b := range f.ballots[disputeID] {
		if b.ReviewerID == reviewerID {
			return ErrAlreadyVoted
		}
	}
	f.nextSeq++
	f.ballots[disputeID] = append(f.ballots[disputeID], Ballot{
		DisputeID:  disputeID,
		ReviewerID: reviewerID,
		Choice:     choice,
		CastSeq:    f.nextSeq,
	})
	d := f.disputes[disputeID]
	if choice == ChoiceApprove {
		d.ApproveVotes++
	} else {
		d.RejectVotes++
	}
	return nil
}

func (f *fakeRepo) WinningBallotsTx(ctx context.Context, tx pgx.Tx, disputeID string, choice Choice) ([]Ballot, error) {
	out := make([]Ballot, 0, 8)
	for _, b := range f.ballots[disputeID] {
		if b.Choice == choice {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeRepo) ResolveTx(ctx context.Context, tx pgx.Tx, disputeID string, status Status, resolvedAt time.Time) error {
	d := f.disputes[disputeID]
	d.Status = status
	d.ResolvedAt = &resolvedAt
	return nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

// fakeTx accepts Exec so the timeline and outbox writes inside engine
// transactions succeed.
type fakeTx struct {
	rolled    bool
	committed bool
	execs     []string
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	return pgconn.CommandTag{}, nil
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
