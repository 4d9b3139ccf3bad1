package actors

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ryo-wijaya/sprout/auth"
	"github.com/ryo-wijaya/sprout/dispute"
	"github.com/ryo-wijaya/sprout/job"
	"github.com/ryo-wijaya/sprout/token"
)

// Services bundles the wired service graph the actors drive. Actors go
// through the real services, never raw SQL, so every invariant the oracles
// check is produced by production code paths under contention.
type Services struct {
	Pool   *pgxpool.Pool
	Tokens *token.Ledger
	Users  *auth.Service
	Jobs   *job.Service
	Engine *dispute.Engine
}

// Domain errors are expected under contention (duplicate votes, status races,
// lost lock races); actors swallow them and let the oracles judge the state.
// Only context cancellation stops an actor.

// Marketplace runs the undisputed lifecycle in a loop: post, apply, accept,
// submit, accept delivery.
func Marketplace(ctx context.Context, svc *Services, client, freelancer auth.User, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		_ = svc.Tokens.Mint(ctx, client.WalletAddress, 100)

		j, err := svc.Jobs.Post(ctx, job.CreateParams{
			ClientID: client.ID,
			Title:    "stress listing",
			Reward:   int64(15 + rand.Intn(30)),
		})
		if err == nil {
			if app, err := svc.Jobs.Apply(ctx, j.ID, freelancer.ID, "stress"); err == nil {
				if _, err := svc.Jobs.AcceptApplication(ctx, job.AcceptParams{
					JobID: j.ID, ApplicationID: app.ID, ClientID: client.ID,
				}); err == nil {
					if _, err := svc.Jobs.SubmitWork(ctx, j.ID, freelancer.ID); err == nil {
						_, _ = svc.Jobs.AcceptDelivery(ctx, j.ID, client.ID)
					}
				}
			}
		}
		sleep(10, 30)
	}
}

// Disputant runs the disputed lifecycle: fund a job, submit work, dispute it,
// let the reviewers vote both ways, then force resolution.
func Disputant(ctx context.Context, svc *Services, client, freelancer, admin auth.User, reviewers []auth.User, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		_ = svc.Tokens.Mint(ctx, client.WalletAddress, 100)

		j, err := svc.Jobs.Post(ctx, job.CreateParams{
			ClientID: client.ID,
			Title:    "stress disputed listing",
			Reward:   int64(15 + rand.Intn(30)),
		})
		if err != nil {
			sleep(20, 40)
			continue
		}
		app, err := svc.Jobs.Apply(ctx, j.ID, freelancer.ID, "stress")
		if err != nil {
			sleep(20, 40)
			continue
		}
		if _, err := svc.Jobs.AcceptApplication(ctx, job.AcceptParams{
			JobID: j.ID, ApplicationID: app.ID, ClientID: client.ID,
		}); err != nil {
			sleep(20, 40)
			continue
		}
		if _, err := svc.Jobs.SubmitWork(ctx, j.ID, freelancer.ID); err != nil {
			sleep(20, 40)
			continue
		}

		d, err := svc.Engine.StartDispute(ctx, client.ID, j.ID)
		if err != nil {
			sleep(20, 40)
			continue
		}

		for _, r := range reviewers {
			choice := dispute.ChoiceApprove
			if rand.Intn(2) == 0 {
				choice = dispute.ChoiceReject
			}
			_, _ = svc.Engine.Vote(ctx, r.ID, d.ID, choice)
		}

		_, _ = svc.Engine.ManuallyTriggerEndVoting(ctx, admin.ID, d.ID)
		sleep(30, 60)
	}
}

// DuplicateVoter hammers pending disputes with repeated ballots from one
// reviewer. Everything past the first vote per dispute must be rejected; the
// tally oracle catches any double count.
func DuplicateVoter(ctx context.Context, svc *Services, reviewer auth.User, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var disputeID string
		if err := svc.Pool.QueryRow(ctx,
			`SELECT id FROM disputes WHERE status = 'pending' ORDER BY created_at DESC LIMIT 1`,
		).Scan(&disputeID); err == nil {
			_, _ = svc.Engine.Vote(ctx, reviewer.ID, disputeID, dispute.ChoiceApprove)
			_, _ = svc.Engine.Vote(ctx, reviewer.ID, disputeID, dispute.ChoiceApprove)
		}
		sleep(15, 35)
	}
}

// Sweeper plays the external scheduler, closing expired disputes.
func Sweeper(ctx context.Context, svc *Services, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, _ = svc.Engine.ResolveExpired(ctx)
		sleep(100, 200)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks
// them processed, with a simulated random failure bumping attempts.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			sleep(50, 100)
			continue
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			sleep(50, 100)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1, last_attempt=NOW() WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed', last_attempt=NOW() WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		sleep(80, 120)
	}
}

func sleep(minMs, maxMs int) {
	time.Sleep(time.Duration(minMs+rand.Intn(maxMs-minMs)) * time.Millisecond)
}
