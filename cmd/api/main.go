package main

import (
	"context"
	"log"

	"github.com/joho/godotenv"

	"github.com/ryo-wijaya/sprout/auth"
	"github.com/ryo-wijaya/sprout/config"
	"github.com/ryo-wijaya/sprout/db"
	"github.com/ryo-wijaya/sprout/dispute"
	"github.com/ryo-wijaya/sprout/escrow"
	"github.com/ryo-wijaya/sprout/job"
	"github.com/ryo-wijaya/sprout/review"
	"github.com/ryo-wijaya/sprout/token"
)

func main() {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	tokens := token.NewLedger(pool)
	users := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret)

	ledger, err := escrow.NewLedger(pool, tokens, users, escrow.Params{
		StakedTokens:    cfg.StakedTokens,
		EachVoterReward: cfg.EachVoterReward,
		MaxWinners:      cfg.MaxWinners,
	})
	if err != nil {
		log.Fatalf("bootstrap escrow ledger: %v", err)
	}

	// The two mutation capabilities are handed out exactly once: job listings
	// fund and settle escrows, the dispute engine arbitrates them.
	listing, arbiter, err := ledger.Grant()
	if err != nil {
		log.Fatalf("grant escrow gateways: %v", err)
	}

	jobs := job.NewService(pool, job.NewRepository(pool), listing, users, cfg.StakedTokens)
	engine := dispute.NewEngine(pool, dispute.NewRepository(pool), arbiter, users, jobs, cfg.VotingWindow, cfg.MaxWinners)
	reviews := review.NewService(review.NewRepository(pool), jobs)

	log.Printf("sprout services ready: jobs=%t disputes=%t reviews=%t window=%s",
		jobs != nil, engine != nil, reviews != nil, cfg.VotingWindow)
}
