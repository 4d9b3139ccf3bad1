package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds process-level configuration. Escrow parameters are fixed at
// deployment and never change for the lifetime of the service.
type Config struct {
	DatabaseURL string
	JWTSecret   string

	// StakedTokens is the deposit a client locks alongside the job reward.
	StakedTokens int64
	// EachVoterReward is paid per rewarded voter out of the forfeited stake.
	EachVoterReward int64
	// MaxWinners must equal StakedTokens / EachVoterReward.
	MaxWinners int
	// VotingWindow bounds how long a dispute accepts ballots.
	VotingWindow time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:     getEnv("DATABASE_URL", ""),
		JWTSecret:       getEnv("JWT_SECRET", "dev-secret"),
		StakedTokens:    10,
		EachVoterReward: 1,
		MaxWinners:      10,
		VotingWindow:    72 * time.Hour,
	}

	if v := os.Getenv("SPROUT_STAKED_TOKENS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("config: parse SPROUT_STAKED_TOKENS: %w", err)
		}
		cfg.StakedTokens = n
	}
	if v := os.Getenv("SPROUT_VOTER_REWARD"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("config: parse SPROUT_VOTER_REWARD: %w", err)
		}
		cfg.EachVoterReward = n
	}
	if v := os.Getenv("SPROUT_MAX_WINNERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: parse SPROUT_MAX_WINNERS: %w", err)
		}
		cfg.MaxWinners = n
	}
	if v := os.Getenv("SPROUT_VOTING_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("config: parse SPROUT_VOTING_WINDOW: %w", err)
		}
		cfg.VotingWindow = d
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
