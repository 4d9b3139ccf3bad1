package dispute

import (
	"math/rand"
)

// sampleWinners picks max distinct ballots from the pool, uniformly without
// replacement, via a partial Fisher-Yates shuffle over a copy. When the pool
// already fits the cap it is returned as-is in cast order.
func sampleWinners(pool []Ballot, max int, rng *rand.Rand) []Ballot {
	if len(pool) <= max {
		return pool
	}
	picked := make([]Ballot, len(pool))
	copy(picked, pool)
	for i := 0; i < max; i++ {
		j := i + rng.Intn(len(picked)-i)
		picked[i], picked[j] = picked[j], picked[i]
	}
	return picked[:max]
}
