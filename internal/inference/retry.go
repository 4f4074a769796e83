package inference

import (
	"math/rand"
	"time"
)

// RetryPolicy describes a bounded exponential backoff. Components that need
// retries hold a policy and sleep for Delay(attempt) between attempts, which
// keeps suspension points at the network-call boundary.
type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
}

// Base returns the deterministic backoff for the given zero-indexed attempt:
// Initial doubled per attempt, capped at Max. Non-decreasing by construction.
func (p RetryPolicy) Base(attempt int) time.Duration {
	d := p.Initial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// Delay returns the backoff for the given attempt with up to 25% additive
// jitter, so synchronized workers do not hammer a recovering backend in
// lockstep.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	base := p.Base(attempt)
	jitter := time.Duration(rand.Int63n(int64(base)/4 + 1))
	return base + jitter
}
