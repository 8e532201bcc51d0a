package engine

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy controls how transient action failures are retried.
// Attempts count dispatches of the same node: with MaxAttempts 5, the fifth
// transient failure becomes permanent.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	MaxDelay    time.Duration
	Jitter      float64 // fraction of the delay, e.g. 0.2 = +/-20%
}

// DefaultRetryPolicy is the production policy: 30s base doubling per attempt,
// capped at an hour, five attempts total.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   30 * time.Second,
		Factor:      2,
		MaxDelay:    time.Hour,
		Jitter:      0.2,
	}
}

// Exhausted reports whether a node that already failed `attempts` times has
// no retries left for the next failure.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts+1 >= p.MaxAttempts
}

// Backoff returns the delay before retrying after failure number attempt
// (zero-based), with jitter applied so synchronized retries spread out.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	delay := time.Duration(float64(p.BaseDelay) * math.Pow(factor, float64(attempt)))
	if p.MaxDelay > 0 && (delay > p.MaxDelay || delay <= 0) {
		delay = p.MaxDelay
	}

	if p.Jitter > 0 {
		spread := float64(delay) * p.Jitter
		delay += time.Duration((rand.Float64()*2 - 1) * spread)
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}
