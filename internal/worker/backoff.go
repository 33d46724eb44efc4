package worker

import (
	"math/rand"
	"time"
)

// BackoffConfig tunes the retry schedule.
type BackoffConfig struct {
	Base   time.Duration // delay for the first retry
	Max    time.Duration // cap on the exponential
	Jitter float64       // spread factor in [0, 1)
}

// DefaultBackoff matches the documented retry policy: 60s base, 1h cap,
// +/-30% jitter.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{Base: 60 * time.Second, Max: time.Hour, Jitter: 0.3}
}

// Delay computes the wait before retry number attempt (1-based):
// min(Max, Base * 2^(attempt-1)) scaled by a random factor in [1-Jitter, 1+Jitter].
func (c BackoffConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := c.Base
	// Walk the doubling so large attempt numbers cannot overflow the shift.
	for i := 1; i < attempt && delay < c.Max; i++ {
		delay *= 2
	}
	if delay > c.Max {
		delay = c.Max
	}

	if c.Jitter > 0 {
		if rng == nil {
			rng = rand.New(rand.NewSource(time.Now().UnixNano()))
		}
		// factor in [1-Jitter, 1+Jitter]
		factor := 1 + c.Jitter*(2*rng.Float64()-1)
		delay = time.Duration(float64(delay) * factor)
	}
	return delay
}
