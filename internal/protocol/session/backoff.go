package session

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Delay returns the retry delay for attempt N (1-based). With jitter the
// delay is scaled into [0.5, 1.5); a nil rng uses the midpoint.
func (b BackoffConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	mult := math.Max(b.Multiplier, 1.0)
	delay := float64(b.InitialDelay)
	if attempt > 1 {
		delay *= math.Pow(mult, float64(attempt-1))
	}
	if b.MaxDelay > 0 {
		delay = math.Min(delay, float64(b.MaxDelay))
	}
	if b.Jitter {
		f := 1.0
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay *= f
	}
	return time.Duration(delay)
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
