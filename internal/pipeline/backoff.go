package pipeline

import (
	"context"
	"math/rand"
	"time"
)

// NextBackoff doubles the current delay up to max.
func NextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

// SleepWithJitter blocks for base plus up to 50% random jitter, or
// until the context is cancelled.
func SleepWithJitter(ctx context.Context, base time.Duration) error {
	if base <= 0 {
		return ctx.Err()
	}
	var jitter time.Duration
	if half := int64(base / 2); half > 0 {
		jitter = time.Duration(rand.Int63n(half))
	}
	timer := time.NewTimer(base + jitter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// JitteredInterval returns a random duration in [min, max]. Used for
// poll cadences that should not align across markets.
func JitteredInterval(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
