package worker

import (
	"context"
	"time"
)

// MaxBackoff caps retry delays.
const MaxBackoff = time.Hour

// Backoff returns the delay before retry number attempt+1: base doubled
// once per previous attempt, capped at MaxBackoff.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for range attempt {
		d *= 2
		if d >= MaxBackoff {
			return MaxBackoff
		}
	}
	return min(d, MaxBackoff)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
