package transport

import (
	"context"
	"time"
)

const (
	BackoffMinInterval = 1 * time.Second
	BackoffMaxInterval = 60 * time.Second
	BackoffMultiplier  = 1.5
)

func backoff(d *time.Duration) {
	if *d == 0 {
		*d = BackoffMinInterval
		return
	}
	*d = time.Duration(float64(*d) * BackoffMultiplier).Truncate(time.Millisecond)
	if *d > BackoffMaxInterval {
		*d = BackoffMaxInterval
	}
}

// sleepBackoff grows the interval and waits it out. Returns false when the
// context was cancelled while waiting.
func sleepBackoff(ctx context.Context, d *time.Duration) bool {
	backoff(d)
	select {
	case <-time.After(*d):
		return true
	case <-ctx.Done():
		return false
	}
}
