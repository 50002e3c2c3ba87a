package hub

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// retryTransient runs fn until it succeeds, fails with a non-transient error, or retries extra
// attempts were spent. The wait before attempt n is n*backoff.
func retryTransient(ctx context.Context, retries int, backoff time.Duration, op string, fn func() error) error {
	if retries < 0 {
		retries = 0
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * backoff):
			}
		}

		lastErr = fn()
		if lastErr == nil || !isTransient(lastErr) {
			return lastErr
		}
		log.WithField("attempt", attempt+1).Warnf("%s failed: %v", op, lastErr)
	}
	return lastErr
}
