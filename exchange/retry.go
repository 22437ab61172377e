package exchange

import (
	"context"
	"time"

	"github.com/nofx-labs/futuresupervisor/errs"
)

// MaxRetries and RetryBaseDelay implement the venue retry policy: up
// to 3 retries (4 attempts in all) with exponential backoff from a
// 500ms base.
const (
	MaxRetries     = 3
	RetryBaseDelay = 500 * time.Millisecond
)

// WithRetry runs op, retrying up to MaxRetries times with exponential
// backoff when op fails with a KindVenueTransient error. Any other
// error — including a KindVenuePermanent one — returns immediately.
// The backoff sleep is cancellable via ctx.
func WithRetry(ctx context.Context, op func() error) error {
	var lastErr error
	delay := RetryBaseDelay
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !errs.Is(lastErr, errs.KindVenueTransient) {
			return lastErr
		}
		if attempt == MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return lastErr
}
