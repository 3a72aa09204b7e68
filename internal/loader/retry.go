package loader

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/tshmit/foodb/internal/storage"
)

// RetryPolicy bounds how transient write failures are retried. Only errors
// classified transient by the backend are retried; everything else fails the
// run on the first occurrence.
type RetryPolicy struct {
	MaxRetries int           // additional attempts after the first
	Backoff    time.Duration // first delay; doubles per attempt
	MaxBackoff time.Duration // delay cap
}

// DefaultRetryPolicy matches the contention profile of serialization-retry
// backends: a handful of attempts, short first delay, capped at 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 5, Backoff: 500 * time.Millisecond, MaxBackoff: 10 * time.Second}
}

// do runs fn up to 1+MaxRetries times, sleeping an exponentially growing,
// jittered delay between transient failures. The sleep is cut short when ctx
// is canceled.
func (p RetryPolicy) do(ctx context.Context, fn func() error) error {
	delay := p.Backoff
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	cap := p.MaxBackoff
	if cap <= 0 {
		cap = 10 * time.Second
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !storage.IsTransient(err) {
			return err
		}
		if attempt >= p.MaxRetries {
			return fmt.Errorf("giving up after %d attempts: %w", attempt+1, err)
		}

		// Full jitter keeps concurrent loaders from retrying in lockstep.
		sleep := time.Duration(rand.Int63n(int64(delay) + 1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		delay *= 2
		if delay > cap {
			delay = cap
		}
	}
}
