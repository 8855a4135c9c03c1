package storage

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/snehjoshi/levelq/internal/types"
)

// RetryPolicy bounds how long UpsertWithRetry keeps retrying transient errors.
type RetryPolicy struct {
	// Attempts is the total number of Upsert calls, including the first.
	Attempts int
	// MinDelay and MaxDelay bound the random sleep between attempts.
	MinDelay time.Duration
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: 8,
		MinDelay: 5 * time.Millisecond,
		MaxDelay: 50 * time.Millisecond,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if p.MaxDelay < p.MinDelay {
		p.MaxDelay = p.MinDelay
	}
	return p
}

func (p RetryPolicy) delay() time.Duration {
	span := p.MaxDelay - p.MinDelay
	if span <= 0 {
		return p.MinDelay
	}
	return p.MinDelay + time.Duration(rand.Int64N(int64(span))) //nolint:gosec // jitter intentionally uses non-crypto rand
}

// Transient reports whether err is worth retrying.
func Transient(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrUnavailable)
}

// UpsertWithRetry calls s.Upsert until it succeeds, fn returns its own error,
// or the policy is exhausted. Exhaustion is reported as ErrUnavailable wrapping
// the last transient error.
func UpsertWithRetry(ctx context.Context, s Store, key string, fn MutateFunc, p RetryPolicy) (*types.QueueItem, error) {
	p = p.normalized()

	var lastErr error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		// fnErr distinguishes a deliberate abort from a store-side failure
		// that happens to wrap the same sentinel.
		var fnErr error
		item, err := s.Upsert(ctx, key, func(it *types.QueueItem, exists bool) (Op, error) {
			op, e := fn(it, exists)
			fnErr = e
			return op, e
		})
		if err == nil {
			return item, nil
		}
		if fnErr != nil || !Transient(err) {
			return nil, err
		}
		lastErr = err

		if attempt == p.Attempts {
			break
		}
		t := time.NewTimer(p.delay())
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		case <-t.C:
		}
	}
	if errors.Is(lastErr, ErrUnavailable) {
		return nil, fmt.Errorf("upsert %q: retries exhausted: %w", key, lastErr)
	}
	return nil, fmt.Errorf("upsert %q: %w after %d attempts: %v", key, ErrUnavailable, p.Attempts, lastErr)
}
