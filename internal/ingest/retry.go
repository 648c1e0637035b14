package ingest

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/p-n-ai/pai-content/internal/platform/database"
)

const (
	defaultMaxAttempts = 3
	defaultBackoffBase = 100 * time.Millisecond
)

type retryPolicy struct {
	maxAttempts int
	base        time.Duration
}

// backoff is base * 2^(attempt-1), scaled by a jitter factor in [0.5, 1.5).
func (p retryPolicy) backoff(attempt int) time.Duration {
	delay := p.base << (attempt - 1)
	return time.Duration(float64(delay) * (0.5 + rand.Float64()))
}

// do runs op until it succeeds, fails permanently, or maxAttempts transient
// failures have happened. It returns the number of attempts made. A
// transient failure on the last attempt comes back as an exhausted
// StoreError.
func (p retryPolicy) do(ctx context.Context, key string, op func(attempt int) error) (int, error) {
	for attempt := 1; ; attempt++ {
		err := op(attempt)
		if err == nil {
			return attempt, nil
		}
		if ctx.Err() != nil || !database.IsTransient(err) {
			return attempt, err
		}
		if attempt >= p.maxAttempts {
			return attempt, &StoreError{Key: key, Attempts: attempt, Exhausted: true, Err: err}
		}

		delay := p.backoff(attempt)
		slog.Warn("transient store failure, retrying",
			"key", key,
			"attempt", attempt,
			"max_attempts", p.maxAttempts,
			"backoff", delay,
			"error", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}
}
