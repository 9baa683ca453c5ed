package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// Policy holds the backoff ladder parameters. Delay for attempt n (1-based)
// is min(MaxDelay, BaseDelay*2^(n-1)) plus a uniform jitter in [0, Jitter).
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration
}

// DefaultPolicy matches the relay's production ladder.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      500 * time.Millisecond,
	}
}

// Delay computes the backoff before retry attempt n (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay << (attempt - 1)
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return d
}

// sleepFn is swapped in tests to avoid real waiting.
var sleepFn = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Refresher forces a credential refresh after an auth-classified failure.
// The token vault satisfies this.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Do runs fn under the policy. Retryable failures walk the backoff ladder up
// to MaxAttempts. The first auth-classified failure forces one credential
// refresh and retries immediately without consuming an attempt; a second
// auth failure aborts. Permanent failures abort at once.
func Do[T any](ctx context.Context, log *slog.Logger, p Policy, refresher Refresher, fn func(ctx context.Context) (T, error)) (T, error) {
	if log == nil {
		log = slog.Default()
	}
	var zero T
	refreshed := false

	attempt := 1
	for {
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}

		switch class := Classify(err); class {
		case ClassAuth:
			if refreshed || refresher == nil {
				return zero, fmt.Errorf("authentication failed after refresh: %w", err)
			}
			refreshed = true
			log.Warn("auth failure, refreshing credential",
				slog.String("error", err.Error()))
			if rerr := refresher.Refresh(ctx); rerr != nil {
				return zero, fmt.Errorf("credential refresh: %w", rerr)
			}
			// Immediate retry outside the ladder.
			continue
		case ClassRetryable:
			if attempt >= p.MaxAttempts {
				return zero, fmt.Errorf("giving up after %d attempts: %w", attempt, err)
			}
			delay := p.Delay(attempt)
			log.Warn("retryable failure, backing off",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()))
			if serr := sleepFn(ctx, delay); serr != nil {
				return zero, serr
			}
			attempt++
		default:
			return zero, err
		}
	}
}
