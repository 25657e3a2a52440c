package retry

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// WaitFunc blocks for d or until ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default WaitFunc backed by a timer.
func Sleep(ctx context.Context, d time.Duration) error {
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

// Retryer runs operations under a Policy.
type Retryer struct {
	policy Policy
	wait   WaitFunc
	logger zerolog.Logger
}

// Option customises a Retryer.
type Option func(*Retryer)

// WithWait replaces the wait function, mostly for tests.
func WithWait(wait WaitFunc) Option {
	return func(r *Retryer) {
		if wait != nil {
			r.wait = wait
		}
	}
}

func NewRetryer(policy Policy, logger zerolog.Logger, opts ...Option) *Retryer {
	r := &Retryer{
		policy: policy.normalized(),
		wait:   Sleep,
		logger: logger.With().Str("component", "retry").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the effective policy.
func (r *Retryer) Policy() Policy {
	return r.policy
}

// Do runs op, retrying retryable failures with backoff. The last error is
// returned unchanged once retries are exhausted or a fatal error occurs. When
// ctx ends during a wait, ctx.Err() is returned.
func Do[T any](ctx context.Context, r *Retryer, name string, op func(ctx context.Context) (T, error)) (T, error) {
	if r == nil {
		return op(ctx)
	}

	var zero T
	for attempt := 0; ; attempt++ {
		value, err := op(ctx)
		if err == nil {
			if attempt > 0 {
				r.logger.Info().Str("operation", name).Int("attempt", attempt+1).Msg("operation succeeded after retry")
			}
			return value, nil
		}

		if !r.policy.Retryable(err) {
			r.logger.Debug().Err(err).Str("operation", name).Msg("non-retryable error")
			return zero, err
		}
		if attempt >= r.policy.MaxRetries {
			r.logger.Warn().Err(err).Str("operation", name).Int("attempts", attempt+1).Msg("retries exhausted")
			return zero, err
		}

		delay := r.policy.DelayFor(err, attempt)
		r.logger.Warn().Err(err).
			Str("operation", name).
			Int("attempt", attempt+1).
			Bool("rate_limited", IsRateLimited(err)).
			Dur("delay", delay).
			Msg("retrying after failure")

		if waitErr := r.wait(ctx, delay); waitErr != nil {
			return zero, waitErr
		}
	}
}
