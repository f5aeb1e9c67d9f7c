package retrier

import (
	"context"
	"math/rand"
	"time"
)

const (
	defaultAttempts  = 3
	defaultBaseDelay = 200 * time.Millisecond
	defaultMaxDelay  = 2 * time.Second
	defaultFactor    = 2.0
	defaultJitter    = 0.2
)

// Retrier runs an operation a bounded number of attempts with exponential
// backoff and jitter between attempts. The total time spent is bounded by the
// caller's context.
type Retrier struct {
	attempts  int
	baseDelay time.Duration
	maxDelay  time.Duration
	factor    float64
	jitter    float64
}

// Option configures a Retrier.
type Option func(*Retrier)

// WithAttempts sets the total number of attempts (first call included).
func WithAttempts(n int) Option {
	return func(r *Retrier) {
		if n > 0 {
			r.attempts = n
		}
	}
}

// WithBaseDelay sets the delay before the second attempt.
func WithBaseDelay(d time.Duration) Option {
	return func(r *Retrier) { r.baseDelay = d }
}

// WithMaxDelay caps the backoff delay.
func WithMaxDelay(d time.Duration) Option {
	return func(r *Retrier) { r.maxDelay = d }
}

// WithJitter sets the jitter factor applied to each delay (0.0 to 1.0).
func WithJitter(j float64) Option {
	return func(r *Retrier) { r.jitter = j }
}

// New creates a Retrier with defaults overridden by opts.
func New(opts ...Option) *Retrier {
	r := &Retrier{
		attempts:  defaultAttempts,
		baseDelay: defaultBaseDelay,
		maxDelay:  defaultMaxDelay,
		factor:    defaultFactor,
		jitter:    defaultJitter,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Do runs fn until it succeeds, attempts are exhausted, or ctx is done.
// The last error is returned when all attempts fail.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	delay := r.baseDelay

	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		if attempt > 1 {
			jittered := float64(delay) * (1 + (rand.Float64()*2-1)*r.jitter)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(jittered)):
			}
			delay = time.Duration(float64(delay) * r.factor)
			if delay > r.maxDelay {
				delay = r.maxDelay
			}
		}

		if err = fn(ctx); err == nil {
			return nil
		}
	}
	return err
}

// Value runs fn with retries and returns its result.
func Value[T any](ctx context.Context, r *Retrier, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := r.Do(ctx, func(ctx context.Context) error {
		var e error
		out, e = fn(ctx)
		return e
	})
	return out, err
}
