package resilience

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/apperr"
)

// Executor guards storage calls with a per-operation breaker and retry.
type Executor struct {
	breakers *Breakers
	policy   RetryPolicy
	clock    clockwork.Clock
	rnd      func() float64
}

// Option customizes an Executor.
type Option func(*Executor)

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Executor) { e.policy = p }
}

// WithClock sets the clock used for backoff waits.
func WithClock(c clockwork.Clock) Option {
	return func(e *Executor) { e.clock = c }
}

// WithBreakers shares a breaker registry.
func WithBreakers(b *Breakers) Option {
	return func(e *Executor) { e.breakers = b }
}

// WithRand sets the jitter source.
func WithRand(rnd func() float64) Option {
	return func(e *Executor) { e.rnd = rnd }
}

// NewExecutor builds an Executor with default policy and breakers.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		policy: DefaultRetryPolicy(),
		clock:  clockwork.NewRealClock(),
		rnd:    defaultRand,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.breakers == nil {
		e.breakers = NewBreakers(DefaultBreakerConfig(), e.clock)
	}
	return e
}

// Breakers exposes the breaker registry.
func (e *Executor) Breakers() *Breakers { return e.breakers }

// Run executes fn under the operation's breaker and retry policy.
func (e *Executor) Run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, e, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do executes fn under the operation's breaker and retry policy. Transient
// errors are retried up to the policy bound and then surface as
// Unavailable. Any other error is returned as-is on the first attempt. An
// open circuit fails fast without calling fn.
func Do[T any](ctx context.Context, e *Executor, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	br := e.breakers.Get(op)
	attempts := e.policy.attempts()

	for attempt := 1; ; attempt++ {
		if err := br.Allow(); err != nil {
			ae := apperr.Wrap(err, apperr.KindUnavailable, apperr.CodeCircuitOpen,
				fmt.Sprintf("%s is temporarily unavailable", op))
			ae.RetryAfter = br.RetryAfter()
			return zero, ae
		}

		v, err := fn(ctx)
		if err == nil {
			br.Record(true)
			return v, nil
		}
		if !IsTransient(err) {
			br.Record(true)
			return zero, err
		}
		br.Record(false)

		log.Warn().
			Err(err).
			Str("operation", op).
			Int("attempt", attempt).
			Msg("transient storage error")

		if attempt >= attempts {
			return zero, apperr.Wrap(err, apperr.KindUnavailable, apperr.CodeServiceUnavailable,
				fmt.Sprintf("%s failed after %d attempts", op, attempt))
		}

		if d := e.policy.Backoff(attempt, e.rnd); d > 0 {
			select {
			case <-ctx.Done():
				return zero, apperr.Wrap(ctx.Err(), apperr.KindUnavailable, apperr.CodeServiceUnavailable,
					fmt.Sprintf("%s cancelled during retry", op))
			case <-e.clock.After(d):
			}
		}
	}
}
