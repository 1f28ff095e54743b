// Package sweep cancels idle sessions and trims the connection and
// rate-limit tracking maps on a fixed interval.
package sweep

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const (
	DefaultStaleAfter = 24 * time.Hour
	DefaultInterval   = time.Hour
	DefaultBatchSize  = 200
)

// SessionCanceller cancels sessions idle for longer than olderThan.
type SessionCanceller interface {
	CancelStale(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

// OriginTracker is the websocket connection throttle.
type OriginTracker interface {
	Sweep() int
}

// BucketStore is the rate limiter.
type BucketStore interface {
	Sweep(ctx context.Context) (int, error)
}

type Config struct {
	StaleAfter time.Duration
	Interval   time.Duration
	BatchSize  int
}

func (c Config) withDefaults() Config {
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	return c
}

// Result counts what one pass removed.
type Result struct {
	Sessions int
	Origins  int
	Buckets  int
}

type Option func(*Runner)

func WithOriginTracker(t OriginTracker) Option {
	return func(r *Runner) { r.origins = t }
}

func WithBucketStore(b BucketStore) Option {
	return func(r *Runner) { r.buckets = b }
}

// Runner performs sweeps, either on its own ticker or when asked.
type Runner struct {
	sessions SessionCanceller
	origins  OriginTracker
	buckets  BucketStore
	clock    clockwork.Clock
	cfg      Config
}

func NewRunner(sessions SessionCanceller, clock clockwork.Clock, cfg Config, opts ...Option) *Runner {
	r := &Runner{sessions: sessions, clock: clock, cfg: cfg.withDefaults()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Interval is the configured time between sweeps.
func (r *Runner) Interval() time.Duration { return r.cfg.Interval }

// RunOnce performs one full sweep. Tracking maps are trimmed even when the
// session pass fails.
func (r *Runner) RunOnce(ctx context.Context) (Result, error) {
	var errs []error
	n, err := r.SweepSessions(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	res, err := r.SweepLocal(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	res.Sessions = n
	return res, errors.Join(errs...)
}

// SweepSessions cancels one batch of idle sessions.
func (r *Runner) SweepSessions(ctx context.Context) (int, error) {
	n, err := r.sessions.CancelStale(ctx, r.cfg.StaleAfter, r.cfg.BatchSize)
	log.Info().Int("sessions", n).Msg("session sweep complete")
	return n, err
}

// SweepLocal trims this process's connection and rate-limit tracking.
func (r *Runner) SweepLocal(ctx context.Context) (Result, error) {
	var res Result
	var err error
	if r.origins != nil {
		res.Origins = r.origins.Sweep()
	}
	if r.buckets != nil {
		res.Buckets, err = r.buckets.Sweep(ctx)
	}
	log.Debug().
		Int("origins", res.Origins).
		Int("buckets", res.Buckets).
		Msg("tracking sweep complete")
	return res, err
}

// Run performs full sweeps every interval until ctx is done.
func (r *Runner) Run(ctx context.Context) {
	r.loop(ctx, "full", func(ctx context.Context) error {
		_, err := r.RunOnce(ctx)
		return err
	})
}

// RunLocal trims only the local tracking maps every interval. Each replica
// runs it while the session pass is scheduled elsewhere.
func (r *Runner) RunLocal(ctx context.Context) {
	r.loop(ctx, "local", func(ctx context.Context) error {
		_, err := r.SweepLocal(ctx)
		return err
	})
}

// RunSessions cancels idle sessions every interval.
func (r *Runner) RunSessions(ctx context.Context) {
	r.loop(ctx, "sessions", func(ctx context.Context) error {
		_, err := r.SweepSessions(ctx)
		return err
	})
}

func (r *Runner) loop(ctx context.Context, mode string, pass func(context.Context) error) {
	ticker := r.clock.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	log.Info().
		Str("mode", mode).
		Dur("interval", r.cfg.Interval).
		Dur("stale_after", r.cfg.StaleAfter).
		Msg("sweep runner started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("mode", mode).Msg("sweep runner stopped")
			return
		case <-ticker.Chan():
			if err := pass(ctx); err != nil {
				log.Error().Err(err).Str("mode", mode).Msg("sweep failed")
			}
		}
	}
}
