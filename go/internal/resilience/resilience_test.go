package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/apperr"
)

func noWaitExecutor(clock clockwork.Clock, cfg BreakerConfig) *Executor {
	return NewExecutor(
		WithClock(clock),
		WithBreakers(NewBreakers(cfg, clock)),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3}),
	)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(syscall.ECONNREFUSED))
	assert.True(t, IsTransient(fmt.Errorf("dial: %w", syscall.ECONNRESET)))
	assert.True(t, IsTransient(&net.DNSError{Err: "no such host", Name: "db"}))
	assert.True(t, IsTransient(&net.OpError{Op: "dial", Err: errors.New("refused")}))
	assert.True(t, IsTransient(&pq.Error{Code: "08006"}))
	assert.True(t, IsTransient(context.DeadlineExceeded))

	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(&pq.Error{Code: "23505"}))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(apperr.New(apperr.KindValidation, apperr.CodeInvalidChoice, "bad")))
	assert.False(t, IsTransient(apperr.New(apperr.KindConflict, apperr.CodeDuplicateVote, "dup")))
	assert.True(t, IsTransient(apperr.New(apperr.KindTransient, "x", "flaky")))
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}

	assert.Equal(t, 100*time.Millisecond, p.Backoff(1, nil))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(2, nil))
	assert.Equal(t, 300*time.Millisecond, p.Backoff(3, nil))

	p.Jitter = 0.5
	assert.Equal(t, 50*time.Millisecond, p.Backoff(1, func() float64 { return 0 }))
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	ex := noWaitExecutor(clockwork.NewFakeClock(), DefaultBreakerConfig())
	calls := 0

	v, err := Do(context.Background(), ex, "rooms.get", func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, syscall.ECONNREFUSED
		}
		return 7, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsToUnavailable(t *testing.T) {
	ex := noWaitExecutor(clockwork.NewFakeClock(), DefaultBreakerConfig())
	calls := 0

	err := ex.Run(context.Background(), "votes.insert", func(context.Context) error {
		calls++
		return syscall.ECONNREFUSED
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, apperr.IsKind(err, apperr.KindUnavailable))
	assert.Equal(t, apperr.CodeServiceUnavailable, apperr.CodeOf(err))
	assert.ErrorIs(t, err, syscall.ECONNREFUSED)
}

func TestDoDoesNotRetryConflicts(t *testing.T) {
	ex := noWaitExecutor(clockwork.NewFakeClock(), DefaultBreakerConfig())
	calls := 0
	dup := apperr.New(apperr.KindConflict, apperr.CodeDuplicateVote, "already voted")

	err := ex.Run(context.Background(), "votes.insert", func(context.Context) error {
		calls++
		return dup
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, dup)
}

func TestBreakerOpensAndFailsFast(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := BreakerConfig{Window: 10 * time.Second, Buckets: 10, ErrorThreshold: 0.5, MinRequests: 3, CoolDown: 30 * time.Second}
	ex := NewExecutor(
		WithClock(clock),
		WithBreakers(NewBreakers(cfg, clock)),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 1}),
	)

	calls := 0
	failing := func(context.Context) error {
		calls++
		return syscall.ECONNREFUSED
	}
	for i := 0; i < 3; i++ {
		_ = ex.Run(context.Background(), "db", failing)
	}
	require.Equal(t, 3, calls)
	assert.Equal(t, StateOpen, ex.Breakers().Get("db").State())

	err := ex.Run(context.Background(), "db", failing)
	assert.Equal(t, 3, calls, "open circuit must not call through")
	assert.Equal(t, apperr.CodeCircuitOpen, apperr.CodeOf(err))
	assert.Equal(t, 30*time.Second, apperr.RetryAfterOf(err))

	clock.Advance(31 * time.Second)
	assert.Equal(t, StateHalfOpen, ex.Breakers().Get("db").State())

	err = ex.Run(context.Background(), "db", func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, StateClosed, ex.Breakers().Get("db").State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := NewBreaker("db", BreakerConfig{Window: time.Second, Buckets: 1, ErrorThreshold: 0.5, MinRequests: 1, CoolDown: time.Second}, clock)

	require.NoError(t, b.Allow())
	b.Record(false)
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	clock.Advance(time.Second)
	require.NoError(t, b.Allow())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen, "only one trial call in half-open")

	b.Record(false)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerWindowForgetsOldFailures(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := NewBreaker("db", BreakerConfig{Window: 10 * time.Second, Buckets: 10, ErrorThreshold: 0.5, MinRequests: 4, CoolDown: time.Minute}, clock)

	b.Record(false)
	b.Record(false)
	b.Record(false)
	clock.Advance(11 * time.Second)
	b.Record(false)
	b.Record(true)
	b.Record(true)
	b.Record(true)

	assert.Equal(t, StateClosed, b.State())
}

func TestLimiterExhaustsAndRefills(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := NewLimiter(NewMemoryStore(clock), map[Class]Budget{
		ClassCreateRoom: {Capacity: 2, Refill: time.Minute},
	})
	id := Identity{Origin: "10.0.0.1"}
	ctx := context.Background()

	_, err := l.Check(ctx, ClassCreateRoom, id)
	require.NoError(t, err)
	d, err := l.Check(ctx, ClassCreateRoom, id)
	require.NoError(t, err)
	assert.Equal(t, 0, d.Remaining)

	d, err = l.Check(ctx, ClassCreateRoom, id)
	require.Error(t, err)
	assert.False(t, d.Allowed)
	assert.True(t, apperr.IsKind(err, apperr.KindRateLimited))
	assert.Equal(t, 30*time.Second, apperr.RetryAfterOf(err))

	_, err = l.Check(ctx, ClassCreateRoom, Identity{Origin: "10.0.0.2"})
	assert.NoError(t, err, "other origins have their own bucket")

	clock.Advance(30 * time.Second)
	_, err = l.Check(ctx, ClassCreateRoom, id)
	assert.NoError(t, err)
}

func TestLimiterForgetScopeAndSweep(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewMemoryStore(clock)
	l := NewLimiter(store, nil)
	ctx := context.Background()

	_, _ = l.Check(ctx, ClassVote, Identity{Scope: "s1", Origin: "a", Fingerprint: "f1"})
	_, _ = l.Check(ctx, ClassVote, Identity{Scope: "s2", Origin: "a", Fingerprint: "f1"})
	_, _ = l.Check(ctx, ClassRead, Identity{Origin: "a"})
	require.Equal(t, 3, store.Len())

	require.NoError(t, l.ForgetScope(ctx, "s1"))
	assert.Equal(t, 2, store.Len())

	clock.Advance(time.Minute)
	n, err := l.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, store.Len())
}

type failingStore struct{ MemoryStore }

func (failingStore) Take(context.Context, string, Budget) (Decision, error) {
	return Decision{}, errors.New("redis down")
}

func TestLimiterFailsOpen(t *testing.T) {
	l := NewLimiter(&failingStore{}, nil)
	d, err := l.Check(context.Background(), ClassVote, Identity{Origin: "a"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
