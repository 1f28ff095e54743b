package resilience

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/apperr"
)

// Class is an operation class with its own budget.
type Class string

const (
	ClassCreateRoom Class = "create_room"
	ClassJoin       Class = "join"
	ClassVote       Class = "vote"
	ClassRead       Class = "read"
)

// Budget is a token bucket: Capacity tokens, refilled in full over Refill.
type Budget struct {
	Capacity int           `yaml:"capacity"`
	Refill   time.Duration `yaml:"refill"`
}

func (b Budget) valid() bool { return b.Capacity > 0 && b.Refill > 0 }

// DefaultBudgets returns the per-class budgets: room creation very low,
// voting moderate and refreshed quickly, reads high.
func DefaultBudgets() map[Class]Budget {
	return map[Class]Budget{
		ClassCreateRoom: {Capacity: 5, Refill: time.Hour},
		ClassJoin:       {Capacity: 20, Refill: time.Minute},
		ClassVote:       {Capacity: 30, Refill: time.Minute},
		ClassRead:       {Capacity: 300, Refill: time.Minute},
	}
}

// Decision is the outcome of one token request.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Store holds token buckets.
type Store interface {
	Take(ctx context.Context, key string, budget Budget) (Decision, error)
	ForgetPrefix(ctx context.Context, prefix string) error
	Sweep(ctx context.Context) (int, error)
}

// Identity identifies a caller for rate limiting. Scope is usually a
// session ID so its buckets can be dropped when the session ends.
type Identity struct {
	Scope       string
	Origin      string
	Fingerprint string
}

const globalScope = "global"

func (id Identity) key(class Class) string {
	scope := id.Scope
	if scope == "" {
		scope = globalScope
	}
	return strings.Join([]string{scope, string(class), id.Origin, id.Fingerprint}, "|")
}

// Limiter applies per-class budgets over a Store.
type Limiter struct {
	store   Store
	budgets map[Class]Budget
}

// NewLimiter creates a Limiter. Missing classes fall back to the defaults.
func NewLimiter(store Store, budgets map[Class]Budget) *Limiter {
	merged := DefaultBudgets()
	for class, b := range budgets {
		if b.valid() {
			merged[class] = b
		}
	}
	return &Limiter{store: store, budgets: merged}
}

// Budget returns the configured budget for class.
func (l *Limiter) Budget(class Class) (Budget, bool) {
	b, ok := l.budgets[class]
	return b, ok
}

// Check takes one token for id in class. An exhausted budget yields a
// RateLimited error with a whole-second retry hint. Store failures are
// logged and the request is allowed.
func (l *Limiter) Check(ctx context.Context, class Class, id Identity) (Decision, error) {
	budget, ok := l.budgets[class]
	if !ok {
		return Decision{Allowed: true}, nil
	}

	d, err := l.store.Take(ctx, id.key(class), budget)
	if err != nil {
		log.Warn().Err(err).Str("class", string(class)).Str("origin", id.Origin).Msg("rate limiter store failed, allowing request")
		return Decision{Allowed: true}, nil
	}
	if d.Allowed {
		return d, nil
	}

	d.RetryAfter = roundUpSecond(d.RetryAfter)
	return d, apperr.RateLimited(d.RetryAfter)
}

// ForgetScope drops every bucket created under scope.
func (l *Limiter) ForgetScope(ctx context.Context, scope string) error {
	if scope == "" {
		return nil
	}
	return l.store.ForgetPrefix(ctx, scope+"|")
}

// Sweep removes idle buckets from the store.
func (l *Limiter) Sweep(ctx context.Context) (int, error) {
	return l.store.Sweep(ctx)
}

func roundUpSecond(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Second
	}
	secs := (d + time.Second - 1) / time.Second
	return secs * time.Second
}
