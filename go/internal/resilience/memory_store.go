package resilience

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type tokenBucket struct {
	tokens float64
	last   time.Time
	budget Budget
}

// MemoryStore keeps token buckets in process.
type MemoryStore struct {
	clock   clockwork.Clock
	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

// NewMemoryStore creates an in-process bucket store.
func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	return &MemoryStore{clock: clock, buckets: make(map[string]*tokenBucket)}
}

func (s *MemoryStore) Take(_ context.Context, key string, budget Budget) (Decision, error) {
	now := s.clock.Now()
	capacity := float64(budget.Capacity)
	refill := float64(budget.Refill)

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok {
		b = &tokenBucket{tokens: capacity, last: now, budget: budget}
		s.buckets[key] = b
	}
	if elapsed := now.Sub(b.last); elapsed > 0 {
		b.tokens = math.Min(capacity, b.tokens+float64(elapsed)*capacity/refill)
	}
	b.last = now

	if b.tokens >= 1 {
		b.tokens--
		return Decision{Allowed: true, Remaining: int(b.tokens)}, nil
	}
	wait := time.Duration(math.Ceil((1 - b.tokens) * refill / capacity))
	return Decision{Allowed: false, RetryAfter: wait}, nil
}

func (s *MemoryStore) ForgetPrefix(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.buckets {
		if strings.HasPrefix(key, prefix) {
			delete(s.buckets, key)
		}
	}
	return nil
}

// Sweep drops buckets idle long enough to have refilled completely.
func (s *MemoryStore) Sweep(_ context.Context) (int, error) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, b := range s.buckets {
		if now.Sub(b.last) >= b.budget.Refill {
			delete(s.buckets, key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of tracked buckets.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}
