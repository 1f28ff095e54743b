package realtime

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ThrottleConfig bounds new-connection attempts per network origin.
type ThrottleConfig struct {
	MaxAttempts int
	Window      time.Duration
	BlockFor    time.Duration
}

func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		MaxAttempts: 10,
		Window:      time.Minute,
		BlockFor:    5 * time.Minute,
	}
}

type originState struct {
	windowStart  time.Time
	attempts     int
	blockedUntil time.Time
}

// ConnectionThrottle tracks upgrade attempts per origin and temporarily
// blocks origins that exceed the threshold.
type ConnectionThrottle struct {
	cfg   ThrottleConfig
	clock clockwork.Clock

	mu      sync.Mutex
	origins map[string]*originState
}

func NewConnectionThrottle(cfg ThrottleConfig, clock clockwork.Clock) *ConnectionThrottle {
	def := DefaultThrottleConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.BlockFor <= 0 {
		cfg.BlockFor = def.BlockFor
	}
	return &ConnectionThrottle{cfg: cfg, clock: clock, origins: make(map[string]*originState)}
}

// Allow records an attempt from origin. When the origin is blocked it
// returns false and how long the block lasts.
func (t *ConnectionThrottle) Allow(origin string) (bool, time.Duration) {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.origins[origin]
	if !ok {
		st = &originState{windowStart: now}
		t.origins[origin] = st
	}
	if now.Before(st.blockedUntil) {
		return false, st.blockedUntil.Sub(now)
	}
	if now.Sub(st.windowStart) >= t.cfg.Window {
		st.windowStart = now
		st.attempts = 0
	}
	st.attempts++
	if st.attempts > t.cfg.MaxAttempts {
		st.blockedUntil = now.Add(t.cfg.BlockFor)
		st.attempts = 0
		st.windowStart = st.blockedUntil
		return false, t.cfg.BlockFor
	}
	return true, 0
}

// Sweep drops origins with no window or block still running.
func (t *ConnectionThrottle) Sweep() int {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for origin, st := range t.origins {
		if now.Before(st.blockedUntil) || now.Sub(st.windowStart) < t.cfg.Window {
			continue
		}
		delete(t.origins, origin)
		removed++
	}
	return removed
}

// Len reports how many origins are tracked.
func (t *ConnectionThrottle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.origins)
}
