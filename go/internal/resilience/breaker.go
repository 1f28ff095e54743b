package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// ErrCircuitOpen is returned by Allow while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit open")

// BreakerState is the circuit breaker state machine:
// closed -> open -> half-open -> closed|open.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes the rolling error-rate window.
type BreakerConfig struct {
	Window         time.Duration
	Buckets        int
	ErrorThreshold float64 // fraction of failed calls that opens the circuit
	MinRequests    int     // calls required in the window before evaluating
	CoolDown       time.Duration
}

// DefaultBreakerConfig opens at 50% errors over 10s once 5 calls were seen.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Window:         10 * time.Second,
		Buckets:        10,
		ErrorThreshold: 0.5,
		MinRequests:    5,
		CoolDown:       30 * time.Second,
	}
}

type bucket struct {
	epoch    int64
	total    int
	failures int
}

// Breaker is a circuit breaker for one named operation.
type Breaker struct {
	name   string
	cfg    BreakerConfig
	clock  clockwork.Clock
	width  time.Duration
	mu     sync.Mutex
	state  BreakerState
	opened time.Time
	trial  bool
	window []bucket
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, cfg BreakerConfig, clock clockwork.Clock) *Breaker {
	if cfg.Buckets < 1 {
		cfg.Buckets = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultBreakerConfig().Window
	}
	width := cfg.Window / time.Duration(cfg.Buckets)
	if width <= 0 {
		width = time.Millisecond
	}
	return &Breaker{
		name:   name,
		cfg:    cfg,
		clock:  clock,
		width:  width,
		window: make([]bucket, cfg.Buckets),
	}
}

// Name returns the operation name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, promoting open to half-open once the
// cool-down has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.clock.Since(b.opened) >= b.cfg.CoolDown {
		return StateHalfOpen
	}
	return b.state
}

// Allow reports whether a call may proceed. In half-open state exactly one
// trial call is admitted until its outcome is recorded.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.clock.Since(b.opened) < b.cfg.CoolDown {
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.trial = true
		log.Info().Str("operation", b.name).Msg("circuit half-open, admitting trial call")
		return nil
	case StateHalfOpen:
		if b.trial {
			return ErrCircuitOpen
		}
		b.trial = true
		return nil
	default:
		return nil
	}
}

// RetryAfter returns the remaining cool-down, zero unless open.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return 0
	}
	remaining := b.cfg.CoolDown - b.clock.Since(b.opened)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Record registers the outcome of an admitted call.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.trial = false
		if success {
			b.state = StateClosed
			b.clearWindow()
			log.Info().Str("operation", b.name).Msg("circuit closed")
			return
		}
		b.trip()
	case StateClosed:
		bk := b.current()
		bk.total++
		if !success {
			bk.failures++
		}
		total, failures := b.counts()
		if total >= b.cfg.MinRequests && float64(failures)/float64(total) >= b.cfg.ErrorThreshold {
			b.trip()
		}
	}
}

func (b *Breaker) trip() {
	b.state = StateOpen
	b.opened = b.clock.Now()
	b.trial = false
	b.clearWindow()
	log.Warn().Str("operation", b.name).Dur("cool_down", b.cfg.CoolDown).Msg("circuit opened")
}

func (b *Breaker) epoch() int64 {
	return b.clock.Now().UnixNano() / int64(b.width)
}

func (b *Breaker) current() *bucket {
	e := b.epoch()
	bk := &b.window[e%int64(len(b.window))]
	if bk.epoch != e {
		*bk = bucket{epoch: e}
	}
	return bk
}

func (b *Breaker) counts() (total, failures int) {
	e := b.epoch()
	oldest := e - int64(len(b.window)) + 1
	for _, bk := range b.window {
		if bk.epoch >= oldest && bk.epoch <= e {
			total += bk.total
			failures += bk.failures
		}
	}
	return total, failures
}

func (b *Breaker) clearWindow() {
	for i := range b.window {
		b.window[i] = bucket{}
	}
}

// Breakers is a registry of breakers keyed by operation name.
type Breakers struct {
	cfg   BreakerConfig
	clock clockwork.Clock
	mu    sync.Mutex
	items map[string]*Breaker
}

// NewBreakers creates an empty registry sharing one config.
func NewBreakers(cfg BreakerConfig, clock clockwork.Clock) *Breakers {
	return &Breakers{cfg: cfg, clock: clock, items: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it on first use.
func (r *Breakers) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.items[name]
	if !ok {
		b = NewBreaker(name, r.cfg, r.clock)
		r.items[name] = b
	}
	return b
}

// States reports the state of every known breaker.
func (r *Breakers) States() map[string]string {
	r.mu.Lock()
	items := make([]*Breaker, 0, len(r.items))
	for _, b := range r.items {
		items = append(items, b)
	}
	r.mu.Unlock()

	out := make(map[string]string, len(items))
	for _, b := range items {
		out[b.name] = b.State().String()
	}
	return out
}
