package timer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/events"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/resilience"
)

// TickInterval is the fixed countdown period.
const TickInterval = time.Second

// ErrInvalidDuration is returned for countdowns shorter than one tick.
var ErrInvalidDuration = errors.New("timer duration must be at least one second")

// Key identifies one countdown.
type Key struct {
	SessionID  uuid.UUID
	ScenarioID string
}

// Publisher fans events out to a room.
type Publisher interface {
	Publish(evt events.Event)
}

// ExpiryHandler is invoked when a countdown reaches zero. It is retried on
// error, so it must be idempotent.
type ExpiryHandler func(ctx context.Context, key Key) error

// Info describes a running countdown.
type Info struct {
	Key              Key
	Duration         time.Duration
	StartedAt        time.Time
	SecondsRemaining int
}

type countdown struct {
	key       Key
	duration  time.Duration
	startedAt time.Time
	ticker    clockwork.Ticker
	stop      chan struct{}
	done      chan struct{}

	mu        sync.Mutex
	remaining int
}

func (cd *countdown) secondsRemaining() int {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	return cd.remaining
}

// Coordinator owns every countdown in the process: one goroutine and one
// ticker per key.
type Coordinator struct {
	clock    clockwork.Clock
	hub      Publisher
	onExpire ExpiryHandler
	retry    resilience.RetryPolicy

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// startMu serializes replacement so an old countdown has fully stopped
	// before its successor emits anything.
	startMu sync.Mutex
	mu      sync.Mutex
	timers  map[Key]*countdown
}

// NewCoordinator creates a Coordinator. onExpire may be set later with
// SetExpiryHandler, before the first timer starts.
func NewCoordinator(clock clockwork.Clock, hub Publisher, onExpire ExpiryHandler) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		clock:    clock,
		hub:      hub,
		onExpire: onExpire,
		retry:    resilience.RetryPolicy{MaxAttempts: 5, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second},
		ctx:      ctx,
		cancel:   cancel,
		timers:   make(map[Key]*countdown),
	}
}

// SetExpiryHandler installs the expiry callback.
func (c *Coordinator) SetExpiryHandler(h ExpiryHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onExpire = h
}

// StartTimer starts a countdown for key, replacing and fully stopping any
// countdown already running for it.
func (c *Coordinator) StartTimer(key Key, duration time.Duration) (Info, error) {
	if duration < TickInterval {
		return Info{}, ErrInvalidDuration
	}
	if c.ctx.Err() != nil {
		return Info{}, context.Canceled
	}

	c.startMu.Lock()
	defer c.startMu.Unlock()

	cd := &countdown{
		key:       key,
		duration:  duration,
		startedAt: c.clock.Now(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		remaining: int(duration / TickInterval),
	}

	c.mu.Lock()
	old := c.timers[key]
	c.timers[key] = cd
	c.mu.Unlock()

	if old != nil {
		close(old.stop)
		<-old.done
		log.Debug().
			Str("session_id", key.SessionID.String()).
			Str("scenario_id", key.ScenarioID).
			Msg("replaced existing timer")
	}

	c.publish(key.SessionID, events.TypeTimerStarted, false, events.TimerStartedPayload{
		ScenarioID: key.ScenarioID,
		Duration:   cd.remaining,
		StartTime:  cd.startedAt,
	})

	cd.ticker = c.clock.NewTicker(TickInterval)
	c.wg.Add(1)
	go c.run(cd)

	log.Info().
		Str("session_id", key.SessionID.String()).
		Str("scenario_id", key.ScenarioID).
		Dur("duration", duration).
		Msg("timer started")

	return Info{Key: key, Duration: duration, StartedAt: cd.startedAt, SecondsRemaining: cd.remaining}, nil
}

func (c *Coordinator) run(cd *countdown) {
	defer c.wg.Done()
	defer cd.ticker.Stop()

	for {
		select {
		case <-cd.stop:
			close(cd.done)
			return
		case <-c.ctx.Done():
			c.removeIfCurrent(cd)
			close(cd.done)
			return
		case <-cd.ticker.Chan():
		}

		// a replacement may have been requested while we waited
		select {
		case <-cd.stop:
			close(cd.done)
			return
		default:
		}

		cd.mu.Lock()
		cd.remaining--
		remaining := cd.remaining
		cd.mu.Unlock()

		if remaining > 0 {
			c.publish(cd.key.SessionID, events.TypeTimerTick, true, events.TimerTickPayload{
				ScenarioID:       cd.key.ScenarioID,
				SecondsRemaining: remaining,
			})
			continue
		}

		c.publish(cd.key.SessionID, events.TypeTimerTick, false, events.TimerTickPayload{
			ScenarioID:       cd.key.ScenarioID,
			SecondsRemaining: 0,
		})
		c.removeIfCurrent(cd)
		close(cd.done)
		c.expire(cd.key)
		return
	}
}

func (c *Coordinator) expire(key Key) {
	c.mu.Lock()
	handler := c.onExpire
	c.mu.Unlock()
	if handler == nil {
		return
	}

	for attempt := 1; ; attempt++ {
		err := handler(c.ctx, key)
		if err == nil {
			return
		}
		log.Error().
			Err(err).
			Str("session_id", key.SessionID.String()).
			Str("scenario_id", key.ScenarioID).
			Int("attempt", attempt).
			Msg("timer expiry handler failed")
		if attempt >= c.retry.MaxAttempts {
			return
		}
		if d := c.retry.Backoff(attempt, nil); d > 0 {
			select {
			case <-c.ctx.Done():
				return
			case <-c.clock.After(d):
			}
		} else if c.ctx.Err() != nil {
			return
		}
	}
}

func (c *Coordinator) removeIfCurrent(cd *countdown) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timers[cd.key] == cd {
		delete(c.timers, cd.key)
	}
}

// Cancel stops the countdown for key, if any, and waits for it to exit.
func (c *Coordinator) Cancel(key Key) bool {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	c.mu.Lock()
	cd, ok := c.timers[key]
	if ok {
		delete(c.timers, key)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	close(cd.stop)
	<-cd.done
	log.Debug().
		Str("session_id", key.SessionID.String()).
		Str("scenario_id", key.ScenarioID).
		Msg("cancelled timer")
	return true
}

// CancelSession stops every countdown belonging to sessionID.
func (c *Coordinator) CancelSession(sessionID uuid.UUID) int {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	c.mu.Lock()
	var stopped []*countdown
	for key, cd := range c.timers {
		if key.SessionID == sessionID {
			delete(c.timers, key)
			stopped = append(stopped, cd)
		}
	}
	c.mu.Unlock()

	for _, cd := range stopped {
		close(cd.stop)
		<-cd.done
	}
	if len(stopped) > 0 {
		log.Info().
			Str("session_id", sessionID.String()).
			Int("timers", len(stopped)).
			Msg("cancelled session timers")
	}
	return len(stopped)
}

// Get returns the running countdown for key.
func (c *Coordinator) Get(key Key) (Info, bool) {
	c.mu.Lock()
	cd, ok := c.timers[key]
	c.mu.Unlock()
	if !ok {
		return Info{}, false
	}
	return Info{Key: key, Duration: cd.duration, StartedAt: cd.startedAt, SecondsRemaining: cd.secondsRemaining()}, true
}

// Active reports how many countdowns are running.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Shutdown stops every countdown and waits for their goroutines.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.cancel()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("timer coordinator stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) publish(sessionID uuid.UUID, typ events.EventType, volatile bool, payload interface{}) {
	if c.hub == nil {
		return
	}
	evt, err := events.New(sessionID, typ, payload)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(typ)).Msg("failed to build timer event")
		return
	}
	evt.Volatile = volatile
	c.hub.Publish(evt)
}
