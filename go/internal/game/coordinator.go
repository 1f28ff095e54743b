package game

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/apperr"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/auth"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/content"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/events"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/models"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/rooms"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/timer"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/votes"
)

// Hub is the broadcast surface the coordinator drives.
type Hub interface {
	Publish(evt events.Event)
	CloseRoom(sessionID uuid.UUID) int
	// DropParticipant disconnects the participant's sockets and announces
	// participant_left to the rest of the room.
	DropParticipant(sessionID, participantID uuid.UUID) int
}

// ScopeForgetter drops rate-limit state scoped to a session.
type ScopeForgetter interface {
	ForgetScope(ctx context.Context, scope string) error
}

// expiry tracks the decision owed for one countdown. owed is set once the
// scenario run was closed by expiry; announced once results went out.
type expiry struct {
	owed      bool
	announced bool
}

// Coordinator ties the registry, ledger, timers and hub together for the
// facilitator-driven flow of a session.
type Coordinator struct {
	rooms   *rooms.App
	votes   *votes.App
	timers  *timer.Coordinator
	hub     Hub
	content content.Store
	limiter ScopeForgetter
	clock   clockwork.Clock

	mu       sync.Mutex
	expiries map[timer.Key]*expiry

	// attachMu serializes socket attach and detach so a reconnect never
	// races the old socket's teardown. sockets counts live sockets per
	// participant.
	attachMu sync.Mutex
	sockets  map[uuid.UUID]int
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithContent validates scenario ids and fills in titles from store.
func WithContent(store content.Store) Option {
	return func(c *Coordinator) { c.content = store }
}

// WithLimiter clears session-scoped limiter state when a session ends.
func WithLimiter(l ScopeForgetter) Option {
	return func(c *Coordinator) { c.limiter = l }
}

func NewCoordinator(roomsApp *rooms.App, votesApp *votes.App, timers *timer.Coordinator, hub Hub, clock clockwork.Clock, opts ...Option) *Coordinator {
	c := &Coordinator{
		rooms:    roomsApp,
		votes:    votesApp,
		timers:   timers,
		hub:      hub,
		clock:    clock,
		expiries: make(map[timer.Key]*expiry),
		sockets:  make(map[uuid.UUID]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartScenario opens scenarioID for voting, closing whatever was open
// before and stopping its countdown.
func (c *Coordinator) StartScenario(ctx context.Context, sessionID uuid.UUID, scenarioID, title string) (*models.SessionScenario, error) {
	if c.content != nil && scenarioID != "" {
		sc, err := c.content.GetScenario(ctx, scenarioID)
		if err != nil {
			return nil, err
		}
		if title == "" {
			title = sc.Title
		}
	}

	run, err := c.rooms.StartScenario(ctx, sessionID, scenarioID)
	if err != nil {
		return nil, err
	}
	c.timers.CancelSession(sessionID)

	key := timer.Key{SessionID: sessionID, ScenarioID: scenarioID}
	c.mu.Lock()
	delete(c.expiries, key)
	c.mu.Unlock()

	c.publish(sessionID, events.TypeScenarioStarted, events.ScenarioStartedPayload{
		ScenarioID: scenarioID,
		Title:      title,
	})
	return run, nil
}

// StartTimer starts or restarts the countdown of the active scenario. A zero
// duration uses the session's configured default.
func (c *Coordinator) StartTimer(ctx context.Context, sessionID uuid.UUID, durationSec int) (timer.Info, error) {
	session, err := c.rooms.GetSession(ctx, sessionID)
	if err != nil {
		return timer.Info{}, err
	}
	if session.Status.IsTerminal() {
		return timer.Info{}, rooms.ErrInactiveSession
	}
	run, err := c.rooms.ActiveScenario(ctx, sessionID)
	if err != nil {
		return timer.Info{}, err
	}

	if durationSec == 0 {
		durationSec = session.Config.TimerDurationSec
	}
	if err := rooms.ValidateTimerDuration(durationSec); err != nil {
		return timer.Info{}, err
	}

	key := timer.Key{SessionID: sessionID, ScenarioID: run.ScenarioID}
	info, err := c.timers.StartTimer(key, time.Duration(durationSec)*time.Second)
	if err != nil {
		return timer.Info{}, apperr.Wrap(err, apperr.KindUnavailable, apperr.CodeServiceUnavailable, "timer could not be started")
	}
	return info, nil
}

// HandleExpiry closes voting for key and announces the result. Repeated
// calls for the same countdown announce at most once.
func (c *Coordinator) HandleExpiry(ctx context.Context, key timer.Key) error {
	changed, err := c.rooms.CompleteScenario(ctx, key.SessionID, key.ScenarioID)
	if err != nil {
		return fmt.Errorf("failed to close voting: %w", err)
	}

	c.mu.Lock()
	st := c.expiries[key]
	if st == nil {
		st = &expiry{}
		c.expiries[key] = st
	}
	if changed {
		st.owed = true
	}
	owed, announced := st.owed, st.announced
	c.mu.Unlock()

	if announced {
		log.Debug().
			Str("session_id", key.SessionID.String()).
			Str("scenario_id", key.ScenarioID).
			Msg("expiry already announced")
		return nil
	}
	if !owed {
		// voting was closed by something other than this countdown
		return nil
	}

	tally, err := c.votes.GetTally(ctx, key.SessionID, key.ScenarioID)
	if err != nil {
		return fmt.Errorf("failed to tally expired scenario: %w", err)
	}
	rationales, err := c.votes.GetRationales(ctx, key.SessionID, key.ScenarioID)
	if err != nil {
		log.Warn().Err(err).Str("session_id", key.SessionID.String()).Msg("failed to load rationales for results")
		rationales = models.Rationales{Pull: []string{}, DontPull: []string{}}
	}

	c.mu.Lock()
	if st.announced {
		c.mu.Unlock()
		return nil
	}
	st.announced = true
	c.mu.Unlock()

	c.publish(key.SessionID, events.TypeResultsReady, events.ResultsReadyPayload{
		ScenarioID: key.ScenarioID,
		Totals:     tally,
		Rationales: rationales,
	})
	c.publish(key.SessionID, events.TypeDecisionAnnounced, events.DecisionPayload{
		ScenarioID: key.ScenarioID,
		Decision:   tally.Decision(),
		Counts:     tally,
	})

	log.Info().
		Str("session_id", key.SessionID.String()).
		Str("scenario_id", key.ScenarioID).
		Int("total", tally.Total).
		Str("decision", string(tally.Decision())).
		Msg("voting closed")
	return nil
}

// AnnounceDecision broadcasts the facilitator's decision. Missing counts are
// filled from the active scenario's tally.
func (c *Coordinator) AnnounceDecision(ctx context.Context, sessionID uuid.UUID, raw string, counts *models.Tally) (*events.DecisionPayload, error) {
	decision, err := models.ParseDecision(raw)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindValidation, apperr.CodeInvalidRequest, err.Error())
	}
	session, err := c.rooms.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status.IsTerminal() {
		return nil, rooms.ErrInactiveSession
	}

	payload := &events.DecisionPayload{Decision: decision}
	run, err := c.rooms.ActiveScenario(ctx, sessionID)
	switch {
	case err == nil:
		payload.ScenarioID = run.ScenarioID
	case !errors.Is(err, rooms.ErrNoActiveScenario):
		return nil, err
	}

	switch {
	case counts != nil:
		payload.Counts = *counts
	case payload.ScenarioID != "":
		tally, err := c.votes.GetTally(ctx, sessionID, payload.ScenarioID)
		if err != nil {
			return nil, err
		}
		payload.Counts = tally
	}

	c.publish(sessionID, events.TypeDecisionAnnounced, payload)
	return payload, nil
}

// EndSession completes the session and tears down everything scoped to it.
// A second call changes nothing and broadcasts nothing.
func (c *Coordinator) EndSession(ctx context.Context, sessionID uuid.UUID) (*rooms.EndResult, error) {
	res, err := c.rooms.EndSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	c.teardown(ctx, sessionID, res)
	return res, nil
}

// CancelSession is EndSession with the cancelled terminal status.
func (c *Coordinator) CancelSession(ctx context.Context, sessionID uuid.UUID) (*rooms.EndResult, error) {
	res, err := c.rooms.CancelSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	c.teardown(ctx, sessionID, res)
	return res, nil
}

func (c *Coordinator) teardown(ctx context.Context, sessionID uuid.UUID, res *rooms.EndResult) {
	c.timers.CancelSession(sessionID)
	if !res.Changed {
		return
	}

	c.publish(sessionID, events.TypeSessionEnded, events.SessionEndedPayload{
		SessionID: sessionID.String(),
		Status:    res.Session.Status,
		EndedAt:   res.Session.EndedAt,
	})
	c.hub.CloseRoom(sessionID)

	if c.limiter != nil {
		if err := c.limiter.ForgetScope(ctx, sessionID.String()); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("failed to clear rate-limit state")
		}
	}

	c.mu.Lock()
	for key := range c.expiries {
		if key.SessionID == sessionID {
			delete(c.expiries, key)
		}
	}
	c.mu.Unlock()
}

// CancelStale cancels sessions idle for longer than olderThan and returns
// how many it cancelled.
func (c *Coordinator) CancelStale(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	ids, err := c.rooms.StaleSessions(ctx, olderThan, limit)
	if err != nil {
		return 0, err
	}
	cancelled := 0
	for _, id := range ids {
		res, err := c.CancelSession(ctx, id)
		if err != nil {
			log.Error().Err(err).Str("session_id", id.String()).Msg("failed to cancel stale session")
			continue
		}
		if res.Changed {
			cancelled++
		}
	}
	if cancelled > 0 {
		log.Info().Int("sessions", cancelled).Msg("cancelled stale sessions")
	}
	return cancelled, nil
}

// Attach checks that a token holder may bind a socket to its session. An
// inactive participant is re-admitted through the normal join path so
// capacity still applies.
func (c *Coordinator) Attach(ctx context.Context, claims *auth.Claims) (int, error) {
	session, err := c.rooms.GetSession(ctx, claims.SessionID)
	if err != nil {
		return 0, err
	}
	if session.Status.IsTerminal() {
		return 0, rooms.ErrInactiveSession
	}

	if claims.Role == auth.RoleParticipant {
		c.attachMu.Lock()
		defer c.attachMu.Unlock()

		p, err := c.rooms.GetParticipant(ctx, claims.ParticipantID)
		if err != nil {
			return 0, err
		}
		if p.SessionID != claims.SessionID {
			return 0, auth.ErrWrongSession
		}
		if !p.IsActive {
			if _, err := c.rooms.JoinRoom(ctx, session.RoomCode, p.Fingerprint); err != nil {
				return 0, err
			}
		}
		c.sockets[claims.ParticipantID]++
	}
	return c.rooms.ActiveParticipantCount(ctx, claims.SessionID)
}

// Detach releases one socket of a participant. The participant is marked
// inactive only when its last socket goes away.
func (c *Coordinator) Detach(ctx context.Context, claims *auth.Claims) error {
	if claims.Role != auth.RoleParticipant || claims.ParticipantID == uuid.Nil {
		return nil
	}
	c.attachMu.Lock()
	defer c.attachMu.Unlock()

	if n := c.sockets[claims.ParticipantID]; n > 1 {
		c.sockets[claims.ParticipantID] = n - 1
		log.Debug().
			Str("session_id", claims.SessionID.String()).
			Str("participant_id", claims.ParticipantID.String()).
			Int("sockets", n-1).
			Msg("participant still connected")
		return nil
	}
	delete(c.sockets, claims.ParticipantID)
	_, err := c.rooms.LeaveRoom(ctx, claims.SessionID, claims.ParticipantID)
	return err
}

// Leave removes a participant from its session on request, drops its
// sockets and tells the rest of the room.
func (c *Coordinator) Leave(ctx context.Context, sessionID, participantID uuid.UUID) (bool, error) {
	c.attachMu.Lock()
	left, err := c.rooms.LeaveRoom(ctx, sessionID, participantID)
	if err == nil {
		delete(c.sockets, participantID)
	}
	c.attachMu.Unlock()
	if err != nil {
		return false, err
	}
	if left {
		c.hub.DropParticipant(sessionID, participantID)
	}
	return left, nil
}

// ActiveCount returns the registry's active participant count.
func (c *Coordinator) ActiveCount(ctx context.Context, sessionID uuid.UUID) (int, error) {
	return c.rooms.ActiveParticipantCount(ctx, sessionID)
}

// State is the reconnect snapshot of a session.
type State struct {
	SessionID          uuid.UUID            `json:"session_id"`
	RoomCode           string               `json:"room_code"`
	Status             models.SessionStatus `json:"status"`
	Config             models.SessionConfig `json:"config"`
	ActiveParticipants int                  `json:"active_participants"`
	ActiveScenarioID   *string              `json:"active_scenario_id,omitempty"`
	SecondsRemaining   *int                 `json:"seconds_remaining,omitempty"`
	Tally              *models.Tally        `json:"tally,omitempty"`
	ServerTime         time.Time            `json:"server_time"`
}

// State returns everything a client needs to resynchronise after missing
// events.
func (c *Coordinator) State(ctx context.Context, sessionID uuid.UUID) (*State, error) {
	session, err := c.rooms.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	count, err := c.rooms.ActiveParticipantCount(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	st := &State{
		SessionID:          session.ID,
		RoomCode:           session.RoomCode,
		Status:             session.Status,
		Config:             session.Config,
		ActiveParticipants: count,
		ServerTime:         c.clock.Now().UTC(),
	}

	run, err := c.rooms.ActiveScenario(ctx, sessionID)
	switch {
	case errors.Is(err, rooms.ErrNoActiveScenario):
		return st, nil
	case err != nil:
		return nil, err
	}
	st.ActiveScenarioID = &run.ScenarioID

	if info, ok := c.timers.Get(timer.Key{SessionID: sessionID, ScenarioID: run.ScenarioID}); ok {
		remaining := info.SecondsRemaining
		st.SecondsRemaining = &remaining
	}
	tally, err := c.votes.GetTally(ctx, sessionID, run.ScenarioID)
	if err != nil {
		return nil, err
	}
	st.Tally = &tally
	return st, nil
}

func (c *Coordinator) publish(sessionID uuid.UUID, typ events.EventType, payload interface{}) {
	evt, err := events.New(sessionID, typ, payload)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(typ)).Msg("failed to build event")
		return
	}
	c.hub.Publish(evt)
}
