package rooms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/apperr"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/models"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/resilience"
)

// RoomsRepository defines what the app layer needs from storage.
type RoomsRepository interface {
	CreateSession(ctx context.Context, req CreateSessionRequest) (*models.Session, error)
	RoomCodeInUse(ctx context.Context, code string) (bool, error)
	GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error)
	GetSessionByCode(ctx context.Context, code string) (*models.Session, error)
	JoinSession(ctx context.Context, sessionID uuid.UUID, fingerprint string, now time.Time) (*models.Participant, bool, error)
	LeaveSession(ctx context.Context, sessionID, participantID uuid.UUID, now time.Time) (bool, error)
	GetParticipant(ctx context.Context, id uuid.UUID) (*models.Participant, error)
	CountActiveParticipants(ctx context.Context, sessionID uuid.UUID) (int, error)
	StartScenario(ctx context.Context, sessionID uuid.UUID, scenarioID string, now time.Time) (*models.SessionScenario, error)
	GetActiveScenario(ctx context.Context, sessionID uuid.UUID) (*models.SessionScenario, error)
	CompleteScenario(ctx context.Context, sessionID uuid.UUID, scenarioID string, now time.Time) (bool, error)
	EndSession(ctx context.Context, sessionID uuid.UUID, status models.SessionStatus, now time.Time) (*models.Session, bool, error)
	ListStaleSessions(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error)
}

// App owns session and participant lifecycle.
type App struct {
	repo  RoomsRepository
	exec  *resilience.Executor
	clock clockwork.Clock
	codes CodeGenerator
}

// AppOption customizes an App.
type AppOption func(*App)

// WithCodeGenerator replaces the random room-code source.
func WithCodeGenerator(g CodeGenerator) AppOption {
	return func(a *App) { a.codes = g }
}

// NewApp creates a new rooms App.
func NewApp(repo RoomsRepository, exec *resilience.Executor, clock clockwork.Clock, opts ...AppOption) *App {
	a := &App{
		repo:  repo,
		exec:  exec,
		clock: clock,
		codes: RandomCode,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func defaultConfig() models.SessionConfig {
	return models.SessionConfig{
		TimerDurationSec: DefaultTimerDurationSec,
		MaxParticipants:  DefaultMaxParticipants,
		Moderation: models.ModerationSettings{
			RationalesEnabled:  true,
			MitigationsEnabled: true,
			Sanitize:           true,
		},
	}
}

// BuildConfig applies defaults to req and bounds-checks the result.
func BuildConfig(req CreateRoomRequest) (models.SessionConfig, error) {
	cfg := defaultConfig()
	if req.TimerDurationSec != 0 {
		cfg.TimerDurationSec = req.TimerDurationSec
	}
	if req.MaxParticipants != 0 {
		cfg.MaxParticipants = req.MaxParticipants
	}
	if m := req.Moderation; m != nil {
		if m.RationalesEnabled != nil {
			cfg.Moderation.RationalesEnabled = *m.RationalesEnabled
		}
		if m.MitigationsEnabled != nil {
			cfg.Moderation.MitigationsEnabled = *m.MitigationsEnabled
		}
		if m.Sanitize != nil {
			cfg.Moderation.Sanitize = *m.Sanitize
		}
	}

	if err := ValidateTimerDuration(cfg.TimerDurationSec); err != nil {
		return cfg, err
	}
	if cfg.MaxParticipants < MinParticipants || cfg.MaxParticipants > MaxParticipants {
		return cfg, apperr.Validation(apperr.CodeConfigInvalid,
			"max_participants must be between %d and %d", MinParticipants, MaxParticipants)
	}
	return cfg, nil
}

// ValidateTimerDuration bounds a countdown length in seconds.
func ValidateTimerDuration(sec int) error {
	if sec < MinTimerDurationSec || sec > MaxTimerDurationSec {
		return apperr.Validation(apperr.CodeConfigInvalid,
			"timer_duration_sec must be between %d and %d", MinTimerDurationSec, MaxTimerDurationSec)
	}
	return nil
}

// CreateRoom allocates a fresh code and creates a waiting session.
func (a *App) CreateRoom(ctx context.Context, req CreateRoomRequest) (*models.Session, error) {
	cfg, err := BuildConfig(req)
	if err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
		code, err := a.codes()
		if err != nil {
			return nil, err
		}

		inUse, err := resilience.Do(ctx, a.exec, "rooms.code_in_use", func(ctx context.Context) (bool, error) {
			return a.repo.RoomCodeInUse(ctx, code)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to check room code: %w", err)
		}
		if inUse {
			log.Debug().Str("room_code", code).Int("attempt", attempt).Msg("room code collision")
			continue
		}

		session, err := resilience.Do(ctx, a.exec, "rooms.create_session", func(ctx context.Context) (*models.Session, error) {
			return a.repo.CreateSession(ctx, CreateSessionRequest{
				ID:        uuid.New(),
				RoomCode:  code,
				Config:    cfg,
				CreatedAt: a.clock.Now(),
			})
		})
		if errors.Is(err, ErrRoomCodeTaken) {
			log.Debug().Str("room_code", code).Int("attempt", attempt).Msg("room code taken concurrently")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create room: %w", err)
		}

		log.Info().
			Str("session_id", session.ID.String()).
			Str("room_code", session.RoomCode).
			Int("max_participants", cfg.MaxParticipants).
			Msg("room created")
		return session, nil
	}

	return nil, ErrCodeExhausted
}

// NormalizeCode upper-cases and trims a user-typed room code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func validateFingerprint(fp string) error {
	if fp == "" || len(fp) > maxFingerprintLen {
		return apperr.Validation(apperr.CodeInvalidRequest, "fingerprint must be 1-%d characters", maxFingerprintLen)
	}
	return nil
}

// JoinRoom admits fingerprint into the room with code. A known fingerprint
// reactivates its existing participant record.
func (a *App) JoinRoom(ctx context.Context, code, fingerprint string) (*JoinResult, error) {
	code = NormalizeCode(code)
	if !ValidCode(code) {
		return nil, ErrRoomNotFound
	}
	if err := validateFingerprint(fingerprint); err != nil {
		return nil, err
	}

	session, err := resilience.Do(ctx, a.exec, "rooms.get_by_code", func(ctx context.Context) (*models.Session, error) {
		return a.repo.GetSessionByCode(ctx, code)
	})
	if err != nil {
		return nil, err
	}
	if !session.Status.IsJoinable() {
		return nil, ErrInactiveSession
	}

	type joined struct {
		p        *models.Participant
		rejoined bool
	}
	res, err := resilience.Do(ctx, a.exec, "rooms.join", func(ctx context.Context) (joined, error) {
		p, rejoined, err := a.repo.JoinSession(ctx, session.ID, fingerprint, a.clock.Now())
		return joined{p: p, rejoined: rejoined}, err
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("session_id", session.ID.String()).
		Str("participant_id", res.p.ID.String()).
		Bool("rejoined", res.rejoined).
		Msg("participant joined")
	return &JoinResult{Session: session, Participant: res.p, Rejoined: res.rejoined}, nil
}

// LeaveRoom soft-deletes the participant. Leaving twice is a no-op.
func (a *App) LeaveRoom(ctx context.Context, sessionID, participantID uuid.UUID) (bool, error) {
	left, err := resilience.Do(ctx, a.exec, "rooms.leave", func(ctx context.Context) (bool, error) {
		return a.repo.LeaveSession(ctx, sessionID, participantID, a.clock.Now())
	})
	if err != nil {
		return false, fmt.Errorf("failed to leave room: %w", err)
	}
	if left {
		log.Info().
			Str("session_id", sessionID.String()).
			Str("participant_id", participantID.String()).
			Msg("participant left")
	}
	return left, nil
}

// GetSession retrieves a session by ID.
func (a *App) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	return resilience.Do(ctx, a.exec, "rooms.get_session", func(ctx context.Context) (*models.Session, error) {
		return a.repo.GetSession(ctx, id)
	})
}

// GetParticipant retrieves a participant by ID.
func (a *App) GetParticipant(ctx context.Context, id uuid.UUID) (*models.Participant, error) {
	return resilience.Do(ctx, a.exec, "rooms.get_participant", func(ctx context.Context) (*models.Participant, error) {
		return a.repo.GetParticipant(ctx, id)
	})
}

// ActiveParticipantCount returns the number of active participants.
func (a *App) ActiveParticipantCount(ctx context.Context, sessionID uuid.UUID) (int, error) {
	return resilience.Do(ctx, a.exec, "rooms.count_active", func(ctx context.Context) (int, error) {
		return a.repo.CountActiveParticipants(ctx, sessionID)
	})
}

// GetRoomStatus looks a room up by code for the lobby screen.
func (a *App) GetRoomStatus(ctx context.Context, code string) (*RoomStatus, error) {
	code = NormalizeCode(code)
	if !ValidCode(code) {
		return nil, ErrRoomNotFound
	}
	session, err := resilience.Do(ctx, a.exec, "rooms.get_by_code", func(ctx context.Context) (*models.Session, error) {
		return a.repo.GetSessionByCode(ctx, code)
	})
	if err != nil {
		return nil, err
	}

	count, err := a.ActiveParticipantCount(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	status := &RoomStatus{
		SessionID:          session.ID,
		RoomCode:           session.RoomCode,
		Status:             session.Status,
		Config:             session.Config,
		ActiveParticipants: count,
	}

	run, err := a.ActiveScenario(ctx, session.ID)
	switch {
	case err == nil:
		status.ActiveScenarioID = &run.ScenarioID
	case !errors.Is(err, ErrNoActiveScenario):
		return nil, err
	}
	return status, nil
}

// StartScenario completes any active scenario and opens scenarioID. A
// waiting session becomes active.
func (a *App) StartScenario(ctx context.Context, sessionID uuid.UUID, scenarioID string) (*models.SessionScenario, error) {
	if scenarioID == "" {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "scenario id is required")
	}
	run, err := resilience.Do(ctx, a.exec, "rooms.start_scenario", func(ctx context.Context) (*models.SessionScenario, error) {
		return a.repo.StartScenario(ctx, sessionID, scenarioID, a.clock.Now())
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("session_id", sessionID.String()).
		Str("scenario_id", scenarioID).
		Msg("scenario started")
	return run, nil
}

// ActiveScenario returns the single active scenario run of the session.
func (a *App) ActiveScenario(ctx context.Context, sessionID uuid.UUID) (*models.SessionScenario, error) {
	return resilience.Do(ctx, a.exec, "rooms.active_scenario", func(ctx context.Context) (*models.SessionScenario, error) {
		return a.repo.GetActiveScenario(ctx, sessionID)
	})
}

// CompleteScenario closes voting on scenarioID. It reports whether this call
// made the transition.
func (a *App) CompleteScenario(ctx context.Context, sessionID uuid.UUID, scenarioID string) (bool, error) {
	return resilience.Do(ctx, a.exec, "rooms.complete_scenario", func(ctx context.Context) (bool, error) {
		return a.repo.CompleteScenario(ctx, sessionID, scenarioID, a.clock.Now())
	})
}

// EndSession marks the session complete, deactivates participants and closes
// the active scenario. A second call changes nothing.
func (a *App) EndSession(ctx context.Context, sessionID uuid.UUID) (*EndResult, error) {
	return a.finish(ctx, sessionID, models.SessionStatusComplete)
}

// CancelSession moves a live session to cancelled.
func (a *App) CancelSession(ctx context.Context, sessionID uuid.UUID) (*EndResult, error) {
	return a.finish(ctx, sessionID, models.SessionStatusCancelled)
}

func (a *App) finish(ctx context.Context, sessionID uuid.UUID, status models.SessionStatus) (*EndResult, error) {
	type ended struct {
		s       *models.Session
		changed bool
	}
	res, err := resilience.Do(ctx, a.exec, "rooms.end_session", func(ctx context.Context) (ended, error) {
		s, changed, err := a.repo.EndSession(ctx, sessionID, status, a.clock.Now())
		return ended{s: s, changed: changed}, err
	})
	if err != nil {
		return nil, err
	}
	if res.changed {
		log.Info().
			Str("session_id", sessionID.String()).
			Str("status", string(status)).
			Msg("session ended")
	}
	return &EndResult{Session: res.s, Changed: res.changed}, nil
}

// StaleSessions lists live sessions with no activity for olderThan.
func (a *App) StaleSessions(ctx context.Context, olderThan time.Duration, limit int) ([]uuid.UUID, error) {
	before := a.clock.Now().Add(-olderThan)
	return resilience.Do(ctx, a.exec, "rooms.list_stale", func(ctx context.Context) ([]uuid.UUID, error) {
		return a.repo.ListStaleSessions(ctx, before, limit)
	})
}
