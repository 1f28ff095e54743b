package votes

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/apperr"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/events"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/models"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/resilience"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/sanitize"
)

// VotesRepository defines what the app layer needs from the ledger store.
type VotesRepository interface {
	CreateVote(ctx context.Context, req CreateVoteRequest) (*models.Vote, error)
	GetTally(ctx context.Context, sessionID uuid.UUID, scenarioID string) (models.Tally, error)
	ListRationales(ctx context.Context, sessionID uuid.UUID, scenarioID string) (models.Rationales, error)
	ListMitigations(ctx context.Context, sessionID uuid.UUID, scenarioID string) ([]string, error)
}

// SessionReader resolves the session a vote belongs to.
type SessionReader interface {
	GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error)
}

// Broadcaster fans events out to a room.
type Broadcaster interface {
	Publish(evt events.Event)
}

// App records votes and produces tallies.
type App struct {
	repo      VotesRepository
	sessions  SessionReader
	hub       Broadcaster
	sanitizer sanitize.Sanitizer
	exec      *resilience.Executor
	clock     clockwork.Clock
}

// NewApp creates a new votes App.
func NewApp(repo VotesRepository, sessions SessionReader, hub Broadcaster, sanitizer sanitize.Sanitizer, exec *resilience.Executor, clock clockwork.Clock) *App {
	if sanitizer == nil {
		sanitizer = sanitize.NewBasic()
	}
	return &App{
		repo:      repo,
		sessions:  sessions,
		hub:       hub,
		sanitizer: sanitizer,
		exec:      exec,
		clock:     clock,
	}
}

// SubmitVote validates and stores one vote, then broadcasts the new tally
// and, when present, the rationale. Broadcast problems never undo the vote.
func (a *App) SubmitVote(ctx context.Context, req SubmitVoteRequest) (*SubmitResult, error) {
	choice, err := models.ParseVoteChoice(req.Vote)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindValidation, apperr.CodeInvalidChoice, "vote must be pull or dont_pull")
	}
	if req.ScenarioID == "" {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "scenario_id is required")
	}
	if rt := req.ResponseTimeMs; rt != nil && (*rt < 0 || *rt > maxResponseTimeMs) {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "response_time_ms out of range")
	}

	session, err := a.sessions.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if session.Status.IsTerminal() {
		return nil, ErrVotingClosed
	}
	mod := session.Config.Moderation

	create := CreateVoteRequest{
		ID:             uuid.New(),
		SessionID:      req.SessionID,
		ParticipantID:  req.ParticipantID,
		ScenarioID:     req.ScenarioID,
		Choice:         choice,
		ResponseTimeMs: req.ResponseTimeMs,
		CreatedAt:      a.clock.Now(),
	}
	if mod.RationalesEnabled {
		create.Rationale = a.clean(req.Rationale, mod.Sanitize)
	}
	if mod.MitigationsEnabled {
		create.Mitigation = a.clean(req.Mitigation, mod.Sanitize)
	}

	vote, err := resilience.Do(ctx, a.exec, "votes.create", func(ctx context.Context) (*models.Vote, error) {
		return a.repo.CreateVote(ctx, create)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to submit vote: %w", err)
	}

	log.Info().
		Str("session_id", req.SessionID.String()).
		Str("scenario_id", req.ScenarioID).
		Str("participant_id", req.ParticipantID.String()).
		Str("vote", string(choice)).
		Msg("vote recorded")

	result := &SubmitResult{Vote: vote}
	tally, err := a.GetTally(ctx, req.SessionID, req.ScenarioID)
	if err != nil {
		log.Warn().Err(err).Str("session_id", req.SessionID.String()).Msg("vote stored but tally unavailable for broadcast")
		return result, nil
	}
	result.Tally = &tally

	a.publish(req.SessionID, events.TypeVoteCast, events.VoteCastPayload{
		ScenarioID: req.ScenarioID,
		Vote:       choice,
		Totals:     tally,
	})
	if vote.Rationale != nil {
		a.publish(req.SessionID, events.TypeRationaleAdded, events.RationaleAddedPayload{
			ScenarioID: req.ScenarioID,
			Vote:       choice,
			Text:       *vote.Rationale,
		})
	}
	return result, nil
}

// GetTally aggregates one (session, scenario) pair.
func (a *App) GetTally(ctx context.Context, sessionID uuid.UUID, scenarioID string) (models.Tally, error) {
	return resilience.Do(ctx, a.exec, "votes.tally", func(ctx context.Context) (models.Tally, error) {
		return a.repo.GetTally(ctx, sessionID, scenarioID)
	})
}

// GetRationales groups rationale text by the parent vote's choice.
func (a *App) GetRationales(ctx context.Context, sessionID uuid.UUID, scenarioID string) (models.Rationales, error) {
	return resilience.Do(ctx, a.exec, "votes.rationales", func(ctx context.Context) (models.Rationales, error) {
		return a.repo.ListRationales(ctx, sessionID, scenarioID)
	})
}

// GetMitigations lists mitigation text for the pair.
func (a *App) GetMitigations(ctx context.Context, sessionID uuid.UUID, scenarioID string) ([]string, error) {
	return resilience.Do(ctx, a.exec, "votes.mitigations", func(ctx context.Context) ([]string, error) {
		return a.repo.ListMitigations(ctx, sessionID, scenarioID)
	})
}

func (a *App) clean(raw *string, sanitizeOn bool) *string {
	if raw == nil {
		return nil
	}
	s := sanitize.Noop
	if sanitizeOn {
		s = a.sanitizer
	}
	out := sanitize.Truncate(strings.TrimSpace(s.Sanitize(*raw)), sanitize.MaxTextLength)
	if out == "" {
		return nil
	}
	return &out
}

func (a *App) publish(sessionID uuid.UUID, typ events.EventType, payload interface{}) {
	if a.hub == nil {
		return
	}
	evt, err := events.New(sessionID, typ, payload)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(typ)).Msg("failed to build event")
		return
	}
	a.hub.Publish(evt)
}
