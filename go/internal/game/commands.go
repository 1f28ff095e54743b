package game

import (
	"context"

	"github.com/google/uuid"

	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/auth"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/models"
)

// SocketCommands exposes the coordinator to the websocket router.
type SocketCommands struct {
	c *Coordinator
}

func (c *Coordinator) SocketCommands() SocketCommands {
	return SocketCommands{c: c}
}

func (s SocketCommands) Attach(ctx context.Context, claims *auth.Claims) (int, error) {
	return s.c.Attach(ctx, claims)
}

func (s SocketCommands) Detach(ctx context.Context, claims *auth.Claims) error {
	return s.c.Detach(ctx, claims)
}

func (s SocketCommands) ActiveCount(ctx context.Context, sessionID uuid.UUID) (int, error) {
	return s.c.ActiveCount(ctx, sessionID)
}

func (s SocketCommands) StartTimer(ctx context.Context, sessionID uuid.UUID, durationSec int) error {
	_, err := s.c.StartTimer(ctx, sessionID, durationSec)
	return err
}

func (s SocketCommands) StartScenario(ctx context.Context, sessionID uuid.UUID, scenarioID, title string) error {
	_, err := s.c.StartScenario(ctx, sessionID, scenarioID, title)
	return err
}

func (s SocketCommands) AnnounceDecision(ctx context.Context, sessionID uuid.UUID, decision string, counts *models.Tally) error {
	_, err := s.c.AnnounceDecision(ctx, sessionID, decision, counts)
	return err
}

func (s SocketCommands) EndSession(ctx context.Context, sessionID uuid.UUID) error {
	_, err := s.c.EndSession(ctx, sessionID)
	return err
}
