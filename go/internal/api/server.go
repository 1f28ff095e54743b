// Package api is the REST edge of the game: room lifecycle, votes, results
// and the reconnect snapshot.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/apperr"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/auth"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/content"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/game"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/httpx"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/resilience"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/rooms"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/votes"
)

// FingerprintHeader carries the client fingerprint used for rate limiting.
const FingerprintHeader = "X-Client-Fingerprint"

// HealthCheck reports the state of one dependency.
type HealthCheck func(ctx context.Context) error

// Deps are the components the handlers call.
type Deps struct {
	Rooms   *rooms.App
	Votes   *votes.App
	Game    *game.Coordinator
	Content content.Store
	Tokens  *auth.TokenIssuer
	Limiter *resilience.Limiter
	Health  map[string]HealthCheck

	// Breakers, when set, are reported by /health.
	Breakers *resilience.Breakers
	// Proxies may report the client address for rate limiting.
	Proxies httpx.ProxyTrust
}

// Server holds the REST handlers.
type Server struct {
	rooms    *rooms.App
	votes    *votes.App
	game     *game.Coordinator
	content  content.Store
	tokens   *auth.TokenIssuer
	limiter  *resilience.Limiter
	health   map[string]HealthCheck
	breakers *resilience.Breakers
	proxies  httpx.ProxyTrust
}

func NewServer(deps Deps) *Server {
	return &Server{
		rooms:    deps.Rooms,
		votes:    deps.Votes,
		game:     deps.Game,
		content:  deps.Content,
		tokens:   deps.Tokens,
		limiter:  deps.Limiter,
		health:   deps.Health,
		breakers: deps.Breakers,
		proxies:  deps.Proxies,
	}
}

// RegisterRoutes mounts every REST route on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("POST /rooms/create", s.limit(resilience.ClassCreateRoom, s.handleCreateRoom))
	mux.Handle("POST /rooms/join", s.limit(resilience.ClassJoin, s.handleJoinRoom))
	mux.Handle("GET /rooms/{code}/status", s.limit(resilience.ClassRead, s.handleRoomStatus))

	mux.Handle("POST /sessions/{id}/scenarios/{scenarioId}/start", s.limit(resilience.ClassRead, s.handleStartScenario))
	mux.Handle("GET /sessions/{id}/scenarios/{scenarioId}/votes", s.limit(resilience.ClassRead, s.handleTally))
	mux.Handle("GET /sessions/{id}/scenarios/{scenarioId}/rationales", s.limit(resilience.ClassRead, s.handleRationales))
	mux.Handle("GET /sessions/{id}/scenarios/{scenarioId}/mitigations", s.limit(resilience.ClassRead, s.handleMitigations))
	mux.Handle("POST /sessions/{id}/end", s.limit(resilience.ClassRead, s.handleEndSession))
	mux.Handle("POST /sessions/{id}/leave", s.limit(resilience.ClassRead, s.handleLeave))
	mux.Handle("GET /sessions/{id}/state", s.limit(resilience.ClassRead, s.handleState))

	// Votes are limited inside the handler, once the token names the session.
	mux.HandleFunc("POST /votes", s.handleSubmitVote)

	mux.Handle("GET /scenarios", s.limit(resilience.ClassRead, s.handleListScenarios))
	mux.HandleFunc("GET /health", s.handleHealth)
}

func sessionIDFrom(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, apperr.Validation(apperr.CodeInvalidRequest, "invalid session id")
	}
	return id, nil
}

// facilitator authenticates r as the facilitator of sessionID.
func (s *Server) facilitator(r *http.Request, sessionID uuid.UUID) (*auth.Claims, error) {
	claims, err := s.tokens.Authenticate(r)
	if err != nil {
		return nil, err
	}
	if err := claims.Authorize(sessionID, true); err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *Server) healthStatus(ctx context.Context) (map[string]string, bool) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.health))
	healthy := true
	for name, check := range s.health {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}
	return checks, healthy
}
