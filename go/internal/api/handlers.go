package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/auth"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/httpx"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/models"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/resilience"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/rooms"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/votes"
)

type CreateRoomResponse struct {
	Session          *models.Session `json:"session"`
	FacilitatorToken string          `json:"facilitator_token"`
}

type JoinRoomRequest struct {
	Code        string `json:"code"`
	Fingerprint string `json:"fingerprint"`
}

type JoinRoomResponse struct {
	Session     *models.Session     `json:"session"`
	Participant *models.Participant `json:"participant"`
	Rejoined    bool                `json:"rejoined"`
	Token       string              `json:"token"`
}

type StartScenarioRequest struct {
	Title string `json:"title"`
}

type EndSessionResponse struct {
	Session *models.Session `json:"session"`
	Changed bool            `json:"changed"`
}

type LeaveResponse struct {
	Left bool `json:"left"`
}

type ScenariosResponse struct {
	Scenarios []models.Scenario `json:"scenarios"`
}

type MitigationsResponse struct {
	Mitigations []string `json:"mitigations"`
}

type HealthResponse struct {
	Status   string            `json:"status"`
	Checks   map[string]string `json:"checks,omitempty"`
	Circuits map[string]string `json:"circuits,omitempty"`
}

// decodeOptional decodes a body only when one was sent.
func decodeOptional(r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	return httpx.DecodeJSON(r, v)
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req rooms.CreateRoomRequest
	if err := decodeOptional(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}

	session, err := s.rooms.CreateRoom(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	token, err := s.tokens.Issue(session.ID, uuid.Nil, auth.RoleFacilitator)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, CreateRoomResponse{Session: session, FacilitatorToken: token})
}

func (s *Server) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	var req JoinRoomRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}

	res, err := s.rooms.JoinRoom(r.Context(), req.Code, req.Fingerprint)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	token, err := s.tokens.Issue(res.Session.ID, res.Participant.ID, auth.RoleParticipant)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, JoinRoomResponse{
		Session:     res.Session,
		Participant: res.Participant,
		Rejoined:    res.Rejoined,
		Token:       token,
	})
}

func (s *Server) handleRoomStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.rooms.GetRoomStatus(r.Context(), r.PathValue("code"))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, status)
}

func (s *Server) handleStartScenario(w http.ResponseWriter, r *http.Request) {
	sessionID, err := sessionIDFrom(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if _, err := s.facilitator(r, sessionID); err != nil {
		httpx.WriteError(w, err)
		return
	}
	var req StartScenarioRequest
	if err := decodeOptional(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}

	run, err := s.game.StartScenario(r.Context(), sessionID, r.PathValue("scenarioId"), req.Title)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, run)
}

func (s *Server) handleSubmitVote(w http.ResponseWriter, r *http.Request) {
	claims, err := s.tokens.Authenticate(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	var req votes.SubmitVoteRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	if req.SessionID == uuid.Nil {
		req.SessionID = claims.SessionID
	}
	if req.ParticipantID == uuid.Nil {
		req.ParticipantID = claims.ParticipantID
	}
	if err := claims.Authorize(req.SessionID, false); err != nil {
		httpx.WriteError(w, err)
		return
	}
	if claims.IsFacilitator() || claims.ParticipantID != req.ParticipantID {
		httpx.WriteError(w, auth.ErrNotPermitted)
		return
	}

	if s.limiter != nil {
		id := resilience.Identity{
			Scope:       req.SessionID.String(),
			Origin:      s.proxies.ClientIP(r),
			Fingerprint: req.ParticipantID.String(),
		}
		if _, err := s.limiter.Check(r.Context(), resilience.ClassVote, id); err != nil {
			httpx.WriteError(w, err)
			return
		}
	}

	res, err := s.votes.SubmitVote(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, res)
}

func (s *Server) handleTally(w http.ResponseWriter, r *http.Request) {
	sessionID, err := sessionIDFrom(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if _, err := s.rooms.GetSession(r.Context(), sessionID); err != nil {
		httpx.WriteError(w, err)
		return
	}
	tally, err := s.votes.GetTally(r.Context(), sessionID, r.PathValue("scenarioId"))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, tally)
}

func (s *Server) handleRationales(w http.ResponseWriter, r *http.Request) {
	sessionID, err := sessionIDFrom(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if _, err := s.rooms.GetSession(r.Context(), sessionID); err != nil {
		httpx.WriteError(w, err)
		return
	}
	rationales, err := s.votes.GetRationales(r.Context(), sessionID, r.PathValue("scenarioId"))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rationales)
}

func (s *Server) handleMitigations(w http.ResponseWriter, r *http.Request) {
	sessionID, err := sessionIDFrom(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if _, err := s.rooms.GetSession(r.Context(), sessionID); err != nil {
		httpx.WriteError(w, err)
		return
	}
	mitigations, err := s.votes.GetMitigations(r.Context(), sessionID, r.PathValue("scenarioId"))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if mitigations == nil {
		mitigations = []string{}
	}
	httpx.WriteJSON(w, http.StatusOK, MitigationsResponse{Mitigations: mitigations})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := sessionIDFrom(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if _, err := s.facilitator(r, sessionID); err != nil {
		httpx.WriteError(w, err)
		return
	}

	res, err := s.game.EndSession(r.Context(), sessionID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, EndSessionResponse{Session: res.Session, Changed: res.Changed})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	sessionID, err := sessionIDFrom(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	claims, err := s.tokens.Authenticate(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if err := claims.Authorize(sessionID, false); err != nil {
		httpx.WriteError(w, err)
		return
	}
	if claims.IsFacilitator() {
		httpx.WriteError(w, auth.ErrNotPermitted)
		return
	}

	left, err := s.game.Leave(r.Context(), sessionID, claims.ParticipantID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, LeaveResponse{Left: left})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	sessionID, err := sessionIDFrom(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	st, err := s.game.State(r.Context(), sessionID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, st)
}

func (s *Server) handleListScenarios(w http.ResponseWriter, r *http.Request) {
	list, err := s.content.ListScenarios(r.Context())
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if list == nil {
		list = []models.Scenario{}
	}
	httpx.WriteJSON(w, http.StatusOK, ScenariosResponse{Scenarios: list})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks, healthy := s.healthStatus(r.Context())
	resp := HealthResponse{Status: "ok", Checks: checks}
	if s.breakers != nil {
		resp.Circuits = s.breakers.States()
	}
	if !healthy {
		log.Warn().Interface("checks", checks).Msg("health check degraded")
		resp.Status = "degraded"
		httpx.WriteJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}
