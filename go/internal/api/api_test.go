package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/auth"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/content"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/events"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/game"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/httpx"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/models"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/realtime"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/resilience"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/rooms"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/sanitize"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/timer"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/votes"
)

type testServer struct {
	clock *clockwork.FakeClock
	mux   *http.ServeMux
	hub   *realtime.Hub
}

type recordingSub struct {
	id string

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (r *recordingSub) ID() string { return r.id }

func (r *recordingSub) Enqueue(msg []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, msg)
	return true
}

func (r *recordingSub) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *recordingSub) received(t *testing.T, typ events.EventType) []events.Event {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, f := range r.frames {
		var evt events.Event
		require.NoError(t, json.Unmarshal(f, &evt))
		if evt.Type == typ {
			out = append(out, evt)
		}
	}
	return out
}

func newTestServer(t *testing.T, budgets map[resilience.Class]resilience.Budget, health map[string]HealthCheck) *testServer {
	t.Helper()
	clock := clockwork.NewFakeClock()
	exec := resilience.NewExecutor(resilience.WithClock(clock), resilience.WithRetryPolicy(resilience.RetryPolicy{MaxAttempts: 3}))

	roomRepo := rooms.NewMemoryRepository()
	roomsApp := rooms.NewApp(roomRepo, exec, clock)
	hub := realtime.NewHub(realtime.WithCounter(roomsApp))
	votesApp := votes.NewApp(votes.NewMemoryRepository(roomRepo), roomsApp, hub, sanitize.NewBasic(), exec, clock)
	timers := timer.NewCoordinator(clock, hub, nil)
	t.Cleanup(func() { _ = timers.Shutdown(context.Background()) })

	store := content.NewYAMLStore([]models.Scenario{
		{ID: "A", Title: "Scenario A", PullOption: "pull", DontPullOption: "wait", Position: 1},
		{ID: "B", Title: "Scenario B", PullOption: "pull", DontPullOption: "wait", Position: 2},
	})
	limiter := resilience.NewLimiter(resilience.NewMemoryStore(clock), budgets)
	g := game.NewCoordinator(roomsApp, votesApp, timers, hub, clock, game.WithContent(store), game.WithLimiter(limiter))
	timers.SetExpiryHandler(g.HandleExpiry)

	tokens, err := auth.NewTokenIssuer("test-secret", time.Hour, clock)
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewServer(Deps{
		Rooms:   roomsApp,
		Votes:   votesApp,
		Game:    g,
		Content: store,
		Tokens:  tokens,
		Limiter: limiter,
		Health:  health,
	}).RegisterRoutes(mux)
	return &testServer{clock: clock, mux: mux, hub: hub}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body == nil {
		req.ContentLength = 0
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[httpx.ErrorBody](t, rec).Error.Code
}

func (s *testServer) createRoom(t *testing.T, body any) CreateRoomResponse {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/rooms/create", "", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[CreateRoomResponse](t, rec)
}

func (s *testServer) join(t *testing.T, code, fp string) JoinRoomResponse {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/rooms/join", "", JoinRoomRequest{Code: code, Fingerprint: fp})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[JoinRoomResponse](t, rec)
}

func TestRoomVotingFlow(t *testing.T) {
	s := newTestServer(t, nil, nil)

	room := s.createRoom(t, rooms.CreateRoomRequest{MaxParticipants: 2})
	require.NotEmpty(t, room.FacilitatorToken)
	sid := room.Session.ID.String()

	alice := s.join(t, room.Session.RoomCode, "fp-alice")
	bob := s.join(t, room.Session.RoomCode, "fp-bob")

	rec := s.do(t, http.MethodPost, "/rooms/join", "", JoinRoomRequest{Code: room.Session.RoomCode, Fingerprint: "fp-carol"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "room_full", errorCode(t, rec))

	rec = s.do(t, http.MethodPost, "/sessions/"+sid+"/scenarios/A/start", alice.Token, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, "participants cannot start scenarios")
	rec = s.do(t, http.MethodPost, "/sessions/"+sid+"/scenarios/A/start", room.FacilitatorToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/votes", alice.Token, map[string]any{"scenario_id": "A", "vote": "pull"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[votes.SubmitResult](t, rec)
	require.NotNil(t, first.Tally)
	assert.Equal(t, 1, first.Tally.Total)

	rec = s.do(t, http.MethodPost, "/votes", bob.Token, map[string]any{"scenario_id": "A", "vote": "dont_pull", "rationale": "too risky"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/votes", alice.Token, map[string]any{"scenario_id": "A", "vote": "dont_pull"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate_vote", errorCode(t, rec))

	rec = s.do(t, http.MethodGet, "/sessions/"+sid+"/scenarios/A/votes", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.Tally{Total: 2, PullCount: 1, DontPullCount: 1}, decode[models.Tally](t, rec))

	rec = s.do(t, http.MethodGet, "/sessions/"+sid+"/scenarios/A/rationales", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"too risky"}, decode[models.Rationales](t, rec).DontPull)

	rec = s.do(t, http.MethodGet, "/sessions/"+sid+"/scenarios/A/mitigations", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[MitigationsResponse](t, rec).Mitigations)

	rec = s.do(t, http.MethodGet, "/sessions/"+sid+"/state", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[game.State](t, rec)
	require.NotNil(t, st.ActiveScenarioID)
	assert.Equal(t, "A", *st.ActiveScenarioID)
	assert.Equal(t, 2, st.ActiveParticipants)

	rec = s.do(t, http.MethodPost, "/sessions/"+sid+"/end", room.FacilitatorToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[EndSessionResponse](t, rec).Changed)

	rec = s.do(t, http.MethodPost, "/sessions/"+sid+"/end", room.FacilitatorToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ended := decode[EndSessionResponse](t, rec)
	assert.False(t, ended.Changed)
	assert.Equal(t, models.SessionStatusComplete, ended.Session.Status)

	rec = s.do(t, http.MethodPost, "/votes", bob.Token, map[string]any{"scenario_id": "B", "vote": "pull"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "voting_closed", errorCode(t, rec))
}

func TestVoteAuthorization(t *testing.T) {
	s := newTestServer(t, nil, nil)
	room := s.createRoom(t, nil)
	alice := s.join(t, room.Session.RoomCode, "fp-alice")
	bob := s.join(t, room.Session.RoomCode, "fp-bob")

	rec := s.do(t, http.MethodPost, "/votes", "", map[string]any{"scenario_id": "A", "vote": "pull"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/votes", bob.Token, map[string]any{
		"participant_id": alice.Participant.ID, "scenario_id": "A", "vote": "pull",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code, "a token may only vote for its own participant")
	assert.Equal(t, "unauthorized_action", errorCode(t, rec))

	other := s.createRoom(t, nil)
	rec = s.do(t, http.MethodPost, "/votes", alice.Token, map[string]any{
		"session_id": other.Session.ID, "scenario_id": "A", "vote": "pull",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/votes", room.FacilitatorToken, map[string]any{"scenario_id": "A", "vote": "pull"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/sessions/"+room.Session.ID.String()+"/end", other.FacilitatorToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, "facilitators only control their own room")
}

func TestRequestValidation(t *testing.T) {
	s := newTestServer(t, nil, nil)

	rec := s.do(t, http.MethodGet, "/rooms/ZZZZZZ/status", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/sessions/not-a-uuid/state", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/rooms/join", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/rooms/create", "", rooms.CreateRoomRequest{TimerDurationSec: 5})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	room := s.createRoom(t, nil)
	rec = s.do(t, http.MethodPost, "/sessions/"+room.Session.ID.String()+"/scenarios/missing/start", room.FacilitatorToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	alice := s.join(t, room.Session.RoomCode, "fp-alice")
	rec = s.do(t, http.MethodPost, "/votes", alice.Token, map[string]any{"scenario_id": "A", "vote": "maybe"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_choice", errorCode(t, rec))
}

func TestCreateRoomRateLimited(t *testing.T) {
	s := newTestServer(t, map[resilience.Class]resilience.Budget{
		resilience.ClassCreateRoom: {Capacity: 2, Refill: time.Hour},
	}, nil)

	s.createRoom(t, nil)
	s.createRoom(t, nil)

	rec := s.do(t, http.MethodPost, "/rooms/create", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	body := decode[httpx.ErrorBody](t, rec)
	assert.Equal(t, "rate_limited", body.Error.Code)
	assert.Positive(t, body.Error.RetryAfterSec)

	for _, spoofed := range []string{"203.0.113.1", "203.0.113.2"} {
		req := httptest.NewRequest(http.MethodPost, "/rooms/create", nil)
		req.Header.Set("X-Forwarded-For", spoofed)
		req.Header.Set("X-Real-IP", spoofed)
		rec := httptest.NewRecorder()
		s.mux.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code, "forwarding headers from an untrusted peer are ignored")
	}

	s.clock.Advance(time.Hour)
	s.createRoom(t, nil)
}

func TestLeaveAndRoomStatus(t *testing.T) {
	s := newTestServer(t, nil, nil)
	room := s.createRoom(t, nil)
	alice := s.join(t, room.Session.RoomCode, "fp-alice")
	s.join(t, room.Session.RoomCode, "fp-bob")

	statusPath := "/rooms/" + room.Session.RoomCode + "/status"
	rec := s.do(t, http.MethodGet, statusPath, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[rooms.RoomStatus](t, rec).ActiveParticipants)

	watcher := &recordingSub{id: "watcher"}
	aliceSocket := &recordingSub{id: "alice"}
	s.hub.Subscribe(watcher, room.Session.ID, uuid.Nil)
	s.hub.Subscribe(aliceSocket, room.Session.ID, alice.Participant.ID)

	rec = s.do(t, http.MethodPost, "/sessions/"+room.Session.ID.String()+"/leave", alice.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[LeaveResponse](t, rec).Left)

	departures := watcher.received(t, events.TypeParticipantLeft)
	require.Len(t, departures, 1)
	var p events.ParticipantPayload
	require.NoError(t, departures[0].Decode(&p))
	assert.Equal(t, alice.Participant.ID.String(), p.ParticipantID)
	assert.Equal(t, 1, p.ActiveCount)
	assert.True(t, aliceSocket.closed)
	assert.Equal(t, 1, s.hub.RoomSize(room.Session.ID))

	rec = s.do(t, http.MethodGet, statusPath, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[rooms.RoomStatus](t, rec).ActiveParticipants)

	again := s.join(t, room.Session.RoomCode, "fp-alice")
	assert.True(t, again.Rejoined)
	assert.Equal(t, alice.Participant.ID, again.Participant.ID)
}

func TestScenariosAndHealth(t *testing.T) {
	failing := errors.New("nats disconnected")
	s := newTestServer(t, nil, map[string]HealthCheck{
		"nats": func(context.Context) error { return failing },
	})

	rec := s.do(t, http.MethodGet, "/scenarios", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[ScenariosResponse](t, rec).Scenarios
	require.Len(t, list, 2)
	assert.Equal(t, "A", list[0].ID)

	rec = s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	health := decode[HealthResponse](t, rec)
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, failing.Error(), health.Checks["nats"])

	healthy := newTestServer(t, nil, nil)
	rec = healthy.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
