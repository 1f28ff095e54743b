package votes

import (
	"context"
	"strings"
	"sync"
	"syscall"
	"testing"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/apperr"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/events"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/models"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/resilience"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/rooms"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/sanitize"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) types() []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type fixture struct {
	rooms    *rooms.App
	votes    *App
	ledger   *MemoryRepository
	hub      *recorder
	session  *models.Session
	alice    uuid.UUID
	bob      uuid.UUID
	scenario string
}

func newFixture(t *testing.T, req rooms.CreateRoomRequest) *fixture {
	t.Helper()
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	exec := resilience.NewExecutor(resilience.WithClock(clock), resilience.WithRetryPolicy(resilience.RetryPolicy{MaxAttempts: 3}))

	roomRepo := rooms.NewMemoryRepository()
	roomsApp := rooms.NewApp(roomRepo, exec, clock)
	ledger := NewMemoryRepository(roomRepo)
	hub := &recorder{}
	app := NewApp(ledger, roomsApp, hub, sanitize.NewBasic(), exec, clock)

	s, err := roomsApp.CreateRoom(ctx, req)
	require.NoError(t, err)
	a, err := roomsApp.JoinRoom(ctx, s.RoomCode, "alice")
	require.NoError(t, err)
	b, err := roomsApp.JoinRoom(ctx, s.RoomCode, "bob")
	require.NoError(t, err)
	_, err = roomsApp.StartScenario(ctx, s.ID, "A")
	require.NoError(t, err)

	return &fixture{
		rooms: roomsApp, votes: app, ledger: ledger, hub: hub, session: s,
		alice: a.Participant.ID, bob: b.Participant.ID, scenario: "A",
	}
}

func (f *fixture) vote(who uuid.UUID, choice string) SubmitVoteRequest {
	return SubmitVoteRequest{SessionID: f.session.ID, ParticipantID: who, ScenarioID: f.scenario, Vote: choice}
}

func ptr[T any](v T) *T { return &v }

func TestSubmitVoteTallyAndBroadcast(t *testing.T) {
	f := newFixture(t, rooms.CreateRoomRequest{})
	ctx := context.Background()

	req := f.vote(f.alice, "pull")
	req.Rationale = ptr("save the five")
	req.ResponseTimeMs = ptr(1200)
	res, err := f.votes.SubmitVote(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, res.Tally)
	assert.Equal(t, models.Tally{Total: 1, PullCount: 1, AvgLatencyMs: ptr(1200.0)}, *res.Tally)
	assert.Equal(t, []events.EventType{events.TypeVoteCast, events.TypeRationaleAdded}, f.hub.types())

	req = f.vote(f.bob, "dont_pull")
	req.ResponseTimeMs = ptr(800)
	_, err = f.votes.SubmitVote(ctx, req)
	require.NoError(t, err)
	assert.Len(t, f.hub.types(), 3, "no rationale means exactly one broadcast")

	tally, err := f.votes.GetTally(ctx, f.session.ID, f.scenario)
	require.NoError(t, err)
	assert.Equal(t, 2, tally.Total)
	assert.Equal(t, 1, tally.PullCount)
	assert.Equal(t, 1, tally.DontPullCount)
	assert.Equal(t, tally.Total, tally.PullCount+tally.DontPullCount)
	assert.InDelta(t, 1000.0, *tally.AvgLatencyMs, 0.001)

	var cast events.VoteCastPayload
	require.NoError(t, f.hub.events[2].Decode(&cast))
	assert.Equal(t, 2, cast.Totals.Total)
}

func TestDuplicateVoteRejected(t *testing.T) {
	f := newFixture(t, rooms.CreateRoomRequest{})
	ctx := context.Background()

	_, err := f.votes.SubmitVote(ctx, f.vote(f.alice, "pull"))
	require.NoError(t, err)

	_, err = f.votes.SubmitVote(ctx, f.vote(f.alice, "dont_pull"))
	require.ErrorIs(t, err, ErrDuplicateVote)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))

	tally, err := f.votes.GetTally(ctx, f.session.ID, f.scenario)
	require.NoError(t, err)
	assert.Equal(t, models.Tally{Total: 1, PullCount: 1}, tally)
}

func TestConcurrentSubmissionsYieldOneVote(t *testing.T) {
	f := newFixture(t, rooms.CreateRoomRequest{})
	ctx := context.Background()

	const attempts = 25
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.votes.SubmitVote(ctx, f.vote(f.alice, "pull"))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else if apperr.IsKind(err, apperr.KindConflict) {
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, attempts-1, conflicts)
	assert.Equal(t, 1, f.ledger.CountVotes(f.session.ID, f.scenario))
}

func TestInvalidChoiceIsValidationError(t *testing.T) {
	f := newFixture(t, rooms.CreateRoomRequest{})

	_, err := f.votes.SubmitVote(context.Background(), f.vote(f.alice, "maybe"))
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	assert.Equal(t, apperr.CodeInvalidChoice, apperr.CodeOf(err))
	assert.Empty(t, f.hub.types())
}

func TestVotingClosedAfterScenarioCompletes(t *testing.T) {
	f := newFixture(t, rooms.CreateRoomRequest{})
	ctx := context.Background()

	changed, err := f.rooms.CompleteScenario(ctx, f.session.ID, f.scenario)
	require.NoError(t, err)
	require.True(t, changed)

	_, err = f.votes.SubmitVote(ctx, f.vote(f.alice, "pull"))
	assert.ErrorIs(t, err, ErrVotingClosed)

	req := f.vote(f.alice, "pull")
	req.ScenarioID = "other"
	_, err = f.votes.SubmitVote(ctx, req)
	assert.ErrorIs(t, err, ErrVotingClosed)
}

func TestInactiveParticipantCannotVote(t *testing.T) {
	f := newFixture(t, rooms.CreateRoomRequest{})
	ctx := context.Background()

	_, err := f.rooms.LeaveRoom(ctx, f.session.ID, f.bob)
	require.NoError(t, err)

	_, err = f.votes.SubmitVote(ctx, f.vote(f.bob, "pull"))
	assert.ErrorIs(t, err, ErrNotParticipant)

	_, err = f.votes.SubmitVote(ctx, f.vote(uuid.New(), "pull"))
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestModerationFlagsAndSanitizing(t *testing.T) {
	f := newFixture(t, rooms.CreateRoomRequest{Moderation: &rooms.ModerationRequest{MitigationsEnabled: ptr(false)}})
	ctx := context.Background()

	req := f.vote(f.alice, "dont_pull")
	req.Rationale = ptr("  email me: a.person@example.org  " + strings.Repeat("x", 600))
	req.Mitigation = ptr("ignored")
	res, err := f.votes.SubmitVote(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, res.Vote.Rationale)
	assert.True(t, strings.HasPrefix(*res.Vote.Rationale, "email me: [email]"))
	assert.LessOrEqual(t, len([]rune(*res.Vote.Rationale)), sanitize.MaxTextLength)
	assert.Nil(t, res.Vote.Mitigation)

	rationales, err := f.votes.GetRationales(ctx, f.session.ID, f.scenario)
	require.NoError(t, err)
	assert.Empty(t, rationales.Pull)
	assert.Len(t, rationales.DontPull, 1)

	mitigations, err := f.votes.GetMitigations(ctx, f.session.ID, f.scenario)
	require.NoError(t, err)
	assert.Empty(t, mitigations)
}

func TestWhitespaceRationaleIsDropped(t *testing.T) {
	f := newFixture(t, rooms.CreateRoomRequest{})
	req := f.vote(f.alice, "pull")
	req.Rationale = ptr("   ")
	res, err := f.votes.SubmitVote(context.Background(), req)
	require.NoError(t, err)
	assert.Nil(t, res.Vote.Rationale)
	assert.Equal(t, []events.EventType{events.TypeVoteCast}, f.hub.types())
}

type flakyRepo struct {
	VotesRepository
	mu       sync.Mutex
	failures int
}

func (r *flakyRepo) CreateVote(ctx context.Context, req CreateVoteRequest) (*models.Vote, error) {
	r.mu.Lock()
	if r.failures > 0 {
		r.failures--
		r.mu.Unlock()
		return nil, syscall.ECONNRESET
	}
	r.mu.Unlock()
	return r.VotesRepository.CreateVote(ctx, req)
}

func TestTransientStorageErrorsAreRetried(t *testing.T) {
	f := newFixture(t, rooms.CreateRoomRequest{})
	flaky := &flakyRepo{VotesRepository: f.ledger, failures: 2}
	f.votes.repo = flaky

	_, err := f.votes.SubmitVote(context.Background(), f.vote(f.alice, "pull"))
	require.NoError(t, err)
	assert.Equal(t, 1, f.ledger.CountVotes(f.session.ID, f.scenario))

	flaky.failures = 5
	_, err = f.votes.SubmitVote(context.Background(), f.vote(f.bob, "pull"))
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindUnavailable))
	assert.Equal(t, 1, f.ledger.CountVotes(f.session.ID, f.scenario), "failed submission leaves no vote")
}
