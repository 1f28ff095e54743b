package rooms

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/apperr"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/models"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/resilience"
)

func newTestApp(t *testing.T, opts ...AppOption) (*App, *MemoryRepository, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	repo := NewMemoryRepository()
	exec := resilience.NewExecutor(resilience.WithClock(clock), resilience.WithRetryPolicy(resilience.RetryPolicy{MaxAttempts: 3}))
	return NewApp(repo, exec, clock, opts...), repo, clock
}

func sequenceCodes(codes ...string) CodeGenerator {
	var mu sync.Mutex
	i := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		c := codes[i%len(codes)]
		i++
		return c, nil
	}
}

func TestRandomCodeMatchesAlphabet(t *testing.T) {
	for i := 0; i < 200; i++ {
		code, err := RandomCode()
		require.NoError(t, err)
		assert.True(t, ValidCode(code), code)
		assert.NotContains(t, code, "0")
		assert.NotContains(t, code, "O")
		assert.NotContains(t, code, "1")
		assert.NotContains(t, code, "I")
	}
}

func TestCreateRoomDefaults(t *testing.T) {
	app, _, _ := newTestApp(t)

	s, err := app.CreateRoom(context.Background(), CreateRoomRequest{})
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusWaiting, s.Status)
	assert.Equal(t, DefaultTimerDurationSec, s.Config.TimerDurationSec)
	assert.Equal(t, DefaultMaxParticipants, s.Config.MaxParticipants)
	assert.True(t, s.Config.Moderation.RationalesEnabled)
	assert.True(t, ValidCode(s.RoomCode))
}

func TestCreateRoomRejectsOutOfBoundsConfig(t *testing.T) {
	app, _, _ := newTestApp(t)
	ctx := context.Background()

	for _, req := range []CreateRoomRequest{
		{TimerDurationSec: 5},
		{TimerDurationSec: 301},
		{MaxParticipants: -1},
		{MaxParticipants: 501},
	} {
		_, err := app.CreateRoom(ctx, req)
		require.Error(t, err)
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))
		assert.Equal(t, apperr.CodeConfigInvalid, apperr.CodeOf(err))
	}
}

func TestCreateRoomRetriesCollisions(t *testing.T) {
	app, _, _ := newTestApp(t, WithCodeGenerator(sequenceCodes("AAAAAA", "AAAAAA", "BBBBBB")))
	ctx := context.Background()

	first, err := app.CreateRoom(ctx, CreateRoomRequest{})
	require.NoError(t, err)
	assert.Equal(t, "AAAAAA", first.RoomCode)

	second, err := app.CreateRoom(ctx, CreateRoomRequest{})
	require.NoError(t, err)
	assert.Equal(t, "BBBBBB", second.RoomCode)
}

func TestCreateRoomCodeExhausted(t *testing.T) {
	app, _, _ := newTestApp(t, WithCodeGenerator(sequenceCodes("CCCCCC")))
	ctx := context.Background()

	_, err := app.CreateRoom(ctx, CreateRoomRequest{})
	require.NoError(t, err)

	_, err = app.CreateRoom(ctx, CreateRoomRequest{})
	require.ErrorIs(t, err, ErrCodeExhausted)
	assert.Equal(t, apperr.CodeCodeExhausted, apperr.CodeOf(err))
}

func TestCodeReusableAfterSessionEnds(t *testing.T) {
	app, _, _ := newTestApp(t, WithCodeGenerator(sequenceCodes("DDDDDD")))
	ctx := context.Background()

	first, err := app.CreateRoom(ctx, CreateRoomRequest{})
	require.NoError(t, err)
	_, err = app.EndSession(ctx, first.ID)
	require.NoError(t, err)

	second, err := app.CreateRoom(ctx, CreateRoomRequest{})
	require.NoError(t, err)
	assert.Equal(t, "DDDDDD", second.RoomCode)

	status, err := app.GetRoomStatus(ctx, "dddddd")
	require.NoError(t, err)
	assert.Equal(t, second.ID, status.SessionID, "live session wins the code lookup")
}

func TestJoinRoomCapacityAndRejoin(t *testing.T) {
	app, repo, _ := newTestApp(t)
	ctx := context.Background()

	s, err := app.CreateRoom(ctx, CreateRoomRequest{MaxParticipants: 2})
	require.NoError(t, err)

	a, err := app.JoinRoom(ctx, s.RoomCode, "fp-a")
	require.NoError(t, err)
	assert.False(t, a.Rejoined)
	_, err = app.JoinRoom(ctx, " "+s.RoomCode+" ", "fp-b")
	require.NoError(t, err)

	_, err = app.JoinRoom(ctx, s.RoomCode, "fp-c")
	require.ErrorIs(t, err, ErrRoomFull)
	assert.Equal(t, apperr.CodeRoomFull, apperr.CodeOf(err))

	again, err := app.JoinRoom(ctx, s.RoomCode, "fp-a")
	require.NoError(t, err)
	assert.True(t, again.Rejoined)
	assert.Equal(t, a.Participant.ID, again.Participant.ID)
	assert.Equal(t, 2, repo.CountDistinctParticipants(s.ID))

	left, err := app.LeaveRoom(ctx, s.ID, a.Participant.ID)
	require.NoError(t, err)
	assert.True(t, left)
	left, err = app.LeaveRoom(ctx, s.ID, a.Participant.ID)
	require.NoError(t, err)
	assert.False(t, left)

	back, err := app.JoinRoom(ctx, s.RoomCode, "fp-a")
	require.NoError(t, err)
	assert.Equal(t, a.Participant.ID, back.Participant.ID)
	assert.Equal(t, 2, repo.CountDistinctParticipants(s.ID))
}

func TestConcurrentJoinsRespectCapacity(t *testing.T) {
	app, _, _ := newTestApp(t)
	ctx := context.Background()
	s, err := app.CreateRoom(ctx, CreateRoomRequest{MaxParticipants: 5})
	require.NoError(t, err)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		joined int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := app.JoinRoom(ctx, s.RoomCode, uuid.NewString()); err == nil {
				mu.Lock()
				joined++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, joined)
	count, err := app.ActiveParticipantCount(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestJoinRoomErrors(t *testing.T) {
	app, _, _ := newTestApp(t)
	ctx := context.Background()

	_, err := app.JoinRoom(ctx, "ZZZZZZ", "fp")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	_, err = app.JoinRoom(ctx, "not-a-code", "fp")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	s, err := app.CreateRoom(ctx, CreateRoomRequest{})
	require.NoError(t, err)
	_, err = app.JoinRoom(ctx, s.RoomCode, "")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = app.EndSession(ctx, s.ID)
	require.NoError(t, err)
	_, err = app.JoinRoom(ctx, s.RoomCode, "fp")
	assert.ErrorIs(t, err, ErrInactiveSession)
}

func TestStartScenarioKeepsOneActive(t *testing.T) {
	app, _, _ := newTestApp(t)
	ctx := context.Background()
	s, err := app.CreateRoom(ctx, CreateRoomRequest{})
	require.NoError(t, err)

	_, err = app.StartScenario(ctx, s.ID, "A")
	require.NoError(t, err)
	got, err := app.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusActive, got.Status)

	_, err = app.StartScenario(ctx, s.ID, "B")
	require.NoError(t, err)

	run, err := app.ActiveScenario(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "B", run.ScenarioID)

	changed, err := app.CompleteScenario(ctx, s.ID, "A")
	require.NoError(t, err)
	assert.False(t, changed, "A was already completed by starting B")

	changed, err = app.CompleteScenario(ctx, s.ID, "B")
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = app.CompleteScenario(ctx, s.ID, "B")
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = app.ActiveScenario(ctx, s.ID)
	assert.ErrorIs(t, err, ErrNoActiveScenario)
}

func TestEndSessionIsIdempotent(t *testing.T) {
	app, _, _ := newTestApp(t)
	ctx := context.Background()
	s, err := app.CreateRoom(ctx, CreateRoomRequest{})
	require.NoError(t, err)
	j, err := app.JoinRoom(ctx, s.RoomCode, "fp")
	require.NoError(t, err)
	_, err = app.StartScenario(ctx, s.ID, "A")
	require.NoError(t, err)

	first, err := app.EndSession(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, first.Changed)
	assert.Equal(t, models.SessionStatusComplete, first.Session.Status)
	require.NotNil(t, first.Session.EndedAt)

	second, err := app.EndSession(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, second.Changed)
	assert.Equal(t, first.Session.EndedAt, second.Session.EndedAt)

	p, err := app.GetParticipant(ctx, j.Participant.ID)
	require.NoError(t, err)
	assert.False(t, p.IsActive)
	_, err = app.ActiveScenario(ctx, s.ID)
	assert.ErrorIs(t, err, ErrNoActiveScenario)

	_, err = app.StartScenario(ctx, s.ID, "B")
	assert.ErrorIs(t, err, ErrInactiveSession)

	cancelled, err := app.CancelSession(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, cancelled.Changed, "no transition leaves complete")
}

func TestEndSessionNotFound(t *testing.T) {
	app, _, _ := newTestApp(t)
	_, err := app.EndSession(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStaleSessions(t *testing.T) {
	app, _, clock := newTestApp(t)
	ctx := context.Background()

	old, err := app.CreateRoom(ctx, CreateRoomRequest{})
	require.NoError(t, err)
	clock.Advance(23 * time.Hour)
	fresh, err := app.CreateRoom(ctx, CreateRoomRequest{})
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)

	stale, err := app.StaleSessions(ctx, 24*time.Hour, 100)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{old.ID}, stale)
	assert.NotContains(t, stale, fresh.ID)
}
