package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/events"
)

type fakeSub struct {
	id string
	ch chan []byte

	mu     sync.Mutex
	closed bool
}

func newFakeSub(buffer int) *fakeSub {
	return &fakeSub{id: uuid.NewString(), ch: make(chan []byte, buffer)}
}

func (s *fakeSub) ID() string { return s.id }

func (s *fakeSub) Enqueue(msg []byte) bool {
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

func (s *fakeSub) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSub) drain(t *testing.T) []events.Event {
	t.Helper()
	var out []events.Event
	for {
		select {
		case msg := <-s.ch:
			var evt events.Event
			require.NoError(t, json.Unmarshal(msg, &evt))
			out = append(out, evt)
		default:
			return out
		}
	}
}

func types(evts []events.Event) []events.EventType {
	out := make([]events.EventType, len(evts))
	for i, e := range evts {
		out[i] = e.Type
	}
	return out
}

type staticCounter struct{ n int }

func (c staticCounter) ActiveParticipantCount(context.Context, uuid.UUID) (int, error) {
	return c.n, nil
}

func TestHubMembershipAnnouncements(t *testing.T) {
	hub := NewHub()
	sid := uuid.New()
	a, b := newFakeSub(8), newFakeSub(8)
	pa, pb := uuid.New(), uuid.New()

	hub.Subscribe(a, sid, pa)
	hub.Subscribe(b, sid, pb)

	evts := a.drain(t)
	require.Len(t, evts, 2)
	var p events.ParticipantPayload
	require.NoError(t, evts[1].Decode(&p))
	assert.Equal(t, events.TypeParticipantJoined, evts[1].Type)
	assert.Equal(t, pb.String(), p.ParticipantID)
	assert.Equal(t, 2, p.ActiveCount)
	b.drain(t)

	assert.True(t, hub.Unsubscribe(b))
	assert.False(t, hub.Unsubscribe(b))

	evts = a.drain(t)
	require.Len(t, evts, 1)
	require.NoError(t, evts[0].Decode(&p))
	assert.Equal(t, events.TypeParticipantLeft, evts[0].Type)
	assert.Equal(t, 1, p.ActiveCount)
	assert.Empty(t, b.drain(t))
}

func TestHubUsesCounterForActiveCount(t *testing.T) {
	hub := NewHub(WithCounter(staticCounter{n: 7}))
	a := newFakeSub(4)
	hub.Subscribe(a, uuid.New(), uuid.New())

	evts := a.drain(t)
	require.Len(t, evts, 1)
	var p events.ParticipantPayload
	require.NoError(t, evts[0].Decode(&p))
	assert.Equal(t, 7, p.ActiveCount)
}

func TestHubPublishIsScopedToRoom(t *testing.T) {
	hub := NewHub()
	room1, room2 := uuid.New(), uuid.New()
	a, b := newFakeSub(8), newFakeSub(8)
	hub.Subscribe(a, room1, uuid.New())
	hub.Subscribe(b, room2, uuid.New())
	a.drain(t)
	b.drain(t)

	evt, err := events.New(room1, events.TypeScenarioStarted, events.ScenarioStartedPayload{ScenarioID: "s1", Title: "One"})
	require.NoError(t, err)
	hub.Publish(evt)

	assert.Equal(t, []events.EventType{events.TypeScenarioStarted}, types(a.drain(t)))
	assert.Empty(t, b.drain(t))
}

func TestHubSubscribeMovesClientBetweenRooms(t *testing.T) {
	hub := NewHub()
	room1, room2 := uuid.New(), uuid.New()
	a, watcher := newFakeSub(8), newFakeSub(8)
	hub.Subscribe(watcher, room1, uuid.New())
	hub.Subscribe(a, room1, uuid.New())
	watcher.drain(t)

	hub.Subscribe(a, room2, uuid.New())

	assert.Equal(t, []events.EventType{events.TypeParticipantLeft}, types(watcher.drain(t)))
	got, ok := hub.Membership(a)
	require.True(t, ok)
	assert.Equal(t, room2, got)
	assert.Equal(t, 1, hub.RoomSize(room1))
	assert.Equal(t, 1, hub.RoomSize(room2))
}

func TestHubSlowClientHandling(t *testing.T) {
	hub := NewHub()
	sid := uuid.New()
	slow := newFakeSub(1)
	hub.Subscribe(slow, sid, uuid.New()) // fills the single slot

	tick, err := events.NewVolatile(sid, events.TypeTimerTick, events.TimerTickPayload{SecondsRemaining: 5})
	require.NoError(t, err)
	hub.Publish(tick)

	assert.False(t, slow.isClosed(), "volatile events are dropped, not fatal")
	assert.Equal(t, 1, hub.RoomSize(sid))

	vote, err := events.New(sid, events.TypeVoteCast, nil)
	require.NoError(t, err)
	hub.Publish(vote)

	assert.True(t, slow.isClosed())
	assert.Equal(t, 0, hub.RoomSize(sid))
}

func TestHubEvictedMemberLeavesOnUnsubscribe(t *testing.T) {
	hub := NewHub()
	sid := uuid.New()
	fast, slow := newFakeSub(16), newFakeSub(2)
	slowID := uuid.New()
	hub.Subscribe(fast, sid, uuid.New())
	hub.Subscribe(slow, sid, slowID) // own arrival takes one slot
	fast.drain(t)

	for i := 0; i < 2; i++ {
		vote, err := events.New(sid, events.TypeVoteCast, nil)
		require.NoError(t, err)
		hub.Publish(vote)
	}
	require.True(t, slow.isClosed())
	assert.Equal(t, 1, hub.RoomSize(sid))
	_, member := hub.Membership(slow)
	assert.False(t, member)

	// the closed connection unsubscribes on its way out
	assert.True(t, hub.Unsubscribe(slow))
	assert.False(t, hub.Unsubscribe(slow))

	evts := fast.drain(t)
	assert.Equal(t, []events.EventType{events.TypeVoteCast, events.TypeVoteCast, events.TypeParticipantLeft}, types(evts))
	var p events.ParticipantPayload
	require.NoError(t, evts[2].Decode(&p))
	assert.Equal(t, slowID.String(), p.ParticipantID)
	assert.Equal(t, 1, p.ActiveCount)
}

func TestHubResubscribeSameRoomIsSilent(t *testing.T) {
	hub := NewHub()
	sid := uuid.New()
	watcher, a := newFakeSub(8), newFakeSub(8)
	pid := uuid.New()
	hub.Subscribe(watcher, sid, uuid.New())
	hub.Subscribe(a, sid, pid)
	watcher.drain(t)
	a.drain(t)

	hub.Subscribe(a, sid, pid)

	assert.Empty(t, watcher.drain(t))
	assert.Empty(t, a.drain(t))
	assert.Equal(t, 2, hub.RoomSize(sid))
}

func TestHubDropParticipant(t *testing.T) {
	hub := NewHub(WithCounter(staticCounter{n: 1}))
	sid := uuid.New()
	pid := uuid.New()
	watcher, tab1, tab2 := newFakeSub(8), newFakeSub(8), newFakeSub(8)
	hub.Subscribe(watcher, sid, uuid.New())
	hub.Subscribe(tab1, sid, pid)
	hub.Subscribe(tab2, sid, pid)
	watcher.drain(t)

	assert.Equal(t, 2, hub.DropParticipant(sid, pid))
	assert.True(t, tab1.isClosed())
	assert.True(t, tab2.isClosed())
	assert.Equal(t, 1, hub.RoomSize(sid))
	assert.False(t, hub.Unsubscribe(tab1), "dropped connections already left")

	evts := watcher.drain(t)
	require.Equal(t, []events.EventType{events.TypeParticipantLeft}, types(evts))
	var p events.ParticipantPayload
	require.NoError(t, evts[0].Decode(&p))
	assert.Equal(t, pid.String(), p.ParticipantID)
	assert.Equal(t, 1, p.ActiveCount)

	// a participant with no socket is still announced
	assert.Equal(t, 0, hub.DropParticipant(sid, uuid.New()))
	assert.Equal(t, []events.EventType{events.TypeParticipantLeft}, types(watcher.drain(t)))
}

func TestHubCloseRoom(t *testing.T) {
	hub := NewHub()
	sid := uuid.New()
	a, b := newFakeSub(8), newFakeSub(8)
	hub.Subscribe(a, sid, uuid.New())
	hub.Subscribe(b, sid, uuid.New())

	assert.Equal(t, 2, hub.CloseRoom(sid))
	assert.True(t, a.isClosed())
	assert.True(t, b.isClosed())
	assert.Equal(t, 0, hub.Stats().TotalConnections)
	assert.False(t, hub.Unsubscribe(a))
	assert.Equal(t, 0, hub.CloseRoom(sid))
}

func TestHubConcurrentJoinLeave(t *testing.T) {
	hub := NewHub()
	sid := uuid.New()
	observer := newFakeSub(1024)
	hub.Subscribe(observer, sid, uuid.New())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := newFakeSub(256)
			hub.Subscribe(s, sid, uuid.New())
			hub.Unsubscribe(s)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, hub.RoomSize(sid))
	assert.Equal(t, 1, hub.Stats().ActiveRooms)
}

type recordingMirror struct {
	mu   sync.Mutex
	seen []events.EventType
}

func (m *recordingMirror) Mirror(_ context.Context, evt events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = append(m.seen, evt.Type)
	return nil
}

func (m *recordingMirror) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}

func TestHubMirrorsNonVolatileEvents(t *testing.T) {
	mirror := &recordingMirror{}
	hub := NewHub(WithMirror(mirror))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	sid := uuid.New()
	tick, _ := events.NewVolatile(sid, events.TypeTimerTick, nil)
	hub.Publish(tick)
	ended, _ := events.New(sid, events.TypeSessionEnded, nil)
	hub.Publish(ended)

	require.Eventually(t, func() bool { return mirror.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []events.EventType{events.TypeSessionEnded}, mirror.seen)
}

func TestConnectionThrottle(t *testing.T) {
	clock := clockwork.NewFakeClock()
	th := NewConnectionThrottle(ThrottleConfig{MaxAttempts: 3, Window: time.Minute, BlockFor: 5 * time.Minute}, clock)

	for i := 0; i < 3; i++ {
		ok, _ := th.Allow("203.0.113.1")
		require.True(t, ok)
	}
	ok, wait := th.Allow("203.0.113.1")
	assert.False(t, ok)
	assert.Equal(t, 5*time.Minute, wait)

	ok, _ = th.Allow("198.51.100.2")
	assert.True(t, ok, "origins are tracked independently")

	clock.Advance(4 * time.Minute)
	ok, wait = th.Allow("203.0.113.1")
	assert.False(t, ok)
	assert.Equal(t, time.Minute, wait)

	clock.Advance(time.Minute)
	ok, _ = th.Allow("203.0.113.1")
	assert.True(t, ok)

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 2, th.Sweep())
	assert.Equal(t, 0, th.Len())
}
