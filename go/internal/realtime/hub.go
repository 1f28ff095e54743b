package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/events"
)

// Subscriber is one connected client as the hub sees it.
type Subscriber interface {
	ID() string
	// Enqueue queues msg without blocking and reports whether it fit.
	Enqueue(msg []byte) bool
	Close()
}

// Counter reports the authoritative active-participant count of a session.
type Counter interface {
	ActiveParticipantCount(ctx context.Context, sessionID uuid.UUID) (int, error)
}

// Mirror receives a copy of every non-volatile event.
type Mirror interface {
	Mirror(ctx context.Context, evt events.Event) error
}

type member struct {
	sub           Subscriber
	sessionID     uuid.UUID
	participantID uuid.UUID
	// evicted members no longer receive events but still owe the room a
	// participant_left once their connection unsubscribes.
	evicted bool
}

type room struct {
	mu      sync.Mutex
	members map[string]*member
}

// Hub maps connected clients to rooms and fans events out to them. Each
// client belongs to at most one room.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[uuid.UUID]*room
	clients map[string]*member

	counter  Counter
	mirror   Mirror
	mirrorCh chan events.Event
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithCounter sources activeCount from the room registry instead of the
// number of open sockets.
func WithCounter(c Counter) HubOption {
	return func(h *Hub) { h.counter = c }
}

// WithMirror copies every non-volatile event to m. Run must be started to
// drain the mirror queue.
func WithMirror(m Mirror) HubOption {
	return func(h *Hub) {
		h.mirror = m
		h.mirrorCh = make(chan events.Event, 1000)
	}
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		rooms:   make(map[uuid.UUID]*room),
		clients: make(map[string]*member),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run forwards queued events to the mirror until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	if h.mirror == nil {
		<-ctx.Done()
		return
	}
	log.Info().Msg("event mirror started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("event mirror shutting down")
			return
		case evt := <-h.mirrorCh:
			mctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := h.mirror.Mirror(mctx, evt); err != nil {
				log.Warn().
					Err(err).
					Str("session_id", evt.SessionID.String()).
					Str("event_type", string(evt.Type)).
					Msg("failed to mirror event")
			}
			cancel()
		}
	}
}

// Subscribe puts sub into the session's room, removing it from any other
// room first, and announces the arrival to every member. Subscribing again
// to the same room only refreshes the membership.
func (h *Hub) Subscribe(sub Subscriber, sessionID, participantID uuid.UUID) {
	h.mu.RLock()
	cur, ok := h.clients[sub.ID()]
	h.mu.RUnlock()
	if ok && cur.sessionID != sessionID {
		h.Unsubscribe(sub)
	}

	m := &member{sub: sub, sessionID: sessionID, participantID: participantID}

	h.mu.Lock()
	prev, rejoin := h.clients[sub.ID()]
	rejoin = rejoin && prev.sessionID == sessionID
	r, ok := h.rooms[sessionID]
	if !ok {
		r = &room{members: make(map[string]*member)}
		h.rooms[sessionID] = r
	}
	h.clients[sub.ID()] = m
	r.mu.Lock()
	r.members[sub.ID()] = m
	size := len(r.members)
	r.mu.Unlock()
	h.mu.Unlock()

	if rejoin {
		log.Debug().
			Str("connection_id", sub.ID()).
			Str("session_id", sessionID.String()).
			Msg("client already subscribed")
		return
	}

	log.Debug().
		Str("connection_id", sub.ID()).
		Str("session_id", sessionID.String()).
		Int("members", size).
		Msg("client subscribed")

	h.announce(sessionID, events.TypeParticipantJoined, participantID, size)
}

// Unsubscribe removes sub from its room and announces the departure to the
// remaining members. It reports whether sub was subscribed, including a sub
// evicted for falling behind.
func (h *Hub) Unsubscribe(sub Subscriber) bool {
	m, size, ok := h.remove(sub.ID())
	if !ok {
		return false
	}
	log.Debug().
		Str("connection_id", sub.ID()).
		Str("session_id", m.sessionID.String()).
		Int("members", size).
		Bool("evicted", m.evicted).
		Msg("client unsubscribed")

	h.announce(m.sessionID, events.TypeParticipantLeft, m.participantID, size)
	return true
}

func (h *Hub) remove(id string) (*member, int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.clients[id]
	if !ok {
		return nil, 0, false
	}
	delete(h.clients, id)
	return m, h.leaveRoomLocked(id, m), true
}

// leaveRoomLocked drops id from m's room and returns the remaining size.
// h.mu must be held.
func (h *Hub) leaveRoomLocked(id string, m *member) int {
	r, ok := h.rooms[m.sessionID]
	if !ok {
		return 0
	}
	r.mu.Lock()
	if cur, ok := r.members[id]; ok && cur == m {
		delete(r.members, id)
	}
	size := len(r.members)
	r.mu.Unlock()
	if size == 0 {
		delete(h.rooms, m.sessionID)
	}
	return size
}

// evict stops delivery to a member that fell behind. The departure is
// announced when the connection unsubscribes.
func (h *Hub) evict(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.clients[id]
	if !ok || m.evicted {
		return false
	}
	m.evicted = true
	h.leaveRoomLocked(id, m)
	return true
}

// DropParticipant closes every connection of a participant in the session
// and announces participant_left once. It returns how many connections
// were closed.
func (h *Hub) DropParticipant(sessionID, participantID uuid.UUID) int {
	h.mu.Lock()
	var subs []Subscriber
	size := 0
	for id, m := range h.clients {
		if m.sessionID != sessionID || m.participantID != participantID {
			continue
		}
		delete(h.clients, id)
		size = h.leaveRoomLocked(id, m)
		subs = append(subs, m.sub)
	}
	if len(subs) == 0 {
		size = h.roomSizeLocked(sessionID)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	log.Debug().
		Str("session_id", sessionID.String()).
		Str("participant_id", participantID.String()).
		Int("connections", len(subs)).
		Msg("participant dropped from room")

	h.announce(sessionID, events.TypeParticipantLeft, participantID, size)
	return len(subs)
}

func (h *Hub) roomSizeLocked(sessionID uuid.UUID) int {
	r, ok := h.rooms[sessionID]
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Membership returns the session sub is subscribed to.
func (h *Hub) Membership(sub Subscriber) (uuid.UUID, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.clients[sub.ID()]
	if !ok || m.evicted {
		return uuid.Nil, false
	}
	return m.sessionID, true
}

func (h *Hub) announce(sessionID uuid.UUID, typ events.EventType, participantID uuid.UUID, members int) {
	count := members
	if h.counter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		n, err := h.counter.ActiveParticipantCount(ctx, sessionID)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("failed to count participants, using socket count")
		} else {
			count = n
		}
	}

	payload := events.ParticipantPayload{ActiveCount: count}
	if participantID != uuid.Nil {
		payload.ParticipantID = participantID.String()
	}
	evt, err := events.New(sessionID, typ, payload)
	if err != nil {
		log.Error().Err(err).Msg("failed to build membership event")
		return
	}
	h.Publish(evt)
}

// Publish delivers evt to every member of evt.SessionID's room. Delivery
// never blocks: a volatile event is dropped for a member whose buffer is
// full, any other event disconnects that member.
func (h *Hub) Publish(evt events.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(evt.Type)).Msg("failed to marshal event for broadcast")
		return
	}

	h.mu.RLock()
	r, ok := h.rooms[evt.SessionID]
	h.mu.RUnlock()

	var slow []Subscriber
	delivered, dropped := 0, 0
	if ok {
		// fan-out happens under the room lock so every member sees events
		// in the same order
		r.mu.Lock()
		for _, m := range r.members {
			if m.sub.Enqueue(data) {
				delivered++
				continue
			}
			if evt.Volatile {
				dropped++
				continue
			}
			slow = append(slow, m.sub)
		}
		r.mu.Unlock()
	}

	for _, sub := range slow {
		log.Warn().
			Str("connection_id", sub.ID()).
			Str("session_id", evt.SessionID.String()).
			Msg("connection send buffer full, closing connection")
		if h.evict(sub.ID()) {
			sub.Close()
		}
	}

	if !evt.Volatile {
		h.enqueueMirror(evt)
	}

	log.Debug().
		Str("event_type", string(evt.Type)).
		Str("session_id", evt.SessionID.String()).
		Int("delivered", delivered).
		Int("dropped", dropped).
		Msg("event broadcasted")
}

// SendTo delivers evt to a single subscriber, outside any room.
func (h *Hub) SendTo(sub Subscriber, evt events.Event) bool {
	data, err := json.Marshal(evt)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(evt.Type)).Msg("failed to marshal direct event")
		return false
	}
	return sub.Enqueue(data)
}

func (h *Hub) enqueueMirror(evt events.Event) {
	if h.mirrorCh == nil {
		return
	}
	select {
	case h.mirrorCh <- evt:
	default:
		log.Warn().Str("session_id", evt.SessionID.String()).Msg("mirror queue full, dropping event")
	}
}

// CloseRoom disconnects every member of the session's room without
// membership announcements. Messages already queued are still written.
func (h *Hub) CloseRoom(sessionID uuid.UUID) int {
	h.mu.Lock()
	r, ok := h.rooms[sessionID]
	if !ok {
		h.mu.Unlock()
		return 0
	}
	delete(h.rooms, sessionID)
	r.mu.Lock()
	subs := make([]Subscriber, 0, len(r.members))
	for id, m := range r.members {
		delete(h.clients, id)
		subs = append(subs, m.sub)
	}
	r.members = map[string]*member{}
	r.mu.Unlock()
	for id, m := range h.clients {
		if m.evicted && m.sessionID == sessionID {
			delete(h.clients, id)
		}
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	log.Info().
		Str("session_id", sessionID.String()).
		Int("connections", len(subs)).
		Msg("room closed")
	return len(subs)
}

// RoomSize reports how many clients are subscribed to sessionID.
func (h *Hub) RoomSize(sessionID uuid.UUID) int {
	h.mu.RLock()
	r, ok := h.rooms[sessionID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Stats summarises current membership.
type Stats struct {
	TotalConnections int            `json:"total_connections"`
	ActiveRooms      int            `json:"active_rooms"`
	Rooms            map[string]int `json:"rooms"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	st := Stats{Rooms: make(map[string]int, len(h.rooms))}
	for id, r := range h.rooms {
		r.mu.Lock()
		n := len(r.members)
		r.mu.Unlock()
		st.Rooms[id.String()] = n
		st.TotalConnections += n
	}
	st.ActiveRooms = len(h.rooms)
	return st
}
