package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType names a realtime message.
type EventType string

// Inbound, client to server.
const (
	TypeJoinRoom         EventType = "join_room"
	TypeLeaveRoom        EventType = "leave_room"
	TypeStartTimer       EventType = "start_timer"
	TypeStartScenario    EventType = "start_scenario"
	TypeAnnounceDecision EventType = "announce_decision"
	TypeEndSession       EventType = "end_session"
)

// Outbound, server to clients.
const (
	TypeRoomJoined        EventType = "room_joined"
	TypeParticipantJoined EventType = "participant_joined"
	TypeParticipantLeft   EventType = "participant_left"
	TypeVoteCast          EventType = "vote_cast"
	TypeRationaleAdded    EventType = "rationale_added"
	TypeTimerStarted      EventType = "timer_started"
	TypeTimerTick         EventType = "timer_tick"
	TypeScenarioStarted   EventType = "scenario_started"
	TypeResultsReady      EventType = "results_ready"
	TypeDecisionAnnounced EventType = "decision_announced"
	TypeSessionEnded      EventType = "session_ended"
	TypeError             EventType = "error"
)

// Event is the envelope for every realtime message.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	SessionID uuid.UUID       `json:"session_id"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`

	// Volatile events may be dropped for slow clients.
	Volatile bool `json:"-"`
}

// New builds an event with payload marshalled into Data.
func New(sessionID uuid.UUID, typ EventType, payload interface{}) (Event, error) {
	evt := Event{
		ID:        uuid.New(),
		SessionID: sessionID,
		Type:      typ,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("failed to marshal %s payload: %w", typ, err)
		}
		evt.Data = data
	}
	return evt, nil
}

// NewVolatile is New with Volatile set.
func NewVolatile(sessionID uuid.UUID, typ EventType, payload interface{}) (Event, error) {
	evt, err := New(sessionID, typ, payload)
	evt.Volatile = true
	return evt, err
}

// Decode unmarshals Data into v.
func (e Event) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", e.Type, err)
	}
	return nil
}
