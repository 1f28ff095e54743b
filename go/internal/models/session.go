package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus defines the lifecycle status of a session.
type SessionStatus string

const (
	SessionStatusWaiting   SessionStatus = "waiting"
	SessionStatusActive    SessionStatus = "active"
	SessionStatusComplete  SessionStatus = "complete"
	SessionStatusCancelled SessionStatus = "cancelled"
)

// IsTerminal reports whether no further transition may leave this status.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusComplete || s == SessionStatusCancelled
}

// IsJoinable reports whether participants may join a session in this status.
func (s SessionStatus) IsJoinable() bool {
	return s == SessionStatusWaiting || s == SessionStatusActive
}

// CanTransitionTo validates the session state machine:
// waiting -> active -> complete, and waiting|active -> cancelled.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	switch s {
	case SessionStatusWaiting:
		return next == SessionStatusActive || next == SessionStatusComplete || next == SessionStatusCancelled
	case SessionStatusActive:
		return next == SessionStatusComplete || next == SessionStatusCancelled
	default:
		return false
	}
}

// ModerationSettings holds the per-session text moderation flags.
type ModerationSettings struct {
	RationalesEnabled  bool `json:"rationales_enabled"`
	MitigationsEnabled bool `json:"mitigations_enabled"`
	Sanitize           bool `json:"sanitize"`
}

// SessionConfig holds JSONB configuration for sessions.
type SessionConfig struct {
	TimerDurationSec int                `json:"timer_duration_sec"`
	MaxParticipants  int                `json:"max_participants"`
	Moderation       ModerationSettings `json:"moderation"`
}

// TimerDuration returns the configured countdown as a duration.
func (c SessionConfig) TimerDuration() time.Duration {
	return time.Duration(c.TimerDurationSec) * time.Second
}

// Session represents one facilitated room.
type Session struct {
	ID             uuid.UUID     `json:"id"`
	RoomCode       string        `json:"room_code"`
	Status         SessionStatus `json:"status"`
	Config         SessionConfig `json:"config"`
	CreatedAt      time.Time     `json:"created_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	EndedAt        *time.Time    `json:"ended_at,omitempty"`
}

// ScenarioRunStatus is the status of a scenario within a session.
type ScenarioRunStatus string

const (
	ScenarioRunActive   ScenarioRunStatus = "active"
	ScenarioRunComplete ScenarioRunStatus = "complete"
)

// SessionScenario records one run of a scenario inside a session.
// At most one record per session is active at any instant.
type SessionScenario struct {
	ID          uuid.UUID         `json:"id"`
	SessionID   uuid.UUID         `json:"session_id"`
	ScenarioID  string            `json:"scenario_id"`
	Status      ScenarioRunStatus `json:"status"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}
