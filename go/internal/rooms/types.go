package rooms

import (
	"time"

	"github.com/google/uuid"

	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/models"
)

const (
	DefaultTimerDurationSec = 60
	MinTimerDurationSec     = 10
	MaxTimerDurationSec     = 300

	DefaultMaxParticipants = 50
	MinParticipants        = 1
	MaxParticipants        = 500

	maxFingerprintLen = 128
)

// ModerationRequest leaves unset flags at their defaults (enabled).
type ModerationRequest struct {
	RationalesEnabled  *bool `json:"rationales_enabled,omitempty"`
	MitigationsEnabled *bool `json:"mitigations_enabled,omitempty"`
	Sanitize           *bool `json:"sanitize,omitempty"`
}

// CreateRoomRequest is the facilitator's room configuration. Zero numeric
// fields take the defaults.
type CreateRoomRequest struct {
	TimerDurationSec int                `json:"timer_duration_sec"`
	MaxParticipants  int                `json:"max_participants"`
	Moderation       *ModerationRequest `json:"moderation,omitempty"`
}

// CreateSessionRequest is what the repository persists.
type CreateSessionRequest struct {
	ID        uuid.UUID
	RoomCode  string
	Config    models.SessionConfig
	CreatedAt time.Time
}

// JoinResult is returned from a successful join.
type JoinResult struct {
	Session     *models.Session     `json:"session"`
	Participant *models.Participant `json:"participant"`
	Rejoined    bool                `json:"rejoined"`
}

// RoomStatus is the public view of a room looked up by code.
type RoomStatus struct {
	SessionID          uuid.UUID            `json:"session_id"`
	RoomCode           string               `json:"room_code"`
	Status             models.SessionStatus `json:"status"`
	Config             models.SessionConfig `json:"config"`
	ActiveParticipants int                  `json:"active_participants"`
	ActiveScenarioID   *string              `json:"active_scenario_id,omitempty"`
}

// EndResult reports whether EndSession changed anything.
type EndResult struct {
	Session *models.Session
	Changed bool
}

// VoteEligibility is the registry's view of a vote attempt.
type VoteEligibility struct {
	ScenarioActive    bool
	ParticipantActive bool
}
