package models

import (
	"time"

	"github.com/google/uuid"
)

// Participant is an anonymous attendee identified by a client fingerprint.
type Participant struct {
	ID          uuid.UUID  `json:"id"`
	SessionID   uuid.UUID  `json:"session_id"`
	Fingerprint string     `json:"-"`
	IsActive    bool       `json:"is_active"`
	JoinedAt    time.Time  `json:"joined_at"`
	LeftAt      *time.Time `json:"left_at,omitempty"`
}
