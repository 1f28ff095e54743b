package db

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
)

type Session struct {
	ID             uuid.UUID             `json:"id"`
	RoomCode       string                `json:"room_code"`
	Status         string                `json:"status"`
	Config         pqtype.NullRawMessage `json:"config"`
	CreatedAt      time.Time             `json:"created_at"`
	LastActivityAt time.Time             `json:"last_activity_at"`
	EndedAt        sql.NullTime          `json:"ended_at"`
}

type Participant struct {
	ID          uuid.UUID    `json:"id"`
	SessionID   uuid.UUID    `json:"session_id"`
	Fingerprint string       `json:"fingerprint"`
	IsActive    bool         `json:"is_active"`
	JoinedAt    time.Time    `json:"joined_at"`
	LeftAt      sql.NullTime `json:"left_at"`
}

type SessionScenario struct {
	ID          uuid.UUID    `json:"id"`
	SessionID   uuid.UUID    `json:"session_id"`
	ScenarioID  string       `json:"scenario_id"`
	Status      string       `json:"status"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt sql.NullTime `json:"completed_at"`
}
