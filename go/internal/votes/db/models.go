package db

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

type Vote struct {
	ID             uuid.UUID     `json:"id"`
	SessionID      uuid.UUID     `json:"session_id"`
	ParticipantID  uuid.UUID     `json:"participant_id"`
	ScenarioID     string        `json:"scenario_id"`
	Vote           string        `json:"vote"`
	ResponseTimeMs sql.NullInt32 `json:"response_time_ms"`
	CreatedAt      time.Time     `json:"created_at"`
}
