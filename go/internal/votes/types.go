package votes

import (
	"time"

	"github.com/google/uuid"

	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/models"
)

const maxResponseTimeMs = 24 * 60 * 60 * 1000

// SubmitVoteRequest is one participant's ballot.
type SubmitVoteRequest struct {
	SessionID      uuid.UUID `json:"session_id"`
	ParticipantID  uuid.UUID `json:"participant_id"`
	ScenarioID     string    `json:"scenario_id"`
	Vote           string    `json:"vote"`
	ResponseTimeMs *int      `json:"response_time_ms,omitempty"`
	Rationale      *string   `json:"rationale,omitempty"`
	Mitigation     *string   `json:"mitigation,omitempty"`
}

// CreateVoteRequest is the validated, sanitized vote handed to storage.
type CreateVoteRequest struct {
	ID             uuid.UUID
	SessionID      uuid.UUID
	ParticipantID  uuid.UUID
	ScenarioID     string
	Choice         models.VoteChoice
	ResponseTimeMs *int
	Rationale      *string
	Mitigation     *string
	CreatedAt      time.Time
}

// SubmitResult is the stored vote plus the tally right after it.
type SubmitResult struct {
	Vote  *models.Vote  `json:"vote"`
	Tally *models.Tally `json:"tally,omitempty"`
}
