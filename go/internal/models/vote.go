package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// VoteChoice is one of exactly two enumerated options.
type VoteChoice string

const (
	VoteChoicePull     VoteChoice = "pull"
	VoteChoiceDontPull VoteChoice = "dont_pull"
)

// ParseVoteChoice validates a raw choice. Anything other than the two
// enumerated values is rejected rather than coerced.
func ParseVoteChoice(raw string) (VoteChoice, error) {
	switch VoteChoice(raw) {
	case VoteChoicePull, VoteChoiceDontPull:
		return VoteChoice(raw), nil
	default:
		return "", fmt.Errorf("invalid vote choice %q", raw)
	}
}

// Vote is one participant's immutable choice for one scenario in one session.
type Vote struct {
	ID             uuid.UUID  `json:"id"`
	SessionID      uuid.UUID  `json:"session_id"`
	ParticipantID  uuid.UUID  `json:"participant_id"`
	ScenarioID     string     `json:"scenario_id"`
	Choice         VoteChoice `json:"vote"`
	ResponseTimeMs *int       `json:"response_time_ms,omitempty"`
	Rationale      *string    `json:"rationale,omitempty"`
	Mitigation     *string    `json:"mitigation,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Tally is derived from the ledger on demand; it is never stored.
type Tally struct {
	Total         int      `json:"total"`
	PullCount     int      `json:"pull_count"`
	DontPullCount int      `json:"dont_pull_count"`
	AvgLatencyMs  *float64 `json:"avg_latency_ms,omitempty"`
}

// Decision is the group outcome for a scenario.
type Decision string

const (
	DecisionPull     Decision = "pull"
	DecisionDontPull Decision = "dont_pull"
	DecisionTie      Decision = "tie"
)

// ParseDecision validates a facilitator-announced decision.
func ParseDecision(raw string) (Decision, error) {
	switch Decision(raw) {
	case DecisionPull, DecisionDontPull, DecisionTie:
		return Decision(raw), nil
	default:
		return "", fmt.Errorf("invalid decision %q", raw)
	}
}

// Decision returns the majority outcome of the tally.
func (t Tally) Decision() Decision {
	switch {
	case t.PullCount > t.DontPullCount:
		return DecisionPull
	case t.DontPullCount > t.PullCount:
		return DecisionDontPull
	default:
		return DecisionTie
	}
}

// Rationales groups rationale text by the parent vote's choice.
type Rationales struct {
	Pull     []string `json:"pull"`
	DontPull []string `json:"dont_pull"`
}
