package events

import (
	"time"

	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/models"
)

// Payload types shared between the game coordinator, the vote ledger and the
// realtime gateway.

// JoinRoomPayload is sent by a client to bind its socket to a room.
type JoinRoomPayload struct {
	Token string `json:"token"`
}

// StartTimerPayload restarts the countdown; zero duration uses the session
// default.
type StartTimerPayload struct {
	Duration int `json:"duration"`
}

// StartScenarioPayload opens a scenario for voting.
type StartScenarioPayload struct {
	ScenarioID string `json:"scenarioId"`
	Title      string `json:"title,omitempty"`
}

// AnnounceDecisionPayload is the facilitator's announced outcome.
type AnnounceDecisionPayload struct {
	Decision string        `json:"decision"`
	Counts   *models.Tally `json:"counts,omitempty"`
}

// RoomJoinedPayload acknowledges join_room to the joining client only.
type RoomJoinedPayload struct {
	SessionID     string `json:"sessionId"`
	ParticipantID string `json:"participantId,omitempty"`
	Role          string `json:"role"`
	ActiveCount   int    `json:"activeCount"`
}

// ParticipantPayload is carried by participant_joined and participant_left.
type ParticipantPayload struct {
	ParticipantID string `json:"participantId"`
	ActiveCount   int    `json:"activeCount"`
}

// VoteCastPayload carries the updated tally after a vote.
type VoteCastPayload struct {
	ScenarioID string            `json:"scenarioId"`
	Vote       models.VoteChoice `json:"vote"`
	Totals     models.Tally      `json:"totals"`
}

// RationaleAddedPayload carries one sanitized rationale.
type RationaleAddedPayload struct {
	ScenarioID string            `json:"scenarioId"`
	Vote       models.VoteChoice `json:"vote"`
	Text       string            `json:"text"`
}

// TimerStartedPayload announces a new countdown.
type TimerStartedPayload struct {
	ScenarioID string    `json:"scenarioId"`
	Duration   int       `json:"duration"`
	StartTime  time.Time `json:"startTime"`
}

// TimerTickPayload is the volatile per-second countdown.
type TimerTickPayload struct {
	ScenarioID       string `json:"scenarioId"`
	SecondsRemaining int    `json:"secondsRemaining"`
}

// ScenarioStartedPayload announces the scenario now open for voting.
type ScenarioStartedPayload struct {
	ScenarioID string `json:"scenarioId"`
	Title      string `json:"title"`
}

// ResultsReadyPayload is broadcast once voting on a scenario closes.
type ResultsReadyPayload struct {
	ScenarioID string            `json:"scenarioId"`
	Totals     models.Tally      `json:"totals"`
	Rationales models.Rationales `json:"rationales"`
}

// DecisionPayload carries the group decision.
type DecisionPayload struct {
	ScenarioID string          `json:"scenarioId,omitempty"`
	Decision   models.Decision `json:"decision"`
	Counts     models.Tally    `json:"counts"`
}

// SessionEndedPayload is the last event a room receives.
type SessionEndedPayload struct {
	SessionID string               `json:"sessionId"`
	Status    models.SessionStatus `json:"status"`
	EndedAt   *time.Time           `json:"endedAt,omitempty"`
}

// ErrorPayload is sent to a single client that sent a rejected message.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
