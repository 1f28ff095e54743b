package votes

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/models"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/rooms"
)

// EligibilityChecker is the registry side of a vote attempt.
type EligibilityChecker interface {
	VoteEligibility(sessionID, participantID uuid.UUID, scenarioID string, now time.Time) rooms.VoteEligibility
}

type voteKey struct {
	sessionID     uuid.UUID
	participantID uuid.UUID
	scenarioID    string
}

type pairKey struct {
	sessionID  uuid.UUID
	scenarioID string
}

// counters are maintained on insert so a tally never scans votes.
type counters struct {
	total, pull, dontPull int
	latencySum            int64
	latencyN              int
}

type textEntry struct {
	choice models.VoteChoice
	text   string
}

// MemoryRepository is an in-process ledger. Lock order is ledger first,
// then registry.
type MemoryRepository struct {
	rooms EligibilityChecker

	mu          sync.Mutex
	votes       map[voteKey]*models.Vote
	tallies     map[pairKey]*counters
	rationales  map[pairKey][]textEntry
	mitigations map[pairKey][]string
}

// NewMemoryRepository creates an empty ledger backed by the given registry.
func NewMemoryRepository(rooms EligibilityChecker) *MemoryRepository {
	return &MemoryRepository{
		rooms:       rooms,
		votes:       make(map[voteKey]*models.Vote),
		tallies:     make(map[pairKey]*counters),
		rationales:  make(map[pairKey][]textEntry),
		mitigations: make(map[pairKey][]string),
	}
}

func (r *MemoryRepository) CreateVote(_ context.Context, req CreateVoteRequest) (*models.Vote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	gate := r.rooms.VoteEligibility(req.SessionID, req.ParticipantID, req.ScenarioID, req.CreatedAt)
	if !gate.ScenarioActive {
		return nil, ErrVotingClosed
	}
	if !gate.ParticipantActive {
		return nil, ErrNotParticipant
	}

	key := voteKey{sessionID: req.SessionID, participantID: req.ParticipantID, scenarioID: req.ScenarioID}
	if _, exists := r.votes[key]; exists {
		return nil, ErrDuplicateVote
	}

	v := &models.Vote{
		ID:             req.ID,
		SessionID:      req.SessionID,
		ParticipantID:  req.ParticipantID,
		ScenarioID:     req.ScenarioID,
		Choice:         req.Choice,
		ResponseTimeMs: req.ResponseTimeMs,
		Rationale:      req.Rationale,
		Mitigation:     req.Mitigation,
		CreatedAt:      req.CreatedAt,
	}
	r.votes[key] = v

	pk := pairKey{sessionID: req.SessionID, scenarioID: req.ScenarioID}
	c, ok := r.tallies[pk]
	if !ok {
		c = &counters{}
		r.tallies[pk] = c
	}
	c.total++
	if req.Choice == models.VoteChoicePull {
		c.pull++
	} else {
		c.dontPull++
	}
	if req.ResponseTimeMs != nil {
		c.latencySum += int64(*req.ResponseTimeMs)
		c.latencyN++
	}

	if req.Rationale != nil {
		r.rationales[pk] = append(r.rationales[pk], textEntry{choice: req.Choice, text: *req.Rationale})
	}
	if req.Mitigation != nil {
		r.mitigations[pk] = append(r.mitigations[pk], *req.Mitigation)
	}

	c2 := *v
	return &c2, nil
}

func (r *MemoryRepository) GetTally(_ context.Context, sessionID uuid.UUID, scenarioID string) (models.Tally, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.tallies[pairKey{sessionID: sessionID, scenarioID: scenarioID}]
	if !ok {
		return models.Tally{}, nil
	}
	t := models.Tally{Total: c.total, PullCount: c.pull, DontPullCount: c.dontPull}
	if c.latencyN > 0 {
		avg := float64(c.latencySum) / float64(c.latencyN)
		t.AvgLatencyMs = &avg
	}
	return t, nil
}

func (r *MemoryRepository) ListRationales(_ context.Context, sessionID uuid.UUID, scenarioID string) (models.Rationales, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := models.Rationales{Pull: []string{}, DontPull: []string{}}
	for _, t := range r.rationales[pairKey{sessionID: sessionID, scenarioID: scenarioID}] {
		if t.choice == models.VoteChoicePull {
			out.Pull = append(out.Pull, t.text)
		} else {
			out.DontPull = append(out.DontPull, t.text)
		}
	}
	return out, nil
}

func (r *MemoryRepository) ListMitigations(_ context.Context, sessionID uuid.UUID, scenarioID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := r.mitigations[pairKey{sessionID: sessionID, scenarioID: scenarioID}]
	out := make([]string, len(items))
	copy(out, items)
	return out, nil
}

// CountVotes returns the number of stored votes for the pair.
func (r *MemoryRepository) CountVotes(sessionID uuid.UUID, scenarioID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k := range r.votes {
		if k.sessionID == sessionID && k.scenarioID == scenarioID {
			n++
		}
	}
	return n
}
