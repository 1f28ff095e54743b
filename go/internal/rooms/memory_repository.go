package rooms

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/models"
)

type fingerprintKey struct {
	sessionID   uuid.UUID
	fingerprint string
}

// MemoryRepository is an in-process registry for development and tests.
// A single mutex serializes every operation.
type MemoryRepository struct {
	mu            sync.Mutex
	sessions      map[uuid.UUID]*models.Session
	participants  map[uuid.UUID]*models.Participant
	byFingerprint map[fingerprintKey]uuid.UUID
	runs          map[uuid.UUID][]*models.SessionScenario
}

// NewMemoryRepository creates an empty registry.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions:      make(map[uuid.UUID]*models.Session),
		participants:  make(map[uuid.UUID]*models.Participant),
		byFingerprint: make(map[fingerprintKey]uuid.UUID),
		runs:          make(map[uuid.UUID][]*models.SessionScenario),
	}
}

func (r *MemoryRepository) CreateSession(_ context.Context, req CreateSessionRequest) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.codeInUseLocked(req.RoomCode) {
		return nil, ErrRoomCodeTaken
	}
	s := &models.Session{
		ID:             req.ID,
		RoomCode:       req.RoomCode,
		Status:         models.SessionStatusWaiting,
		Config:         req.Config,
		CreatedAt:      req.CreatedAt,
		LastActivityAt: req.CreatedAt,
	}
	r.sessions[s.ID] = s
	return cloneSession(s), nil
}

func (r *MemoryRepository) RoomCodeInUse(_ context.Context, code string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.codeInUseLocked(code), nil
}

func (r *MemoryRepository) codeInUseLocked(code string) bool {
	for _, s := range r.sessions {
		if s.RoomCode == code && s.Status.IsJoinable() {
			return true
		}
	}
	return false
}

func (r *MemoryRepository) GetSession(_ context.Context, id uuid.UUID) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(s), nil
}

func (r *MemoryRepository) GetSessionByCode(_ context.Context, code string) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *models.Session
	for _, s := range r.sessions {
		if s.RoomCode != code {
			continue
		}
		switch {
		case best == nil:
			best = s
		case s.Status.IsJoinable() && !best.Status.IsJoinable():
			best = s
		case s.Status.IsJoinable() == best.Status.IsJoinable() && s.CreatedAt.After(best.CreatedAt):
			best = s
		}
	}
	if best == nil {
		return nil, ErrRoomNotFound
	}
	return cloneSession(best), nil
}

func (r *MemoryRepository) JoinSession(_ context.Context, sessionID uuid.UUID, fingerprint string, now time.Time) (*models.Participant, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, false, ErrSessionNotFound
	}
	if !s.Status.IsJoinable() {
		return nil, false, ErrInactiveSession
	}

	key := fingerprintKey{sessionID: sessionID, fingerprint: fingerprint}
	existingID, rejoined := r.byFingerprint[key]
	if rejoined {
		if p := r.participants[existingID]; p.IsActive {
			s.LastActivityAt = now
			return cloneParticipant(p), true, nil
		}
	}

	if r.activeCountLocked(sessionID) >= s.Config.MaxParticipants {
		return nil, false, ErrRoomFull
	}

	var p *models.Participant
	if rejoined {
		p = r.participants[existingID]
		p.IsActive = true
		p.JoinedAt = now
		p.LeftAt = nil
	} else {
		p = &models.Participant{
			ID:          uuid.New(),
			SessionID:   sessionID,
			Fingerprint: fingerprint,
			IsActive:    true,
			JoinedAt:    now,
		}
		r.participants[p.ID] = p
		r.byFingerprint[key] = p.ID
	}
	s.LastActivityAt = now
	return cloneParticipant(p), rejoined, nil
}

func (r *MemoryRepository) LeaveSession(_ context.Context, sessionID, participantID uuid.UUID, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[participantID]
	if !ok || p.SessionID != sessionID || !p.IsActive {
		return false, nil
	}
	p.IsActive = false
	left := now
	p.LeftAt = &left
	return true, nil
}

func (r *MemoryRepository) GetParticipant(_ context.Context, id uuid.UUID) (*models.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[id]
	if !ok {
		return nil, ErrParticipantNotFound
	}
	return cloneParticipant(p), nil
}

func (r *MemoryRepository) CountActiveParticipants(_ context.Context, sessionID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeCountLocked(sessionID), nil
}

// CountDistinctParticipants counts every participant record ever created
// for the session, active or not.
func (r *MemoryRepository) CountDistinctParticipants(sessionID uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.participants {
		if p.SessionID == sessionID {
			n++
		}
	}
	return n
}

func (r *MemoryRepository) activeCountLocked(sessionID uuid.UUID) int {
	n := 0
	for _, p := range r.participants {
		if p.SessionID == sessionID && p.IsActive {
			n++
		}
	}
	return n
}

func (r *MemoryRepository) StartScenario(_ context.Context, sessionID uuid.UUID, scenarioID string, now time.Time) (*models.SessionScenario, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.Status.IsTerminal() {
		return nil, ErrInactiveSession
	}

	r.completeActiveLocked(sessionID, now)
	run := &models.SessionScenario{
		ID:         uuid.New(),
		SessionID:  sessionID,
		ScenarioID: scenarioID,
		Status:     models.ScenarioRunActive,
		StartedAt:  now,
	}
	r.runs[sessionID] = append(r.runs[sessionID], run)

	if s.Status == models.SessionStatusWaiting {
		s.Status = models.SessionStatusActive
	}
	s.LastActivityAt = now
	return cloneRun(run), nil
}

func (r *MemoryRepository) GetActiveScenario(_ context.Context, sessionID uuid.UUID) (*models.SessionScenario, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run := r.activeRunLocked(sessionID); run != nil {
		return cloneRun(run), nil
	}
	return nil, ErrNoActiveScenario
}

func (r *MemoryRepository) CompleteScenario(_ context.Context, sessionID uuid.UUID, scenarioID string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run := r.activeRunLocked(sessionID)
	if run == nil || run.ScenarioID != scenarioID {
		return false, nil
	}
	run.Status = models.ScenarioRunComplete
	completed := now
	run.CompletedAt = &completed
	return true, nil
}

func (r *MemoryRepository) EndSession(_ context.Context, sessionID uuid.UUID, status models.SessionStatus, now time.Time) (*models.Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, false, ErrSessionNotFound
	}
	if !s.Status.CanTransitionTo(status) {
		return cloneSession(s), false, nil
	}

	r.completeActiveLocked(sessionID, now)
	for _, p := range r.participants {
		if p.SessionID == sessionID && p.IsActive {
			p.IsActive = false
			left := now
			p.LeftAt = &left
		}
	}
	s.Status = status
	s.LastActivityAt = now
	ended := now
	s.EndedAt = &ended
	return cloneSession(s), true, nil
}

func (r *MemoryRepository) ListStaleSessions(_ context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []*models.Session
	for _, s := range r.sessions {
		if s.Status.IsJoinable() && s.LastActivityAt.Before(before) {
			stale = append(stale, s)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].LastActivityAt.Before(stale[j].LastActivityAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	ids := make([]uuid.UUID, len(stale))
	for i, s := range stale {
		ids[i] = s.ID
	}
	return ids, nil
}

// VoteEligibility reports whether participantID may vote on scenarioID right
// now and, when allowed, records session activity.
func (r *MemoryRepository) VoteEligibility(sessionID, participantID uuid.UUID, scenarioID string, now time.Time) VoteEligibility {
	r.mu.Lock()
	defer r.mu.Unlock()

	var e VoteEligibility
	s, ok := r.sessions[sessionID]
	if !ok || s.Status.IsTerminal() {
		return e
	}
	if run := r.activeRunLocked(sessionID); run != nil && run.ScenarioID == scenarioID {
		e.ScenarioActive = true
	}
	if p, ok := r.participants[participantID]; ok && p.SessionID == sessionID && p.IsActive {
		e.ParticipantActive = true
	}
	if e.ScenarioActive && e.ParticipantActive {
		s.LastActivityAt = now
	}
	return e
}

func (r *MemoryRepository) activeRunLocked(sessionID uuid.UUID) *models.SessionScenario {
	for _, run := range r.runs[sessionID] {
		if run.Status == models.ScenarioRunActive {
			return run
		}
	}
	return nil
}

func (r *MemoryRepository) completeActiveLocked(sessionID uuid.UUID, now time.Time) {
	for _, run := range r.runs[sessionID] {
		if run.Status == models.ScenarioRunActive {
			run.Status = models.ScenarioRunComplete
			completed := now
			run.CompletedAt = &completed
		}
	}
}

func cloneSession(s *models.Session) *models.Session {
	c := *s
	return &c
}

func cloneParticipant(p *models.Participant) *models.Participant {
	c := *p
	return &c
}

func cloneRun(run *models.SessionScenario) *models.SessionScenario {
	c := *run
	return &c
}
