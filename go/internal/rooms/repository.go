package rooms

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sqlc-dev/pqtype"

	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/models"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/rooms/db"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/sqlutil"
)

const uniqueViolation = pq.ErrorCode("23505")

// Repository implements the room registry on Postgres.
type Repository struct {
	queries *db.Queries
	sqlDB   *sql.DB
}

// NewRepository creates a Postgres-backed repository.
func NewRepository(queries *db.Queries, sqlDB *sql.DB) *Repository {
	return &Repository{
		queries: queries,
		sqlDB:   sqlDB,
	}
}

func (r *Repository) newTxQueries(tx *sql.Tx) *db.Queries {
	return r.queries.WithTx(tx)
}

func (r *Repository) CreateSession(ctx context.Context, req CreateSessionRequest) (*models.Session, error) {
	configJSON, err := json.Marshal(req.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session config: %w", err)
	}

	session, err := r.queries.CreateSession(ctx, db.CreateSessionParams{
		ID:        req.ID,
		RoomCode:  req.RoomCode,
		Status:    string(models.SessionStatusWaiting),
		Config:    pqtype.NullRawMessage{RawMessage: configJSON, Valid: true},
		CreatedAt: req.CreatedAt,
	})
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, ErrRoomCodeTaken
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return dbSessionToModel(session)
}

func (r *Repository) RoomCodeInUse(ctx context.Context, code string) (bool, error) {
	inUse, err := r.queries.RoomCodeInUse(ctx, code)
	if err != nil {
		return false, fmt.Errorf("failed to check room code: %w", err)
	}
	return inUse, nil
}

func (r *Repository) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	session, err := r.queries.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return dbSessionToModel(session)
}

func (r *Repository) GetSessionByCode(ctx context.Context, code string) (*models.Session, error) {
	session, err := r.queries.GetSessionByCode(ctx, code)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRoomNotFound
		}
		return nil, fmt.Errorf("failed to get session by code: %w", err)
	}
	return dbSessionToModel(session)
}

// JoinSession locks the session row so the capacity check and the insert
// are serialized against concurrent joins.
func (r *Repository) JoinSession(ctx context.Context, sessionID uuid.UUID, fingerprint string, now time.Time) (*models.Participant, bool, error) {
	var (
		result   db.Participant
		rejoined bool
	)

	err := sqlutil.Run(ctx, r.sqlDB, r.newTxQueries, func(q *db.Queries) error {
		session, err := lockSession(ctx, q, sessionID)
		if err != nil {
			return err
		}
		if !models.SessionStatus(session.Status).IsJoinable() {
			return ErrInactiveSession
		}
		cfg, err := decodeConfig(session.Config)
		if err != nil {
			return err
		}

		existing, err := q.GetParticipantByFingerprint(ctx, db.GetParticipantByFingerprintParams{
			SessionID:   sessionID,
			Fingerprint: fingerprint,
		})
		switch {
		case err == nil:
			rejoined = true
			if existing.IsActive {
				result = existing
				return q.TouchSession(ctx, db.TouchSessionParams{ID: sessionID, LastActivityAt: now})
			}
		case errors.Is(err, sql.ErrNoRows):
		default:
			return fmt.Errorf("failed to look up participant: %w", err)
		}

		active, err := q.CountActiveParticipants(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("failed to count participants: %w", err)
		}
		if int(active) >= cfg.MaxParticipants {
			return ErrRoomFull
		}

		if rejoined {
			result, err = q.ReactivateParticipant(ctx, db.ReactivateParticipantParams{ID: existing.ID, JoinedAt: now})
		} else {
			result, err = q.CreateParticipant(ctx, db.CreateParticipantParams{
				ID:          uuid.New(),
				SessionID:   sessionID,
				Fingerprint: fingerprint,
				JoinedAt:    now,
			})
		}
		if err != nil {
			return fmt.Errorf("failed to save participant: %w", err)
		}
		return q.TouchSession(ctx, db.TouchSessionParams{ID: sessionID, LastActivityAt: now})
	})
	if err != nil {
		return nil, false, err
	}

	return dbParticipantToModel(result), rejoined, nil
}

func (r *Repository) LeaveSession(ctx context.Context, sessionID, participantID uuid.UUID, now time.Time) (bool, error) {
	n, err := r.queries.DeactivateParticipant(ctx, db.DeactivateParticipantParams{
		ID:        participantID,
		SessionID: sessionID,
		LeftAt:    sql.NullTime{Time: now, Valid: true},
	})
	if err != nil {
		return false, fmt.Errorf("failed to deactivate participant: %w", err)
	}
	return n > 0, nil
}

func (r *Repository) GetParticipant(ctx context.Context, id uuid.UUID) (*models.Participant, error) {
	p, err := r.queries.GetParticipant(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrParticipantNotFound
		}
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}
	return dbParticipantToModel(p), nil
}

func (r *Repository) CountActiveParticipants(ctx context.Context, sessionID uuid.UUID) (int, error) {
	n, err := r.queries.CountActiveParticipants(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to count participants: %w", err)
	}
	return int(n), nil
}

// StartScenario completes whatever was active and opens scenarioID in the
// same transaction; the partial unique index backs the one-active rule.
func (r *Repository) StartScenario(ctx context.Context, sessionID uuid.UUID, scenarioID string, now time.Time) (*models.SessionScenario, error) {
	var created db.SessionScenario

	err := sqlutil.Run(ctx, r.sqlDB, r.newTxQueries, func(q *db.Queries) error {
		session, err := lockSession(ctx, q, sessionID)
		if err != nil {
			return err
		}
		status := models.SessionStatus(session.Status)
		if status.IsTerminal() {
			return ErrInactiveSession
		}

		if _, err := q.CompleteActiveSessionScenarios(ctx, db.CompleteActiveSessionScenariosParams{
			SessionID:   sessionID,
			CompletedAt: sql.NullTime{Time: now, Valid: true},
		}); err != nil {
			return fmt.Errorf("failed to complete active scenario: %w", err)
		}

		created, err = q.CreateSessionScenario(ctx, db.CreateSessionScenarioParams{
			ID:         uuid.New(),
			SessionID:  sessionID,
			ScenarioID: scenarioID,
			StartedAt:  now,
		})
		if err != nil {
			return fmt.Errorf("failed to create session scenario: %w", err)
		}

		if status == models.SessionStatusWaiting {
			_, err = q.UpdateSessionStatus(ctx, db.UpdateSessionStatusParams{
				ID:             sessionID,
				Status:         string(models.SessionStatusActive),
				LastActivityAt: now,
			})
			return err
		}
		return q.TouchSession(ctx, db.TouchSessionParams{ID: sessionID, LastActivityAt: now})
	})
	if err != nil {
		return nil, err
	}

	return dbSessionScenarioToModel(created), nil
}

func (r *Repository) GetActiveScenario(ctx context.Context, sessionID uuid.UUID) (*models.SessionScenario, error) {
	ss, err := r.queries.GetActiveSessionScenario(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoActiveScenario
		}
		return nil, fmt.Errorf("failed to get active scenario: %w", err)
	}
	return dbSessionScenarioToModel(ss), nil
}

func (r *Repository) CompleteScenario(ctx context.Context, sessionID uuid.UUID, scenarioID string, now time.Time) (bool, error) {
	n, err := r.queries.CompleteSessionScenario(ctx, db.CompleteSessionScenarioParams{
		SessionID:   sessionID,
		ScenarioID:  scenarioID,
		CompletedAt: sql.NullTime{Time: now, Valid: true},
	})
	if err != nil {
		return false, fmt.Errorf("failed to complete scenario: %w", err)
	}
	return n > 0, nil
}

// EndSession moves a live session to status. A terminal session is
// returned unchanged.
func (r *Repository) EndSession(ctx context.Context, sessionID uuid.UUID, status models.SessionStatus, now time.Time) (*models.Session, bool, error) {
	var (
		ended   db.Session
		changed bool
	)

	err := sqlutil.Run(ctx, r.sqlDB, r.newTxQueries, func(q *db.Queries) error {
		session, err := lockSession(ctx, q, sessionID)
		if err != nil {
			return err
		}
		ended = session
		if !models.SessionStatus(session.Status).CanTransitionTo(status) {
			return nil
		}

		endedAt := sql.NullTime{Time: now, Valid: true}
		if _, err := q.CompleteActiveSessionScenarios(ctx, db.CompleteActiveSessionScenariosParams{
			SessionID:   sessionID,
			CompletedAt: endedAt,
		}); err != nil {
			return fmt.Errorf("failed to complete active scenario: %w", err)
		}
		if _, err := q.DeactivateAllParticipants(ctx, db.DeactivateAllParticipantsParams{
			SessionID: sessionID,
			LeftAt:    endedAt,
		}); err != nil {
			return fmt.Errorf("failed to deactivate participants: %w", err)
		}

		ended, err = q.UpdateSessionStatus(ctx, db.UpdateSessionStatusParams{
			ID:             sessionID,
			Status:         string(status),
			LastActivityAt: now,
			EndedAt:        endedAt,
		})
		if err != nil {
			return fmt.Errorf("failed to update session status: %w", err)
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	session, err := dbSessionToModel(ended)
	if err != nil {
		return nil, false, err
	}
	return session, changed, nil
}

func (r *Repository) ListStaleSessions(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	ids, err := r.queries.ListStaleSessions(ctx, db.ListStaleSessionsParams{
		Before: before,
		Limit:  int32(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list stale sessions: %w", err)
	}
	return ids, nil
}

func lockSession(ctx context.Context, q *db.Queries, id uuid.UUID) (db.Session, error) {
	session, err := q.GetSessionForUpdate(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return db.Session{}, ErrSessionNotFound
		}
		return db.Session{}, fmt.Errorf("failed to lock session: %w", err)
	}
	return session, nil
}

func decodeConfig(raw pqtype.NullRawMessage) (models.SessionConfig, error) {
	var cfg models.SessionConfig
	if !raw.Valid || len(raw.RawMessage) == 0 {
		return defaultConfig(), nil
	}
	if err := json.Unmarshal(raw.RawMessage, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to unmarshal session config: %w", err)
	}
	return cfg, nil
}

func dbSessionToModel(s db.Session) (*models.Session, error) {
	cfg, err := decodeConfig(s.Config)
	if err != nil {
		return nil, err
	}
	return &models.Session{
		ID:             s.ID,
		RoomCode:       s.RoomCode,
		Status:         models.SessionStatus(s.Status),
		Config:         cfg,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
		EndedAt:        sqlutil.FromSqlTime(s.EndedAt),
	}, nil
}

func dbParticipantToModel(p db.Participant) *models.Participant {
	return &models.Participant{
		ID:          p.ID,
		SessionID:   p.SessionID,
		Fingerprint: p.Fingerprint,
		IsActive:    p.IsActive,
		JoinedAt:    p.JoinedAt,
		LeftAt:      sqlutil.FromSqlTime(p.LeftAt),
	}
}

func dbSessionScenarioToModel(ss db.SessionScenario) *models.SessionScenario {
	return &models.SessionScenario{
		ID:          ss.ID,
		SessionID:   ss.SessionID,
		ScenarioID:  ss.ScenarioID,
		Status:      models.ScenarioRunStatus(ss.Status),
		StartedAt:   ss.StartedAt,
		CompletedAt: sqlutil.FromSqlTime(ss.CompletedAt),
	}
}
