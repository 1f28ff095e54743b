package votes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/models"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/sqlutil"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/votes/db"
)

// Repository implements the vote ledger on Postgres.
type Repository struct {
	queries *db.Queries
	sqlDB   *sql.DB
}

// NewRepository creates a Postgres-backed ledger.
func NewRepository(queries *db.Queries, sqlDB *sql.DB) *Repository {
	return &Repository{
		queries: queries,
		sqlDB:   sqlDB,
	}
}

func (r *Repository) newTxQueries(tx *sql.Tx) *db.Queries {
	return r.queries.WithTx(tx)
}

// CreateVote checks eligibility and inserts the vote with its texts in one
// transaction. The unique (session, participant, scenario) constraint
// decides races between concurrent submissions.
func (r *Repository) CreateVote(ctx context.Context, req CreateVoteRequest) (*models.Vote, error) {
	var created db.Vote

	err := sqlutil.Run(ctx, r.sqlDB, r.newTxQueries, func(q *db.Queries) error {
		if _, err := q.LockActiveScenario(ctx, db.LockActiveScenarioParams{
			SessionID:  req.SessionID,
			ScenarioID: req.ScenarioID,
		}); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrVotingClosed
			}
			return fmt.Errorf("failed to lock scenario: %w", err)
		}

		active, err := q.IsActiveParticipant(ctx, db.IsActiveParticipantParams{
			ParticipantID: req.ParticipantID,
			SessionID:     req.SessionID,
		})
		if err != nil {
			return fmt.Errorf("failed to check participant: %w", err)
		}
		if !active {
			return ErrNotParticipant
		}

		created, err = q.CreateVote(ctx, db.CreateVoteParams{
			ID:             req.ID,
			SessionID:      req.SessionID,
			ParticipantID:  req.ParticipantID,
			ScenarioID:     req.ScenarioID,
			Vote:           string(req.Choice),
			ResponseTimeMs: sqlutil.ToSqlInt32(req.ResponseTimeMs),
			CreatedAt:      req.CreatedAt,
		})
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrDuplicateVote
			}
			return fmt.Errorf("failed to insert vote: %w", err)
		}

		if req.Rationale != nil {
			if err := q.CreateRationale(ctx, db.CreateTextParams{VoteID: created.ID, Text: *req.Rationale, CreatedAt: req.CreatedAt}); err != nil {
				return fmt.Errorf("failed to insert rationale: %w", err)
			}
		}
		if req.Mitigation != nil {
			if err := q.CreateMitigation(ctx, db.CreateTextParams{VoteID: created.ID, Text: *req.Mitigation, CreatedAt: req.CreatedAt}); err != nil {
				return fmt.Errorf("failed to insert mitigation: %w", err)
			}
		}
		return q.TouchSession(ctx, req.SessionID, req.CreatedAt)
	})
	if err != nil {
		return nil, err
	}

	vote := dbVoteToModel(created)
	vote.Rationale = req.Rationale
	vote.Mitigation = req.Mitigation
	return vote, nil
}

// GetTally runs one aggregate query for the pair.
func (r *Repository) GetTally(ctx context.Context, sessionID uuid.UUID, scenarioID string) (models.Tally, error) {
	row, err := r.queries.GetTally(ctx, db.GetTallyParams{SessionID: sessionID, ScenarioID: scenarioID})
	if err != nil {
		return models.Tally{}, fmt.Errorf("failed to get tally: %w", err)
	}
	return models.Tally{
		Total:         int(row.Total),
		PullCount:     int(row.PullCount),
		DontPullCount: int(row.DontPullCount),
		AvgLatencyMs:  sqlutil.FromSqlFloat64(row.AvgLatencyMs),
	}, nil
}

func (r *Repository) ListRationales(ctx context.Context, sessionID uuid.UUID, scenarioID string) (models.Rationales, error) {
	rows, err := r.queries.ListRationales(ctx, db.GetTallyParams{SessionID: sessionID, ScenarioID: scenarioID})
	if err != nil {
		return models.Rationales{}, fmt.Errorf("failed to list rationales: %w", err)
	}
	out := models.Rationales{Pull: []string{}, DontPull: []string{}}
	for _, row := range rows {
		switch models.VoteChoice(row.Vote) {
		case models.VoteChoicePull:
			out.Pull = append(out.Pull, row.Text)
		case models.VoteChoiceDontPull:
			out.DontPull = append(out.DontPull, row.Text)
		}
	}
	return out, nil
}

func (r *Repository) ListMitigations(ctx context.Context, sessionID uuid.UUID, scenarioID string) ([]string, error) {
	items, err := r.queries.ListMitigations(ctx, db.GetTallyParams{SessionID: sessionID, ScenarioID: scenarioID})
	if err != nil {
		return nil, fmt.Errorf("failed to list mitigations: %w", err)
	}
	if items == nil {
		items = []string{}
	}
	return items, nil
}

func dbVoteToModel(v db.Vote) *models.Vote {
	return &models.Vote{
		ID:             v.ID,
		SessionID:      v.SessionID,
		ParticipantID:  v.ParticipantID,
		ScenarioID:     v.ScenarioID,
		Choice:         models.VoteChoice(v.Vote),
		ResponseTimeMs: sqlutil.FromSqlInt32(v.ResponseTimeMs),
		CreatedAt:      v.CreatedAt,
	}
}
