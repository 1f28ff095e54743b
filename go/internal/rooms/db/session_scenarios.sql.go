// source: session_scenarios.sql

package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

const sessionScenarioColumns = `id, session_id, scenario_id, status, started_at, completed_at`

func scanSessionScenario(row interface{ Scan(...interface{}) error }) (SessionScenario, error) {
	var i SessionScenario
	err := row.Scan(
		&i.ID,
		&i.SessionID,
		&i.ScenarioID,
		&i.Status,
		&i.StartedAt,
		&i.CompletedAt,
	)
	return i, err
}

const completeActiveSessionScenarios = `-- name: CompleteActiveSessionScenarios :execrows
UPDATE session_scenarios SET status = 'complete', completed_at = $2
WHERE session_id = $1 AND status = 'active'`

type CompleteActiveSessionScenariosParams struct {
	SessionID   uuid.UUID    `json:"session_id"`
	CompletedAt sql.NullTime `json:"completed_at"`
}

func (q *Queries) CompleteActiveSessionScenarios(ctx context.Context, arg CompleteActiveSessionScenariosParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, completeActiveSessionScenarios, arg.SessionID, arg.CompletedAt)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const completeSessionScenario = `-- name: CompleteSessionScenario :execrows
UPDATE session_scenarios SET status = 'complete', completed_at = $3
WHERE session_id = $1 AND scenario_id = $2 AND status = 'active'`

type CompleteSessionScenarioParams struct {
	SessionID   uuid.UUID    `json:"session_id"`
	ScenarioID  string       `json:"scenario_id"`
	CompletedAt sql.NullTime `json:"completed_at"`
}

func (q *Queries) CompleteSessionScenario(ctx context.Context, arg CompleteSessionScenarioParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, completeSessionScenario, arg.SessionID, arg.ScenarioID, arg.CompletedAt)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const createSessionScenario = `-- name: CreateSessionScenario :one
INSERT INTO session_scenarios (id, session_id, scenario_id, status, started_at)
VALUES ($1, $2, $3, 'active', $4)
RETURNING ` + sessionScenarioColumns

type CreateSessionScenarioParams struct {
	ID         uuid.UUID `json:"id"`
	SessionID  uuid.UUID `json:"session_id"`
	ScenarioID string    `json:"scenario_id"`
	StartedAt  time.Time `json:"started_at"`
}

func (q *Queries) CreateSessionScenario(ctx context.Context, arg CreateSessionScenarioParams) (SessionScenario, error) {
	row := q.db.QueryRowContext(ctx, createSessionScenario,
		arg.ID,
		arg.SessionID,
		arg.ScenarioID,
		arg.StartedAt,
	)
	return scanSessionScenario(row)
}

const getActiveSessionScenario = `-- name: GetActiveSessionScenario :one
SELECT ` + sessionScenarioColumns + ` FROM session_scenarios
WHERE session_id = $1 AND status = 'active'`

func (q *Queries) GetActiveSessionScenario(ctx context.Context, sessionID uuid.UUID) (SessionScenario, error) {
	return scanSessionScenario(q.db.QueryRowContext(ctx, getActiveSessionScenario, sessionID))
}
