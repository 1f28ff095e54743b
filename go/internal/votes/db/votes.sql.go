// source: votes.sql

package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

const lockActiveScenario = `-- name: LockActiveScenario :one
SELECT ss.id FROM session_scenarios ss
JOIN sessions s ON s.id = ss.session_id
WHERE ss.session_id = $1 AND ss.scenario_id = $2 AND ss.status = 'active'
  AND s.status IN ('waiting', 'active')
FOR SHARE OF ss`

type LockActiveScenarioParams struct {
	SessionID  uuid.UUID `json:"session_id"`
	ScenarioID string    `json:"scenario_id"`
}

// LockActiveScenario holds a share lock on the active run so completion
// waits for in-flight votes. sql.ErrNoRows means voting is closed.
func (q *Queries) LockActiveScenario(ctx context.Context, arg LockActiveScenarioParams) (uuid.UUID, error) {
	row := q.db.QueryRowContext(ctx, lockActiveScenario, arg.SessionID, arg.ScenarioID)
	var id uuid.UUID
	err := row.Scan(&id)
	return id, err
}

const isActiveParticipant = `-- name: IsActiveParticipant :one
SELECT EXISTS (
    SELECT 1 FROM participants WHERE id = $1 AND session_id = $2 AND is_active
)`

type IsActiveParticipantParams struct {
	ParticipantID uuid.UUID `json:"participant_id"`
	SessionID     uuid.UUID `json:"session_id"`
}

func (q *Queries) IsActiveParticipant(ctx context.Context, arg IsActiveParticipantParams) (bool, error) {
	row := q.db.QueryRowContext(ctx, isActiveParticipant, arg.ParticipantID, arg.SessionID)
	var active bool
	err := row.Scan(&active)
	return active, err
}

const createVote = `-- name: CreateVote :one
INSERT INTO votes (id, session_id, participant_id, scenario_id, vote, response_time_ms, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (session_id, participant_id, scenario_id) DO NOTHING
RETURNING id, session_id, participant_id, scenario_id, vote, response_time_ms, created_at`

type CreateVoteParams struct {
	ID             uuid.UUID     `json:"id"`
	SessionID      uuid.UUID     `json:"session_id"`
	ParticipantID  uuid.UUID     `json:"participant_id"`
	ScenarioID     string        `json:"scenario_id"`
	Vote           string        `json:"vote"`
	ResponseTimeMs sql.NullInt32 `json:"response_time_ms"`
	CreatedAt      time.Time     `json:"created_at"`
}

// CreateVote returns sql.ErrNoRows when the triple already has a vote.
func (q *Queries) CreateVote(ctx context.Context, arg CreateVoteParams) (Vote, error) {
	row := q.db.QueryRowContext(ctx, createVote,
		arg.ID,
		arg.SessionID,
		arg.ParticipantID,
		arg.ScenarioID,
		arg.Vote,
		arg.ResponseTimeMs,
		arg.CreatedAt,
	)
	var i Vote
	err := row.Scan(
		&i.ID,
		&i.SessionID,
		&i.ParticipantID,
		&i.ScenarioID,
		&i.Vote,
		&i.ResponseTimeMs,
		&i.CreatedAt,
	)
	return i, err
}

const createRationale = `-- name: CreateRationale :exec
INSERT INTO rationales (vote_id, text, created_at) VALUES ($1, $2, $3)`

type CreateTextParams struct {
	VoteID    uuid.UUID `json:"vote_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

func (q *Queries) CreateRationale(ctx context.Context, arg CreateTextParams) error {
	_, err := q.db.ExecContext(ctx, createRationale, arg.VoteID, arg.Text, arg.CreatedAt)
	return err
}

const createMitigation = `-- name: CreateMitigation :exec
INSERT INTO mitigations (vote_id, text, created_at) VALUES ($1, $2, $3)`

func (q *Queries) CreateMitigation(ctx context.Context, arg CreateTextParams) error {
	_, err := q.db.ExecContext(ctx, createMitigation, arg.VoteID, arg.Text, arg.CreatedAt)
	return err
}

const touchSession = `-- name: TouchSession :exec
UPDATE sessions SET last_activity_at = $2 WHERE id = $1`

func (q *Queries) TouchSession(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := q.db.ExecContext(ctx, touchSession, id, at)
	return err
}

const getTally = `-- name: GetTally :one
SELECT
    COUNT(*)                                    AS total,
    COUNT(*) FILTER (WHERE vote = 'pull')       AS pull_count,
    COUNT(*) FILTER (WHERE vote = 'dont_pull')  AS dont_pull_count,
    AVG(response_time_ms)::float8               AS avg_latency_ms
FROM votes
WHERE session_id = $1 AND scenario_id = $2`

type GetTallyParams struct {
	SessionID  uuid.UUID `json:"session_id"`
	ScenarioID string    `json:"scenario_id"`
}

type GetTallyRow struct {
	Total         int64           `json:"total"`
	PullCount     int64           `json:"pull_count"`
	DontPullCount int64           `json:"dont_pull_count"`
	AvgLatencyMs  sql.NullFloat64 `json:"avg_latency_ms"`
}

func (q *Queries) GetTally(ctx context.Context, arg GetTallyParams) (GetTallyRow, error) {
	row := q.db.QueryRowContext(ctx, getTally, arg.SessionID, arg.ScenarioID)
	var i GetTallyRow
	err := row.Scan(
		&i.Total,
		&i.PullCount,
		&i.DontPullCount,
		&i.AvgLatencyMs,
	)
	return i, err
}

const listRationales = `-- name: ListRationales :many
SELECT v.vote, r.text
FROM rationales r
JOIN votes v ON v.id = r.vote_id
WHERE v.session_id = $1 AND v.scenario_id = $2
ORDER BY r.created_at, v.id`

type ListRationalesRow struct {
	Vote string `json:"vote"`
	Text string `json:"text"`
}

func (q *Queries) ListRationales(ctx context.Context, arg GetTallyParams) ([]ListRationalesRow, error) {
	rows, err := q.db.QueryContext(ctx, listRationales, arg.SessionID, arg.ScenarioID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []ListRationalesRow
	for rows.Next() {
		var i ListRationalesRow
		if err := rows.Scan(&i.Vote, &i.Text); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const listMitigations = `-- name: ListMitigations :many
SELECT m.text
FROM mitigations m
JOIN votes v ON v.id = m.vote_id
WHERE v.session_id = $1 AND v.scenario_id = $2
ORDER BY m.created_at, v.id`

func (q *Queries) ListMitigations(ctx context.Context, arg GetTallyParams) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, listMitigations, arg.SessionID, arg.ScenarioID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, err
		}
		items = append(items, text)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
