// source: sessions.sql

package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
)

const sessionColumns = `id, room_code, status, config, created_at, last_activity_at, ended_at`

func scanSession(row interface{ Scan(...interface{}) error }) (Session, error) {
	var i Session
	err := row.Scan(
		&i.ID,
		&i.RoomCode,
		&i.Status,
		&i.Config,
		&i.CreatedAt,
		&i.LastActivityAt,
		&i.EndedAt,
	)
	return i, err
}

const createSession = `-- name: CreateSession :one
INSERT INTO sessions (id, room_code, status, config, created_at, last_activity_at)
VALUES ($1, $2, $3, $4, $5, $5)
RETURNING ` + sessionColumns

type CreateSessionParams struct {
	ID        uuid.UUID             `json:"id"`
	RoomCode  string                `json:"room_code"`
	Status    string                `json:"status"`
	Config    pqtype.NullRawMessage `json:"config"`
	CreatedAt time.Time             `json:"created_at"`
}

func (q *Queries) CreateSession(ctx context.Context, arg CreateSessionParams) (Session, error) {
	row := q.db.QueryRowContext(ctx, createSession,
		arg.ID,
		arg.RoomCode,
		arg.Status,
		arg.Config,
		arg.CreatedAt,
	)
	return scanSession(row)
}

const roomCodeInUse = `-- name: RoomCodeInUse :one
SELECT EXISTS (
    SELECT 1 FROM sessions WHERE room_code = $1 AND status IN ('waiting', 'active')
)`

func (q *Queries) RoomCodeInUse(ctx context.Context, roomCode string) (bool, error) {
	row := q.db.QueryRowContext(ctx, roomCodeInUse, roomCode)
	var exists bool
	err := row.Scan(&exists)
	return exists, err
}

const getSession = `-- name: GetSession :one
SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`

func (q *Queries) GetSession(ctx context.Context, id uuid.UUID) (Session, error) {
	return scanSession(q.db.QueryRowContext(ctx, getSession, id))
}

const getSessionForUpdate = `-- name: GetSessionForUpdate :one
SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1 FOR UPDATE`

func (q *Queries) GetSessionForUpdate(ctx context.Context, id uuid.UUID) (Session, error) {
	return scanSession(q.db.QueryRowContext(ctx, getSessionForUpdate, id))
}

const getSessionByCode = `-- name: GetSessionByCode :one
SELECT ` + sessionColumns + ` FROM sessions
WHERE room_code = $1
ORDER BY (status IN ('waiting', 'active')) DESC, created_at DESC
LIMIT 1`

func (q *Queries) GetSessionByCode(ctx context.Context, roomCode string) (Session, error) {
	return scanSession(q.db.QueryRowContext(ctx, getSessionByCode, roomCode))
}

const updateSessionStatus = `-- name: UpdateSessionStatus :one
UPDATE sessions
SET status = $2, last_activity_at = $3, ended_at = $4
WHERE id = $1
RETURNING ` + sessionColumns

type UpdateSessionStatusParams struct {
	ID             uuid.UUID    `json:"id"`
	Status         string       `json:"status"`
	LastActivityAt time.Time    `json:"last_activity_at"`
	EndedAt        sql.NullTime `json:"ended_at"`
}

func (q *Queries) UpdateSessionStatus(ctx context.Context, arg UpdateSessionStatusParams) (Session, error) {
	row := q.db.QueryRowContext(ctx, updateSessionStatus,
		arg.ID,
		arg.Status,
		arg.LastActivityAt,
		arg.EndedAt,
	)
	return scanSession(row)
}

const touchSession = `-- name: TouchSession :exec
UPDATE sessions SET last_activity_at = $2
WHERE id = $1 AND status IN ('waiting', 'active')`

type TouchSessionParams struct {
	ID             uuid.UUID `json:"id"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

func (q *Queries) TouchSession(ctx context.Context, arg TouchSessionParams) error {
	_, err := q.db.ExecContext(ctx, touchSession, arg.ID, arg.LastActivityAt)
	return err
}

const listStaleSessions = `-- name: ListStaleSessions :many
SELECT id FROM sessions
WHERE status IN ('waiting', 'active') AND last_activity_at < $1
ORDER BY last_activity_at
LIMIT $2`

type ListStaleSessionsParams struct {
	Before time.Time `json:"before"`
	Limit  int32     `json:"limit"`
}

func (q *Queries) ListStaleSessions(ctx context.Context, arg ListStaleSessionsParams) ([]uuid.UUID, error) {
	rows, err := q.db.QueryContext(ctx, listStaleSessions, arg.Before, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		items = append(items, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
