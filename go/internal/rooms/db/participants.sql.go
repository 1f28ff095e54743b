// source: participants.sql

package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

const participantColumns = `id, session_id, fingerprint, is_active, joined_at, left_at`

func scanParticipant(row interface{ Scan(...interface{}) error }) (Participant, error) {
	var i Participant
	err := row.Scan(
		&i.ID,
		&i.SessionID,
		&i.Fingerprint,
		&i.IsActive,
		&i.JoinedAt,
		&i.LeftAt,
	)
	return i, err
}

const getParticipant = `-- name: GetParticipant :one
SELECT ` + participantColumns + ` FROM participants WHERE id = $1`

func (q *Queries) GetParticipant(ctx context.Context, id uuid.UUID) (Participant, error) {
	return scanParticipant(q.db.QueryRowContext(ctx, getParticipant, id))
}

const getParticipantByFingerprint = `-- name: GetParticipantByFingerprint :one
SELECT ` + participantColumns + ` FROM participants
WHERE session_id = $1 AND fingerprint = $2`

type GetParticipantByFingerprintParams struct {
	SessionID   uuid.UUID `json:"session_id"`
	Fingerprint string    `json:"fingerprint"`
}

func (q *Queries) GetParticipantByFingerprint(ctx context.Context, arg GetParticipantByFingerprintParams) (Participant, error) {
	return scanParticipant(q.db.QueryRowContext(ctx, getParticipantByFingerprint, arg.SessionID, arg.Fingerprint))
}

const createParticipant = `-- name: CreateParticipant :one
INSERT INTO participants (id, session_id, fingerprint, is_active, joined_at)
VALUES ($1, $2, $3, true, $4)
RETURNING ` + participantColumns

type CreateParticipantParams struct {
	ID          uuid.UUID `json:"id"`
	SessionID   uuid.UUID `json:"session_id"`
	Fingerprint string    `json:"fingerprint"`
	JoinedAt    time.Time `json:"joined_at"`
}

func (q *Queries) CreateParticipant(ctx context.Context, arg CreateParticipantParams) (Participant, error) {
	row := q.db.QueryRowContext(ctx, createParticipant,
		arg.ID,
		arg.SessionID,
		arg.Fingerprint,
		arg.JoinedAt,
	)
	return scanParticipant(row)
}

const reactivateParticipant = `-- name: ReactivateParticipant :one
UPDATE participants SET is_active = true, joined_at = $2, left_at = NULL
WHERE id = $1
RETURNING ` + participantColumns

type ReactivateParticipantParams struct {
	ID       uuid.UUID `json:"id"`
	JoinedAt time.Time `json:"joined_at"`
}

func (q *Queries) ReactivateParticipant(ctx context.Context, arg ReactivateParticipantParams) (Participant, error) {
	return scanParticipant(q.db.QueryRowContext(ctx, reactivateParticipant, arg.ID, arg.JoinedAt))
}

const deactivateParticipant = `-- name: DeactivateParticipant :execrows
UPDATE participants SET is_active = false, left_at = $3
WHERE id = $1 AND session_id = $2 AND is_active`

type DeactivateParticipantParams struct {
	ID        uuid.UUID    `json:"id"`
	SessionID uuid.UUID    `json:"session_id"`
	LeftAt    sql.NullTime `json:"left_at"`
}

func (q *Queries) DeactivateParticipant(ctx context.Context, arg DeactivateParticipantParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, deactivateParticipant, arg.ID, arg.SessionID, arg.LeftAt)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const deactivateAllParticipants = `-- name: DeactivateAllParticipants :execrows
UPDATE participants SET is_active = false, left_at = $2
WHERE session_id = $1 AND is_active`

type DeactivateAllParticipantsParams struct {
	SessionID uuid.UUID    `json:"session_id"`
	LeftAt    sql.NullTime `json:"left_at"`
}

func (q *Queries) DeactivateAllParticipants(ctx context.Context, arg DeactivateAllParticipantsParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, deactivateAllParticipants, arg.SessionID, arg.LeftAt)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const countActiveParticipants = `-- name: CountActiveParticipants :one
SELECT COUNT(*) FROM participants WHERE session_id = $1 AND is_active`

func (q *Queries) CountActiveParticipants(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	row := q.db.QueryRowContext(ctx, countActiveParticipants, sessionID)
	var count int64
	err := row.Scan(&count)
	return count, err
}
