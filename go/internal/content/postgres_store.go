package content

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/models"
)

// Querier is the subset of *pgxpool.Pool the store uses.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const scenarioColumns = `id, title, description, pull_option, dont_pull_option, assumptions, discussion_prompts, position`

const listScenarios = `SELECT ` + scenarioColumns + ` FROM scenarios ORDER BY position, id`

const getScenario = `SELECT ` + scenarioColumns + ` FROM scenarios WHERE id = $1`

const upsertScenario = `
INSERT INTO scenarios (` + scenarioColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET
    title              = EXCLUDED.title,
    description        = EXCLUDED.description,
    pull_option        = EXCLUDED.pull_option,
    dont_pull_option   = EXCLUDED.dont_pull_option,
    assumptions        = EXCLUDED.assumptions,
    discussion_prompts = EXCLUDED.discussion_prompts,
    position           = EXCLUDED.position`

// PostgresStore reads scenarios from the scenarios table.
type PostgresStore struct {
	db Querier
}

func NewPostgresStore(db Querier) *PostgresStore {
	return &PostgresStore{db: db}
}

// NewPostgresStoreFromDSN opens a pgx pool for dsn.
func NewPostgresStoreFromDSN(ctx context.Context, dsn string) (*PostgresStore, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping content database: %w", err)
	}
	return NewPostgresStore(pool), pool, nil
}

func scanScenario(row pgx.Row) (models.Scenario, error) {
	var s models.Scenario
	err := row.Scan(
		&s.ID,
		&s.Title,
		&s.Description,
		&s.PullOption,
		&s.DontPullOption,
		&s.Assumptions,
		&s.DiscussionPrompts,
		&s.Position,
	)
	return s, err
}

func (s *PostgresStore) ListScenarios(ctx context.Context) ([]models.Scenario, error) {
	rows, err := s.db.Query(ctx, listScenarios)
	if err != nil {
		return nil, fmt.Errorf("failed to list scenarios: %w", err)
	}
	defer rows.Close()

	var out []models.Scenario
	for rows.Next() {
		sc, err := scanScenario(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scenario: %w", err)
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list scenarios: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetScenario(ctx context.Context, id string) (*models.Scenario, error) {
	sc, err := scanScenario(s.db.QueryRow(ctx, getScenario, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrScenarioNotFound
		}
		return nil, fmt.Errorf("failed to get scenario: %w", err)
	}
	return &sc, nil
}

// Upsert writes sc, reporting whether a new row was created.
func (s *PostgresStore) Upsert(ctx context.Context, sc models.Scenario) (bool, error) {
	assumptions := sc.Assumptions
	if assumptions == nil {
		assumptions = []string{}
	}
	prompts := sc.DiscussionPrompts
	if prompts == nil {
		prompts = []string{}
	}

	var inserted bool
	err := s.db.QueryRow(ctx, upsertScenario+` RETURNING (xmax = 0)`,
		sc.ID, sc.Title, sc.Description, sc.PullOption, sc.DontPullOption,
		assumptions, prompts, sc.Position,
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("failed to upsert scenario %s: %w", sc.ID, err)
	}
	return inserted, nil
}
