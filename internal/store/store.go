// Package store persists finished collection runs to PostgreSQL. It is an
// optional sink: the engine itself never touches storage, and a disabled
// store leaves collection behavior unchanged.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/harvest-cli/internal/engine"
)

// DB is the subset of pgxpool.Pool the store uses. Tests substitute pgxmock.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS collection_runs (
    id             UUID PRIMARY KEY,
    page_url       TEXT NOT NULL,
    layout         TEXT NOT NULL,
    terminal_state TEXT NOT NULL,
    collected      INTEGER NOT NULL,
    expected       INTEGER NOT NULL,
    steps_taken    INTEGER NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS collected_items (
    run_id     UUID NOT NULL REFERENCES collection_runs(id) ON DELETE CASCADE,
    position   INTEGER NOT NULL,
    identifier TEXT NOT NULL,
    PRIMARY KEY (run_id, identifier)
);
`

// Store writes collection runs and their identifier sets.
type Store struct {
	db     DB
	logger *zap.Logger
}

// Connect opens a pgx pool against the given URL and returns a store over it.
func Connect(ctx context.Context, url string, logger *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database is unreachable: %w", err)
	}
	return New(pool, logger), nil
}

// New wraps an existing connection. Used directly by tests.
func New(db DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger.Named("store")}
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// SaveRun persists one finished collection session atomically and returns the
// generated run ID. Item positions record first-seen order.
func (s *Store) SaveRun(ctx context.Context, pageURL string, result *engine.Result) (string, error) {
	runID := uuid.New().String()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := s.insertRun(ctx, tx, runID, pageURL, result); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			s.logger.Warn("Rollback failed.", zap.Error(rbErr))
		}
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("failed to commit run: %w", err)
	}

	s.logger.Info("Collection run persisted.",
		zap.String("run_id", runID),
		zap.String("page_url", pageURL),
		zap.Int("items", len(result.Identifiers)))
	return runID, nil
}

func (s *Store) insertRun(ctx context.Context, tx pgx.Tx, runID, pageURL string, result *engine.Result) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO collection_runs (id, page_url, layout, terminal_state, collected, expected, steps_taken, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
	`, runID, pageURL, string(result.Layout.Kind), string(result.TerminalState),
		result.Collected, result.Expected, result.StepsTaken, time.Now())
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for i, id := range result.Identifiers {
		_, err = tx.Exec(ctx, `
			INSERT INTO collected_items (run_id, position, identifier)
			VALUES ($1, $2, $3)
			ON CONFLICT (run_id, identifier) DO NOTHING;
		`, runID, i, id)
		if err != nil {
			return fmt.Errorf("failed to insert item %d: %w", i, err)
		}
	}
	return nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.db.Close()
}
