package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/goclaw/fulfilment/config"
)

// postgresSchema holds the journal and instance tables. Every statement is
// idempotent so it runs on each start.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS saga_journal (
	saga_id     TEXT        NOT NULL,
	sequence    BIGINT      NOT NULL,
	key         TEXT        NOT NULL,
	entry       JSONB       NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (saga_id, sequence)
);

CREATE TABLE IF NOT EXISTS saga_instances (
	id         TEXT        PRIMARY KEY,
	state      TEXT        NOT NULL,
	terminal   BOOLEAN     NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	data       JSONB       NOT NULL
);

CREATE INDEX IF NOT EXISTS saga_instances_state_idx
	ON saga_instances (state, created_at, id);

CREATE INDEX IF NOT EXISTS saga_instances_pending_idx
	ON saga_instances (created_at, id) WHERE NOT terminal;
`

// OpenPostgres connects to PostgreSQL, applies the pool limits and creates
// the saga tables if they are missing.
func OpenPostgres(ctx context.Context, cfg config.PostgresConfig) (*sqlx.DB, error) {
	if cfg.DSN == "" {
		return nil, &StorageUnavailableError{Cause: errors.New("postgres dsn cannot be empty")}
	}

	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN)
	if err != nil {
		return nil, &StorageUnavailableError{Cause: err}
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create saga schema: %w", err)
	}
	return db, nil
}
