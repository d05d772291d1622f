package saga

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/goclaw/fulfilment/config"
	"github.com/goclaw/fulfilment/pkg/storage"
)

// openTestPostgres connects to FULFILMENT_TEST_POSTGRES_DSN and empties the
// saga tables. It returns nil when the variable is unset.
func openTestPostgres(t *testing.T) *sqlx.DB {
	t.Helper()
	dsn := os.Getenv("FULFILMENT_TEST_POSTGRES_DSN")
	if dsn == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := storage.OpenPostgres(ctx, config.PostgresConfig{DSN: dsn, MaxOpenConns: 4, MaxIdleConns: 2})
	if err != nil {
		t.Fatalf("OpenPostgres() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.ExecContext(ctx, `TRUNCATE saga_journal, saga_instances`); err != nil {
		t.Fatalf("truncate saga tables: %v", err)
	}
	return db
}

func addPostgresImplementations(t *testing.T, journals map[string]func() Journal, stores map[string]func() SagaStore) {
	if os.Getenv("FULFILMENT_TEST_POSTGRES_DSN") == "" {
		return
	}
	if journals != nil {
		journals["postgres"] = func() Journal {
			journal, err := NewPostgresJournal(openTestPostgres(t))
			if err != nil {
				t.Fatalf("NewPostgresJournal() error = %v", err)
			}
			return journal
		}
	}
	if stores != nil {
		stores["postgres"] = func() SagaStore {
			store, err := NewPostgresSagaStore(openTestPostgres(t))
			if err != nil {
				t.Fatalf("NewPostgresSagaStore() error = %v", err)
			}
			return store
		}
	}
}

func TestPostgresConstructorsRejectNil(t *testing.T) {
	if _, err := NewPostgresJournal(nil); err == nil {
		t.Error("NewPostgresJournal(nil) succeeded")
	}
	if _, err := NewPostgresSagaStore(nil); err == nil {
		t.Error("NewPostgresSagaStore(nil) succeeded")
	}
}
