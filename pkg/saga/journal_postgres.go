package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/goclaw/fulfilment/pkg/storage"
)

// PostgresJournal stores journals in the saga_journal table. The next
// sequence is computed inside the INSERT, and the (saga_id, sequence)
// primary key rejects a concurrent writer instead of leaving a gap.
type PostgresJournal struct {
	db *sqlx.DB

	mu     sync.RWMutex
	closed bool
}

func NewPostgresJournal(db *sqlx.DB) (*PostgresJournal, error) {
	if db == nil {
		return nil, errors.New("postgres db cannot be nil")
	}
	return &PostgresJournal{db: db}, nil
}

const appendJournalSQL = `
INSERT INTO saga_journal (saga_id, sequence, key, entry, recorded_at)
SELECT $1::text, COALESCE(MAX(sequence), 0) + 1, $2::text, $3::jsonb, $4::timestamptz
FROM saga_journal WHERE saga_id = $1
RETURNING sequence`

func (j *PostgresJournal) Append(ctx context.Context, entry JournalEntry) (uint64, error) {
	if err := entry.validate(); err != nil {
		return 0, err
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now().UTC()
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return 0, ErrJournalClosed
	}

	// The sequence column is authoritative; the stored JSON carries zero.
	entry.Sequence = 0
	data, err := json.Marshal(entry)
	if err != nil {
		return 0, &storage.SerializationError{Operation: "marshal", Key: entry.Key, Cause: err}
	}

	var seq int64
	if err := j.db.GetContext(ctx, &seq, appendJournalSQL, entry.SagaID, entry.Key, string(data), entry.RecordedAt); err != nil {
		return 0, fmt.Errorf("append journal entry %s: %w", entry.Key, err)
	}
	return uint64(seq), nil
}

type journalRow struct {
	Sequence int64  `db:"sequence"`
	Entry    []byte `db:"entry"`
}

func (j *PostgresJournal) List(ctx context.Context, sagaID string) ([]JournalEntry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return nil, ErrJournalClosed
	}

	var rows []journalRow
	if err := j.db.SelectContext(ctx, &rows,
		`SELECT sequence, entry FROM saga_journal WHERE saga_id = $1 ORDER BY sequence`, sagaID); err != nil {
		return nil, fmt.Errorf("list journal %s: %w", sagaID, err)
	}

	entries := make([]JournalEntry, 0, len(rows))
	for _, row := range rows {
		var entry JournalEntry
		if err := json.Unmarshal(row.Entry, &entry); err != nil {
			return nil, &storage.SerializationError{
				Operation: "unmarshal",
				Key:       fmt.Sprintf("%s#%d", sagaID, row.Sequence),
				Cause:     err,
			}
		}
		entry.Sequence = uint64(row.Sequence)
		entries = append(entries, entry)
	}
	return entries, nil
}

func (j *PostgresJournal) Delete(ctx context.Context, sagaID string) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrJournalClosed
	}
	if _, err := j.db.ExecContext(ctx, `DELETE FROM saga_journal WHERE saga_id = $1`, sagaID); err != nil {
		return fmt.Errorf("delete journal %s: %w", sagaID, err)
	}
	return nil
}

// Close rejects further use. The pool stays open for its owner.
func (j *PostgresJournal) Close() error {
	j.mu.Lock()
	j.closed = true
	j.mu.Unlock()
	return nil
}
