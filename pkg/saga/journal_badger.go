package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goclaw/fulfilment/pkg/storage"
)

const (
	journalKeyPrefix      = "journal:"
	journalSequencePrefix = "journal-seq:"
)

// BadgerJournal stores journals in Badger. The sequence counter and the entry
// are written in one transaction so a crash never leaves a gap.
type BadgerJournal struct {
	db *badger.DB

	mu     sync.RWMutex
	closed bool
}

// NewBadgerJournal creates a journal over an existing Badger DB.
func NewBadgerJournal(db *badger.DB) (*BadgerJournal, error) {
	if db == nil {
		return nil, fmt.Errorf("badger db cannot be nil")
	}
	return &BadgerJournal{db: db}, nil
}

// Append writes one entry and returns its sequence number.
func (j *BadgerJournal) Append(ctx context.Context, entry JournalEntry) (uint64, error) {
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

	seqKey := []byte(journalSequenceKey(entry.SagaID))
	err := j.db.Update(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		current, err := readSequence(txn, seqKey)
		if err != nil {
			return err
		}
		entry.Sequence = current + 1

		data, err := json.Marshal(entry)
		if err != nil {
			return &storage.SerializationError{Operation: "marshal", Key: entry.Key, Cause: err}
		}
		if err := txn.Set([]byte(journalEntryKey(entry.SagaID, entry.Sequence)), data); err != nil {
			return err
		}
		return txn.Set(seqKey, []byte(strconv.FormatUint(entry.Sequence, 10)))
	})
	if err != nil {
		return 0, fmt.Errorf("append journal entry %s: %w", entry.Key, err)
	}
	return entry.Sequence, nil
}

// List returns the saga's entries in sequence order.
func (j *BadgerJournal) List(ctx context.Context, sagaID string) ([]JournalEntry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return nil, ErrJournalClosed
	}

	entries := make([]JournalEntry, 0)
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(journalPrefix(sagaID))
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var entry JournalEntry
			if err := item.Value(func(v []byte) error {
				return json.Unmarshal(v, &entry)
			}); err != nil {
				return &storage.SerializationError{Operation: "unmarshal", Key: string(item.Key()), Cause: err}
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Delete removes the saga's entries and sequence counter.
func (j *BadgerJournal) Delete(ctx context.Context, sagaID string) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrJournalClosed
	}

	keys := make([][]byte, 0)
	if err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(journalPrefix(sagaID))
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	}); err != nil {
		return err
	}

	return j.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return txn.Delete([]byte(journalSequenceKey(sagaID)))
	})
}

// Close rejects further use. The DB stays open for its owner.
func (j *BadgerJournal) Close() error {
	j.mu.Lock()
	j.closed = true
	j.mu.Unlock()
	return nil
}

func readSequence(txn *badger.Txn, key []byte) (uint64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var current uint64
	err = item.Value(func(v []byte) error {
		parsed, parseErr := strconv.ParseUint(string(v), 10, 64)
		current = parsed
		return parseErr
	})
	return current, err
}

func journalPrefix(sagaID string) string {
	return journalKeyPrefix + sagaID + ":"
}

func journalSequenceKey(sagaID string) string {
	return journalSequencePrefix + sagaID
}

func journalEntryKey(sagaID string, sequence uint64) string {
	return fmt.Sprintf("%s%s:%020d", journalKeyPrefix, sagaID, sequence)
}
