package saga

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// EntryKind identifies what a journal entry records.
type EntryKind string

const (
	// EntryActivity records the result of one activity attempt.
	EntryActivity EntryKind = "activity"
	// EntryTimerStarted records the deadline of a durable timer.
	EntryTimerStarted EntryKind = "timer_started"
	// EntryTimerFired records that a durable timer elapsed.
	EntryTimerFired EntryKind = "timer_fired"
	// EntryMarker records a boolean observation such as a cancel check.
	EntryMarker EntryKind = "marker"
)

// JournalEntry is one durable record of a saga's history.
type JournalEntry struct {
	Sequence   uint64      `json:"sequence"`
	SagaID     string      `json:"saga_id"`
	Key        string      `json:"key"`
	Kind       EntryKind   `json:"kind"`
	Result     *StepResult `json:"result,omitempty"`
	Deadline   *time.Time  `json:"deadline,omitempty"`
	Value      bool        `json:"value,omitempty"`
	RecordedAt time.Time   `json:"recorded_at"`
}

func (e JournalEntry) validate() error {
	if e.SagaID == "" {
		return fmt.Errorf("journal entry saga_id cannot be empty")
	}
	if e.Key == "" {
		return fmt.Errorf("journal entry key cannot be empty")
	}
	switch e.Kind {
	case EntryActivity:
		if e.Result == nil {
			return fmt.Errorf("activity entry %s has no result", e.Key)
		}
	case EntryTimerStarted:
		if e.Deadline == nil {
			return fmt.Errorf("timer entry %s has no deadline", e.Key)
		}
	case EntryTimerFired, EntryMarker:
	default:
		return fmt.Errorf("unknown journal entry kind %q", e.Kind)
	}
	return nil
}

// Journal is the append-only history of every saga. Entries of one saga are
// returned in append order.
type Journal interface {
	Append(ctx context.Context, entry JournalEntry) (uint64, error)
	List(ctx context.Context, sagaID string) ([]JournalEntry, error)
	Delete(ctx context.Context, sagaID string) error
	Close() error
}

// MemoryJournal keeps journals in process memory.
type MemoryJournal struct {
	mu      sync.RWMutex
	entries map[string][]JournalEntry
	closed  bool
}

// NewMemoryJournal creates an empty in-memory journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{entries: make(map[string][]JournalEntry)}
}

// Append stores entry and returns its per-saga sequence number.
func (j *MemoryJournal) Append(ctx context.Context, entry JournalEntry) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := entry.validate(); err != nil {
		return 0, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return 0, ErrJournalClosed
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now().UTC()
	}
	entry.Sequence = uint64(len(j.entries[entry.SagaID]) + 1)
	j.entries[entry.SagaID] = append(j.entries[entry.SagaID], entry)
	return entry.Sequence, nil
}

// List returns a copy of the saga's entries.
func (j *MemoryJournal) List(_ context.Context, sagaID string) ([]JournalEntry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return nil, ErrJournalClosed
	}
	out := make([]JournalEntry, len(j.entries[sagaID]))
	copy(out, j.entries[sagaID])
	return out, nil
}

// Delete drops the saga's entries.
func (j *MemoryJournal) Delete(_ context.Context, sagaID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrJournalClosed
	}
	delete(j.entries, sagaID)
	return nil
}

// Close rejects further use.
func (j *MemoryJournal) Close() error {
	j.mu.Lock()
	j.closed = true
	j.mu.Unlock()
	return nil
}
