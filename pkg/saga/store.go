package saga

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
)

// SagaListFilter controls saga list queries. State is a state name such as
// "COMPENSATING"; an empty State matches every state.
type SagaListFilter struct {
	State       string
	NonTerminal bool
	Limit       int
	Offset      int
}

func (f SagaListFilter) matches(instance *SagaInstance) bool {
	if f.State != "" && instance.State.String() != f.State {
		return false
	}
	if f.NonTerminal && instance.State.IsTerminal() {
		return false
	}
	return true
}

// SagaStore persists the projection of every saga instance.
type SagaStore interface {
	Save(ctx context.Context, instance *SagaInstance) error
	Get(ctx context.Context, sagaID string) (*SagaInstance, error)
	List(ctx context.Context, filter SagaListFilter) ([]*SagaInstance, int, error)
	Delete(ctx context.Context, sagaID string) error
}

// MemorySagaStore keeps copies of saga projections in a map. It backs tests
// and the memory storage mode.
type MemorySagaStore struct {
	mu   sync.RWMutex
	byID map[string]*SagaInstance
}

func NewMemorySagaStore() *MemorySagaStore {
	return &MemorySagaStore{byID: make(map[string]*SagaInstance)}
}

func (s *MemorySagaStore) Save(_ context.Context, instance *SagaInstance) error {
	if instance == nil {
		return errors.New("saga instance cannot be nil")
	}
	snapshot := cloneInstance(instance)
	s.mu.Lock()
	s.byID[snapshot.ID] = snapshot
	s.mu.Unlock()
	return nil
}

func (s *MemorySagaStore) Get(_ context.Context, sagaID string) (*SagaInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if inst, ok := s.byID[sagaID]; ok {
		return cloneInstance(inst), nil
	}
	return nil, ErrSagaNotFound
}

func (s *MemorySagaStore) List(_ context.Context, filter SagaListFilter) ([]*SagaInstance, int, error) {
	s.mu.RLock()
	var matched []*SagaInstance
	for _, inst := range s.byID {
		if filter.matches(inst) {
			matched = append(matched, cloneInstance(inst))
		}
	}
	s.mu.RUnlock()

	page, total := paginate(matched, filter)
	return page, total, nil
}

func (s *MemorySagaStore) Delete(_ context.Context, sagaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[sagaID]; !ok {
		return ErrSagaNotFound
	}
	delete(s.byID, sagaID)
	return nil
}

// paginate orders instances by creation time, then id, and cuts the page
// the filter asks for. It returns the page and the unpaged total.
func paginate(all []*SagaInstance, filter SagaListFilter) ([]*SagaInstance, int) {
	slices.SortFunc(all, func(a, b *SagaInstance) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	total := len(all)
	start := min(max(filter.Offset, 0), total)
	end := total
	if filter.Limit > 0 {
		end = min(start+filter.Limit, total)
	}
	return all[start:end], total
}
