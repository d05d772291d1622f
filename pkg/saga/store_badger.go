package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/goclaw/fulfilment/pkg/storage"
)

// Key layout:
//
//	saga/data/{id}            JSON SagaInstance
//	saga/state/{STATE}/{id}   empty, one per instance
//	saga/pending/{id}         empty, only while the state is not terminal
const (
	sagaDataPrefix    = "saga/data/"
	sagaStatePrefix   = "saga/state/"
	sagaPendingPrefix = "saga/pending/"
)

func sagaDataKey(id string) []byte { return []byte(sagaDataPrefix + id) }

func sagaStateKey(state SagaState, id string) []byte {
	return []byte(sagaStatePrefix + state.String() + "/" + id)
}

func sagaPendingKey(id string) []byte { return []byte(sagaPendingPrefix + id) }

// BadgerSagaStore keeps saga projections in Badger, indexed by state and by
// whether the saga still has work to do. Recovery scans only the pending
// index.
type BadgerSagaStore struct {
	db *badger.DB
}

func NewBadgerSagaStore(db *badger.DB) (*BadgerSagaStore, error) {
	if db == nil {
		return nil, errors.New("badger db cannot be nil")
	}
	return &BadgerSagaStore{db: db}, nil
}

// Save writes instance and moves its index entries in one transaction.
func (s *BadgerSagaStore) Save(ctx context.Context, instance *SagaInstance) error {
	if instance == nil {
		return errors.New("saga instance cannot be nil")
	}
	data, err := json.Marshal(instance)
	if err != nil {
		return &storage.SerializationError{Operation: "marshal", Key: instance.ID, Cause: err}
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		prev, err := loadInstance(txn, instance.ID)
		switch {
		case errors.Is(err, ErrSagaNotFound):
		case err != nil:
			return err
		case prev.State != instance.State:
			if err := txn.Delete(sagaStateKey(prev.State, instance.ID)); err != nil {
				return err
			}
		}

		if err := txn.Set(sagaDataKey(instance.ID), data); err != nil {
			return err
		}
		if err := txn.Set(sagaStateKey(instance.State, instance.ID), nil); err != nil {
			return err
		}
		if instance.State.IsTerminal() {
			return txn.Delete(sagaPendingKey(instance.ID))
		}
		return txn.Set(sagaPendingKey(instance.ID), nil)
	})
}

func (s *BadgerSagaStore) Get(ctx context.Context, sagaID string) (*SagaInstance, error) {
	var instance *SagaInstance
	err := s.db.View(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		instance, err = loadInstance(txn, sagaID)
		return err
	})
	return instance, err
}

// List returns matching instances oldest first. State and NonTerminal
// filters walk an index instead of every instance.
func (s *BadgerSagaStore) List(ctx context.Context, filter SagaListFilter) ([]*SagaInstance, int, error) {
	var matched []*SagaInstance
	collect := func(inst *SagaInstance) {
		if filter.matches(inst) {
			matched = append(matched, inst)
		}
	}

	err := s.db.View(func(txn *badger.Txn) error {
		switch {
		case filter.State != "":
			return walkIndex(ctx, txn, sagaStatePrefix+filter.State+"/", collect)
		case filter.NonTerminal:
			return walkIndex(ctx, txn, sagaPendingPrefix, collect)
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(sagaDataPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			inst, err := decodeInstance(it.Item())
			if err != nil {
				return err
			}
			collect(inst)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	page, total := paginate(matched, filter)
	return page, total, nil
}

// Delete removes the instance and every index entry pointing at it.
func (s *BadgerSagaStore) Delete(ctx context.Context, sagaID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		inst, err := loadInstance(txn, sagaID)
		if err != nil {
			return err
		}
		for _, key := range [][]byte{sagaDataKey(sagaID), sagaStateKey(inst.State, sagaID), sagaPendingKey(sagaID)} {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// walkIndex loads the instance behind every key under prefix.
func walkIndex(ctx context.Context, txn *badger.Txn, prefix string, fn func(*SagaInstance)) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		id := strings.TrimPrefix(string(it.Item().Key()), prefix)
		inst, err := loadInstance(txn, id)
		if err != nil {
			return fmt.Errorf("index entry %s: %w", it.Item().Key(), err)
		}
		fn(inst)
	}
	return nil
}

func loadInstance(txn *badger.Txn, sagaID string) (*SagaInstance, error) {
	item, err := txn.Get(sagaDataKey(sagaID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrSagaNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeInstance(item)
}

func decodeInstance(item *badger.Item) (*SagaInstance, error) {
	var inst SagaInstance
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &inst) }); err != nil {
		return nil, &storage.SerializationError{Operation: "unmarshal", Key: string(item.Key()), Cause: err}
	}
	return &inst, nil
}
