// Package storage opens the databases shared by the saga journal and the
// saga instance store (embedded Badger or PostgreSQL) and defines the storage
// error types they report.
package storage

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/goclaw/fulfilment/config"
)

// StorageUnavailableError indicates that the storage backend is unavailable.
type StorageUnavailableError struct {
	Cause error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable: %v", e.Cause)
}

func (e *StorageUnavailableError) Unwrap() error {
	return e.Cause
}

// SerializationError indicates a failure in data serialization/deserialization.
type SerializationError struct {
	Operation string
	Key       string
	Cause     error
}

func (e *SerializationError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("serialization error during %s of %s: %v", e.Operation, e.Key, e.Cause)
	}
	return fmt.Sprintf("serialization error during %s: %v", e.Operation, e.Cause)
}

func (e *SerializationError) Unwrap() error {
	return e.Cause
}

// IsUnavailable reports whether err was caused by an unreachable backend.
func IsUnavailable(err error) bool {
	var target *StorageUnavailableError
	return errors.As(err, &target)
}

// OpenBadger opens a Badger database with the configured durability options.
func OpenBadger(cfg config.BadgerConfig) (*badger.DB, error) {
	if cfg.Path == "" {
		return nil, &StorageUnavailableError{Cause: errors.New("badger path cannot be empty")}
	}

	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	if cfg.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = cfg.ValueLogFileSize
	}
	if cfg.NumVersionsToKeep > 0 {
		opts.NumVersionsToKeep = cfg.NumVersionsToKeep
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, &StorageUnavailableError{Cause: err}
	}
	return db, nil
}

// OpenInMemoryBadger opens a Badger database that keeps everything in RAM.
func OpenInMemoryBadger() (*badger.DB, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, &StorageUnavailableError{Cause: err}
	}
	return db, nil
}
