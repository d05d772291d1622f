package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goclaw/fulfilment/pkg/logger"
)

// RecoveryManager resumes the sagas a previous process left unfinished.
type RecoveryManager struct {
	orchestrator *Orchestrator
	store        SagaStore
	metrics      MetricsRecorder
	logger       logger.Logger
}

// NewRecoveryManager creates a recovery manager.
func NewRecoveryManager(orchestrator *Orchestrator, store SagaStore, metrics MetricsRecorder, l logger.Logger) (*RecoveryManager, error) {
	if orchestrator == nil {
		return nil, fmt.Errorf("orchestrator cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("saga store cannot be nil")
	}
	if metrics == nil {
		metrics = nopMetricsRecorder{}
	}
	if l == nil {
		l = logger.Discard()
	}
	return &RecoveryManager{
		orchestrator: orchestrator,
		store:        store,
		metrics:      metrics,
		logger:       l,
	}, nil
}

// Recover scans the store for non-terminal sagas and resumes each one. It
// returns how many were resumed and the first error met.
func (m *RecoveryManager) Recover(ctx context.Context) (int, error) {
	pending, _, err := m.store.List(ctx, SagaListFilter{NonTerminal: true})
	if err != nil {
		return 0, err
	}

	m.logger.InfoContext(ctx, "saga recovery scan started", "pending", len(pending))

	recovered := 0
	var firstErr error
	for _, instance := range pending {
		if err := m.orchestrator.Resume(ctx, instance.ID); err != nil {
			if errors.Is(err, ErrSagaTerminal) {
				continue
			}
			m.metrics.RecordSagaRecovery("failed")
			m.logger.WarnContext(ctx, "saga recovery failed", "saga_id", instance.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		recovered++
		m.metrics.RecordSagaRecovery("resumed")
		m.logger.InfoContext(ctx, "saga resumed from journal",
			"saga_id", instance.ID,
			"state", instance.State.String(),
		)
	}

	m.logger.InfoContext(ctx, "saga recovery scan completed", "recovered", recovered)
	return recovered, firstErr
}

// CleanupManager removes terminal sagas and their journals once they are
// older than the retention period.
type CleanupManager struct {
	store   SagaStore
	journal Journal
	clock   Clock
	logger  logger.Logger

	mu      sync.Mutex
	running bool
}

// NewCleanupManager creates a cleanup manager.
func NewCleanupManager(store SagaStore, journal Journal, clock Clock, l logger.Logger) *CleanupManager {
	if clock == nil {
		clock = RealClock{}
	}
	if l == nil {
		l = logger.Discard()
	}
	return &CleanupManager{
		store:   store,
		journal: journal,
		clock:   clock,
		logger:  l,
	}
}

// Start runs periodic cleanup until the context is cancelled.
func (m *CleanupManager) Start(ctx context.Context, interval, retention time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("cleanup interval must be > 0")
	}
	if retention <= 0 {
		return fmt.Errorf("retention must be > 0")
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("cleanup manager already running")
	}
	m.running = true
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				m.mu.Lock()
				m.running = false
				m.mu.Unlock()
				return
			case <-ticker.C:
				deleted, err := m.RunOnce(ctx, retention)
				if err != nil {
					m.logger.Warn("saga cleanup failed", "error", err)
					continue
				}
				if deleted > 0 {
					m.logger.Info("saga cleanup completed", "deleted_sagas", deleted)
				}
			}
		}
	}()

	return nil
}

// RunOnce deletes terminal sagas completed before now-retention.
func (m *CleanupManager) RunOnce(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, fmt.Errorf("retention must be > 0")
	}
	cutoff := m.clock.Now().Add(-retention)

	deleted := 0
	for _, state := range []SagaState{StateNotified, StateFailed} {
		instances, _, err := m.store.List(ctx, SagaListFilter{State: state.String()})
		if err != nil {
			return deleted, err
		}
		for _, instance := range instances {
			if instance.CompletedAt == nil || instance.CompletedAt.After(cutoff) {
				continue
			}
			if m.journal != nil {
				if err := m.journal.Delete(ctx, instance.ID); err != nil {
					return deleted, err
				}
			}
			if err := m.store.Delete(ctx, instance.ID); err != nil && !errors.Is(err, ErrSagaNotFound) {
				return deleted, err
			}
			deleted++
		}
	}
	return deleted, nil
}
