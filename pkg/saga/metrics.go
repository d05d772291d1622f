package saga

import (
	"context"
	"time"
)

// MetricsRecorder records saga runtime metrics. *metrics.Manager satisfies it.
type MetricsRecorder interface {
	RecordSagaExecution(state, failureKind string)
	RecordSagaDuration(state string, duration time.Duration)
	IncActiveSagas()
	DecActiveSagas()
	RecordActivityAttempt(ctx context.Context, step, outcome string, duration time.Duration)
	RecordActivityRetry(step string)
	RecordCompensation(action, status string)
	RecordSagaRecovery(status string)
	RecordSagaCancellation()
}

type nopMetricsRecorder struct{}

func (nopMetricsRecorder) RecordSagaExecution(string, string)                                   {}
func (nopMetricsRecorder) RecordSagaDuration(string, time.Duration)                             {}
func (nopMetricsRecorder) IncActiveSagas()                                                      {}
func (nopMetricsRecorder) DecActiveSagas()                                                      {}
func (nopMetricsRecorder) RecordActivityAttempt(context.Context, string, string, time.Duration) {}
func (nopMetricsRecorder) RecordActivityRetry(string)                                           {}
func (nopMetricsRecorder) RecordCompensation(string, string)                                    {}
func (nopMetricsRecorder) RecordSagaRecovery(string)                                            {}
func (nopMetricsRecorder) RecordSagaCancellation()                                              {}
