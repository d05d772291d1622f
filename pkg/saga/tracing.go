package saga

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const sagaTracerName = "fulfilment.saga"

const (
	spanSagaRun            = "saga.run"
	spanSagaStep           = "saga.step"
	spanSagaCompensate     = "saga.compensate"
	spanSagaRecoveryResume = "saga.recovery.resume"
)

const (
	attrSagaID    = attribute.Key("saga.id")
	attrSagaState = attribute.Key("saga.state")
	attrStep      = attribute.Key("saga.step")
	attrAttempt   = attribute.Key("saga.attempt")
	attrReplayed  = attribute.Key("saga.replayed")
)

func sagaTracer() trace.Tracer {
	return otel.Tracer(sagaTracerName)
}
