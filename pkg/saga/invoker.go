package saga

import "context"

// Invoker performs exactly one call to the downstream operation behind a
// step and classifies the response. Implementations never retry, and Invoke
// must return promptly once ctx is done: the runtime waits for every call to
// finish before starting the next one.
type Invoker interface {
	Invoke(ctx context.Context, step StepName, request any) StepResult
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, step StepName, request any) StepResult

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, step StepName, request any) StepResult {
	return f(ctx, step, request)
}

type callKey struct{}

// CallInfo identifies the saga call an activity belongs to.
type CallInfo struct {
	SagaID string
	// IdempotencyKey is stable across attempts and replays of the same
	// logical call so receivers can deduplicate.
	IdempotencyKey string
	Attempt        int
}

// WithCallInfo attaches call identity to ctx.
func WithCallInfo(ctx context.Context, info CallInfo) context.Context {
	return context.WithValue(ctx, callKey{}, info)
}

// CallInfoFromContext returns the call identity attached by the runtime.
func CallInfoFromContext(ctx context.Context) (CallInfo, bool) {
	info, ok := ctx.Value(callKey{}).(CallInfo)
	return info, ok
}
