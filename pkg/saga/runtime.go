package saga

import (
	"context"
	"fmt"
	"time"
)

// Runtime gives one saga durable execution over its journal. Every activity
// result, timer and observation is appended before the coordinator acts on
// it, so running the coordinator again over the same journal reproduces the
// same decisions without repeating side effects.
type Runtime struct {
	sagaID  string
	journal Journal
	invoker Invoker
	clock   Clock

	recorded map[string]JournalEntry
	pending  int
}

// NewRuntime loads the saga's journal and prepares it for replay.
func NewRuntime(ctx context.Context, sagaID string, journal Journal, invoker Invoker, clock Clock) (*Runtime, error) {
	if journal == nil {
		return nil, fmt.Errorf("journal cannot be nil")
	}
	if invoker == nil {
		return nil, fmt.Errorf("invoker cannot be nil")
	}
	if clock == nil {
		clock = RealClock{}
	}

	entries, err := journal.List(ctx, sagaID)
	if err != nil {
		return nil, fmt.Errorf("load journal of %s: %w", sagaID, err)
	}

	r := &Runtime{
		sagaID:   sagaID,
		journal:  journal,
		invoker:  invoker,
		clock:    clock,
		recorded: make(map[string]JournalEntry, len(entries)),
	}
	for _, entry := range entries {
		r.recorded[recordKey(entry.Kind, entry.Key)] = entry
	}
	r.pending = len(r.recorded)
	return r, nil
}

// Replaying reports whether recorded entries remain to be consumed.
func (r *Runtime) Replaying() bool {
	return r.pending > 0
}

// Now returns the runtime clock's time.
func (r *Runtime) Now() time.Time {
	return r.clock.Now()
}

// Execute returns the recorded result for key, or invokes step once under
// timeout and journals the result. replayed is true when no call was made.
// A non-nil error means the saga cannot proceed in this process: either the
// parent context ended (ErrSuspended) or the journal rejected the write.
func (r *Runtime) Execute(ctx context.Context, key string, step StepName, request any, timeout time.Duration) (result StepResult, replayed bool, err error) {
	if entry, ok := r.consume(EntryActivity, key); ok {
		return *entry.Result, true, nil
	}
	if err := ctx.Err(); err != nil {
		return StepResult{}, false, ErrSuspended
	}

	result, err = r.invoke(ctx, step, request, timeout)
	if err != nil {
		return StepResult{}, false, err
	}

	if err := r.append(ctx, JournalEntry{Key: key, Kind: EntryActivity, Result: &result}); err != nil {
		return StepResult{}, false, err
	}
	return result, false, nil
}

func (r *Runtime) invoke(ctx context.Context, step StepName, request any, timeout time.Duration) (StepResult, error) {
	if timeout <= 0 {
		timeout = DefaultPolicy.Timeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan StepResult, 1)
	go func() {
		done <- r.invoker.Invoke(attemptCtx, step, request)
	}()

	// The call is awaited even past its deadline so that attempts of one
	// saga never overlap. A late success is kept; a late retryable failure
	// is reported as the timeout.
	var (
		result   StepResult
		timedOut bool
	)
	select {
	case result = <-done:
	case <-attemptCtx.Done():
		result = <-done
		timedOut = !result.Succeeded && (result.Failure == nil || result.Failure.Kind.Retryable())
	}

	if timedOut {
		if ctx.Err() != nil {
			return StepResult{}, ErrSuspended
		}
		return Failed(step, Transient(CodeTimeout, fmt.Sprintf("%s timed out after %s", step, timeout))), nil
	}
	if result.Step == "" {
		result.Step = step
	}
	if !result.Succeeded && result.Failure == nil {
		result.Failure = Permanent(CodeBadPayload, "activity returned neither payload nor failure")
	}
	if result.Failure != nil && result.Failure.Step == "" {
		result.Failure.Step = step
	}
	return result, nil
}

// Sleep waits d durably. The deadline is journaled on first pass; a resumed
// saga waits only for what is left, and a fired timer is not waited again.
func (r *Runtime) Sleep(ctx context.Context, key string, d time.Duration) error {
	if _, ok := r.consume(EntryTimerFired, key); ok {
		r.consume(EntryTimerStarted, key)
		return nil
	}

	var deadline time.Time
	if entry, ok := r.consume(EntryTimerStarted, key); ok {
		deadline = *entry.Deadline
	} else {
		deadline = r.clock.Now().Add(d)
		if err := r.append(ctx, JournalEntry{Key: key, Kind: EntryTimerStarted, Deadline: &deadline}); err != nil {
			return err
		}
	}

	if remaining := deadline.Sub(r.clock.Now()); remaining > 0 {
		select {
		case <-r.clock.After(remaining):
		case <-ctx.Done():
			return ErrSuspended
		}
	}

	return r.append(ctx, JournalEntry{Key: key, Kind: EntryTimerFired})
}

// Observe journals the value of fn the first time key is seen and returns the
// recorded value afterwards.
func (r *Runtime) Observe(ctx context.Context, key string, fn func() bool) (bool, error) {
	if entry, ok := r.consume(EntryMarker, key); ok {
		return entry.Value, nil
	}
	value := fn()
	if err := r.append(ctx, JournalEntry{Key: key, Kind: EntryMarker, Value: value}); err != nil {
		return false, err
	}
	return value, nil
}

func (r *Runtime) consume(kind EntryKind, key string) (JournalEntry, bool) {
	rk := recordKey(kind, key)
	entry, ok := r.recorded[rk]
	if !ok {
		return JournalEntry{}, false
	}
	delete(r.recorded, rk)
	r.pending--
	return entry, true
}

func (r *Runtime) append(ctx context.Context, entry JournalEntry) error {
	if ctx.Err() != nil {
		// A result that was obtained must still be recorded on shutdown.
		ctx = context.WithoutCancel(ctx)
	}
	entry.SagaID = r.sagaID
	entry.RecordedAt = r.clock.Now()
	if _, err := r.journal.Append(ctx, entry); err != nil {
		return fmt.Errorf("journal %s: %w", entry.Key, err)
	}
	return nil
}

func recordKey(kind EntryKind, key string) string {
	return string(kind) + "|" + key
}

func attemptKey(prefix string, attempt int) string {
	return fmt.Sprintf("%s/attempt-%d", prefix, attempt)
}

func backoffKey(prefix string, attempt int) string {
	return fmt.Sprintf("%s/backoff-%d", prefix, attempt)
}

func compensationPrefix(entry CompensationEntry) string {
	return fmt.Sprintf("compensate/%s/%d", entry.Action, entry.Sequence)
}

func cancelCheckKey(step StepName) string {
	return "cancel-check/" + string(step)
}
