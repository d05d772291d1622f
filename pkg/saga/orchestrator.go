package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goclaw/fulfilment/pkg/logger"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// SagaIDPrefix prefixes every generated saga id.
const SagaIDPrefix = "order-workflow-"

// OrchestratorOption customizes Orchestrator initialization.
type OrchestratorOption func(orchestrator *Orchestrator)

// WithMaxConcurrentSagas sets maximum concurrent saga executions.
func WithMaxConcurrentSagas(max int) OrchestratorOption {
	return func(orchestrator *Orchestrator) {
		if max > 0 {
			orchestrator.sema = make(chan struct{}, max)
		}
	}
}

// WithJournal wires durable history into the orchestrator.
func WithJournal(journal Journal) OrchestratorOption {
	return func(orchestrator *Orchestrator) {
		if journal != nil {
			orchestrator.journal = journal
		}
	}
}

// WithSagaStore wires persistent saga storage for runtime instances.
func WithSagaStore(store SagaStore) OrchestratorOption {
	return func(orchestrator *Orchestrator) {
		if store != nil {
			orchestrator.store = store
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(clock Clock) OrchestratorOption {
	return func(orchestrator *Orchestrator) {
		if clock != nil {
			orchestrator.clock = clock
		}
	}
}

// WithEventSink sets the receiver of saga lifecycle events.
func WithEventSink(sink EventSink) OrchestratorOption {
	return func(orchestrator *Orchestrator) {
		if sink != nil {
			orchestrator.events = sink
		}
	}
}

// WithEventTimeout bounds the delivery of one event. Non-positive values
// keep the default.
func WithEventTimeout(d time.Duration) OrchestratorOption {
	return func(orchestrator *Orchestrator) {
		if d > 0 {
			orchestrator.eventTimeout = d
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(recorder MetricsRecorder) OrchestratorOption {
	return func(orchestrator *Orchestrator) {
		if recorder != nil {
			orchestrator.metrics = recorder
		}
	}
}

// WithLogger sets the orchestrator logger.
func WithLogger(l logger.Logger) OrchestratorOption {
	return func(orchestrator *Orchestrator) {
		if l != nil {
			orchestrator.logger = l
		}
	}
}

// WithPolicies sets the retry policies snapshotted into new sagas.
func WithPolicies(policies PolicySet) OrchestratorOption {
	return func(orchestrator *Orchestrator) {
		orchestrator.policies = policies.Clone()
	}
}

// WithRetainJournal controls whether journals of terminal sagas are kept.
func WithRetainJournal(retain bool) OrchestratorOption {
	return func(orchestrator *Orchestrator) {
		orchestrator.retainJournal = retain
	}
}

// WithIDGenerator replaces the saga id generator.
func WithIDGenerator(next func() string) OrchestratorOption {
	return func(orchestrator *Orchestrator) {
		if next != nil {
			orchestrator.newID = next
		}
	}
}

type execution struct {
	cancel atomic.Bool
	done   chan struct{}
	err    error
}

// Orchestrator starts, tracks and resumes fulfilment sagas. Each saga runs
// in its own goroutine; the number running at once is bounded.
type Orchestrator struct {
	invoker       Invoker
	journal       Journal
	store         SagaStore
	clock         Clock
	events        EventSink
	eventTimeout  time.Duration
	metrics       MetricsRecorder
	logger        logger.Logger
	sema          chan struct{}
	retainJournal bool
	newID         func() string

	mu       sync.RWMutex
	running  map[string]*execution
	policies PolicySet
	closed   bool

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
}

// NewOrchestrator creates an orchestrator that reaches downstream services
// through invoker.
func NewOrchestrator(invoker Invoker, options ...OrchestratorOption) (*Orchestrator, error) {
	if invoker == nil {
		return nil, fmt.Errorf("invoker cannot be nil")
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		invoker:       invoker,
		journal:       NewMemoryJournal(),
		store:         NewMemorySagaStore(),
		clock:         RealClock{},
		events:        nopEventSink{},
		eventTimeout:  DefaultEventTimeout,
		metrics:       nopMetricsRecorder{},
		logger:        logger.Discard(),
		sema:          make(chan struct{}, 100),
		retainJournal: true,
		newID:         func() string { return SagaIDPrefix + uuid.NewString() },
		running:       make(map[string]*execution),
		policies:      DefaultPolicies(),
		rootCtx:       rootCtx,
		rootCancel:    rootCancel,
	}
	for _, option := range options {
		if option != nil {
			option(o)
		}
	}
	if err := o.policies.Validate(); err != nil {
		rootCancel()
		return nil, fmt.Errorf("invalid retry policies: %w", err)
	}
	return o, nil
}

// Start persists a new saga and runs it in the background.
func (o *Orchestrator) Start(ctx context.Context, req OrderRequest) (*SagaInstance, error) {
	o.mu.RLock()
	closed := o.closed
	policies := o.policies
	o.mu.RUnlock()
	if closed {
		return nil, ErrOrchestratorClosed
	}

	instance := NewSagaInstance(o.newID(), req, policies, o.clock.Now())
	if err := o.store.Save(ctx, instance); err != nil {
		return nil, fmt.Errorf("save saga %s: %w", instance.ID, err)
	}

	o.logger.InfoContext(ctx, "saga started",
		"saga_id", instance.ID,
		"customer_id", req.CustomerID,
		"product_id", req.ProductID,
	)
	o.publish(ctx, Event{Type: EventSagaStarted, SagaID: instance.ID, State: instance.State})

	snapshot := cloneInstance(instance)
	if err := o.launch(ctx, instance, false); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Fulfil runs one saga to a terminal state and returns it.
func (o *Orchestrator) Fulfil(ctx context.Context, req OrderRequest) (*SagaInstance, error) {
	instance, err := o.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	return o.Wait(ctx, instance.ID)
}

// Wait blocks until the saga stops running and returns its stored state.
// A saga that stopped without reaching a terminal state returns its
// execution error, typically ErrSuspended.
func (o *Orchestrator) Wait(ctx context.Context, sagaID string) (*SagaInstance, error) {
	o.mu.RLock()
	exec, ok := o.running[sagaID]
	o.mu.RUnlock()

	var runErr error
	if ok {
		select {
		case <-exec.done:
			runErr = exec.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	instance, err := o.store.Get(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if runErr != nil && !instance.State.IsTerminal() {
		return instance, runErr
	}
	return instance, nil
}

// Get returns the stored state of a saga.
func (o *Orchestrator) Get(ctx context.Context, sagaID string) (*SagaInstance, error) {
	return o.store.Get(ctx, sagaID)
}

// List returns stored sagas matching filter and the total match count.
func (o *Orchestrator) List(ctx context.Context, filter SagaListFilter) ([]*SagaInstance, int, error) {
	return o.store.List(ctx, filter)
}

// History returns the journal of a saga.
func (o *Orchestrator) History(ctx context.Context, sagaID string) ([]JournalEntry, error) {
	if _, err := o.store.Get(ctx, sagaID); err != nil {
		return nil, err
	}
	return o.journal.List(ctx, sagaID)
}

// Running reports whether the saga executes in this process.
func (o *Orchestrator) Running(sagaID string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.running[sagaID]
	return ok
}

// ActiveCount returns the number of sagas executing in this process.
func (o *Orchestrator) ActiveCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.running)
}

// Cancel asks a saga to stop. The request takes effect at the next step
// boundary: before create_order the saga fails without calls, later it
// compensates. A saga past its last boundary completes normally.
func (o *Orchestrator) Cancel(ctx context.Context, sagaID string) (*SagaInstance, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	instance, err := o.store.Get(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if instance.State.IsTerminal() {
		return nil, ErrSagaTerminal
	}

	if exec, ok := o.running[sagaID]; ok {
		exec.cancel.Store(true)
	} else if !instance.CancelRequested {
		instance.CancelRequested = true
		if err := o.store.Save(ctx, instance); err != nil {
			return nil, fmt.Errorf("save saga %s: %w", sagaID, err)
		}
	}
	instance.CancelRequested = true

	o.metrics.RecordSagaCancellation()
	o.logger.InfoContext(ctx, "saga cancel requested", "saga_id", sagaID, "state", instance.State.String())
	o.publish(ctx, Event{Type: EventSagaCancelRequested, SagaID: sagaID, State: instance.State})
	return instance, nil
}

// Resume re-runs a non-terminal saga over its journal. Recorded steps are not
// invoked again.
func (o *Orchestrator) Resume(ctx context.Context, sagaID string) error {
	o.mu.RLock()
	closed := o.closed
	_, running := o.running[sagaID]
	o.mu.RUnlock()
	if closed {
		return ErrOrchestratorClosed
	}
	if running {
		return nil
	}

	instance, err := o.store.Get(ctx, sagaID)
	if err != nil {
		return err
	}
	if instance.State.IsTerminal() {
		return ErrSagaTerminal
	}

	o.logger.InfoContext(ctx, "saga resuming", "saga_id", sagaID, "state", instance.State.String())
	o.publish(ctx, Event{Type: EventSagaResumed, SagaID: sagaID, State: instance.State})
	return o.launch(ctx, instance, true)
}

// Closed reports whether Close has been called.
func (o *Orchestrator) Closed() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.closed
}

// SetPolicies replaces the policies used by sagas started from now on.
// Running sagas keep the policies they started with.
func (o *Orchestrator) SetPolicies(policies PolicySet) error {
	if err := policies.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	o.policies = policies.Clone()
	o.mu.Unlock()
	return nil
}

// Policies returns a copy of the policies applied to new sagas.
func (o *Orchestrator) Policies() PolicySet {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.policies.Clone()
}

// Close stops accepting sagas and suspends the running ones at their next
// suspension point. Suspended sagas stay resumable.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.rootCancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for sagas to suspend: %w", ctx.Err())
	}
}

func (o *Orchestrator) launch(ctx context.Context, instance *SagaInstance, resumed bool) error {
	exec := &execution{done: make(chan struct{})}
	exec.cancel.Store(instance.CancelRequested)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrOrchestratorClosed
	}
	if _, ok := o.running[instance.ID]; ok {
		o.mu.Unlock()
		return nil
	}
	if resumed {
		// Cancel may have landed between the caller's read and now.
		if latest, err := o.store.Get(ctx, instance.ID); err == nil && latest.CancelRequested {
			exec.cancel.Store(true)
		}
	}
	o.running[instance.ID] = exec
	o.wg.Add(1)
	o.mu.Unlock()

	// Detach from the caller but keep its trace.
	runCtx := trace.ContextWithSpanContext(o.rootCtx, trace.SpanContextFromContext(ctx))

	go func() {
		defer o.wg.Done()
		exec.err = o.execute(runCtx, instance, exec, resumed)

		o.mu.Lock()
		delete(o.running, instance.ID)
		o.mu.Unlock()
		close(exec.done)
	}()
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, instance *SagaInstance, exec *execution, resumed bool) error {
	select {
	case o.sema <- struct{}{}:
	case <-ctx.Done():
		return ErrSuspended
	}
	defer func() { <-o.sema }()

	o.metrics.IncActiveSagas()
	defer o.metrics.DecActiveSagas()

	ctx = logger.ContextWith(ctx, "saga_id", instance.ID)

	if resumed {
		var span trace.Span
		ctx, span = sagaTracer().Start(ctx, spanSagaRecoveryResume, trace.WithAttributes(attrSagaID.String(instance.ID)))
		defer span.End()
	}

	rt, err := NewRuntime(ctx, instance.ID, o.journal, o.invoker, o.clock)
	if err != nil {
		return err
	}

	instance.reset()
	c := &coordinator{
		instance:     instance,
		registry:     NewCompensationRegistry(nil),
		rt:           rt,
		store:        o.store,
		events:       o.events,
		eventTimeout: o.eventTimeout,
		metrics:      o.metrics,
		logger:       o.logger,
		cancelled: func() bool {
			return exec.cancel.Load()
		},
	}

	runErr := c.run(ctx)

	if exec.cancel.Load() && !instance.CancelRequested {
		instance.CancelRequested = true
		if err := o.store.Save(context.WithoutCancel(ctx), instance); err != nil {
			o.logger.ErrorContext(ctx, "persist cancel request failed", "error", err)
		}
	}

	switch {
	case runErr == nil:
		if !o.retainJournal {
			if err := o.journal.Delete(context.WithoutCancel(ctx), instance.ID); err != nil {
				o.logger.WarnContext(ctx, "journal cleanup failed", "error", err)
			}
		}
	case errors.Is(runErr, ErrSuspended):
		o.logger.InfoContext(ctx, "saga suspended", "state", instance.State.String())
	default:
		o.logger.ErrorContext(ctx, "saga execution stopped", "state", instance.State.String(), "error", runErr)
	}
	return runErr
}

func (o *Orchestrator) publish(ctx context.Context, event Event) {
	event.Timestamp = o.clock.Now()
	if err := publishWithin(context.WithoutCancel(ctx), o.events, event, o.eventTimeout); err != nil {
		o.logger.WarnContext(ctx, "saga event publish failed", "saga_id", event.SagaID, "event", event.Type, "error", err)
	}
}
