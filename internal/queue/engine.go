package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/IrisGuard/coin-ai-market-sub001/internal/events"
)

// Options configures the engine.
type Options struct {
	WorkerCount int           // Concurrent execution slots
	IdleWait    time.Duration // Scheduler wait when no eligible work
	WorkTimeout time.Duration // Maximum duration a work item may run
	BackoffBase time.Duration // First retry delay
	BackoffCap  time.Duration // Maximum retry delay
}

// Engine wires the store, registry, retry controller, worker pool and
// scheduler into one component with a simple lifecycle and enqueue surface.
type Engine struct {
	store     *Store
	registry  *Registry
	retry     *RetryController
	pool      *WorkerPool
	scheduler *Scheduler
	eventMgr  *events.Manager
	log       zerolog.Logger
}

// NewEngine creates a fully wired command queue engine.
func NewEngine(opts Options, store *Store, registry *Registry, eventMgr *events.Manager, log zerolog.Logger) *Engine {
	if opts.WorkTimeout <= 0 {
		opts.WorkTimeout = 7 * time.Minute
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 5 * time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 5 * time.Minute
	}

	retry := NewRetryController(store, opts.BackoffBase, opts.BackoffCap, log)
	pool := NewWorkerPool(store, registry, retry, eventMgr, opts.WorkerCount, opts.WorkTimeout, log)
	scheduler := NewScheduler(store, pool, opts.IdleWait, log)
	pool.SetOnDone(scheduler.Trigger)

	return &Engine{
		store:     store,
		registry:  registry,
		retry:     retry,
		pool:      pool,
		scheduler: scheduler,
		eventMgr:  eventMgr,
		log:       log.With().Str("component", "engine").Logger(),
	}
}

// Store returns the work item store.
func (e *Engine) Store() *Store {
	return e.store
}

// Registry returns the command registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Pool returns the worker pool.
func (e *Engine) Pool() *WorkerPool {
	return e.pool
}

// SetBulkExecutor wires the bulk operation runner into the worker pool.
func (e *Engine) SetBulkExecutor(bulk BulkExecutor) {
	e.pool.SetBulkExecutor(bulk)
}

// Start persists the registry's command definitions and starts the scheduler.
func (e *Engine) Start() error {
	if err := e.store.SyncCommandDefinitions(e.registry.Definitions()); err != nil {
		return fmt.Errorf("failed to sync command definitions: %w", err)
	}
	e.scheduler.Start()
	return nil
}

// Stop stops claiming new work and waits for in-flight items to finish.
func (e *Engine) Stop() {
	e.scheduler.Stop()
	e.pool.Wait()
}

// Trigger wakes the scheduler; used after out-of-band enqueues.
func (e *Engine) Trigger() {
	e.scheduler.Trigger()
}

// EnqueueOptions carries optional enqueue parameters.
type EnqueueOptions struct {
	Priority    Priority
	ScheduledAt time.Time // zero = now
	MaxRetries  int
}

// Enqueue validates and persists a new command work item.
// Input payloads are validated against the command's schema here, at enqueue
// time, so malformed payloads are rejected before they can become retryable
// failures.
func (e *Engine) Enqueue(commandID string, input map[string]interface{}, opts EnqueueOptions) (*WorkItem, error) {
	if err := e.registry.ValidateInput(commandID, input); err != nil {
		if errors.Is(err, ErrUnknownCommand) {
			return nil, err
		}
		return nil, fmt.Errorf("invalid input payload for %s: %w", commandID, err)
	}

	item := &WorkItem{
		CommandID:   commandID,
		Priority:    opts.Priority,
		ScheduledAt: opts.ScheduledAt,
		MaxRetries:  opts.MaxRetries,
		Input:       input,
	}
	if err := e.store.Create(item); err != nil {
		return nil, fmt.Errorf("failed to enqueue %s: %w", commandID, err)
	}

	e.log.Info().
		Str("work_item", item.ID).
		Str("command", commandID).
		Int("priority", int(item.Priority)).
		Time("scheduled_at", item.ScheduledAt).
		Msg("Enqueued command")

	e.scheduler.Trigger()
	return item, nil
}

// EnqueueBulk persists a new bulk operation work item.
func (e *Engine) EnqueueBulk(op BulkOperation, targetTable string, input map[string]interface{}, opts EnqueueOptions) (*WorkItem, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("invalid bulk operation %q", op)
	}

	item := &WorkItem{
		TargetTable: targetTable,
		Operation:   op,
		Priority:    opts.Priority,
		ScheduledAt: opts.ScheduledAt,
		MaxRetries:  opts.MaxRetries,
		Input:       input,
	}
	if err := e.store.Create(item); err != nil {
		return nil, fmt.Errorf("failed to enqueue bulk %s on %s: %w", op, targetTable, err)
	}

	e.log.Info().
		Str("work_item", item.ID).
		Str("operation", string(op)).
		Str("target_table", targetTable).
		Msg("Enqueued bulk operation")

	e.scheduler.Trigger()
	return item, nil
}

// Cancel cancels a work item. Pending items transition directly; running items
// get their cancellation signal propagated to the handler. Terminal items
// cannot be cancelled.
func (e *Engine) Cancel(id string) error {
	item, err := e.store.Get(id)
	if err != nil {
		return err
	}

	switch item.Status {
	case StatusPending:
		return e.store.CancelPending(id)
	case StatusRunning:
		if e.pool.Cancel(id) {
			return nil
		}
		// Not registered in this pool yet (or running in another process);
		// persist the flag, then retry in case registration just finished.
		if err := e.store.RequestCancel(id); err != nil {
			return err
		}
		e.pool.Cancel(id)
		return nil
	default:
		return fmt.Errorf("cannot cancel %s item %s", item.Status, id)
	}
}

// Retry reactivates a failed item via the retry controller's operator path.
func (e *Engine) Retry(id string, resetRetries bool) error {
	if err := e.retry.OperatorRetry(id, resetRetries); err != nil {
		return err
	}
	e.scheduler.Trigger()
	return nil
}

// Pause sets the cooperative pause flag on a running bulk operation.
func (e *Engine) Pause(id string) error {
	return e.store.RequestPause(id, true)
}

// Resume clears the cooperative pause flag.
func (e *Engine) Resume(id string) error {
	return e.store.RequestPause(id, false)
}
