package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/IrisGuard/coin-ai-market-sub001/internal/events"
)

// BulkExecutor runs bulk work items. Implemented by the bulk package; the pool
// only knows that bulk items go here instead of through the command registry.
type BulkExecutor interface {
	Run(ctx context.Context, item *WorkItem, reporter *ProgressReporter) (map[string]interface{}, error)
}

// runningItem tracks the cancellation handle for one executing work item.
type runningItem struct {
	cancel          context.CancelFunc
	cancelRequested atomic.Bool
}

// WorkerPool executes claimed work items on a bounded set of concurrent slots.
// Each slot runs one handler to completion, failure, or cancellation and writes
// the terminal transition back through the store (failures via the retry
// controller).
type WorkerPool struct {
	registry *Registry
	store    *Store
	retry    *RetryController
	eventMgr *events.Manager
	bulk     BulkExecutor

	capacity int
	timeout  time.Duration

	slots   chan struct{}
	running map[string]*runningItem
	mu      sync.Mutex
	wg      sync.WaitGroup
	onDone  func() // invoked after each item finishes (scheduler wakeup)
	log     zerolog.Logger
}

// NewWorkerPool creates a worker pool with the given slot capacity and per-item
// execution timeout.
func NewWorkerPool(store *Store, registry *Registry, retry *RetryController, eventMgr *events.Manager, capacity int, timeout time.Duration, log zerolog.Logger) *WorkerPool {
	if capacity < 1 {
		capacity = 1
	}
	return &WorkerPool{
		registry: registry,
		store:    store,
		retry:    retry,
		eventMgr: eventMgr,
		capacity: capacity,
		timeout:  timeout,
		slots:    make(chan struct{}, capacity),
		running:  make(map[string]*runningItem),
		log:      log.With().Str("component", "worker_pool").Logger(),
	}
}

// SetBulkExecutor wires the bulk operation runner.
func (p *WorkerPool) SetBulkExecutor(bulk BulkExecutor) {
	p.bulk = bulk
}

// SetOnDone registers a callback invoked whenever a slot frees up.
func (p *WorkerPool) SetOnDone(fn func()) {
	p.onDone = fn
}

// FreeSlots returns the number of currently available execution slots.
func (p *WorkerPool) FreeSlots() int {
	return p.capacity - len(p.slots)
}

// RunningCount returns the number of currently executing items.
func (p *WorkerPool) RunningCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

// Submit hands a claimed (running) work item to a free slot.
// Returns false if the pool is full; the scheduler only claims up to the free
// slot count, so a false here indicates a racing submit and the item stays
// claimed until a slot retries it.
func (p *WorkerPool) Submit(item *WorkItem) bool {
	select {
	case p.slots <- struct{}{}:
	default:
		return false
	}

	p.wg.Add(1)
	go p.run(item)
	return true
}

// Cancel requests cancellation of a running item. The cooperative flag is
// persisted first so chunked handlers polling the store observe it, then the
// item's context is cancelled. Returns false if the item is not running in
// this pool.
func (p *WorkerPool) Cancel(id string) bool {
	p.mu.Lock()
	ri := p.running[id]
	p.mu.Unlock()

	if ri == nil {
		return false
	}

	ri.cancelRequested.Store(true)
	if err := p.store.RequestCancel(id); err != nil && !errors.Is(err, ErrStaleTransition) {
		p.log.Error().Err(err).Str("work_item", id).Msg("Failed to persist cancel request")
	}
	ri.cancel()
	return true
}

// Wait blocks until all in-flight items have finished.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// run executes one work item to its terminal transition.
func (p *WorkerPool) run(item *WorkItem) {
	defer func() {
		<-p.slots
		p.wg.Done()
		if p.onDone != nil {
			p.onDone()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	ri := &runningItem{cancel: cancel}
	p.mu.Lock()
	p.running[item.ID] = ri
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.running, item.ID)
		p.mu.Unlock()
	}()

	// A cancel can land between claim and registration, persisting only the
	// store flag. Plain command handlers never poll that flag, so propagate
	// it into the context here.
	if cancelReq, _, flagErr := p.store.ControlFlags(item.ID); flagErr == nil && cancelReq {
		ri.cancelRequested.Store(true)
		cancel()
	}

	started := time.Now()
	p.emitStatus(item, "started", "", 0)

	result, err := p.execute(ctx, item)
	duration := time.Since(started)

	switch {
	case err == nil:
		if storeErr := p.store.MarkCompleted(item.ID, result); storeErr != nil {
			// A cancel request can win the race after the handler returns.
			p.log.Error().Err(storeErr).Str("work_item", item.ID).Msg("Failed to mark work item completed")
			return
		}
		p.log.Info().
			Str("work_item", item.ID).
			Str("command", item.CommandID).
			Dur("duration", duration).
			Msg("Work item completed")
		p.emitStatus(item, "completed", "", duration)

	case ri.cancelRequested.Load() || errors.Is(err, context.Canceled):
		if storeErr := p.store.MarkCancelled(item.ID); storeErr != nil {
			p.log.Error().Err(storeErr).Str("work_item", item.ID).Msg("Failed to mark work item cancelled")
			return
		}
		p.log.Info().
			Str("work_item", item.ID).
			Dur("duration", duration).
			Msg("Work item cancelled")
		p.emitStatus(item, "cancelled", "", duration)

	case errors.Is(err, ErrUnknownCommand):
		// Immediate terminal failure, never retried.
		if storeErr := p.store.MarkFailed(item.ID, ErrUnknownCommand.Error()); storeErr != nil {
			p.log.Error().Err(storeErr).Str("work_item", item.ID).Msg("Failed to mark work item failed")
			return
		}
		p.log.Warn().
			Str("work_item", item.ID).
			Str("command", item.CommandID).
			Msg("Unknown or inactive command")
		p.emitStatus(item, "failed", ErrUnknownCommand.Error(), duration)

	default:
		if errors.Is(err, context.DeadlineExceeded) {
			p.log.Error().Str("work_item", item.ID).Dur("timeout", p.timeout).Msg("Work item timed out")
		} else {
			p.log.Error().Err(err).Str("work_item", item.ID).Msg("Work item failed")
		}

		decision, storeErr := p.retry.OnFailure(item, err)
		if storeErr != nil {
			p.log.Error().Err(storeErr).Str("work_item", item.ID).Msg("Failed to apply retry decision")
			return
		}
		if decision == DecisionFail {
			p.emitStatus(item, "failed", err.Error(), duration)
		}
	}
}

// execute resolves and invokes the handler for one item.
func (p *WorkerPool) execute(ctx context.Context, item *WorkItem) (map[string]interface{}, error) {
	reporter := NewProgressReporter(p.eventMgr, item.ID, item.CommandID)

	if item.IsBulk() {
		if p.bulk == nil {
			return nil, ErrUnknownCommand
		}
		return p.bulk.Run(ctx, item, reporter)
	}

	reg, err := p.registry.Resolve(item.CommandID)
	if err != nil {
		return nil, err
	}
	return reg.Handler(ctx, item)
}

// emitStatus publishes a work item lifecycle event.
func (p *WorkerPool) emitStatus(item *WorkItem, status, errMsg string, duration time.Duration) {
	if p.eventMgr == nil {
		return
	}
	data := &events.JobStatusData{
		JobID:     item.ID,
		CommandID: item.CommandID,
		Status:    status,
		Error:     errMsg,
		Duration:  duration.Seconds(),
		Timestamp: time.Now(),
	}
	p.eventMgr.EmitTyped(data.EventType(), "queue", data)
}
