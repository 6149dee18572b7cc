package queue

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Scheduler selects eligible pending work items and hands them to the worker
// pool. Claim order is (priority DESC, scheduled_at ASC, created_at ASC); the
// conditional claim in the store is the sole coordination primitive, so
// running several scheduler instances concurrently is safe - a losing claim is
// simply not returned.
type Scheduler struct {
	store    *Store
	pool     *WorkerPool
	idleWait time.Duration

	trigger chan struct{}
	stop    chan struct{}
	stopped bool
	started bool
	mu      sync.Mutex
	wg      sync.WaitGroup
	log     zerolog.Logger
}

// NewScheduler creates a new scheduler.
func NewScheduler(store *Store, pool *WorkerPool, idleWait time.Duration, log zerolog.Logger) *Scheduler {
	if idleWait <= 0 {
		idleWait = 250 * time.Millisecond
	}
	return &Scheduler{
		store:    store,
		pool:     pool,
		idleWait: idleWait,
		trigger:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
		log:      log.With().Str("component", "scheduler").Logger(),
	}
}

// Next claims up to capacity eligible items, transitioning each to running.
// Returns an empty slice when nothing is eligible; claim contention is not an
// error.
func (s *Scheduler) Next(capacity int) ([]*WorkItem, error) {
	return s.store.ClaimNext(capacity, time.Now())
}

// Trigger wakes up the scheduler loop to check for work.
// Non-blocking; safe to call from any goroutine.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
		// Trigger already pending
	}
}

// Start starts the scheduler loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Prevent multiple starts
	if s.started && !s.stopped {
		s.log.Warn().Msg("Scheduler already started, ignoring")
		return
	}

	if s.stopped {
		// Reset stop channel if it was stopped
		s.stop = make(chan struct{})
		s.stopped = false
	}

	s.started = true
	s.log.Info().Dur("idle_wait", s.idleWait).Msg("Scheduler started")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
}

// Stop stops the scheduler and waits for the loop to finish.
// In-flight work items keep running; use the pool's Wait for full drain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	close(s.stop)
	s.stopped = true
	s.started = false
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info().Msg("Scheduler stopped")
}

// loop claims and dispatches work until stopped. When nothing is eligible (or
// the pool is full) it waits a bounded idle interval, never an unbounded
// block, so newly scheduled work is picked up promptly.
func (s *Scheduler) loop() {
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		capacity := s.pool.FreeSlots()
		if capacity == 0 {
			s.idle()
			continue
		}

		items, err := s.Next(capacity)
		if err != nil {
			s.log.Error().Err(err).Msg("Failed to claim work items")
			s.idle()
			continue
		}

		if len(items) == 0 {
			s.idle()
			continue
		}

		for _, item := range items {
			s.log.Debug().
				Str("work_item", item.ID).
				Str("command", item.CommandID).
				Int("priority", int(item.Priority)).
				Msg("Dispatching work item")
			if !s.pool.Submit(item) {
				// Slot vanished between FreeSlots and Submit; the item stays
				// claimed and is finished on the next pass once a slot frees.
				s.requeueUnsubmitted(item)
			}
		}
	}
}

// idle waits for a trigger, the idle interval, or shutdown.
func (s *Scheduler) idle() {
	timer := time.NewTimer(s.idleWait)
	defer timer.Stop()

	select {
	case <-s.stop:
	case <-s.trigger:
	case <-timer.C:
	}
}

// requeueUnsubmitted releases a claim that could not be handed to the pool.
// The item goes straight back to pending with its original schedule.
func (s *Scheduler) requeueUnsubmitted(item *WorkItem) {
	// Direct release, not a retry: no budget is consumed.
	err := s.store.conditionalUpdate("release", item.ID, `
		UPDATE work_items
		SET status = ?, execution_started_at = NULL
		WHERE id = ? AND status = ?
	`, string(StatusPending), item.ID, string(StatusRunning))
	if err != nil {
		s.log.Error().Err(err).Str("work_item", item.ID).Msg("Failed to release unsubmitted claim")
	}
}
