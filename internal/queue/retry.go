package queue

import (
	"time"

	"github.com/rs/zerolog"
)

// Decision is the retry controller's verdict on a failed work item.
type Decision int

const (
	// DecisionRequeue returns the item to pending with a backoff delay.
	DecisionRequeue Decision = iota
	// DecisionFail marks the item terminally failed.
	DecisionFail
)

// String returns a human-readable name for the decision.
func (d Decision) String() string {
	if d == DecisionRequeue {
		return "Requeue"
	}
	return "Fail"
}

// RetryController decides whether a failed work item is re-queued with backoff
// or marked terminally failed, and applies the transition to the store.
type RetryController struct {
	store *Store
	base  time.Duration
	cap   time.Duration
	log   zerolog.Logger
}

// NewRetryController creates a retry controller with exponential backoff:
// base * 2^retry_count, capped.
func NewRetryController(store *Store, base, cap time.Duration, log zerolog.Logger) *RetryController {
	return &RetryController{
		store: store,
		base:  base,
		cap:   cap,
		log:   log.With().Str("component", "retry_controller").Logger(),
	}
}

// Backoff returns the delay before retry attempt retryCount+1.
// Successive delays are non-decreasing and bounded by the cap.
func (c *RetryController) Backoff(retryCount int) time.Duration {
	delay := c.base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= c.cap {
			return c.cap
		}
	}
	if delay > c.cap {
		return c.cap
	}
	return delay
}

// OnFailure handles a handler error for a running item: requeue with backoff
// while the retry budget lasts, terminal failure otherwise. Errors marked
// non-retryable fail immediately regardless of remaining budget.
func (c *RetryController) OnFailure(item *WorkItem, handlerErr error) (Decision, error) {
	errMsg := handlerErr.Error()

	if IsNonRetryable(handlerErr) {
		c.log.Warn().
			Str("work_item", item.ID).
			Str("error", errMsg).
			Msg("Non-retryable failure, marking failed")
		return DecisionFail, c.store.MarkFailed(item.ID, errMsg)
	}

	if item.RetryCount < item.MaxRetries {
		delay := c.Backoff(item.RetryCount)
		c.log.Info().
			Str("work_item", item.ID).
			Int("retry_count", item.RetryCount+1).
			Int("max_retries", item.MaxRetries).
			Dur("delay", delay).
			Str("error", errMsg).
			Msg("Requeueing failed work item")
		return DecisionRequeue, c.store.Requeue(item.ID, time.Now().Add(delay))
	}

	c.log.Warn().
		Str("work_item", item.ID).
		Int("retry_count", item.RetryCount).
		Str("error", errMsg).
		Msg("Retry budget exhausted, marking failed")
	return DecisionFail, c.store.MarkFailed(item.ID, errMsg)
}

// OperatorRetry reactivates a terminally failed item through the same pending
// -> claim -> execute path the automatic retry uses. resetRetries starts the
// retry budget over; otherwise remaining budget must exist.
func (c *RetryController) OperatorRetry(id string, resetRetries bool) error {
	c.log.Info().
		Str("work_item", id).
		Bool("reset_retries", resetRetries).
		Msg("Operator-initiated retry")
	return c.store.Reactivate(id, resetRetries)
}
