package queue

import (
	"time"

	"github.com/IrisGuard/coin-ai-market-sub001/internal/events"
)

// ProgressReporter allows handlers to report progress during execution.
// Reports are throttled so a tight handler loop cannot flood the event bus.
type ProgressReporter struct {
	eventManager *events.Manager
	itemID       string
	commandID    string
	lastReport   time.Time
	minInterval  time.Duration // Minimum interval between progress reports
}

// NewProgressReporter creates a new progress reporter with throttling.
// Default throttle is 100ms (10 updates/sec max) for real-time feel.
func NewProgressReporter(em *events.Manager, itemID, commandID string) *ProgressReporter {
	return &ProgressReporter{
		eventManager: em,
		itemID:       itemID,
		commandID:    commandID,
		minInterval:  100 * time.Millisecond,
	}
}

// Report emits a progress event (throttled to prevent flooding).
// 100% completion always bypasses the throttle.
func (pr *ProgressReporter) Report(current, total int, message string) {
	if pr.eventManager == nil {
		return
	}

	now := time.Now()
	if now.Sub(pr.lastReport) < pr.minInterval && current != total {
		return
	}
	pr.lastReport = now

	pr.eventManager.EmitTyped(events.JobProgress, "queue", &events.JobStatusData{
		JobID:     pr.itemID,
		CommandID: pr.commandID,
		Status:    "progress",
		Progress: &events.JobProgressInfo{
			Current: current,
			Total:   total,
			Message: message,
		},
		Timestamp: now,
	})
}
