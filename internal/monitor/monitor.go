// Package monitor exposes read-only visibility over the command queue engine:
// status counts, queue depth, recent executions, bulk operation progress,
// execution statistics, and host resource usage for the dashboard.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"gonum.org/v1/gonum/stat"

	"github.com/IrisGuard/coin-ai-market-sub001/internal/queue"
)

// Facade answers monitoring queries against the work item store. All methods
// read committed state only; nothing here mutates the queue.
type Facade struct {
	store     *queue.Store
	dataDir   string
	startedAt time.Time
	log       zerolog.Logger
}

// New creates a monitoring facade. dataDir is the volume whose disk usage is
// reported in SystemStatus.
func New(store *queue.Store, dataDir string, log zerolog.Logger) *Facade {
	return &Facade{
		store:     store,
		dataDir:   dataDir,
		startedAt: time.Now(),
		log:       log.With().Str("component", "monitor").Logger(),
	}
}

// Overview is the top-level queue snapshot.
type Overview struct {
	Counts     map[queue.Status]int `json:"counts"`
	QueueDepth int                  `json:"queue_depth"`
	UptimeSecs int64                `json:"uptime_seconds"`
}

// Overview returns status counts plus the eligible-now queue depth.
func (f *Facade) Overview() (*Overview, error) {
	counts, err := f.store.CountByStatus()
	if err != nil {
		return nil, err
	}
	depth, err := f.store.PendingDepth(time.Now())
	if err != nil {
		return nil, err
	}
	return &Overview{
		Counts:     counts,
		QueueDepth: depth,
		UptimeSecs: int64(time.Since(f.startedAt).Seconds()),
	}, nil
}

// CountByStatus returns the number of work items in each state.
func (f *Facade) CountByStatus() (map[queue.Status]int, error) {
	return f.store.CountByStatus()
}

// QueueDepth returns the number of pending items eligible to run now.
func (f *Facade) QueueDepth() (int, error) {
	return f.store.PendingDepth(time.Now())
}

// RecentExecutions returns the most recently finished work items.
func (f *Facade) RecentExecutions(limit int) ([]*queue.WorkItem, error) {
	return f.store.ListRecent(limit)
}

// Progress is a point-in-time view of one bulk operation.
type Progress struct {
	ID               string       `json:"id"`
	Status           queue.Status `json:"status"`
	TotalRecords     int          `json:"total_records"`
	ProcessedRecords int          `json:"processed_records"`
	FailedRecords    int          `json:"failed_records"`
	Percent          float64      `json:"percent"`
	Paused           bool         `json:"paused"`
}

// OperationProgress reports the persisted progress of a bulk work item.
func (f *Facade) OperationProgress(id string) (*Progress, error) {
	item, err := f.store.Get(id)
	if err != nil {
		return nil, err
	}
	if !item.IsBulk() {
		return nil, fmt.Errorf("work item %s is not a bulk operation", id)
	}

	percent := 0.0
	if item.TotalRecords > 0 {
		percent = float64(item.ProcessedRecords+item.FailedRecords) / float64(item.TotalRecords) * 100
	}
	return &Progress{
		ID:               item.ID,
		Status:           item.Status,
		TotalRecords:     item.TotalRecords,
		ProcessedRecords: item.ProcessedRecords,
		FailedRecords:    item.FailedRecords,
		Percent:          percent,
		Paused:           item.PauseRequested,
	}, nil
}

// ExecutionStats summarizes execution durations over a trailing window.
type ExecutionStats struct {
	Window        string  `json:"window"`
	Finished      int     `json:"finished"`
	Completed     int     `json:"completed"`
	Failed        int     `json:"failed"`
	Cancelled     int     `json:"cancelled"`
	FailureRate   float64 `json:"failure_rate"`
	MeanSeconds   float64 `json:"mean_seconds"`
	MedianSeconds float64 `json:"median_seconds"`
	P95Seconds    float64 `json:"p95_seconds"`
}

// ExecutionStats computes duration statistics over items finished within the
// window. Cancelled items count toward totals but not toward durations.
func (f *Facade) ExecutionStats(window time.Duration) (*ExecutionStats, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}

	items, err := f.store.ListTerminalSince(time.Now().Add(-window), 0)
	if err != nil {
		return nil, err
	}

	stats := &ExecutionStats{Window: window.String(), Finished: len(items)}
	var durations []float64
	for _, item := range items {
		switch item.Status {
		case queue.StatusCompleted:
			stats.Completed++
		case queue.StatusFailed:
			stats.Failed++
		case queue.StatusCancelled:
			stats.Cancelled++
		}
		if item.Status != queue.StatusCancelled {
			if d := item.Duration(); d > 0 {
				durations = append(durations, d.Seconds())
			}
		}
	}

	if attempts := stats.Completed + stats.Failed; attempts > 0 {
		stats.FailureRate = float64(stats.Failed) / float64(attempts)
	}
	if len(durations) > 0 {
		sort.Float64s(durations)
		stats.MeanSeconds = stat.Mean(durations, nil)
		stats.MedianSeconds = stat.Quantile(0.5, stat.Empirical, durations, nil)
		stats.P95Seconds = stat.Quantile(0.95, stat.Empirical, durations, nil)
	}
	return stats, nil
}

// SystemStatus is a snapshot of host resource usage.
type SystemStatus struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  uint64  `json:"memory_used_mb"`
	DiskPercent   float64 `json:"disk_percent"`
	DiskFreeGB    float64 `json:"disk_free_gb"`
}

// SystemStatus reports CPU, memory, and data volume usage.
func (f *Facade) SystemStatus(ctx context.Context) (*SystemStatus, error) {
	status := &SystemStatus{}

	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, fmt.Errorf("failed to read cpu usage: %w", err)
	}
	if len(cpuPercents) > 0 {
		status.CPUPercent = cpuPercents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read memory usage: %w", err)
	}
	status.MemoryPercent = vm.UsedPercent
	status.MemoryUsedMB = vm.Used / 1024 / 1024

	usage, err := disk.UsageWithContext(ctx, f.dataDir)
	if err != nil {
		// The data dir may not exist yet on a fresh install.
		f.log.Warn().Err(err).Str("path", f.dataDir).Msg("Failed to read disk usage")
		return status, nil
	}
	status.DiskPercent = usage.UsedPercent
	status.DiskFreeGB = float64(usage.Free) / 1024 / 1024 / 1024
	return status, nil
}
