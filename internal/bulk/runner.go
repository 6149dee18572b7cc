// Package bulk implements the bulk operation runner: chunked processing of a
// named record set with persisted progress counters, cooperative pause, and
// cancellation between chunks.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/IrisGuard/coin-ai-market-sub001/internal/queue"
)

// Record is one row of a target record set.
type Record map[string]interface{}

// ErrUnknownTable is returned by a RecordSource when the target table is not
// part of the bulk-operable set. It makes the operation terminally failed
// (it could not run at all), never retried.
var ErrUnknownTable = errors.New("unknown target table")

// RecordSource provides access to the record sets bulk operations run against.
// The engine never inspects domain semantics; it only counts, fetches, and
// applies.
type RecordSource interface {
	// Count returns the number of records currently in the target set.
	Count(ctx context.Context, table string) (int, error)
	// FetchChunk returns up to limit records starting at offset, in a stable
	// order.
	FetchChunk(ctx context.Context, table string, offset, limit int) ([]Record, error)
	// Apply performs the operation on a single record.
	Apply(ctx context.Context, table string, op queue.BulkOperation, record Record) error
}

// ArtifactSink receives finished export artifacts (implemented by the archive
// package). Optional; exports without a sink stay on local disk.
type ArtifactSink interface {
	StoreArtifact(ctx context.Context, name, path string) error
}

// Runner executes bulk work items in fixed-size chunks. After each chunk the
// running totals are persisted atomically, so progress is visible mid-flight
// and a cancelled or restarted operation resumes from its last completed
// chunk (offset = processed + failed).
type Runner struct {
	store     *queue.Store
	source    RecordSource
	sink      ArtifactSink
	chunkSize int
	dataDir   string
	pausePoll time.Duration
	log       zerolog.Logger
}

// NewRunner creates a bulk operation runner.
func NewRunner(store *queue.Store, source RecordSource, chunkSize int, dataDir string, log zerolog.Logger) *Runner {
	if chunkSize < 1 {
		chunkSize = 10
	}
	return &Runner{
		store:     store,
		source:    source,
		chunkSize: chunkSize,
		dataDir:   dataDir,
		pausePoll: 500 * time.Millisecond,
		log:       log.With().Str("component", "bulk_runner").Logger(),
	}
}

// SetArtifactSink wires the export artifact destination.
func (r *Runner) SetArtifactSink(sink ArtifactSink) {
	r.sink = sink
}

// Run executes one bulk work item to completion, cancellation, or failure.
// Satisfies queue.BulkExecutor.
func (r *Runner) Run(ctx context.Context, item *queue.WorkItem, reporter *queue.ProgressReporter) (map[string]interface{}, error) {
	switch item.Operation {
	case queue.BulkImport:
		return r.runImport(ctx, item, reporter)
	case queue.BulkExport:
		return r.runExport(ctx, item, reporter)
	case queue.BulkUpdate, queue.BulkDelete:
		return r.runApply(ctx, item, reporter)
	default:
		return nil, queue.NonRetryablef("unsupported bulk operation %q", item.Operation)
	}
}

// resolveTotal stamps total_records on first run and returns the total.
// On resume the persisted total is reused; the record set is not re-validated,
// the operation continues from its last completed chunk.
func (r *Runner) resolveTotal(ctx context.Context, item *queue.WorkItem) (int, error) {
	if item.TotalRecords > 0 {
		return item.TotalRecords, nil
	}

	total, err := r.source.Count(ctx, item.TargetTable)
	if err != nil {
		if errors.Is(err, ErrUnknownTable) {
			return 0, queue.NonRetryablef("invalid target table %q", item.TargetTable)
		}
		return 0, fmt.Errorf("failed to count %s: %w", item.TargetTable, err)
	}

	if total > 0 {
		if err := r.store.SetTotalRecords(item.ID, total); err != nil {
			return 0, fmt.Errorf("failed to stamp total records: %w", err)
		}
	}
	return total, nil
}

// checkpoint polls the cooperative control flags between chunks. It blocks
// while paused (status stays running, no chunks claimed) and returns
// context.Canceled when cancellation was requested.
func (r *Runner) checkpoint(ctx context.Context, itemID string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		cancel, pause, err := r.store.ControlFlags(itemID)
		if err != nil {
			return fmt.Errorf("failed to read control flags: %w", err)
		}
		if cancel {
			return context.Canceled
		}
		if !pause {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.pausePoll):
		}
	}
}

// runApply processes update/delete operations against the target table.
// Updates apply the payload's "set" patch to every record in the set.
func (r *Runner) runApply(ctx context.Context, item *queue.WorkItem, reporter *queue.ProgressReporter) (map[string]interface{}, error) {
	if item.Operation == queue.BulkUpdate {
		if _, err := updatePatch(item.Input); err != nil {
			return nil, queue.NonRetryable(err)
		}
	}

	total, err := r.resolveTotal(ctx, item)
	if err != nil {
		return nil, err
	}

	processed := item.ProcessedRecords
	failed := item.FailedRecords

	for processed+failed < total {
		if err := r.checkpoint(ctx, item.ID); err != nil {
			return nil, err
		}

		// Deletes shrink the underlying set, so the next chunk always starts
		// past only the records that failed and are still present.
		offset := processed + failed
		if item.Operation == queue.BulkDelete {
			offset = failed
		}

		limit := r.chunkSize
		if remaining := total - processed - failed; remaining < limit {
			limit = remaining
		}

		records, err := r.source.FetchChunk(ctx, item.TargetTable, offset, limit)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch chunk at %d: %w", offset, err)
		}
		if len(records) == 0 {
			// Set shrank underneath us; stop at the records actually seen.
			break
		}

		chunkOK, chunkFailed, err := r.applyChunk(ctx, item, records)
		if err != nil {
			return nil, err
		}

		if err := r.store.AddProgress(item.ID, chunkOK, chunkFailed); err != nil {
			return nil, fmt.Errorf("failed to persist chunk progress: %w", err)
		}
		processed += chunkOK
		failed += chunkFailed
		reporter.Report(processed+failed, total, fmt.Sprintf("%s %s", item.Operation, item.TargetTable))
	}

	return map[string]interface{}{
		"total_records":     total,
		"processed_records": processed,
		"failed_records":    failed,
	}, nil
}

// applyChunk applies the operation record by record. A mid-chunk cancellation
// aborts without counting the partial chunk, so counters only ever reflect
// fully-completed chunks.
func (r *Runner) applyChunk(ctx context.Context, item *queue.WorkItem, records []Record) (ok, failed int, err error) {
	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}

		target := record
		if item.Operation == queue.BulkUpdate {
			patch, patchErr := updatePatch(item.Input)
			if patchErr != nil {
				return 0, 0, queue.NonRetryable(patchErr)
			}
			target = Record{"id": record["id"]}
			for col, value := range patch {
				target[col] = value
			}
		}

		if applyErr := r.source.Apply(ctx, item.TargetTable, item.Operation, target); applyErr != nil {
			r.log.Warn().
				Err(applyErr).
				Str("work_item", item.ID).
				Str("table", item.TargetTable).
				Msg("Record failed in bulk chunk")
			failed++
			continue
		}
		ok++
	}
	return ok, failed, nil
}

// runImport processes records carried in the item's input payload into the
// target table. The record set is the payload, so total comes from it, not
// from the table.
func (r *Runner) runImport(ctx context.Context, item *queue.WorkItem, reporter *queue.ProgressReporter) (map[string]interface{}, error) {
	records, err := importRecords(item.Input)
	if err != nil {
		return nil, queue.NonRetryable(err)
	}

	total := len(records)
	if item.TotalRecords == 0 && total > 0 {
		if err := r.store.SetTotalRecords(item.ID, total); err != nil {
			return nil, fmt.Errorf("failed to stamp total records: %w", err)
		}
	}

	processed := item.ProcessedRecords
	failed := item.FailedRecords

	for processed+failed < total {
		if err := r.checkpoint(ctx, item.ID); err != nil {
			return nil, err
		}

		offset := processed + failed
		end := offset + r.chunkSize
		if end > total {
			end = total
		}

		chunkOK, chunkFailed, err := r.applyChunk(ctx, item, records[offset:end])
		if err != nil {
			return nil, err
		}

		if err := r.store.AddProgress(item.ID, chunkOK, chunkFailed); err != nil {
			return nil, fmt.Errorf("failed to persist chunk progress: %w", err)
		}
		processed += chunkOK
		failed += chunkFailed
		reporter.Report(processed+failed, total, fmt.Sprintf("import %s", item.TargetTable))
	}

	return map[string]interface{}{
		"total_records":     total,
		"processed_records": processed,
		"failed_records":    failed,
	}, nil
}

// updatePatch extracts the column patch from an update payload.
func updatePatch(input map[string]interface{}) (map[string]interface{}, error) {
	raw, ok := input["set"]
	if !ok {
		return nil, fmt.Errorf("update payload missing set")
	}
	patch, ok := raw.(map[string]interface{})
	if !ok || len(patch) == 0 {
		return nil, fmt.Errorf("update set must be a non-empty object")
	}
	if _, reserved := patch["id"]; reserved {
		return nil, fmt.Errorf("update set must not change id")
	}
	return patch, nil
}

// importRecords extracts the record slice from an import payload.
func importRecords(input map[string]interface{}) ([]Record, error) {
	raw, ok := input["records"]
	if !ok {
		return nil, fmt.Errorf("import payload missing records")
	}

	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("import records must be a list")
	}

	records := make([]Record, 0, len(list))
	for i, entry := range list {
		m, ok := entry.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("import record %d is not an object", i)
		}
		records = append(records, Record(m))
	}
	return records, nil
}
