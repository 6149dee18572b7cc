package bulk

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/IrisGuard/coin-ai-market-sub001/internal/queue"
)

// runExport streams the target record set into a msgpack artifact on disk,
// one chunk at a time, then hands the finished file to the artifact sink.
//
// A resumed export continues from the persisted offset into a fresh artifact,
// so the file holds only the records not covered by an earlier attempt. Each
// run produces its own timestamped file.
func (r *Runner) runExport(ctx context.Context, item *queue.WorkItem, reporter *queue.ProgressReporter) (map[string]interface{}, error) {
	total, err := r.resolveTotal(ctx, item)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(r.dataDir, "exports")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}

	name := fmt.Sprintf("%s_%s_%s.msgpack", item.TargetTable, item.ID[:8], time.Now().UTC().Format("20060102T150405"))
	path := filepath.Join(dir, name)

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create export artifact: %w", err)
	}
	defer file.Close()

	enc := msgpack.NewEncoder(file)

	processed := item.ProcessedRecords
	failed := item.FailedRecords

	for processed+failed < total {
		if err := r.checkpoint(ctx, item.ID); err != nil {
			return nil, err
		}

		limit := r.chunkSize
		if remaining := total - processed - failed; remaining < limit {
			limit = remaining
		}

		records, err := r.source.FetchChunk(ctx, item.TargetTable, processed+failed, limit)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch chunk at %d: %w", processed+failed, err)
		}
		if len(records) == 0 {
			break
		}

		chunkOK := 0
		chunkFailed := 0
		for _, record := range records {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if encErr := enc.Encode(map[string]interface{}(record)); encErr != nil {
				r.log.Warn().
					Err(encErr).
					Str("work_item", item.ID).
					Msg("Record failed to encode during export")
				chunkFailed++
				continue
			}
			chunkOK++
		}

		if err := r.store.AddProgress(item.ID, chunkOK, chunkFailed); err != nil {
			return nil, fmt.Errorf("failed to persist chunk progress: %w", err)
		}
		processed += chunkOK
		failed += chunkFailed
		reporter.Report(processed+failed, total, fmt.Sprintf("export %s", item.TargetTable))
	}

	if err := file.Sync(); err != nil {
		return nil, fmt.Errorf("failed to flush export artifact: %w", err)
	}

	result := map[string]interface{}{
		"total_records":     total,
		"processed_records": processed,
		"failed_records":    failed,
		"artifact":          path,
	}

	if r.sink != nil {
		if err := r.sink.StoreArtifact(ctx, name, path); err != nil {
			// The artifact survives locally; archiving is best effort.
			r.log.Error().Err(err).Str("artifact", name).Msg("Failed to archive export artifact")
			result["archive_error"] = err.Error()
		} else {
			result["archived"] = true
		}
	}

	return result, nil
}
