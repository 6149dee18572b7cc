// Package commands provides the built-in command registrations: maintenance
// work that the engine runs through its own queue, the same way any domain
// command would.
package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/IrisGuard/coin-ai-market-sub001/internal/archive"
	"github.com/IrisGuard/coin-ai-market-sub001/internal/database"
	"github.com/IrisGuard/coin-ai-market-sub001/internal/queue"
)

// Command IDs of the built-in maintenance commands.
const (
	HistoryCleanupID      = "history_cleanup"
	ArchiveRotationID     = "archive_rotation"
	DatabaseMaintenanceID = "database_maintenance"
)

const defaultHistoryRetentionDays = 30

// Maintenance returns the built-in maintenance command registrations.
// The archive rotation command is registered inactive when no archive service
// is configured, so enqueuing it fails fast as an unknown-or-inactive command.
func Maintenance(store *queue.Store, archiveSvc *archive.Service, dbs []*database.DB, log zerolog.Logger) []queue.Registration {
	log = log.With().Str("component", "maintenance").Logger()

	return []queue.Registration{
		{
			Definition: queue.CommandDefinition{
				ID:       HistoryCleanupID,
				Name:     "History cleanup",
				Category: "maintenance",
				Active:   true,
			},
			Handler:  historyCleanupHandler(store, log),
			Validate: validateHistoryCleanup,
		},
		{
			Definition: queue.CommandDefinition{
				ID:       ArchiveRotationID,
				Name:     "Archive rotation",
				Category: "maintenance",
				Active:   archiveSvc != nil,
			},
			Handler: archiveRotationHandler(archiveSvc),
		},
		{
			Definition: queue.CommandDefinition{
				ID:       DatabaseMaintenanceID,
				Name:     "Database maintenance",
				Category: "maintenance",
				Active:   true,
			},
			Handler:  databaseMaintenanceHandler(dbs, log),
			Validate: validateDatabaseMaintenance,
		},
	}
}

// historyCleanupHandler prunes terminal work items older than the retention
// window given in the input payload (days, default 30).
func historyCleanupHandler(store *queue.Store, log zerolog.Logger) queue.Handler {
	return func(ctx context.Context, item *queue.WorkItem) (map[string]interface{}, error) {
		days := defaultHistoryRetentionDays
		if raw, ok := item.Input["retention_days"].(float64); ok {
			days = int(raw)
		}

		cutoff := time.Now().AddDate(0, 0, -days)
		pruned, err := store.PruneTerminal(cutoff)
		if err != nil {
			return nil, fmt.Errorf("failed to prune history: %w", err)
		}

		log.Info().
			Int64("pruned", pruned).
			Int("retention_days", days).
			Msg("Work item history pruned")
		return map[string]interface{}{
			"pruned":         pruned,
			"retention_days": days,
		}, nil
	}
}

func validateHistoryCleanup(input map[string]interface{}) error {
	raw, ok := input["retention_days"]
	if !ok {
		return nil
	}
	days, ok := raw.(float64)
	if !ok || days < 1 {
		return fmt.Errorf("retention_days must be a positive number")
	}
	return nil
}

// databaseMaintenanceHandler checkpoints the WAL, verifies integrity, and
// optionally vacuums each database. The engine database runs with auto_vacuum
// off, so this command is the only thing that reclaims its space.
func databaseMaintenanceHandler(dbs []*database.DB, log zerolog.Logger) queue.Handler {
	return func(ctx context.Context, item *queue.WorkItem) (map[string]interface{}, error) {
		vacuum, _ := item.Input["vacuum"].(bool)

		result := map[string]interface{}{}
		for _, db := range dbs {
			if err := db.WALCheckpoint("TRUNCATE"); err != nil {
				return nil, err
			}
			if vacuum {
				if err := db.Vacuum(); err != nil {
					return nil, err
				}
			}
			if err := db.HealthCheck(ctx); err != nil {
				return nil, err
			}

			stats, err := db.GetStats()
			if err != nil {
				return nil, fmt.Errorf("failed to read stats for %s: %w", db.Name(), err)
			}
			result[db.Name()] = map[string]interface{}{
				"size_bytes":     stats.SizeBytes,
				"wal_size_bytes": stats.WALSizeBytes,
				"page_count":     stats.PageCount,
				"freelist_count": stats.FreelistCount,
			}

			log.Info().
				Str("database", db.Name()).
				Bool("vacuum", vacuum).
				Int64("size_bytes", stats.SizeBytes).
				Msg("Database maintenance completed")
		}
		return result, nil
	}
}

func validateDatabaseMaintenance(input map[string]interface{}) error {
	raw, ok := input["vacuum"]
	if !ok {
		return nil
	}
	if _, ok := raw.(bool); !ok {
		return fmt.Errorf("vacuum must be a boolean")
	}
	return nil
}

// archiveRotationHandler rotates old export artifacts out of object storage.
func archiveRotationHandler(archiveSvc *archive.Service) queue.Handler {
	return func(ctx context.Context, item *queue.WorkItem) (map[string]interface{}, error) {
		if archiveSvc == nil {
			return nil, queue.NonRetryablef("archive storage is not configured")
		}

		deleted, err := archiveSvc.Rotate(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to rotate artifacts: %w", err)
		}
		return map[string]interface{}{"deleted": deleted}, nil
	}
}
