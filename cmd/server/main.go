// Package main is the entry point for the coin marketplace command queue
// engine. It wires the work item store, command registry, scheduler, worker
// pool, automation evaluator, bulk operation runner, and the HTTP API, then
// runs until interrupted.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/IrisGuard/coin-ai-market-sub001/internal/archive"
	"github.com/IrisGuard/coin-ai-market-sub001/internal/automation"
	"github.com/IrisGuard/coin-ai-market-sub001/internal/bulk"
	"github.com/IrisGuard/coin-ai-market-sub001/internal/commands"
	"github.com/IrisGuard/coin-ai-market-sub001/internal/config"
	"github.com/IrisGuard/coin-ai-market-sub001/internal/database"
	"github.com/IrisGuard/coin-ai-market-sub001/internal/events"
	"github.com/IrisGuard/coin-ai-market-sub001/internal/monitor"
	"github.com/IrisGuard/coin-ai-market-sub001/internal/queue"
	"github.com/IrisGuard/coin-ai-market-sub001/internal/server"
	"github.com/IrisGuard/coin-ai-market-sub001/pkg/logger"
)

// bulkTables lists the marketplace record sets bulk operations may target.
var bulkTables = []string{"coins", "listings"}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: true,
	})
	logger.SetGlobalLogger(log)

	log.Info().Msg("Starting coin queue engine")

	// Engine database: work items, command definitions, automation rules.
	// The ledger profile keeps the execution history durable; space is
	// reclaimed by the database maintenance command.
	engineDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "engine.db"),
		Profile: database.ProfileLedger,
		Name:    "engine",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open engine database")
	}
	defer engineDB.Close()

	if err := engineDB.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate engine database")
	}

	// Marketplace database: the record sets bulk operations run against.
	marketDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "marketplace.db"),
		Profile: database.ProfileStandard,
		Name:    "marketplace",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open marketplace database")
	}
	defer marketDB.Close()

	if err := marketDB.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate marketplace database")
	}

	bus := events.NewBus(log)
	eventMgr := events.NewManager(bus, log)

	store := queue.NewStore(engineDB.Conn(), log)
	registry := queue.NewRegistry()

	// Artifact archive is optional; without it, exports stay on local disk
	// and the archive rotation command is inactive.
	var archiveSvc *archive.Service
	if cfg.Archive.Enabled {
		client, err := archive.NewClient(context.Background(), cfg.Archive, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create archive client")
		}
		archiveSvc = archive.NewService(client, cfg.Archive.RetentionDays, log)
		log.Info().Str("bucket", cfg.Archive.Bucket).Msg("Artifact archive enabled")
	}

	dbs := []*database.DB{engineDB, marketDB}
	for _, reg := range commands.Maintenance(store, archiveSvc, dbs, log) {
		reg := reg
		registry.Register(&reg)
	}

	engine := queue.NewEngine(queue.Options{
		WorkerCount: cfg.Engine.WorkerCount,
		IdleWait:    cfg.Engine.IdleWait,
		WorkTimeout: cfg.Engine.WorkTimeout,
		BackoffBase: cfg.Engine.BackoffBase,
		BackoffCap:  cfg.Engine.BackoffCap,
	}, store, registry, eventMgr, log)

	source := bulk.NewSQLSource(marketDB.Conn(), bulkTables, log)
	runner := bulk.NewRunner(store, source, cfg.Engine.BulkChunkSize, cfg.DataDir, log)
	if archiveSvc != nil {
		runner.SetArtifactSink(archiveSvc)
	}
	engine.SetBulkExecutor(runner)

	rulesRepo := automation.NewRepository(engineDB.Conn(), log)
	if err := automation.Seed(rulesRepo, seedRules(archiveSvc != nil), log); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed automation rules")
	}
	evaluator := automation.NewEvaluator(rulesRepo, engine, eventMgr, log)

	monitorFacade := monitor.New(store, cfg.DataDir, log)

	if err := engine.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start queue engine")
	}
	if err := evaluator.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start automation evaluator")
	}

	srv := server.New(server.Config{
		Log:      log,
		Port:     cfg.Port,
		DevMode:  cfg.DevMode,
		Engine:   engine,
		Rules:    rulesRepo,
		Monitor:  monitorFacade,
		Archive:  archiveSvc,
		EventBus: bus,
		DBs:      dbs,
	})

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	evaluator.Stop()

	// Engine stop waits for in-flight work items to finish or time out.
	engine.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Stopped")
}

// seedRules returns the maintenance rules installed on first start: nightly
// work item history cleanup, weekly database maintenance, and, when archiving
// is configured, weekly artifact rotation.
func seedRules(archiveEnabled bool) []automation.SeedRule {
	seeds := []automation.SeedRule{
		{
			Name:        "Nightly history cleanup",
			TriggerType: automation.TriggerSchedule,
			TriggerSpec: "0 3 * * *",
			Actions: []automation.Action{
				{CommandID: commands.HistoryCleanupID},
			},
			Active: true,
		},
		{
			Name:        "Weekly database maintenance",
			TriggerType: automation.TriggerSchedule,
			TriggerSpec: "0 5 * * 0",
			Actions: []automation.Action{
				{
					CommandID: commands.DatabaseMaintenanceID,
					Input:     map[string]interface{}{"vacuum": true},
				},
			},
			Active: true,
		},
	}

	if archiveEnabled {
		seeds = append(seeds, automation.SeedRule{
			Name:        "Weekly artifact rotation",
			TriggerType: automation.TriggerSchedule,
			TriggerSpec: "0 4 * * 0",
			Actions: []automation.Action{
				{CommandID: commands.ArchiveRotationID},
			},
			Active: true,
		})
	}
	return seeds
}
