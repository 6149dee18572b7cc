// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for databases and export artifacts (always absolute)
	LogLevel string
	Port     int
	DevMode  bool

	Engine  *EngineConfig
	Archive *ArchiveConfig
}

// EngineConfig holds command queue engine configuration
type EngineConfig struct {
	WorkerCount   int           // Number of concurrent worker slots
	IdleWait      time.Duration // Scheduler wait when no eligible work
	WorkTimeout   time.Duration // Maximum duration a work item may run
	BackoffBase   time.Duration // First retry delay
	BackoffCap    time.Duration // Maximum retry delay
	BulkChunkSize int           // Records per bulk-operation chunk
}

// ArchiveConfig holds S3-compatible artifact storage configuration.
// Bulk-export artifacts are uploaded here when enabled.
type ArchiveConfig struct {
	Enabled       bool
	Endpoint      string // S3-compatible endpoint URL (R2, MinIO, AWS)
	Region        string
	Bucket        string
	AccessKey     string
	SecretKey     string
	RetentionDays int // 0 = keep forever (beyond the minimum kept set)
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Determine data directory, always resolved to an absolute path
	dataDir := getEnv("COINAI_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	// Ensure directory exists
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("COINAI_PORT", 8010),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Engine:   loadEngineConfig(),
		Archive:  loadArchiveConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Engine.WorkerCount < 1 {
		return fmt.Errorf("worker count must be at least 1, got %d", c.Engine.WorkerCount)
	}
	if c.Engine.BulkChunkSize < 1 {
		return fmt.Errorf("bulk chunk size must be at least 1, got %d", c.Engine.BulkChunkSize)
	}
	if c.Archive.Enabled {
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive enabled but COINAI_ARCHIVE_BUCKET not set")
		}
		if c.Archive.AccessKey == "" || c.Archive.SecretKey == "" {
			return fmt.Errorf("archive enabled but access credentials not set")
		}
	}
	return nil
}

// loadEngineConfig loads engine configuration with defaults tuned for a single
// scheduler instance and a small worker pool.
func loadEngineConfig() *EngineConfig {
	return &EngineConfig{
		WorkerCount:   getEnvAsInt("COINAI_WORKERS", 4),
		IdleWait:      getEnvAsDuration("COINAI_IDLE_WAIT", 250*time.Millisecond),
		WorkTimeout:   getEnvAsDuration("COINAI_WORK_TIMEOUT", 7*time.Minute),
		BackoffBase:   getEnvAsDuration("COINAI_BACKOFF_BASE", 5*time.Second),
		BackoffCap:    getEnvAsDuration("COINAI_BACKOFF_CAP", 5*time.Minute),
		BulkChunkSize: getEnvAsInt("COINAI_BULK_CHUNK_SIZE", 10),
	}
}

// loadArchiveConfig loads S3-compatible archive configuration
func loadArchiveConfig() *ArchiveConfig {
	return &ArchiveConfig{
		Enabled:       getEnvAsBool("COINAI_ARCHIVE_ENABLED", false),
		Endpoint:      getEnv("COINAI_ARCHIVE_ENDPOINT", ""),
		Region:        getEnv("COINAI_ARCHIVE_REGION", "auto"),
		Bucket:        getEnv("COINAI_ARCHIVE_BUCKET", ""),
		AccessKey:     getEnv("COINAI_ARCHIVE_ACCESS_KEY", ""),
		SecretKey:     getEnv("COINAI_ARCHIVE_SECRET_KEY", ""),
		RetentionDays: getEnvAsInt("COINAI_ARCHIVE_RETENTION_DAYS", 30),
	}
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
