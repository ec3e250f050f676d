package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the engine.
type Config struct {
	// Environment
	RunMode string // Set via flag, not env

	// MongoDB
	MongoURI    string
	MongoDbName string

	// Redis (asynq broker + settings pub/sub)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Housekeeping policy. DraftRetention and the batch sizes can be
	// overridden at runtime through the settings service.
	DraftRetention    time.Duration
	ExpireBatchSize   int
	CleanupBatchSize  int
	PriceDropWindow   time.Duration
	NotifyInsertDelay time.Duration // ProcessIn delay for listing event fan-out tasks
	StoreTimeout      time.Duration // Client-wide per-operation bound on store calls

	// Task cadences (cron specs for the asynq scheduler)
	ExpireCronSpec   string
	CleanupCronSpec  string
	SnapshotCronSpec string
	NotifyCronSpec   string

	// App defaults
	AppName         string
	DefaultCurrency string
}

// Load configuration from environment variables.
// RunMode needs to be passed in as it comes from command-line flags.
func Load(runMode string) (*Config, error) {
	// Load .env file, ignoring errors if it doesn't exist
	godotenv.Load()

	cfg := &Config{
		RunMode: runMode, // Set from flag
	}

	var err error

	// Helper function to get env var or default
	getEnv := func(key, defaultValue string) string {
		if value, exists := os.LookupEnv(key); exists {
			return value
		}
		return defaultValue
	}

	// Helper function to get required env var
	getRequiredEnv := func(key string) (string, error) {
		value, exists := os.LookupEnv(key)
		if !exists {
			return "", fmt.Errorf("missing required environment variable: %s", key)
		}
		return value, nil
	}

	cfg.MongoURI, err = getRequiredEnv("MONGO_URI")
	if err != nil {
		return nil, err
	}
	cfg.MongoDbName = getEnv("MONGO_DB_NAME", "automarket")
	cfg.RedisAddr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", "")
	cfg.AppName = getEnv("APP_NAME", "automarket-engine")
	cfg.DefaultCurrency = getEnv("DEFAULT_CURRENCY", "USD")

	cfg.ExpireCronSpec = getEnv("EXPIRE_CRON_SPEC", "@every 1h")
	cfg.CleanupCronSpec = getEnv("CLEANUP_CRON_SPEC", "@every 24h")
	cfg.SnapshotCronSpec = getEnv("SNAPSHOT_CRON_SPEC", "@every 24h")
	cfg.NotifyCronSpec = getEnv("NOTIFY_CRON_SPEC", "@every 24h")

	cfg.RedisDB, err = strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	draftRetentionDays, err := strconv.Atoi(getEnv("DRAFT_RETENTION_DAYS", "30"))
	if err != nil {
		return nil, fmt.Errorf("invalid DRAFT_RETENTION_DAYS: %w", err)
	}
	cfg.DraftRetention = time.Duration(draftRetentionDays) * 24 * time.Hour

	cfg.ExpireBatchSize, err = strconv.Atoi(getEnv("EXPIRE_BATCH_SIZE", "500"))
	if err != nil {
		return nil, fmt.Errorf("invalid EXPIRE_BATCH_SIZE: %w", err)
	}

	cfg.CleanupBatchSize, err = strconv.Atoi(getEnv("CLEANUP_BATCH_SIZE", "500"))
	if err != nil {
		return nil, fmt.Errorf("invalid CLEANUP_BATCH_SIZE: %w", err)
	}

	priceDropWindowHours, err := strconv.Atoi(getEnv("PRICE_DROP_WINDOW_HOURS", "24"))
	if err != nil {
		return nil, fmt.Errorf("invalid PRICE_DROP_WINDOW_HOURS: %w", err)
	}
	cfg.PriceDropWindow = time.Duration(priceDropWindowHours) * time.Hour

	notifyDelaySeconds, err := strconv.ParseInt(getEnv("NOTIFY_INSERT_DELAY_SECONDS", "0"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid NOTIFY_INSERT_DELAY_SECONDS: %w", err)
	}
	cfg.NotifyInsertDelay = time.Duration(notifyDelaySeconds) * time.Second

	storeTimeoutSeconds, err := strconv.ParseInt(getEnv("STORE_TIMEOUT_SECONDS", "10"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid STORE_TIMEOUT_SECONDS: %w", err)
	}
	cfg.StoreTimeout = time.Duration(storeTimeoutSeconds) * time.Second

	return cfg, nil
}
