package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"automarket/engine/internal/config"
)

// ISettingsService exposes runtime-tunable operational settings (draft
// retention, batch sizes, dispatch window) backed by the store, so
// housekeeping policy can change without a redeploy.
type ISettingsService interface {
	Get(ctx context.Context, key string) (interface{}, error)
	GetInt(ctx context.Context, key string, defaultValue int) int
	GetString(ctx context.Context, key string, defaultValue string) string
	GetDuration(ctx context.Context, key string, defaultValue time.Duration) time.Duration
	Load(ctx context.Context) error
	SubscribeToChanges(ctx context.Context) error
	SetValue(ctx context.Context, key string, value interface{}) error
}

// Well-known settings keys read by the scheduled tasks.
const (
	SettingDraftRetentionSeconds = "DRAFT_RETENTION_SECONDS"
	SettingExpireBatchSize       = "EXPIRE_BATCH_SIZE"
	SettingCleanupBatchSize      = "CLEANUP_BATCH_SIZE"
	SettingPriceDropWindowSec    = "PRICE_DROP_WINDOW_SECONDS"
)

const (
	settingsCollection    = "settings"
	settingsUpdateChannel = "settings_updates"
)

// settingsService implements ISettingsService.
type settingsService struct {
	db    *mongo.Database
	cfg   *config.Config // Holds initial defaults loaded from .env
	rdb   *redis.Client
	cache map[string]interface{} // Simple in-memory cache
	mutex sync.RWMutex
}

// NewSettingsService creates a new SettingsService and primes its cache.
func NewSettingsService(database *mongo.Database, initialCfg *config.Config, rdb *redis.Client) ISettingsService {
	s := &settingsService{
		db:    database,
		cfg:   initialCfg,
		rdb:   rdb,
		cache: make(map[string]interface{}),
	}
	if err := s.Load(context.Background()); err != nil {
		log.Printf("WARNING: Failed to load initial settings from DB: %v. Using defaults from .env", err)
	}
	go func() {
		if err := s.SubscribeToChanges(context.Background()); err != nil {
			log.Printf("CRITICAL: Settings Pub/Sub listener stopped: %v", err)
		}
	}()
	return s
}

// SettingsEntry represents a document in the settings collection.
type SettingsEntry struct {
	Key   string      `bson:"key"`
	Value interface{} `bson:"value"`
}

// Load fetches all settings from DB and replaces the in-memory cache.
func (s *settingsService) Load(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	collection := s.db.Collection(settingsCollection)
	cursor, err := collection.Find(ctx, bson.M{})
	if err != nil {
		return fmt.Errorf("failed to query settings collection: %w", err)
	}
	defer cursor.Close(ctx)

	newCache := make(map[string]interface{})
	for cursor.Next(ctx) {
		var entry SettingsEntry
		if err := cursor.Decode(&entry); err == nil {
			newCache[entry.Key] = entry.Value
		} else {
			log.Printf("Warning: Failed to decode settings entry during load: %v", err)
		}
	}
	if err := cursor.Err(); err != nil {
		return fmt.Errorf("error iterating settings cursor: %w", err)
	}

	s.cache = newCache
	log.Printf("Loaded %d entries into settings cache from DB.", len(s.cache))
	return nil
}

// Get retrieves a setting, checking the cache first, then .env defaults.
func (s *settingsService) Get(ctx context.Context, key string) (interface{}, error) {
	s.mutex.RLock()
	val, exists := s.cache[key]
	s.mutex.RUnlock()

	if exists {
		return val, nil
	}

	// Fall back to initial .env defaults for known keys.
	switch key {
	case SettingDraftRetentionSeconds:
		return int64(s.cfg.DraftRetention / time.Second), nil
	case SettingExpireBatchSize:
		return s.cfg.ExpireBatchSize, nil
	case SettingCleanupBatchSize:
		return s.cfg.CleanupBatchSize, nil
	case SettingPriceDropWindowSec:
		return int64(s.cfg.PriceDropWindow / time.Second), nil
	default:
		return nil, fmt.Errorf("settings key '%s' not found", key)
	}
}

func (s *settingsService) GetString(ctx context.Context, key string, defaultValue string) string {
	val, err := s.Get(ctx, key)
	if err != nil {
		return defaultValue
	}
	if strVal, ok := val.(string); ok {
		return strVal
	}
	log.Printf("Warning: Settings key '%s' is not a string, using default.", key)
	return defaultValue
}

func (s *settingsService) GetInt(ctx context.Context, key string, defaultValue int) int {
	val, err := s.Get(ctx, key)
	if err != nil {
		return defaultValue
	}
	// MongoDB might store numbers as float64 or int32/64
	switch v := val.(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		log.Printf("Warning: Settings key '%s' is not an integer type (%T), using default.", key, val)
		return defaultValue
	}
}

// GetDuration retrieves a setting as time.Duration (stored as seconds).
func (s *settingsService) GetDuration(ctx context.Context, key string, defaultValue time.Duration) time.Duration {
	val, err := s.Get(ctx, key)
	if err != nil {
		return defaultValue
	}
	switch v := val.(type) {
	case int:
		return time.Duration(v) * time.Second
	case int32:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v) * time.Second
	default:
		log.Printf("Warning: Settings key '%s' is not a numeric type for duration (%T), using default.", key, val)
		return defaultValue
	}
}

// SubscribeToChanges listens for update messages on Redis Pub/Sub and
// reloads the cache on each one.
func (s *settingsService) SubscribeToChanges(ctx context.Context) error {
	if s.rdb == nil {
		log.Println("Redis client not configured, cannot subscribe to settings changes.")
		return nil // Not an error if Redis isn't configured
	}

	pubsub := s.rdb.Subscribe(ctx, settingsUpdateChannel)
	defer pubsub.Close()

	// Wait for confirmation that subscription is created before publishing anything.
	_, err := pubsub.Receive(ctx)
	if err != nil {
		return fmt.Errorf("failed to receive confirmation from Redis Pub/Sub subscription: %w", err)
	}

	ch := pubsub.Channel()
	log.Println("Subscribed to Redis channel for settings updates:", settingsUpdateChannel)

	for msg := range ch {
		log.Printf("Received settings update notification on channel %s: %s", msg.Channel, msg.Payload)
		// Reload everything on any notification; the settings set is tiny.
		if err := s.Load(context.Background()); err != nil {
			log.Printf("ERROR reloading settings from DB after notification: %v", err)
		}
	}

	log.Println("Settings Pub/Sub listener stopped.")
	return nil
}

// SetValue upserts a setting in the DB and publishes an update.
func (s *settingsService) SetValue(ctx context.Context, key string, value interface{}) error {
	collection := s.db.Collection(settingsCollection)
	filter := bson.M{"key": key}
	update := bson.M{
		"$set": bson.M{
			"key":   key,
			"value": value,
		},
	}
	opts := options.Update().SetUpsert(true)

	_, err := collection.UpdateOne(ctx, filter, update, opts)
	if err != nil {
		return fmt.Errorf("failed to upsert settings key '%s' in DB: %w", key, err)
	}

	if s.rdb != nil {
		if err := s.rdb.Publish(ctx, settingsUpdateChannel, key).Err(); err != nil {
			log.Printf("Warning: Failed to publish settings update notification for key '%s': %v", key, err)
		}
	}

	log.Printf("Updated settings key '%s' and published notification.", key)
	return nil
}
