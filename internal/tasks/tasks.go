package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/time/rate"

	"automarket/engine/internal/config"
	"automarket/engine/internal/db"
	"automarket/engine/internal/models"
	"automarket/engine/internal/services"
	"automarket/engine/internal/utils"
)

// Task types for the engine's housekeeping sweeps and event fan-out.
const (
	TypeExpireListings   = "listing:expire"
	TypeCleanupDrafts    = "listing:cleanup_drafts"
	TypeMarketSnapshot   = "market:snapshot"
	TypeNotifyPriceDrops = "notify:price_drops"
	TypeListingEvent     = "notify:listing_event"
)

// Minimum spacing between store batches inside a sweep.
const sweepBatchInterval = 100 * time.Millisecond

// --- Task Client (Enqueuing tasks) ---

func NewClient(rdb *redis.Client) *asynq.Client {
	clientOpt := asynq.RedisClientOpt{
		Addr:     rdb.Options().Addr,
		Password: rdb.Options().Password,
		DB:       rdb.Options().DB,
	}
	return asynq.NewClient(clientOpt)
}

// ListingEventPayload carries a committed SOLD/EXPIRED transition to the
// notification fan-out handler.
type ListingEventPayload struct {
	ListingID string `json:"listing_id"`
	Event     string `json:"event"`
}

// NewLifecycleEventFunc returns the hook the listing state machine calls
// after a terminal transition commits. It enqueues a fan-out task rather
// than writing notifications inline, so a slow watchlist never delays the
// state change and a crashed worker retries the fan-out.
func NewLifecycleEventFunc(client *asynq.Client, cfg *config.Config) services.ListingEventFunc {
	return func(ctx context.Context, listing *models.Listing, event models.NotificationType) error {
		payload, err := json.Marshal(ListingEventPayload{
			ListingID: listing.ID.String(),
			Event:     string(event),
		})
		if err != nil {
			return fmt.Errorf("failed to marshal listing event payload: %w", err)
		}
		task := asynq.NewTask(TypeListingEvent, payload)
		opts := []asynq.Option{asynq.Queue("default")}
		if cfg.NotifyInsertDelay > 0 {
			opts = append(opts, asynq.ProcessIn(cfg.NotifyInsertDelay))
		}
		_, err = client.EnqueueContext(ctx, task, opts...)
		return err
	}
}

// --- Task Server (Processing tasks) ---

// TaskProcessor handles the processing of tasks.
// It holds dependencies needed by task handlers.
type TaskProcessor struct {
	cfg                 *config.Config
	db                  *mongo.Database
	settings            services.ISettingsService
	listingService      services.IListingService
	marketService       services.IMarketService
	notificationService services.INotificationService
}

func NewTaskProcessor(
	cfg *config.Config,
	database *mongo.Database,
	settings services.ISettingsService,
	listingService services.IListingService,
	marketService services.IMarketService,
	notificationService services.INotificationService,
) *TaskProcessor {
	return &TaskProcessor{
		cfg:                 cfg,
		db:                  database,
		settings:            settings,
		listingService:      listingService,
		marketService:       marketService,
		notificationService: notificationService,
	}
}

// SetupServer configures an Asynq server instance and its handler mux.
// The caller runs it.
func SetupServer(rdb *redis.Client, processor *TaskProcessor) (*asynq.Server, *asynq.ServeMux) {
	serverOpt := asynq.RedisClientOpt{
		Addr:     rdb.Options().Addr,
		Password: rdb.Options().Password,
		DB:       rdb.Options().DB,
	}

	srv := asynq.NewServer(
		serverOpt,
		asynq.Config{
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.Printf("[Asynq Error] Task Type: %s, Payload: %s, Error: %v", task.Type(), string(task.Payload()), err)
			}),
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeExpireListings, processor.HandleExpireListingsTask)
	mux.HandleFunc(TypeCleanupDrafts, processor.HandleCleanupDraftsTask)
	mux.HandleFunc(TypeMarketSnapshot, processor.HandleMarketSnapshotTask)
	mux.HandleFunc(TypeNotifyPriceDrops, processor.HandleNotifyPriceDropsTask)
	mux.HandleFunc(TypeListingEvent, processor.HandleListingEventTask)
	log.Println("Registered background task handlers.")

	return srv, mux
}

// SetupScheduler configures and runs the periodic task cadences. Cadence
// is policy, set through env cron specs; the handlers themselves are
// idempotent so overlapping or repeated runs are safe (the price-drop
// dispatcher being the documented exception, hence its fixed window).
func SetupScheduler(rdb *redis.Client, cfg *config.Config) *asynq.Scheduler {
	schedulerOpt := asynq.RedisClientOpt{
		Addr:     rdb.Options().Addr,
		Password: rdb.Options().Password,
		DB:       rdb.Options().DB,
	}

	scheduler := asynq.NewScheduler(schedulerOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
	})

	entries := []struct {
		spec     string
		taskType string
	}{
		{cfg.ExpireCronSpec, TypeExpireListings},
		{cfg.CleanupCronSpec, TypeCleanupDrafts},
		{cfg.SnapshotCronSpec, TypeMarketSnapshot},
		{cfg.NotifyCronSpec, TypeNotifyPriceDrops},
	}
	for _, e := range entries {
		if _, err := scheduler.Register(e.spec, asynq.NewTask(e.taskType, nil)); err != nil {
			log.Fatalf("Could not register %s with spec %q: %v", e.taskType, e.spec, err)
		}
		log.Printf("Scheduled %s at %q", e.taskType, e.spec)
	}

	return scheduler
}

// --- Task Handlers ---

// fetchIDBatch loads up to limit listing IDs matching filter, retrying
// transient store failures before surfacing one to asynq.
func fetchIDBatch(ctx context.Context, coll *mongo.Collection, filter bson.M, limit int) ([]models.Listing, error) {
	opts := options.Find().
		SetLimit(int64(limit)).
		SetProjection(bson.D{{Key: "_id", Value: 1}})

	var batch []models.Listing
	err := db.TryTransient(func() error {
		batch = batch[:0]
		cursor, err := coll.Find(ctx, filter, opts)
		if err != nil {
			return err
		}
		return cursor.All(ctx, &batch)
	})
	return batch, err
}

// HandleExpireListingsTask transitions every ACTIVE listing whose
// ExpiresAt has passed to EXPIRED, in bounded batches. Idempotent: a
// second run finds nothing left to expire. Each row goes through the
// state machine so the LISTING_EXPIRED event fires exactly as it would
// for a user-initiated transition.
func (p *TaskProcessor) HandleExpireListingsTask(ctx context.Context, t *asynq.Task) error {
	runID := uuid.NewString()
	log.Printf("[expire %s] Starting listing expiry sweep...", runID)

	batchSize := p.settings.GetInt(ctx, services.SettingExpireBatchSize, p.cfg.ExpireBatchSize)
	collection := p.db.Collection(db.ListingsCollection)
	expiredCount := 0

	// Pace batches so a big backlog doesn't monopolize the store. Wait
	// also observes ctx, so cancellation between batches lands here;
	// already-expired rows stay expired.
	limiter := rate.NewLimiter(rate.Every(sweepBatchInterval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		now := time.Now().UTC()
		filter := bson.M{
			"status":     models.StatusActive,
			"expires_at": bson.M{"$ne": nil, "$lt": now},
		}
		batch, err := fetchIDBatch(ctx, collection, filter, batchSize)
		if err != nil {
			return fmt.Errorf("failed to query expirable listings: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		processed := 0
		for _, l := range batch {
			_, err := p.listingService.ChangeStatus(ctx, l.ID, models.StatusExpired)
			if err != nil {
				var invalid *services.InvalidTransitionError
				var conflict *services.ConflictError
				if errors.As(err, &invalid) || errors.As(err, &conflict) {
					// Another run or a user transition got there first.
					continue
				}
				return fmt.Errorf("failed to expire listing %s: %w", l.ID.String(), err)
			}
			processed++
			expiredCount++
		}
		if processed == 0 && len(batch) == batchSize {
			// Every row in a full batch was raced away; re-query rather
			// than spinning on the same window.
			continue
		}
		if len(batch) < batchSize {
			break
		}
	}

	log.Printf("[expire %s] Listing expiry sweep finished. Expired %d listings.", runID, expiredCount)
	return nil
}

// HandleCleanupDraftsTask deletes DRAFT/PENDING listings older than the
// retention window, cascading each batch's price history in the same
// transaction. Batches are independent atomic units, so a failure leaves
// earlier batches deleted and the rest untouched for the retry.
func (p *TaskProcessor) HandleCleanupDraftsTask(ctx context.Context, t *asynq.Task) error {
	runID := uuid.NewString()
	log.Printf("[cleanup %s] Starting stale draft cleanup...", runID)

	retention := p.settings.GetDuration(ctx, services.SettingDraftRetentionSeconds, p.cfg.DraftRetention)
	batchSize := p.settings.GetInt(ctx, services.SettingCleanupBatchSize, p.cfg.CleanupBatchSize)
	cutoff := time.Now().UTC().Add(-retention)

	listingColl := p.db.Collection(db.ListingsCollection)
	historyColl := p.db.Collection(db.PriceHistoryCollection)
	deletedCount := 0

	limiter := rate.NewLimiter(rate.Every(sweepBatchInterval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		filter := bson.M{
			"status":    bson.M{"$in": []models.ListingStatus{models.StatusDraft, models.StatusPending}},
			"posted_at": bson.M{"$lt": cutoff},
		}
		batch, err := fetchIDBatch(ctx, listingColl, filter, batchSize)
		if err != nil {
			return fmt.Errorf("failed to query stale drafts: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		ids := make([]utils.SixID, 0, len(batch))
		for _, l := range batch {
			ids = append(ids, l.ID)
		}

		session, err := p.db.Client().StartSession()
		if err != nil {
			return fmt.Errorf("failed to start cleanup session: %w", err)
		}
		_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
			if _, err := historyColl.DeleteMany(sc, bson.M{"listing_id": bson.M{"$in": ids}}); err != nil {
				return nil, err
			}
			result, err := listingColl.DeleteMany(sc, bson.M{"_id": bson.M{"$in": ids}})
			if err != nil {
				return nil, err
			}
			return result.DeletedCount, nil
		})
		session.EndSession(ctx)
		if err != nil {
			return fmt.Errorf("failed to delete stale draft batch: %w", err)
		}
		deletedCount += len(ids)

		if len(batch) < batchSize {
			break
		}
	}

	log.Printf("[cleanup %s] Stale draft cleanup finished. Deleted %d listings.", runID, deletedCount)
	return nil
}

// HandleMarketSnapshotTask appends one market snapshot row.
func (p *TaskProcessor) HandleMarketSnapshotTask(ctx context.Context, t *asynq.Task) error {
	log.Println("Starting market snapshot capture...")

	snapshot, err := p.marketService.CaptureSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to capture market snapshot: %w", err)
	}

	log.Printf("Market snapshot captured: %d active listings.", snapshot.ActiveListings)
	return nil
}

// PriceDropWindowPayload optionally overrides the dispatch window, for
// manual replays over a specific range.
type PriceDropWindowPayload struct {
	WindowStart *time.Time `json:"window_start,omitempty"`
	WindowEnd   *time.Time `json:"window_end,omitempty"`
}

// HandleNotifyPriceDropsTask fans recent price drops out to watchers.
// The default window is the trailing configured duration ending now; the
// dispatcher does not deduplicate, so scheduled runs must not overlap.
func (p *TaskProcessor) HandleNotifyPriceDropsTask(ctx context.Context, t *asynq.Task) error {
	log.Println("Starting price drop notification dispatch...")

	windowEnd := time.Now().UTC()
	window := p.settings.GetDuration(ctx, services.SettingPriceDropWindowSec, p.cfg.PriceDropWindow)
	windowStart := windowEnd.Add(-window)

	if len(t.Payload()) > 0 {
		var payload PriceDropWindowPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("failed to unmarshal price drop window payload: %v: %w", err, asynq.SkipRetry)
		}
		if payload.WindowStart != nil {
			windowStart = *payload.WindowStart
		}
		if payload.WindowEnd != nil {
			windowEnd = *payload.WindowEnd
		}
	}

	created, err := p.notificationService.DispatchPriceDrops(ctx, windowStart, windowEnd)
	if err != nil {
		return fmt.Errorf("price drop dispatch failed after creating %d notifications: %w", created, err)
	}

	log.Printf("Price drop dispatch finished. Created %d notifications.", created)
	return nil
}

// HandleListingEventTask fans a SOLD/EXPIRED event out to watchers.
func (p *TaskProcessor) HandleListingEventTask(ctx context.Context, t *asynq.Task) error {
	var payload ListingEventPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal listing event payload: %v: %w", err, asynq.SkipRetry)
	}

	listingID, err := utils.ParseSixID(payload.ListingID)
	if err != nil {
		log.Printf("Invalid ListingID in listing event payload: %s", payload.ListingID)
		return fmt.Errorf("invalid listing ID in payload: %w", asynq.SkipRetry)
	}

	event := models.NotificationType(payload.Event)
	created, err := p.notificationService.CreateListingEventNotifications(ctx, listingID, event)
	if err != nil {
		var validation *services.ValidationError
		if errors.As(err, &validation) {
			return fmt.Errorf("bad listing event: %v: %w", err, asynq.SkipRetry)
		}
		return err
	}

	log.Printf("Listing event %s for %s fanned out to %d watchers.", event, payload.ListingID, created)
	return nil
}
