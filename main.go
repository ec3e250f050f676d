package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"automarket/engine/internal/cache"
	"automarket/engine/internal/config"
	"automarket/engine/internal/db"
	"automarket/engine/internal/services"
	"automarket/engine/internal/tasks"
)

var runMode = flag.String("m", "all", "Run mode: 'bg' (task workers), 'scheduler' (cadence timer), 'all' (default)")

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*runMode)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize Database
	mongoClient, mongoDb, err := db.ConnectDB(cfg.MongoURI, cfg.MongoDbName, cfg.StoreTimeout)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() {
		if err := db.DisconnectDB(mongoClient); err != nil {
			log.Printf("Error disconnecting from MongoDB: %v", err)
		}
	}()

	// The partial unique index on (vin, ACTIVE) must exist before any
	// mutation runs; it is what makes activation race-free.
	ctxIdx, cancelIdx := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.EnsureIndexes(ctxIdx, mongoDb); err != nil {
		cancelIdx()
		log.Fatalf("Failed to ensure indexes: %v", err)
	}
	cancelIdx()

	// Initialize Redis (asynq broker + settings pub/sub)
	redisClient, err := cache.ConnectRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer func() {
		if err := cache.DisconnectRedis(redisClient); err != nil {
			log.Printf("Error disconnecting from Redis: %v", err)
		}
	}()

	// Initialize Services
	settingsSvc := services.NewSettingsService(mongoDb, cfg, redisClient)
	historyService := services.NewPriceHistoryService(mongoDb)
	listingService := services.NewListingService(mongoDb, cfg, historyService)
	marketService := services.NewMarketService(mongoDb)
	notificationService := services.NewNotificationService(mongoDb, historyService)

	// Initialize Task Client and wire the lifecycle event hook so SOLD /
	// EXPIRED transitions fan out to watchers through the task queue.
	taskClient := tasks.NewClient(redisClient)
	defer taskClient.Close()
	listingService.SetLifecycleEventFunc(tasks.NewLifecycleEventFunc(taskClient, cfg))

	// Initialize Task Processor
	taskProcessor := tasks.NewTaskProcessor(cfg, mongoDb, settingsSvc, listingService, marketService, notificationService)

	// WaitGroup for managing goroutines
	var wg sync.WaitGroup

	var taskSrv *asynq.Server
	var scheduler *asynq.Scheduler

	log.Printf("Starting engine in '%s' mode...", cfg.RunMode)

	bgMode := func() {
		srv, mux := tasks.SetupServer(redisClient, taskProcessor)
		taskSrv = srv
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Println("Background task server starting...")
			if err := srv.Run(mux); err != nil {
				log.Fatalf("Background task server error: %v", err)
			}
			log.Println("Background task server stopped.")
		}()
	}

	schedulerMode := func() {
		scheduler = tasks.SetupScheduler(redisClient, cfg)
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Println("Task scheduler starting...")
			if err := scheduler.Run(); err != nil {
				log.Fatalf("Task scheduler error: %v", err)
			}
			log.Println("Task scheduler stopped.")
		}()
	}

	switch cfg.RunMode {
	case "bg":
		bgMode()
	case "scheduler":
		schedulerMode()
	case "all":
		bgMode()
		schedulerMode()
	default:
		log.Fatalf("Invalid run mode specified: %s.", cfg.RunMode)
	}

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	log.Printf("Received signal: %s. Shutting down gracefully...", sig)

	if scheduler != nil {
		log.Println("Shutting down task scheduler...")
		scheduler.Shutdown()
	}
	if taskSrv != nil {
		log.Println("Shutting down background task server...")
		taskSrv.Shutdown()
	}

	wg.Wait()
	log.Println("Engine gracefully stopped")
}
