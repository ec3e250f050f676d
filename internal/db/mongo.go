package db

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Collection names shared by the services and the housekeeping tasks.
const (
	ListingsCollection      = "listings"
	VehiclesCollection      = "vehicles"
	PriceHistoryCollection  = "price_history"
	WatchlistsCollection    = "watchlists"
	NotificationsCollection = "notifications"
	SnapshotsCollection     = "market_snapshots"
)

// ConnectDB initializes and returns a MongoDB client and database instance.
// operationTimeout, when positive, becomes the client-wide bound on every
// store call: an operation either returns or fails with a timeout the
// services classify as StoreUnavailable.
func ConnectDB(uri, dbName string, operationTimeout time.Duration) (*mongo.Client, *mongo.Database, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientOptions := options.Client().ApplyURI(uri)
	if operationTimeout > 0 {
		clientOptions.SetTimeout(operationTimeout)
	}
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// Ping the primary node
	ctxPing, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := client.Ping(ctxPing, readpref.Primary()); err != nil {
		// Disconnect if ping fails
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := client.Database(dbName)
	log.Println("Successfully connected to MongoDB!")

	return client, db, nil
}

// DisconnectDB closes the MongoDB client connection.
func DisconnectDB(client *mongo.Client) error {
	if client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect MongoDB: %w", err)
	}
	log.Println("MongoDB connection closed.")
	return nil
}

// EnsureIndexes creates the indexes the engine's invariants depend on.
// Safe to call on every startup; Mongo treats identical definitions as a
// no-op.
//
// The partial unique index on listings(vin) scoped to status ACTIVE is the
// single-active-listing-per-VIN constraint: two concurrent activations of
// the same VIN cannot both commit, one gets a duplicate key error instead.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	listingIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "vin", Value: 1}},
			Options: options.Index().
				SetName("uniq_active_vin").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"status": "ACTIVE"}),
		},
		{
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "expires_at", Value: 1}},
			Options: options.Index().SetName("status_expires_at"),
		},
		{
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "posted_at", Value: 1}},
			Options: options.Index().SetName("status_posted_at"),
		},
	}
	if _, err := db.Collection(ListingsCollection).Indexes().CreateMany(ctx, listingIndexes); err != nil {
		return fmt.Errorf("failed to create listing indexes: %w", err)
	}

	historyIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "listing_id", Value: 1}, {Key: "changed_at", Value: 1}},
			Options: options.Index().SetName("listing_changed_at"),
		},
		{
			Keys:    bson.D{{Key: "changed_at", Value: 1}},
			Options: options.Index().SetName("changed_at"),
		},
	}
	if _, err := db.Collection(PriceHistoryCollection).Indexes().CreateMany(ctx, historyIndexes); err != nil {
		return fmt.Errorf("failed to create price history indexes: %w", err)
	}

	watchlistIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "listing_id", Value: 1}},
			Options: options.Index().
				SetName("uniq_user_listing").
				SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "listing_id", Value: 1}},
			Options: options.Index().SetName("listing_id"),
		},
	}
	if _, err := db.Collection(WatchlistsCollection).Indexes().CreateMany(ctx, watchlistIndexes); err != nil {
		return fmt.Errorf("failed to create watchlist indexes: %w", err)
	}

	notificationIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("user_created_at"),
		},
	}
	if _, err := db.Collection(NotificationsCollection).Indexes().CreateMany(ctx, notificationIndexes); err != nil {
		return fmt.Errorf("failed to create notification indexes: %w", err)
	}

	return nil
}
