package services

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"automarket/engine/internal/db"
	"automarket/engine/internal/models"
	"automarket/engine/internal/utils"
)

// IPriceHistoryService is the append-only price audit ledger. RecordChange
// is only called from inside ChangePrice's transaction; external
// collaborators get the read side.
type IPriceHistoryService interface {
	RecordChange(ctx context.Context, listingID utils.SixID, oldPrice, newPrice models.Price, changedAt time.Time) error
	FindByListing(ctx context.Context, listingID utils.SixID) ([]models.PriceHistoryEntry, error)
	FindDropsInWindow(ctx context.Context, windowStart, windowEnd time.Time) ([]models.PriceHistoryEntry, error)
}

// priceHistoryService implements IPriceHistoryService.
type priceHistoryService struct {
	db *mongo.Database
}

// NewPriceHistoryService creates a new PriceHistoryService.
func NewPriceHistoryService(database *mongo.Database) IPriceHistoryService {
	return &priceHistoryService{db: database}
}

// RecordChange appends one immutable audit entry. The ctx is expected to
// be the session context of the enclosing price-change transaction so the
// append commits or aborts together with the price update.
func (s *priceHistoryService) RecordChange(ctx context.Context, listingID utils.SixID, oldPrice, newPrice models.Price, changedAt time.Time) error {
	collection := s.db.Collection(db.PriceHistoryCollection)

	operation := func() error {
		entry := models.PriceHistoryEntry{
			ID:        utils.NewSixID(),
			ListingID: listingID,
			OldPrice:  oldPrice,
			NewPrice:  newPrice,
			ChangedAt: changedAt,
		}
		_, insertErr := collection.InsertOne(ctx, entry)
		return insertErr
	}

	if err := db.Try(operation); err != nil {
		return fmt.Errorf("failed to record price change for listing %s: %w", listingID.String(), err)
	}
	return nil
}

// FindByListing returns a listing's audit trail ordered by ChangedAt.
func (s *priceHistoryService) FindByListing(ctx context.Context, listingID utils.SixID) ([]models.PriceHistoryEntry, error) {
	collection := s.db.Collection(db.PriceHistoryCollection)
	opts := options.Find().SetSort(bson.D{{Key: "changed_at", Value: 1}})

	cursor, err := collection.Find(ctx, bson.M{"listing_id": listingID}, opts)
	if err != nil {
		return nil, wrapStoreErr(fmt.Errorf("failed to query price history for listing %s: %w", listingID.String(), err))
	}
	defer cursor.Close(ctx)

	var entries []models.PriceHistoryEntry
	if err = cursor.All(ctx, &entries); err != nil {
		return nil, wrapStoreErr(fmt.Errorf("failed to decode price history for listing %s: %w", listingID.String(), err))
	}
	return entries, nil
}

// FindDropsInWindow returns entries with ChangedAt in [windowStart,
// windowEnd) whose new price is below the old one. Input to the
// price-drop dispatcher.
func (s *priceHistoryService) FindDropsInWindow(ctx context.Context, windowStart, windowEnd time.Time) ([]models.PriceHistoryEntry, error) {
	collection := s.db.Collection(db.PriceHistoryCollection)
	filter := bson.M{
		"changed_at": bson.M{"$gte": windowStart, "$lt": windowEnd},
		// NewPrice < OldPrice; cross-field comparison needs $expr
		"$expr": bson.M{"$lt": bson.A{"$new_price.amount_cents", "$old_price.amount_cents"}},
	}
	opts := options.Find().SetSort(bson.D{{Key: "changed_at", Value: 1}})

	cursor, err := collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, wrapStoreErr(fmt.Errorf("failed to query price drops in window: %w", err))
	}
	defer cursor.Close(ctx)

	var entries []models.PriceHistoryEntry
	if err = cursor.All(ctx, &entries); err != nil {
		return nil, wrapStoreErr(fmt.Errorf("failed to decode price drops: %w", err))
	}
	return entries, nil
}
