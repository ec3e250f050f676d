package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"automarket/engine/internal/db"
	"automarket/engine/internal/models"
	"automarket/engine/internal/utils"
)

// IMarketService computes point-in-time market statistics over the
// ACTIVE listing set.
type IMarketService interface {
	CaptureSnapshot(ctx context.Context) (*models.MarketSnapshot, error)
	ListSnapshots(ctx context.Context, since time.Time) ([]models.MarketSnapshot, error)
}

// marketService implements IMarketService.
type marketService struct {
	db *mongo.Database
}

// NewMarketService creates a new MarketService.
func NewMarketService(database *mongo.Database) IMarketService {
	return &marketService{db: database}
}

// CaptureSnapshot reads all ACTIVE listings joined to their vehicles and
// appends one immutable snapshot row. On an empty active set the count is
// zero and every aggregate is nil.
//
// The median is the price at ascending rank floor(n/2): for even counts
// that is the element just above the true middle, not the average of the
// two central values. Downstream consumers compare against historical
// snapshots computed this way, so the rank formula must not change.
func (s *marketService) CaptureSnapshot(ctx context.Context) (*models.MarketSnapshot, error) {
	listingColl := s.db.Collection(db.ListingsCollection)
	vehicleColl := s.db.Collection(db.VehiclesCollection)

	cursor, err := listingColl.Find(ctx, bson.M{"status": models.StatusActive})
	if err != nil {
		return nil, wrapStoreErr(fmt.Errorf("failed to query active listings for snapshot: %w", err))
	}
	defer cursor.Close(ctx)

	var listings []models.Listing
	if err = cursor.All(ctx, &listings); err != nil {
		return nil, wrapStoreErr(fmt.Errorf("failed to decode active listings for snapshot: %w", err))
	}

	snapshot := &models.MarketSnapshot{
		ID:             utils.NewSixID(),
		SnapshotAt:     time.Now().UTC(),
		ActiveListings: len(listings),
	}

	if len(listings) > 0 {
		prices := make([]int64, 0, len(listings))
		var priceSum int64
		for _, l := range listings {
			if l.AskingPrice != nil {
				prices = append(prices, l.AskingPrice.AmountCents)
				priceSum += l.AskingPrice.AmountCents
			}
		}
		if len(prices) > 0 {
			sort.Slice(prices, func(i, j int) bool { return prices[i] < prices[j] })
			avg := priceSum / int64(len(prices))
			median := prices[len(prices)/2] // rank floor(n/2), see doc comment
			snapshot.AvgPriceCents = &avg
			snapshot.MedianPriceCents = &median
		}

		// One round-trip for the whole active set. At most one listing
		// per VIN is ACTIVE, so each vehicle maps to exactly one listing;
		// listings without a catalog record are absent and skew nothing.
		vins := make([]string, 0, len(listings))
		for _, l := range listings {
			vins = append(vins, l.VIN)
		}
		vehicleCursor, err := vehicleColl.Find(ctx, bson.M{"_id": bson.M{"$in": vins}})
		if err != nil {
			return nil, wrapStoreErr(fmt.Errorf("failed to query vehicles for snapshot: %w", err))
		}
		var vehicles []models.Vehicle
		if err = vehicleCursor.All(ctx, &vehicles); err != nil {
			return nil, wrapStoreErr(fmt.Errorf("failed to decode vehicles for snapshot: %w", err))
		}
		if len(vehicles) > 0 {
			var mileageSum int64
			for _, v := range vehicles {
				mileageSum += int64(v.MileageKm)
			}
			avgMileage := float64(mileageSum) / float64(len(vehicles))
			snapshot.AvgMileageKm = &avgMileage
		}
	}

	operation := func() error {
		snapshot.ID = utils.NewSixID()
		_, insertErr := s.db.Collection(db.SnapshotsCollection).InsertOne(ctx, snapshot)
		return insertErr
	}
	if err := db.Try(operation); err != nil {
		return nil, wrapStoreErr(fmt.Errorf("failed to insert market snapshot: %w", err))
	}

	return snapshot, nil
}

// ListSnapshots returns snapshots taken at or after since, oldest first.
// Read side for the reporting collaborator.
func (s *marketService) ListSnapshots(ctx context.Context, since time.Time) ([]models.MarketSnapshot, error) {
	collection := s.db.Collection(db.SnapshotsCollection)
	filter := bson.M{"snapshot_at": bson.M{"$gte": since}}
	opts := options.Find().SetSort(bson.D{{Key: "snapshot_at", Value: 1}})

	cursor, err := collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, wrapStoreErr(fmt.Errorf("failed to query market snapshots: %w", err))
	}
	defer cursor.Close(ctx)

	var snapshots []models.MarketSnapshot
	if err = cursor.All(ctx, &snapshots); err != nil {
		return nil, wrapStoreErr(fmt.Errorf("failed to decode market snapshots: %w", err))
	}
	return snapshots, nil
}
