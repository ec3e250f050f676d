package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"

	"automarket/engine/internal/db"
	"automarket/engine/internal/models"
	"automarket/engine/internal/utils"
)

func seedActiveListing(t *testing.T, database *mongo.Database, vin string, cents int64) {
	t.Helper()
	listing := models.Listing{
		ID:          utils.NewSixID(),
		VIN:         vin,
		SellerID:    utils.NewSixID(),
		AskingPrice: &models.Price{AmountCents: cents, Currency: "USD"},
		Status:      models.StatusActive,
		PostedAt:    time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	_, err := database.Collection(db.ListingsCollection).InsertOne(context.Background(), listing)
	require.NoError(t, err)
}

func seedVehicle(t *testing.T, database *mongo.Database, vin string, mileageKm int) {
	t.Helper()
	vehicle := models.Vehicle{
		VIN:         vin,
		ModelID:     7,
		MileageKm:   mileageKm,
		TitleStatus: models.TitleClean,
		UpdatedAt:   time.Now().UTC(),
	}
	_, err := database.Collection(db.VehiclesCollection).InsertOne(context.Background(), vehicle)
	require.NoError(t, err)
}

func TestMarketService_CaptureSnapshot_Empty(t *testing.T) {
	database := setupListingTestDB(t, "testdb_market_snapshot_empty")
	svc := NewMarketService(database)
	ctx := context.Background()

	snapshot, err := svc.CaptureSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, snapshot.ActiveListings)
	assert.Nil(t, snapshot.AvgPriceCents)
	assert.Nil(t, snapshot.MedianPriceCents)
	assert.Nil(t, snapshot.AvgMileageKm)
}

func TestMarketService_CaptureSnapshot_MedianRank(t *testing.T) {
	database := setupListingTestDB(t, "testdb_market_snapshot_median")
	svc := NewMarketService(database)
	ctx := context.Background()

	// Even count: the median is the price at ascending rank floor(n/2),
	// the element just above the true middle. For {10000, 20000, 30000,
	// 40000} that is 30000, not the interpolated 25000. This is the
	// documented snapshot semantics, asserted here so nobody "fixes" it.
	vins := []string{
		"1HGCM82633A004352",
		"2HGCM82633A004353",
		"3HGCM82633A004354",
		"4HGCM82633A004355",
	}
	prices := []int64{1000000, 2000000, 3000000, 4000000}
	for i, vin := range vins {
		seedActiveListing(t, database, vin, prices[i])
	}

	snapshot, err := svc.CaptureSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, snapshot.ActiveListings)
	require.NotNil(t, snapshot.MedianPriceCents)
	assert.Equal(t, int64(3000000), *snapshot.MedianPriceCents)
	require.NotNil(t, snapshot.AvgPriceCents)
	assert.Equal(t, int64(2500000), *snapshot.AvgPriceCents)
}

func TestMarketService_CaptureSnapshot_OddCountAndMileage(t *testing.T) {
	database := setupListingTestDB(t, "testdb_market_snapshot_mileage")
	svc := NewMarketService(database)
	ctx := context.Background()

	vins := []string{
		"1HGCM82633A004352",
		"2HGCM82633A004353",
		"3HGCM82633A004354",
	}
	prices := []int64{1000000, 3000000, 2000000}
	mileages := []int{30000, 90000, 60000}
	for i, vin := range vins {
		seedActiveListing(t, database, vin, prices[i])
		seedVehicle(t, database, vin, mileages[i])
	}
	// A SOLD listing must not be aggregated.
	sold := models.Listing{
		ID:          utils.NewSixID(),
		VIN:         "5HGCM82633A004356",
		SellerID:    utils.NewSixID(),
		AskingPrice: &models.Price{AmountCents: 9900000, Currency: "USD"},
		Status:      models.StatusSold,
		PostedAt:    time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	_, err := database.Collection(db.ListingsCollection).InsertOne(ctx, sold)
	require.NoError(t, err)

	snapshot, err := svc.CaptureSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, snapshot.ActiveListings)
	require.NotNil(t, snapshot.MedianPriceCents)
	assert.Equal(t, int64(2000000), *snapshot.MedianPriceCents) // rank 1 of {10000, 20000, 30000}
	require.NotNil(t, snapshot.AvgPriceCents)
	assert.Equal(t, int64(2000000), *snapshot.AvgPriceCents)
	require.NotNil(t, snapshot.AvgMileageKm)
	assert.InDelta(t, 60000.0, *snapshot.AvgMileageKm, 0.001)
}

func TestMarketService_CaptureSnapshot_MissingVehicleSkipped(t *testing.T) {
	database := setupListingTestDB(t, "testdb_market_snapshot_missing_vehicle")
	svc := NewMarketService(database)
	ctx := context.Background()

	withRecord := "1HGCM82633A004352"
	withoutRecord := "2HGCM82633A004353"
	seedActiveListing(t, database, withRecord, 1500000)
	seedVehicle(t, database, withRecord, 50000)
	seedActiveListing(t, database, withoutRecord, 2500000)

	snapshot, err := svc.CaptureSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, snapshot.ActiveListings)

	// The uncataloged listing still counts for prices but not mileage.
	require.NotNil(t, snapshot.AvgPriceCents)
	assert.Equal(t, int64(2000000), *snapshot.AvgPriceCents)
	require.NotNil(t, snapshot.AvgMileageKm)
	assert.InDelta(t, 50000.0, *snapshot.AvgMileageKm, 0.001)
}

func TestMarketService_SnapshotsAreAppendOnly(t *testing.T) {
	database := setupListingTestDB(t, "testdb_market_snapshot_append")
	svc := NewMarketService(database)
	ctx := context.Background()

	start := time.Now().UTC().Add(-time.Minute)

	_, err := svc.CaptureSnapshot(ctx)
	require.NoError(t, err)
	seedActiveListing(t, database, "1HGCM82633A004352", 1500000)
	_, err = svc.CaptureSnapshot(ctx)
	require.NoError(t, err)

	snapshots, err := svc.ListSnapshots(ctx, start)
	require.NoError(t, err)
	require.Len(t, snapshots, 2)
	assert.Equal(t, 0, snapshots[0].ActiveListings)
	assert.Equal(t, 1, snapshots[1].ActiveListings)
}
