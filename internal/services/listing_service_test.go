package services

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"automarket/engine/internal/config"
	"automarket/engine/internal/db"
	"automarket/engine/internal/models"
	"automarket/engine/internal/utils"
)

const testVIN = "1HGCM82633A004352"

func setupListingTestDB(t *testing.T, dbName string) *mongo.Database {
	database := utils.SetupTestDB(t, dbName,
		db.ListingsCollection, db.PriceHistoryCollection, db.VehiclesCollection,
		db.WatchlistsCollection, db.NotificationsCollection, db.SnapshotsCollection)
	require.NoError(t, db.EnsureIndexes(context.Background(), database))
	return database
}

func newTestListingService(database *mongo.Database) (IListingService, IPriceHistoryService) {
	cfg := &config.Config{}
	history := NewPriceHistoryService(database)
	return NewListingService(database, cfg, history), history
}

// skipIfTxnUnsupported skips tests that need multi-document transactions
// when the test deployment is a standalone mongod.
func skipIfTxnUnsupported(t *testing.T, err error) {
	if err != nil && strings.Contains(err.Error(), "Transaction numbers") {
		t.Skipf("test requires a replica set MongoDB deployment: %v", err)
	}
}

func usd(cents int64) *models.Price {
	return &models.Price{AmountCents: cents, Currency: "USD"}
}

func TestListingService_CreateListing_Validation(t *testing.T) {
	database := setupListingTestDB(t, "testdb_listing_create_validation")
	svc, _ := newTestListingService(database)
	ctx := context.Background()
	sellerID := utils.NewSixID()

	// Non-positive price is rejected before any write.
	listing, err := svc.CreateListing(ctx, testVIN, sellerID, 1, usd(0), models.StatusDraft, nil)
	assert.Nil(t, listing)
	var validation *ValidationError
	assert.ErrorAs(t, err, &validation)

	count, err := database.Collection(db.ListingsCollection).CountDocuments(ctx, bson.M{})
	assert.NoError(t, err)
	assert.Equal(t, int64(0), count, "rejected create must leave no row")

	// VIN must be exactly 17 characters.
	_, err = svc.CreateListing(ctx, "SHORTVIN", sellerID, 1, usd(100000), models.StatusDraft, nil)
	assert.ErrorAs(t, err, &validation)

	// Terminal initial statuses are rejected.
	_, err = svc.CreateListing(ctx, testVIN, sellerID, 1, usd(100000), models.StatusSold, nil)
	assert.ErrorAs(t, err, &validation)
}

func TestListingService_CreateListing(t *testing.T) {
	database := setupListingTestDB(t, "testdb_listing_create")
	svc, _ := newTestListingService(database)
	ctx := context.Background()
	sellerID := utils.NewSixID()

	listing, err := svc.CreateListing(ctx, testVIN, sellerID, 42, usd(2500000), models.StatusDraft, nil)
	require.NoError(t, err)
	require.NotNil(t, listing)
	assert.Equal(t, testVIN, listing.VIN)
	assert.Equal(t, models.StatusDraft, listing.Status)
	assert.True(t, usd(2500000).Equal(listing.AskingPrice))
	assert.Nil(t, listing.SoldAt)

	found, err := svc.FindListingByID(ctx, listing.ID)
	require.NoError(t, err)
	assert.Equal(t, listing.ID, found.ID)
}

func TestListingService_SingleActiveVIN(t *testing.T) {
	database := setupListingTestDB(t, "testdb_listing_single_active_vin")
	svc, _ := newTestListingService(database)
	ctx := context.Background()
	sellerID := utils.NewSixID()

	first, err := svc.CreateListing(ctx, testVIN, sellerID, 1, usd(2500000), models.StatusActive, nil)
	require.NoError(t, err)

	// Second ACTIVE listing for the same VIN must be refused.
	second, err := svc.CreateListing(ctx, testVIN, sellerID, 1, usd(2400000), models.StatusActive, nil)
	assert.Nil(t, second)
	var conflict *ConflictError
	assert.ErrorAs(t, err, &conflict)

	// A draft for the same VIN is fine.
	_, err = svc.CreateListing(ctx, testVIN, sellerID, 1, usd(2400000), models.StatusDraft, nil)
	assert.NoError(t, err)

	// A different VIN is fine.
	otherVIN := "2HGCM82633A004353"
	_, err = svc.CreateListing(ctx, otherVIN, sellerID, 1, usd(1500000), models.StatusActive, nil)
	assert.NoError(t, err)

	// Once the first listing leaves ACTIVE, the VIN frees up.
	_, err = svc.ChangeStatus(ctx, first.ID, models.StatusSold)
	require.NoError(t, err)
	_, err = svc.CreateListing(ctx, testVIN, sellerID, 1, usd(2300000), models.StatusActive, nil)
	assert.NoError(t, err)
}

func TestListingService_ConcurrentActivation(t *testing.T) {
	database := setupListingTestDB(t, "testdb_listing_concurrent_activation")
	svc, _ := newTestListingService(database)
	ctx := context.Background()
	sellerID := utils.NewSixID()

	const attempts = 8
	var wg sync.WaitGroup
	results := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.CreateListing(ctx, testVIN, sellerID, 1, usd(2500000), models.StatusActive, nil)
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		} else {
			var conflict *ConflictError
			assert.ErrorAs(t, err, &conflict)
		}
	}
	assert.Equal(t, 1, successes, "exactly one concurrent activation may win")

	count, err := database.Collection(db.ListingsCollection).CountDocuments(ctx,
		bson.M{"vin": testVIN, "status": models.StatusActive})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestListingService_ChangeStatus_Lifecycle(t *testing.T) {
	database := setupListingTestDB(t, "testdb_listing_lifecycle")
	svc, _ := newTestListingService(database)
	ctx := context.Background()
	sellerID := utils.NewSixID()

	listing, err := svc.CreateListing(ctx, testVIN, sellerID, 1, usd(2500000), models.StatusDraft, nil)
	require.NoError(t, err)

	// DRAFT -> SOLD is not reachable; the listing must be unchanged.
	_, err = svc.ChangeStatus(ctx, listing.ID, models.StatusSold)
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, models.StatusDraft, invalid.From)
	assert.Equal(t, models.StatusSold, invalid.To)

	unchanged, err := svc.FindListingByID(ctx, listing.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDraft, unchanged.Status)
	assert.Nil(t, unchanged.SoldAt)

	// Walk the happy path.
	updated, err := svc.ChangeStatus(ctx, listing.ID, models.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, updated.Status)

	updated, err = svc.ChangeStatus(ctx, listing.ID, models.StatusActive)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, updated.Status)

	before := time.Now().UTC().Add(-time.Second)
	updated, err = svc.ChangeStatus(ctx, listing.ID, models.StatusSold)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSold, updated.Status)
	require.NotNil(t, updated.SoldAt)
	assert.True(t, updated.SoldAt.After(before))

	// Terminal states reject everything, including SOLD -> SOLD.
	for _, next := range []models.ListingStatus{models.StatusSold, models.StatusActive, models.StatusRemoved} {
		_, err = svc.ChangeStatus(ctx, listing.ID, next)
		assert.ErrorAs(t, err, &invalid)
	}

	// SoldAt was not overwritten by the rejected re-entry.
	final, err := svc.FindListingByID(ctx, listing.ID)
	require.NoError(t, err)
	require.NotNil(t, final.SoldAt)
	assert.WithinDuration(t, *updated.SoldAt, *final.SoldAt, time.Millisecond)
}

func TestListingService_ChangeStatus_ActivateConflict(t *testing.T) {
	database := setupListingTestDB(t, "testdb_listing_activate_conflict")
	svc, _ := newTestListingService(database)
	ctx := context.Background()
	sellerID := utils.NewSixID()

	a, err := svc.CreateListing(ctx, testVIN, sellerID, 1, usd(2500000), models.StatusPending, nil)
	require.NoError(t, err)
	b, err := svc.CreateListing(ctx, testVIN, sellerID, 1, usd(2400000), models.StatusPending, nil)
	require.NoError(t, err)

	_, err = svc.ChangeStatus(ctx, a.ID, models.StatusActive)
	require.NoError(t, err)

	// Activating the second listing for the same VIN violates the invariant.
	_, err = svc.ChangeStatus(ctx, b.ID, models.StatusActive)
	var conflict *ConflictError
	assert.ErrorAs(t, err, &conflict)

	stillPending, err := svc.FindListingByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stillPending.Status)
}

func TestListingService_ChangePrice(t *testing.T) {
	database := setupListingTestDB(t, "testdb_listing_change_price")
	svc, history := newTestListingService(database)
	ctx := context.Background()
	sellerID := utils.NewSixID()

	listing, err := svc.CreateListing(ctx, testVIN, sellerID, 1, usd(2500000), models.StatusActive, nil)
	require.NoError(t, err)

	// Non-positive price is rejected.
	_, err = svc.ChangePrice(ctx, listing.ID, usd(-100))
	var validation *ValidationError
	assert.ErrorAs(t, err, &validation)

	// Unchanged price is a no-op: no history entry.
	same, err := svc.ChangePrice(ctx, listing.ID, usd(2500000))
	require.NoError(t, err)
	assert.True(t, usd(2500000).Equal(same.AskingPrice))

	entries, err := history.FindByListing(ctx, listing.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 0)

	// A real change updates the price and appends exactly one entry.
	updated, err := svc.ChangePrice(ctx, listing.ID, usd(2000000))
	skipIfTxnUnsupported(t, err)
	require.NoError(t, err)
	assert.True(t, usd(2000000).Equal(updated.AskingPrice))

	entries, err = history.FindByListing(ctx, listing.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(2500000), entries[0].OldPrice.AmountCents)
	assert.Equal(t, int64(2000000), entries[0].NewPrice.AmountCents)
	assert.True(t, entries[0].IsDrop())

	// Repeating the same price after the change is again a no-op.
	_, err = svc.ChangePrice(ctx, listing.ID, usd(2000000))
	require.NoError(t, err)
	entries, err = history.FindByListing(ctx, listing.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// A second change appends in ChangedAt order.
	_, err = svc.ChangePrice(ctx, listing.ID, usd(2100000))
	require.NoError(t, err)
	entries, err = history.FindByListing(ctx, listing.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, !entries[1].ChangedAt.Before(entries[0].ChangedAt))
	assert.False(t, entries[1].IsDrop())
}

func TestListingService_FindActiveListingByVIN(t *testing.T) {
	database := setupListingTestDB(t, "testdb_listing_find_active")
	svc, _ := newTestListingService(database)
	ctx := context.Background()
	sellerID := utils.NewSixID()

	_, err := svc.FindActiveListingByVIN(ctx, testVIN)
	assert.ErrorIs(t, err, mongo.ErrNoDocuments)

	listing, err := svc.CreateListing(ctx, testVIN, sellerID, 1, usd(2500000), models.StatusActive, nil)
	require.NoError(t, err)

	found, err := svc.FindActiveListingByVIN(ctx, testVIN)
	require.NoError(t, err)
	assert.Equal(t, listing.ID, found.ID)
}
