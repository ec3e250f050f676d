package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"automarket/engine/internal/utils"
)

func TestPriceHistoryService_FindDropsInWindow_Boundaries(t *testing.T) {
	database := setupListingTestDB(t, "testdb_history_window")
	svc := NewPriceHistoryService(database)
	ctx := context.Background()

	// Mongo stores timestamps at millisecond precision; keep the seeds exact.
	windowStart := time.Now().UTC().Add(-24 * time.Hour).Truncate(time.Millisecond)
	windowEnd := windowStart.Add(24 * time.Hour)

	atStart := utils.NewSixID()
	inside := utils.NewSixID()
	seedPriceChange(t, database, atStart, 2000000, 1900000, windowStart)
	seedPriceChange(t, database, inside, 1900000, 1800000, windowStart.Add(time.Hour))
	seedPriceChange(t, database, utils.NewSixID(), 2000000, 1900000, windowStart.Add(-time.Millisecond)) // before window
	seedPriceChange(t, database, utils.NewSixID(), 2000000, 1900000, windowEnd)                          // end is exclusive
	seedPriceChange(t, database, utils.NewSixID(), 1800000, 1800000, windowStart.Add(2*time.Hour))       // not a drop
	seedPriceChange(t, database, utils.NewSixID(), 1800000, 2100000, windowStart.Add(3*time.Hour))       // a rise

	drops, err := svc.FindDropsInWindow(ctx, windowStart, windowEnd)
	require.NoError(t, err)
	require.Len(t, drops, 2)

	// Ordered by ChangedAt ascending.
	assert.Equal(t, atStart, drops[0].ListingID)
	assert.Equal(t, inside, drops[1].ListingID)
	for _, d := range drops {
		assert.True(t, d.IsDrop())
	}
}
