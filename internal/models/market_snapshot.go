package models

import (
	"time"

	"automarket/engine/internal/utils"
)

// MarketSnapshot is a point-in-time aggregate over ACTIVE listings.
// One row is appended per aggregation run and never touched again.
// Aggregate pointers are nil when no listings were active.
//
// MedianPriceCents is the price at ascending rank floor(n/2), a single
// order statistic rather than the interpolated median for even counts.
// That is the established snapshot semantics downstream reporting relies
// on; keep it as is.
type MarketSnapshot struct {
	ID               utils.SixID `bson:"_id,omitempty" json:"id,omitempty"`
	SnapshotAt       time.Time   `bson:"snapshot_at" json:"snapshot_at"`
	ActiveListings   int         `bson:"active_listings" json:"active_listings"`
	AvgPriceCents    *int64      `bson:"avg_price_cents,omitempty" json:"avg_price_cents,omitempty"`
	MedianPriceCents *int64      `bson:"median_price_cents,omitempty" json:"median_price_cents,omitempty"`
	AvgMileageKm     *float64    `bson:"avg_mileage_km,omitempty" json:"avg_mileage_km,omitempty"`
}
