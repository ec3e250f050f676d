package models

import (
	"time"

	"automarket/engine/internal/utils"
)

// PriceHistoryEntry is one immutable row in the per-listing price audit
// ledger. Exactly one entry is appended per observed price change; entries
// are never updated or deleted, except when a stale draft cleanup removes
// the whole listing and its history cascades with it.
type PriceHistoryEntry struct {
	ID        utils.SixID `bson:"_id,omitempty" json:"id,omitempty"`
	ListingID utils.SixID `bson:"listing_id" json:"listing_id"`
	OldPrice  Price       `bson:"old_price" json:"old_price"`
	NewPrice  Price       `bson:"new_price" json:"new_price"`
	ChangedAt time.Time   `bson:"changed_at" json:"changed_at"`
}

// IsDrop reports whether the entry records a price decrease.
func (e *PriceHistoryEntry) IsDrop() bool {
	return e.NewPrice.AmountCents < e.OldPrice.AmountCents
}
