package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"automarket/engine/internal/utils"
)

// NotificationType enumerates the events buyers can be notified about.
type NotificationType string

const (
	NotificationPriceDrop      NotificationType = "PRICE_DROP"
	NotificationListingSold    NotificationType = "LISTING_SOLD"
	NotificationListingExpired NotificationType = "LISTING_EXPIRED"
)

// Notification is a persisted message for a watching user. The engine only
// creates these rows; the delivery collaborator consumes them and sets
// ReadAt once the user has seen the message.
type Notification struct {
	ID        utils.SixID      `bson:"_id,omitempty" json:"id,omitempty"`
	UserID    utils.SixID      `bson:"user_id" json:"user_id"`
	ListingID utils.SixID      `bson:"listing_id" json:"listing_id"`
	Type      NotificationType `bson:"type" json:"type"`
	Payload   bson.M           `bson:"payload,omitempty" json:"payload,omitempty"`
	CreatedAt time.Time        `bson:"created_at" json:"created_at"`
	ReadAt    *time.Time       `bson:"read_at,omitempty" json:"read_at,omitempty"`
}

// WatchlistEntry marks a buyer's interest in a listing. Owned by the
// buyer-features collaborator; read-only input to the dispatcher.
type WatchlistEntry struct {
	UserID    utils.SixID `bson:"user_id" json:"user_id"`
	ListingID utils.SixID `bson:"listing_id" json:"listing_id"`
	SavedAt   time.Time   `bson:"saved_at" json:"saved_at"`
}
