package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"automarket/engine/internal/db"
	"automarket/engine/internal/models"
	"automarket/engine/internal/utils"
)

// INotificationService creates notification rows for watching buyers.
// The engine only persists them; the delivery collaborator picks them up.
type INotificationService interface {
	// DispatchPriceDrops scans price drops in [windowStart, windowEnd) and
	// creates one PRICE_DROP notification per (watcher, listing) pair per
	// drop. It does not deduplicate across overlapping windows; callers
	// schedule non-overlapping windows. Returns the number created.
	DispatchPriceDrops(ctx context.Context, windowStart, windowEnd time.Time) (int, error)
	// CreateListingEventNotifications fans a LISTING_SOLD or
	// LISTING_EXPIRED event out to a listing's watchers.
	CreateListingEventNotifications(ctx context.Context, listingID utils.SixID, event models.NotificationType) (int, error)
	FindByUser(ctx context.Context, userID utils.SixID, limit int) ([]models.Notification, error)
	MarkRead(ctx context.Context, notificationID utils.SixID) error
}

// notificationService implements INotificationService.
type notificationService struct {
	db      *mongo.Database
	history IPriceHistoryService
}

// NewNotificationService creates a new NotificationService.
func NewNotificationService(database *mongo.Database, history IPriceHistoryService) INotificationService {
	return &notificationService{db: database, history: history}
}

// watchersOf returns the watchlist entries for a listing. Read-only view
// into the buyer-features collaborator's data.
func (s *notificationService) watchersOf(ctx context.Context, listingID utils.SixID) ([]models.WatchlistEntry, error) {
	cursor, err := s.db.Collection(db.WatchlistsCollection).Find(ctx, bson.M{"listing_id": listingID})
	if err != nil {
		return nil, wrapStoreErr(fmt.Errorf("failed to query watchlist for listing %s: %w", listingID.String(), err))
	}
	defer cursor.Close(ctx)

	var entries []models.WatchlistEntry
	if err = cursor.All(ctx, &entries); err != nil {
		return nil, wrapStoreErr(fmt.Errorf("failed to decode watchlist entries: %w", err))
	}
	return entries, nil
}

func (s *notificationService) insert(ctx context.Context, n *models.Notification) error {
	collection := s.db.Collection(db.NotificationsCollection)
	operation := func() error {
		n.ID = utils.NewSixID()
		_, insertErr := collection.InsertOne(ctx, n)
		return insertErr
	}
	return db.Try(operation)
}

// DispatchPriceDrops implements the price-drop fan-out.
func (s *notificationService) DispatchPriceDrops(ctx context.Context, windowStart, windowEnd time.Time) (int, error) {
	drops, err := s.history.FindDropsInWindow(ctx, windowStart, windowEnd)
	if err != nil {
		return 0, fmt.Errorf("failed to load price drops for dispatch: %w", err)
	}

	created := 0
	for _, drop := range drops {
		watchers, err := s.watchersOf(ctx, drop.ListingID)
		if err != nil {
			return created, err
		}
		for _, w := range watchers {
			n := &models.Notification{
				UserID:    w.UserID,
				ListingID: drop.ListingID,
				Type:      models.NotificationPriceDrop,
				Payload: bson.M{
					"old_price":  drop.OldPrice,
					"new_price":  drop.NewPrice,
					"changed_at": drop.ChangedAt,
				},
				CreatedAt: time.Now().UTC(),
			}
			if err := s.insert(ctx, n); err != nil {
				return created, wrapStoreErr(fmt.Errorf("failed to insert price drop notification for user %s: %w", w.UserID.String(), err))
			}
			created++
		}
	}
	return created, nil
}

// CreateListingEventNotifications fans a terminal lifecycle event out to
// the listing's watchers.
func (s *notificationService) CreateListingEventNotifications(ctx context.Context, listingID utils.SixID, event models.NotificationType) (int, error) {
	if event != models.NotificationListingSold && event != models.NotificationListingExpired {
		return 0, &ValidationError{Msg: fmt.Sprintf("unsupported listing event type %q", event)}
	}

	watchers, err := s.watchersOf(ctx, listingID)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, w := range watchers {
		n := &models.Notification{
			UserID:    w.UserID,
			ListingID: listingID,
			Type:      event,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.insert(ctx, n); err != nil {
			return created, wrapStoreErr(fmt.Errorf("failed to insert %s notification for user %s: %w", event, w.UserID.String(), err))
		}
		created++
	}
	return created, nil
}

// FindByUser returns a user's notifications, newest first.
func (s *notificationService) FindByUser(ctx context.Context, userID utils.SixID, limit int) ([]models.Notification, error) {
	collection := s.db.Collection(db.NotificationsCollection)
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(int64(limit))

	cursor, err := collection.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, wrapStoreErr(fmt.Errorf("failed to query notifications for user %s: %w", userID.String(), err))
	}
	defer cursor.Close(ctx)

	var notifications []models.Notification
	if err = cursor.All(ctx, &notifications); err != nil {
		return nil, wrapStoreErr(fmt.Errorf("failed to decode notifications: %w", err))
	}
	return notifications, nil
}

// MarkRead stamps ReadAt once; a second call is a no-op.
func (s *notificationService) MarkRead(ctx context.Context, notificationID utils.SixID) error {
	collection := s.db.Collection(db.NotificationsCollection)
	filter := bson.M{"_id": notificationID, "read_at": bson.M{"$exists": false}}
	update := bson.M{"$set": bson.M{"read_at": time.Now().UTC()}}

	result, err := collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return wrapStoreErr(fmt.Errorf("failed to mark notification %s read: %w", notificationID.String(), err))
	}
	if result.MatchedCount == 0 {
		var n models.Notification
		checkErr := collection.FindOne(ctx, bson.M{"_id": notificationID}).Decode(&n)
		if errors.Is(checkErr, mongo.ErrNoDocuments) {
			return mongo.ErrNoDocuments
		}
		// Already read; idempotent.
	}
	return nil
}
