package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"automarket/engine/internal/config"
	"automarket/engine/internal/db"
	"automarket/engine/internal/models"
	"automarket/engine/internal/utils"
)

// ListingEventFunc is invoked after a listing commits a transition into
// SOLD or EXPIRED. The task layer wires it to notification fan-out; tests
// and library users may leave it nil.
type ListingEventFunc func(ctx context.Context, listing *models.Listing, event models.NotificationType) error

// IListingService is the listing state machine. Every mutation validates
// before it writes; the single-active-VIN invariant is enforced by the
// store's partial unique index, not by a read-then-write check.
type IListingService interface {
	CreateListing(ctx context.Context, vin string, sellerID utils.SixID, locationID int, askingPrice *models.Price, initialStatus models.ListingStatus, expiresAt *time.Time) (*models.Listing, error)
	ChangeStatus(ctx context.Context, listingID utils.SixID, next models.ListingStatus) (*models.Listing, error)
	ChangePrice(ctx context.Context, listingID utils.SixID, newPrice *models.Price) (*models.Listing, error)
	FindListingByID(ctx context.Context, listingID utils.SixID) (*models.Listing, error)
	FindActiveListingByVIN(ctx context.Context, vin string) (*models.Listing, error)
	SetLifecycleEventFunc(fn ListingEventFunc)
}

// listingService implements IListingService.
type listingService struct {
	db               *mongo.Database
	cfg              *config.Config
	history          IPriceHistoryService
	onLifecycleEvent ListingEventFunc
}

// NewListingService creates a new ListingService.
func NewListingService(database *mongo.Database, cfg *config.Config, history IPriceHistoryService) IListingService {
	return &listingService{db: database, cfg: cfg, history: history}
}

// SetLifecycleEventFunc installs the SOLD/EXPIRED event hook. Set once
// during wiring, before any mutation runs.
func (s *listingService) SetLifecycleEventFunc(fn ListingEventFunc) {
	s.onLifecycleEvent = fn
}

// isActiveVINConflict recognizes a duplicate key error raised by the
// uniq_active_vin partial index, as opposed to a random _id collision.
func isActiveVINConflict(err error) bool {
	if !db.IsMongoDuplicateKeyError(err) {
		return false
	}
	return strings.Contains(err.Error(), "uniq_active_vin")
}

// CreateListing inserts a new listing. When initialStatus is ACTIVE the
// check-and-insert is a single atomic operation: the insert itself trips
// the uniq_active_vin index if the VIN already has an active listing.
func (s *listingService) CreateListing(ctx context.Context, vin string, sellerID utils.SixID, locationID int, askingPrice *models.Price, initialStatus models.ListingStatus, expiresAt *time.Time) (*models.Listing, error) {
	if err := askingPrice.Validate(); err != nil {
		return nil, &ValidationError{Msg: err.Error()}
	}
	if err := models.ValidateVIN(vin); err != nil {
		return nil, &ValidationError{Msg: err.Error()}
	}
	switch initialStatus {
	case models.StatusDraft, models.StatusPending, models.StatusActive:
	default:
		return nil, &ValidationError{Msg: fmt.Sprintf("initial status must be DRAFT, PENDING or ACTIVE, got %q", initialStatus)}
	}

	collection := s.db.Collection(db.ListingsCollection)
	now := time.Now().UTC()

	var newListing *models.Listing

	operation := func() error {
		newListing = &models.Listing{
			ID:          utils.NewSixID(),
			VIN:         vin,
			SellerID:    sellerID,
			LocationID:  locationID,
			AskingPrice: askingPrice,
			Status:      initialStatus,
			PostedAt:    now,
			ExpiresAt:   expiresAt,
			UpdatedAt:   now,
		}
		_, insertErr := collection.InsertOne(ctx, newListing)
		return insertErr
	}

	// Retry _id collisions only; a VIN conflict will not resolve by
	// generating a new ID.
	err := db.WithRetries(operation, db.DefaultMaxRetries, func(err error) bool {
		return db.IsMongoDuplicateKeyError(err) && !isActiveVINConflict(err)
	})

	if err != nil {
		if isActiveVINConflict(err) {
			return nil, &ConflictError{Msg: fmt.Sprintf("VIN %s already has an active listing", vin)}
		}
		return nil, wrapStoreErr(fmt.Errorf("failed to insert new listing for VIN %s: %w", vin, err))
	}

	return newListing, nil
}

// ChangeStatus applies one state machine transition. The update filter
// pins the previous status so a concurrent transition cannot be silently
// overwritten; entering ACTIVE re-validates the single-active-VIN
// invariant through the partial index.
func (s *listingService) ChangeStatus(ctx context.Context, listingID utils.SixID, next models.ListingStatus) (*models.Listing, error) {
	if _, err := models.ParseListingStatus(string(next)); err != nil {
		return nil, &ValidationError{Msg: err.Error()}
	}

	collection := s.db.Collection(db.ListingsCollection)

	var listing models.Listing
	err := collection.FindOne(ctx, bson.M{"_id": listingID}).Decode(&listing)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, mongo.ErrNoDocuments
		}
		return nil, wrapStoreErr(fmt.Errorf("error finding listing %s: %w", listingID.String(), err))
	}

	if !listing.Status.CanTransitionTo(next) {
		return nil, &InvalidTransitionError{From: listing.Status, To: next}
	}

	now := time.Now().UTC()
	set := bson.M{
		"status":     next,
		"updated_at": now,
	}
	// Coalesce semantics: SoldAt is stamped once and never overwritten.
	if next == models.StatusSold && listing.SoldAt == nil {
		set["sold_at"] = now
	}

	filter := bson.M{"_id": listingID, "status": listing.Status}
	result, err := collection.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		if next == models.StatusActive && isActiveVINConflict(err) {
			return nil, &ConflictError{Msg: fmt.Sprintf("VIN %s already has an active listing", listing.VIN)}
		}
		return nil, wrapStoreErr(fmt.Errorf("db error transitioning listing %s to %s: %w", listingID.String(), next, err))
	}
	if result.MatchedCount == 0 {
		// Someone else moved the listing between our read and write.
		return nil, &ConflictError{Msg: fmt.Sprintf("listing %s was modified concurrently", listingID.String())}
	}

	listing.Status = next
	listing.UpdatedAt = now
	if soldAt, ok := set["sold_at"].(time.Time); ok {
		listing.SoldAt = &soldAt
	}

	if next == models.StatusSold || next == models.StatusExpired {
		s.emitLifecycleEvent(ctx, &listing, next)
	}

	return &listing, nil
}

// emitLifecycleEvent hands a committed SOLD/EXPIRED transition to the
// notification layer. The transition has already committed, so a failed
// hand-off is logged rather than rolled back.
func (s *listingService) emitLifecycleEvent(ctx context.Context, listing *models.Listing, next models.ListingStatus) {
	if s.onLifecycleEvent == nil {
		return
	}
	event := models.NotificationListingSold
	if next == models.StatusExpired {
		event = models.NotificationListingExpired
	}
	if err := s.onLifecycleEvent(ctx, listing, event); err != nil {
		log.Printf("WARN: failed to emit %s event for listing %s: %v", event, listing.ID.String(), err)
	}
}

// ChangePrice updates the asking price and appends the audit entry in one
// transaction (both succeed or both fail). An unchanged price is a no-op
// and writes nothing.
func (s *listingService) ChangePrice(ctx context.Context, listingID utils.SixID, newPrice *models.Price) (*models.Listing, error) {
	if err := newPrice.Validate(); err != nil {
		return nil, &ValidationError{Msg: err.Error()}
	}

	collection := s.db.Collection(db.ListingsCollection)

	var listing models.Listing
	err := collection.FindOne(ctx, bson.M{"_id": listingID}).Decode(&listing)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, mongo.ErrNoDocuments
		}
		return nil, wrapStoreErr(fmt.Errorf("error finding listing %s: %w", listingID.String(), err))
	}

	// Null-safe comparison; unchanged price means no history entry.
	if listing.AskingPrice.Equal(newPrice) {
		return &listing, nil
	}

	oldPrice := listing.AskingPrice
	now := time.Now().UTC()

	session, err := s.db.Client().StartSession()
	if err != nil {
		return nil, wrapStoreErr(fmt.Errorf("failed to start session for price change on listing %s: %w", listingID.String(), err))
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		// Pin the old price so a racing ChangePrice loses instead of
		// producing a history entry with a stale OldPrice.
		filter := bson.M{
			"_id":                       listingID,
			"asking_price.amount_cents": oldPrice.AmountCents,
			"asking_price.currency":     oldPrice.Currency,
		}
		update := bson.M{"$set": bson.M{"asking_price": newPrice, "updated_at": now}}
		result, err := collection.UpdateOne(sc, filter, update)
		if err != nil {
			return nil, err
		}
		if result.MatchedCount == 0 {
			return nil, &ConflictError{Msg: fmt.Sprintf("price of listing %s was modified concurrently", listingID.String())}
		}
		if err := s.history.RecordChange(sc, listingID, *oldPrice, *newPrice, now); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			return nil, conflict
		}
		return nil, wrapStoreErr(fmt.Errorf("failed to change price of listing %s: %w", listingID.String(), err))
	}

	listing.AskingPrice = newPrice
	listing.UpdatedAt = now
	return &listing, nil
}

// FindListingByID finds a listing by its ID.
func (s *listingService) FindListingByID(ctx context.Context, listingID utils.SixID) (*models.Listing, error) {
	var listing models.Listing
	err := s.db.Collection(db.ListingsCollection).FindOne(ctx, bson.M{"_id": listingID}).Decode(&listing)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, mongo.ErrNoDocuments
		}
		return nil, wrapStoreErr(fmt.Errorf("error finding listing by ID %s: %w", listingID.String(), err))
	}
	return &listing, nil
}

// FindActiveListingByVIN returns the at-most-one ACTIVE listing for a VIN.
func (s *listingService) FindActiveListingByVIN(ctx context.Context, vin string) (*models.Listing, error) {
	if err := models.ValidateVIN(vin); err != nil {
		return nil, &ValidationError{Msg: err.Error()}
	}
	var listing models.Listing
	filter := bson.M{"vin": vin, "status": models.StatusActive}
	err := s.db.Collection(db.ListingsCollection).FindOne(ctx, filter).Decode(&listing)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, mongo.ErrNoDocuments
		}
		return nil, wrapStoreErr(fmt.Errorf("error finding active listing for VIN %s: %w", vin, err))
	}
	return &listing, nil
}
