package models

import (
	"fmt"
	"time"

	"automarket/engine/internal/utils"
)

// Price is a fixed-point monetary amount with two fraction digits,
// carried as cents to keep comparisons exact.
type Price struct {
	AmountCents int64  `bson:"amount_cents" json:"amount_cents"`
	Currency    string `bson:"currency" json:"currency"`
}

// Equal reports whether two possibly-nil prices are the same amount
// in the same currency. Two nil prices compare equal.
func (p *Price) Equal(other *Price) bool {
	if p == nil || other == nil {
		return p == nil && other == nil
	}
	return p.AmountCents == other.AmountCents && p.Currency == other.Currency
}

// Validate rejects non-positive amounts and missing currency codes.
func (p *Price) Validate() error {
	if p == nil {
		return fmt.Errorf("price is required")
	}
	if p.AmountCents <= 0 {
		return fmt.Errorf("price must be positive, got %d cents", p.AmountCents)
	}
	if p.Currency == "" {
		return fmt.Errorf("price currency code is required")
	}
	return nil
}

func (p *Price) String() string {
	if p == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%d.%02d %s", p.AmountCents/100, p.AmountCents%100, p.Currency)
}

// ListingStatus is the lifecycle state of a Listing.
type ListingStatus string

const (
	StatusDraft   ListingStatus = "DRAFT"
	StatusPending ListingStatus = "PENDING"
	StatusActive  ListingStatus = "ACTIVE"
	StatusSold    ListingStatus = "SOLD"
	StatusExpired ListingStatus = "EXPIRED"
	StatusRemoved ListingStatus = "REMOVED"
)

// ParseListingStatus validates a raw status token.
func ParseListingStatus(s string) (ListingStatus, error) {
	switch status := ListingStatus(s); status {
	case StatusDraft, StatusPending, StatusActive, StatusSold, StatusExpired, StatusRemoved:
		return status, nil
	default:
		return "", fmt.Errorf("unknown listing status %q", s)
	}
}

// IsTerminal reports whether no further transition may leave this status.
func (s ListingStatus) IsTerminal() bool {
	switch s {
	case StatusSold, StatusExpired, StatusRemoved:
		return true
	}
	return false
}

// listingTransitions is the full reachability table:
// DRAFT -> PENDING -> ACTIVE -> {SOLD, EXPIRED, REMOVED},
// with DRAFT and PENDING also removable directly.
var listingTransitions = map[ListingStatus][]ListingStatus{
	StatusDraft:   {StatusPending, StatusRemoved},
	StatusPending: {StatusActive, StatusRemoved},
	StatusActive:  {StatusSold, StatusExpired, StatusRemoved},
	StatusSold:    {},
	StatusExpired: {},
	StatusRemoved: {},
}

// CanTransitionTo reports whether next is reachable from s in one step.
func (s ListingStatus) CanTransitionTo(next ListingStatus) bool {
	for _, allowed := range listingTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// VINLength is the mandatory length of a vehicle identification number.
const VINLength = 17

// ValidateVIN checks the 17-character contract of the persistence boundary.
func ValidateVIN(vin string) error {
	if len(vin) != VINLength {
		return fmt.Errorf("VIN must be exactly %d characters, got %d", VINLength, len(vin))
	}
	return nil
}

// Listing represents a vehicle offered for sale. At most one listing per VIN
// may be ACTIVE at any time; the store enforces this with a partial unique
// index on (vin) scoped to status ACTIVE.
type Listing struct {
	ID          utils.SixID   `bson:"_id,omitempty" json:"id,omitempty"`
	VIN         string        `bson:"vin" json:"vin"`
	SellerID    utils.SixID   `bson:"seller_id" json:"seller_id"`
	LocationID  int           `bson:"location" json:"location"`
	AskingPrice *Price        `bson:"asking_price" json:"asking_price"`
	Status      ListingStatus `bson:"status" json:"status"`
	PostedAt    time.Time     `bson:"posted_at" json:"posted_at"`
	ExpiresAt   *time.Time    `bson:"expires_at,omitempty" json:"expires_at,omitempty"`
	SoldAt      *time.Time    `bson:"sold_at,omitempty" json:"sold_at,omitempty"`
	UpdatedAt   time.Time     `bson:"updated_at" json:"updated_at"`
}
