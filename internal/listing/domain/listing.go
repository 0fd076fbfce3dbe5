package domain

import (
	"strings"
	"time"

	"github.com/dmehra2102/surplus-exchange/internal/actor"
	"github.com/dmehra2102/surplus-exchange/internal/failure"
)

type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusActive    Status = "ACTIVE"
	StatusSold      Status = "SOLD"
	StatusExpired   Status = "EXPIRED"
	StatusCancelled Status = "CANCELLED"
)

func (s Status) Terminal() bool {
	return s == StatusSold || s == StatusCancelled
}

type Listing struct {
	ID               string
	SellerID         string
	Title            string
	Description      string
	Unit             string
	Quantity         int
	ReservedQuantity int
	ExpiryDate       time.Time
	Status           Status
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Fulfillment is the row state produced by a successful fulfill.
type Fulfillment struct {
	Quantity         int
	ReservedQuantity int
	Status           Status
}

func (l Listing) Available() int {
	return l.Quantity - l.ReservedQuantity
}

func (l Listing) Expired(now time.Time) bool {
	return !now.Before(l.ExpiryDate)
}

// EffectiveStatus is the status callers should act on. EXPIRED is never
// stored; an ACTIVE row past its expiry date reads as EXPIRED.
func (l Listing) EffectiveStatus(now time.Time) Status {
	if l.Status == StatusActive && l.Expired(now) {
		return StatusExpired
	}
	return l.Status
}

func (l Listing) OwnedBy(a actor.Actor) bool {
	return l.SellerID == a.ID
}

// CanPublish checks the DRAFT -> ACTIVE guard.
func (l Listing) CanPublish(a actor.Actor) error {
	if !l.OwnedBy(a) {
		return failure.ErrForbidden
	}
	if l.Status != StatusDraft {
		return failure.Rejectf(failure.ErrInvalidTransition, "only draft listings can be published, listing is %s", l.Status)
	}
	return nil
}

// CanCancel checks the * -> CANCELLED guard.
func (l Listing) CanCancel(a actor.Actor) error {
	if !l.OwnedBy(a) {
		return failure.ErrForbidden
	}
	switch l.Status {
	case StatusCancelled:
		return failure.Rejectf(failure.ErrInvalidTransition, "listing is already cancelled")
	case StatusSold:
		return failure.Rejectf(failure.ErrInvalidTransition, "sold listings cannot be cancelled")
	}
	return nil
}

type Draft struct {
	Title       string
	Description string
	Unit        string
	Quantity    int
	ExpiryDate  time.Time
}

// NewListing validates a draft and returns the DRAFT listing a seller starts with.
func NewListing(id string, seller actor.Actor, d Draft, now time.Time) (Listing, error) {
	if !seller.IsSeller() {
		return Listing{}, failure.Rejectf(failure.ErrForbidden, "only sellers can create listings")
	}
	switch {
	case strings.TrimSpace(d.Title) == "":
		return Listing{}, failure.Rejectf(failure.ErrInvalidInput, "title is required")
	case strings.TrimSpace(d.Unit) == "":
		return Listing{}, failure.Rejectf(failure.ErrInvalidInput, "unit is required")
	case d.Quantity <= 0:
		return Listing{}, failure.Rejectf(failure.ErrInvalidInput, "quantity must be positive")
	case d.ExpiryDate.IsZero():
		return Listing{}, failure.Rejectf(failure.ErrInvalidInput, "expiry date is required")
	}
	now = now.UTC()
	return Listing{
		ID:          id,
		SellerID:    seller.ID,
		Title:       strings.TrimSpace(d.Title),
		Description: d.Description,
		Unit:        strings.TrimSpace(d.Unit),
		Quantity:    d.Quantity,
		ExpiryDate:  d.ExpiryDate.UTC(),
		Status:      StatusDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}
