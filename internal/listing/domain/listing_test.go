package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/surplus-exchange/internal/actor"
	"github.com/dmehra2102/surplus-exchange/internal/failure"
)

var (
	seller = actor.Actor{ID: "seller-1", Role: actor.RoleSeller}
	buyer  = actor.Actor{ID: "buyer-1", Role: actor.RoleBuyer}
	now    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func TestNewListing(t *testing.T) {
	draft := Draft{Title: " Ibuprofen 400mg ", Unit: "packs", Quantity: 100, ExpiryDate: now.Add(48 * time.Hour)}

	t.Run("Success", func(t *testing.T) {
		l, err := NewListing("l-1", seller, draft, now)
		require.NoError(t, err)
		assert.Equal(t, StatusDraft, l.Status)
		assert.Equal(t, "Ibuprofen 400mg", l.Title)
		assert.Equal(t, 0, l.ReservedQuantity)
		assert.Equal(t, 100, l.Available())
		assert.Equal(t, seller.ID, l.SellerID)
	})

	t.Run("Buyer cannot create", func(t *testing.T) {
		_, err := NewListing("l-1", buyer, draft, now)
		assert.ErrorIs(t, err, failure.ErrForbidden)
	})

	tests := []struct {
		name   string
		mutate func(d *Draft)
	}{
		{"empty title", func(d *Draft) { d.Title = "  " }},
		{"empty unit", func(d *Draft) { d.Unit = "" }},
		{"zero quantity", func(d *Draft) { d.Quantity = 0 }},
		{"negative quantity", func(d *Draft) { d.Quantity = -4 }},
		{"no expiry", func(d *Draft) { d.ExpiryDate = time.Time{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := draft
			tt.mutate(&d)
			_, err := NewListing("l-1", seller, d, now)
			assert.ErrorIs(t, err, failure.ErrInvalidInput)
		})
	}
}

func TestEffectiveStatus(t *testing.T) {
	l := Listing{Status: StatusActive, ExpiryDate: now}

	assert.Equal(t, StatusActive, l.EffectiveStatus(now.Add(-time.Second)))
	assert.Equal(t, StatusExpired, l.EffectiveStatus(now), "expiry instant itself counts as expired")
	assert.Equal(t, StatusExpired, l.EffectiveStatus(now.Add(time.Hour)))

	l.Status = StatusDraft
	assert.Equal(t, StatusDraft, l.EffectiveStatus(now.Add(time.Hour)), "only ACTIVE rows derive EXPIRED")
}

func TestCanPublish(t *testing.T) {
	l := Listing{SellerID: seller.ID, Status: StatusDraft}
	assert.NoError(t, l.CanPublish(seller))
	assert.ErrorIs(t, l.CanPublish(buyer), failure.ErrForbidden)

	l.Status = StatusActive
	assert.ErrorIs(t, l.CanPublish(seller), failure.ErrInvalidTransition)
}

func TestCanCancel(t *testing.T) {
	for _, s := range []Status{StatusDraft, StatusActive} {
		l := Listing{SellerID: seller.ID, Status: s}
		assert.NoError(t, l.CanCancel(seller), s)
		assert.ErrorIs(t, l.CanCancel(buyer), failure.ErrForbidden, s)
	}
	for _, s := range []Status{StatusSold, StatusCancelled} {
		l := Listing{SellerID: seller.ID, Status: s}
		assert.ErrorIs(t, l.CanCancel(seller), failure.ErrInvalidTransition, s)
	}
}
