package application

import (
	"context"

	"github.com/dmehra2102/surplus-exchange/internal/listing/domain"
	requestdomain "github.com/dmehra2102/surplus-exchange/internal/request/domain"
	"github.com/dmehra2102/surplus-exchange/pkg/outbox"
)

// ListingStore is the part of the ledger the listing lifecycle writes through.
// SetStatus is never used for SOLD; that transition only happens inside a fulfill.
type ListingStore interface {
	Create(ctx context.Context, l domain.Listing) error
	Get(ctx context.Context, id string) (domain.Listing, error)
	SetStatus(ctx context.Context, id string, status domain.Status, ev outbox.Record) error
}

type RequestStore interface {
	ListPending(ctx context.Context, listingID string) ([]requestdomain.Request, error)
	// Resolve moves a PENDING request to a terminal status and releases or
	// fulfills its reservation in the same step. It fails with
	// failure.ErrAlreadyResolved when the request was no longer PENDING.
	Resolve(ctx context.Context, id string, d requestdomain.Decision, ev requestdomain.RequestResolved) (requestdomain.Request, *domain.Fulfillment, error)
}

type Claims interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}
