package application

import (
	"context"

	listingdomain "github.com/dmehra2102/surplus-exchange/internal/listing/domain"
	"github.com/dmehra2102/surplus-exchange/internal/request/domain"
	"github.com/dmehra2102/surplus-exchange/pkg/outbox"
)

// Ledger is the set of atomic listing mutations the coordinator relies on.
// Reserve reports an unmet guard as false, never as an error.
type Ledger interface {
	Get(ctx context.Context, id string) (listingdomain.Listing, error)
	Reserve(ctx context.Context, id string, amount int) (bool, error)
	Release(ctx context.Context, id string, amount int) error
}

type RequestRepository interface {
	// Create inserts a PENDING request. It fails with
	// failure.ErrListingUnavailable if the listing left ACTIVE meanwhile.
	Create(ctx context.Context, r domain.Request, ev outbox.Record) error
	Get(ctx context.Context, id string) (domain.Request, error)
	// Resolve moves a PENDING request to d's target status together with
	// d's ledger effect, or changes nothing. A request that already left
	// PENDING fails with failure.ErrAlreadyResolved; an unmet fulfill guard
	// with failure.ErrStaleState.
	Resolve(ctx context.Context, id string, d domain.Decision, ev domain.RequestResolved) (domain.Request, *listingdomain.Fulfillment, error)
}

type Claims interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

type Metrics interface {
	Reservation(outcome string)
	Resolution(decision, outcome string)
	Compensation(outcome string)
}

type nopMetrics struct{}

func (nopMetrics) Reservation(string)        {}
func (nopMetrics) Resolution(string, string) {}
func (nopMetrics) Compensation(string)       {}
