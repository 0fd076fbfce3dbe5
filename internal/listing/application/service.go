package application

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/surplus-exchange/internal/actor"
	"github.com/dmehra2102/surplus-exchange/internal/failure"
	"github.com/dmehra2102/surplus-exchange/internal/listing/domain"
	requestdomain "github.com/dmehra2102/surplus-exchange/internal/request/domain"
)

const (
	claimAttempts = 5
	claimBackoff  = 50 * time.Millisecond
)

type Service struct {
	log      *slog.Logger
	listings ListingStore
	requests RequestStore
	claims   Claims
	now      func() time.Time
	tracer   trace.Tracer
}

// NewService builds the listing lifecycle. claims may be nil when a single
// resolver per request is guaranteed by other means.
func NewService(log *slog.Logger, listings ListingStore, requests RequestStore, claims Claims, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		log:      log,
		listings: listings,
		requests: requests,
		claims:   claims,
		now:      now,
		tracer:   otel.Tracer("listing-lifecycle"),
	}
}

func (s *Service) CreateListing(ctx context.Context, seller actor.Actor, d domain.Draft) (domain.Listing, error) {
	l, err := domain.NewListing(uuid.NewString(), seller, d, s.now())
	if err != nil {
		return domain.Listing{}, err
	}
	if err := s.listings.Create(ctx, l); err != nil {
		s.log.Error("create listing failed", "seller_id", seller.ID, "err", err)
		return domain.Listing{}, err
	}
	s.log.Info("listing created", "listing_id", l.ID, "seller_id", seller.ID, "quantity", l.Quantity)
	return l, nil
}

func (s *Service) GetListing(ctx context.Context, id string) (domain.Listing, error) {
	return s.listings.Get(ctx, id)
}

func (s *Service) PublishListing(ctx context.Context, seller actor.Actor, id string) (domain.Listing, error) {
	l, err := s.listings.Get(ctx, id)
	if err != nil {
		return domain.Listing{}, err
	}
	if err := l.CanPublish(seller); err != nil {
		return domain.Listing{}, err
	}
	ev := domain.ListingPublished{ListingID: id, SellerID: seller.ID}
	if err := s.listings.SetStatus(ctx, id, domain.StatusActive, ev); err != nil {
		return domain.Listing{}, err
	}
	l.Status = domain.StatusActive
	s.log.Info("listing published", "listing_id", id)
	return l, nil
}

// CancelListing moves a listing to CANCELLED and rejects every pending
// request against it, releasing each reservation after its request is
// rejected. The status is written first so the ACTIVE guard on reserve stops
// new reservations while pending ones are swept.
func (s *Service) CancelListing(ctx context.Context, seller actor.Actor, id string) (domain.Listing, error) {
	ctx, span := s.tracer.Start(ctx, "CancelListing", trace.WithAttributes(attribute.String("listing.id", id)))
	defer span.End()

	l, err := s.listings.Get(ctx, id)
	if err != nil {
		return domain.Listing{}, err
	}
	if err := l.CanCancel(seller); err != nil {
		return domain.Listing{}, err
	}

	ev := domain.ListingCancelled{ListingID: id, SellerID: seller.ID}
	if err := s.listings.SetStatus(ctx, id, domain.StatusCancelled, ev); err != nil {
		return domain.Listing{}, err
	}

	pending, err := s.requests.ListPending(ctx, id)
	if err != nil {
		return domain.Listing{}, errors.Wrap(err, "list pending requests")
	}
	for _, r := range pending {
		if err := s.rejectForCancel(ctx, seller, r); err != nil {
			return domain.Listing{}, err
		}
	}

	l, err = s.listings.Get(ctx, id)
	if err != nil {
		return domain.Listing{}, err
	}
	s.log.Info("listing cancelled", "listing_id", id, "rejected_requests", len(pending), "reserved_quantity", l.ReservedQuantity)
	return l, nil
}

func (s *Service) rejectForCancel(ctx context.Context, seller actor.Actor, r requestdomain.Request) error {
	key := "request:" + r.ID
	if s.claims != nil {
		if err := s.claim(ctx, key); err != nil {
			return err
		}
		defer func() {
			if err := s.claims.Release(context.WithoutCancel(ctx), key); err != nil {
				s.log.Warn("release claim failed", "request_id", r.ID, "err", err)
			}
		}()
	}

	ev := requestdomain.RequestResolved{
		RequestID: r.ID,
		ListingID: r.ListingID,
		ActorID:   seller.ID,
		Decision:  requestdomain.DecisionReject,
		Status:    requestdomain.StatusRejected,
		Quantity:  r.Quantity,
	}
	_, _, err := s.requests.Resolve(ctx, r.ID, requestdomain.DecisionReject, ev)
	if errors.Is(err, failure.ErrAlreadyResolved) {
		// Resolved concurrently; that resolution carried its own ledger effect.
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "reject request %s", r.ID)
	}
	return nil
}

func (s *Service) claim(ctx context.Context, key string) error {
	for attempt := 1; ; attempt++ {
		ok, err := s.claims.Claim(ctx, key)
		if err != nil {
			return errors.Wrap(err, "claim request")
		}
		if ok {
			return nil
		}
		if attempt == claimAttempts {
			return failure.Rejectf(failure.ErrBusy, "a request on this listing is being resolved, try again")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(claimBackoff * time.Duration(attempt)):
		}
	}
}
