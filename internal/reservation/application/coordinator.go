package application

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/surplus-exchange/internal/actor"
	"github.com/dmehra2102/surplus-exchange/internal/failure"
	listingdomain "github.com/dmehra2102/surplus-exchange/internal/listing/domain"
	"github.com/dmehra2102/surplus-exchange/internal/request/domain"
)

type Options struct {
	Claims             Claims
	Metrics            Metrics
	Now                func() time.Time
	NewID              func() string
	StatusWriteRetries int
	RetryBackoff       time.Duration
}

// Coordinator runs the reserve-then-create and resolve protocols on top of the
// ledger's atomic operations. It holds no locks of its own.
type Coordinator struct {
	log      *slog.Logger
	ledger   Ledger
	requests RequestRepository
	claims   Claims
	metrics  Metrics
	now      func() time.Time
	newID    func() string
	retries  int
	backoff  time.Duration
	tracer   trace.Tracer
}

func NewCoordinator(log *slog.Logger, ledger Ledger, requests RequestRepository, opts Options) *Coordinator {
	c := &Coordinator{
		log:      log,
		ledger:   ledger,
		requests: requests,
		claims:   opts.Claims,
		metrics:  opts.Metrics,
		now:      opts.Now,
		newID:    opts.NewID,
		retries:  opts.StatusWriteRetries,
		backoff:  opts.RetryBackoff,
		tracer:   otel.Tracer("reservation-coordinator"),
	}
	if c.metrics == nil {
		c.metrics = nopMetrics{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	if c.retries <= 0 {
		c.retries = 3
	}
	if c.backoff <= 0 {
		c.backoff = 25 * time.Millisecond
	}
	return c
}

// CreateRequest reserves amount units on the listing and records a PENDING
// request for them. If the request cannot be recorded the reservation is
// released before the error is returned.
func (c *Coordinator) CreateRequest(ctx context.Context, listingID string, buyer actor.Actor, amount int) (domain.Request, error) {
	ctx, span := c.tracer.Start(ctx, "CreateRequest", trace.WithAttributes(
		attribute.String("listing.id", listingID),
		attribute.String("buyer.id", buyer.ID),
		attribute.Int("amount", amount),
	))
	defer span.End()

	if amount <= 0 {
		return domain.Request{}, failure.Rejectf(failure.ErrInvalidInput, "quantity must be positive")
	}

	l, err := c.ledger.Get(ctx, listingID)
	if err != nil {
		return domain.Request{}, err
	}
	if err := c.checkReservable(l, buyer, amount); err != nil {
		c.metrics.Reservation(string(failure.CodeOf(err)))
		c.log.Info("request rejected", "listing_id", listingID, "buyer_id", buyer.ID, "reason", err.Error())
		return domain.Request{}, err
	}

	reserved, err := c.ledger.Reserve(ctx, listingID, amount)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reserve failed")
		return domain.Request{}, errors.Wrap(err, "reserve quantity")
	}
	if !reserved {
		c.metrics.Reservation(string(failure.CodeInsufficientStock))
		c.log.Info("reservation lost", "listing_id", listingID, "buyer_id", buyer.ID, "amount", amount)
		return domain.Request{}, failure.ErrInsufficientStock
	}
	c.metrics.Reservation("reserved")

	r := domain.NewRequest(c.newID(), listingID, buyer, amount, c.now())
	ev := domain.RequestCreated{RequestID: r.ID, ListingID: listingID, BuyerID: buyer.ID, Quantity: amount}
	if err := c.requests.Create(ctx, r, ev); err != nil {
		return domain.Request{}, c.compensateReservation(ctx, span, listingID, amount, err)
	}

	c.log.Info("request created", "request_id", r.ID, "listing_id", listingID, "buyer_id", buyer.ID, "quantity", amount)
	return r, nil
}

func (c *Coordinator) checkReservable(l listingdomain.Listing, buyer actor.Actor, amount int) error {
	switch {
	case l.OwnedBy(buyer):
		return failure.ErrSelfRequest
	case l.Status != listingdomain.StatusActive:
		return failure.ErrListingUnavailable
	case l.Expired(c.now()):
		return failure.ErrListingExpired
	case amount > l.Available():
		return failure.Rejectf(failure.ErrInsufficientStock, "only %d %s available", l.Available(), l.Unit)
	}
	return nil
}

// compensateReservation undoes a reservation whose request row was never
// written. A failed release here is not retried: the ledger state is unknown
// and a second release could free units twice.
func (c *Coordinator) compensateReservation(ctx context.Context, span trace.Span, listingID string, amount int, cause error) error {
	relErr := c.ledger.Release(context.WithoutCancel(ctx), listingID, amount)
	if relErr != nil {
		c.metrics.Compensation("failed")
		c.log.Error("compensating release failed",
			"listing_id", listingID, "amount", amount, "reconcile", true, "cause", cause, "err", relErr)
		span.RecordError(relErr)
		span.SetStatus(codes.Error, "compensation failed")
		return failure.Compensation(errors.Wrap(relErr, cause.Error()),
			"%d units reserved on listing %s could not be released", amount, listingID)
	}
	c.metrics.Compensation("released")
	c.log.Warn("reservation released after failed request write", "listing_id", listingID, "amount", amount, "err", cause)

	if failure.IsBusiness(cause) {
		return cause
	}
	span.RecordError(cause)
	return errors.Wrap(cause, "create request")
}

// GetRequest returns a request to its buyer or to the owner of its listing.
func (c *Coordinator) GetRequest(ctx context.Context, requestID string, a actor.Actor) (domain.Request, error) {
	r, err := c.requests.Get(ctx, requestID)
	if err != nil {
		return domain.Request{}, err
	}
	if r.BuyerID == a.ID {
		return r, nil
	}
	l, err := c.ledger.Get(ctx, r.ListingID)
	if errors.Is(err, failure.ErrListingNotFound) {
		return domain.Request{}, failure.ErrForbidden
	}
	if err != nil {
		return domain.Request{}, errors.Wrap(err, "get listing")
	}
	if !l.OwnedBy(a) {
		return domain.Request{}, failure.ErrForbidden
	}
	return r, nil
}

type Resolution struct {
	Request     domain.Request
	Fulfillment *listingdomain.Fulfillment
}

// ResolveRequest applies an approve, reject or cancel decision. The status
// write and the ledger effect land together through the repository, and an
// infrastructure failure is retried.
func (c *Coordinator) ResolveRequest(ctx context.Context, requestID string, a actor.Actor, d domain.Decision) (Resolution, error) {
	ctx, span := c.tracer.Start(ctx, "ResolveRequest", trace.WithAttributes(
		attribute.String("request.id", requestID),
		attribute.String("actor.id", a.ID),
		attribute.String("decision", string(d)),
	))
	defer span.End()

	res, err := c.resolve(ctx, requestID, a, d)
	switch {
	case err == nil:
		c.metrics.Resolution(string(d), "ok")
	case failure.IsBusiness(err):
		c.metrics.Resolution(string(d), string(failure.CodeOf(err)))
	default:
		c.metrics.Resolution(string(d), "error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve failed")
	}
	return res, err
}

func (c *Coordinator) resolve(ctx context.Context, requestID string, a actor.Actor, d domain.Decision) (Resolution, error) {
	if d.Effect() == domain.EffectNone {
		return Resolution{}, failure.Rejectf(failure.ErrInvalidInput, "unknown decision %q", d)
	}

	if c.claims != nil {
		key := "request:" + requestID
		ok, err := c.claims.Claim(ctx, key)
		if err != nil {
			return Resolution{}, errors.Wrap(err, "claim request")
		}
		if !ok {
			return Resolution{}, failure.ErrBusy
		}
		defer func() {
			if err := c.claims.Release(context.WithoutCancel(ctx), key); err != nil {
				c.log.Warn("release claim failed", "request_id", requestID, "err", err)
			}
		}()
	}

	r, err := c.requests.Get(ctx, requestID)
	if err != nil {
		return Resolution{}, err
	}
	l, err := c.ledger.Get(ctx, r.ListingID)
	if err != nil {
		if errors.Is(err, failure.ErrListingNotFound) {
			return Resolution{}, failure.ErrForbidden
		}
		return Resolution{}, err
	}
	if err := r.Authorize(a, d, l.SellerID); err != nil {
		return Resolution{}, err
	}
	if err := r.CanTransition(); err != nil {
		return Resolution{}, err
	}

	ev := domain.RequestResolved{
		RequestID: r.ID,
		ListingID: r.ListingID,
		ActorID:   a.ID,
		Decision:  d,
		Status:    d.Target(),
		Quantity:  r.Quantity,
	}

	if d.Effect() == domain.EffectFulfill {
		if err := c.checkFulfillable(r, l); err != nil {
			return Resolution{}, err
		}
	}

	resolved, f, err := c.settle(ctx, r, d, ev)
	if err != nil {
		return Resolution{}, err
	}
	c.log.Info("request resolved", "request_id", resolved.ID, "listing_id", resolved.ListingID, "status", resolved.Status, "quantity", resolved.Quantity)
	return Resolution{Request: resolved, Fulfillment: f}, nil
}

// checkFulfillable re-validates stock at approval time. A reservation only
// guarantees availability against other reservations; other approvals may
// have shrunk the listing's total quantity since.
func (c *Coordinator) checkFulfillable(r domain.Request, l listingdomain.Listing) error {
	if l.Status != listingdomain.StatusActive {
		return failure.ErrListingUnavailable
	}
	if l.Expired(c.now()) {
		return failure.ErrListingExpired
	}
	if r.Quantity > l.Quantity {
		c.log.Warn("approval found stale stock", "request_id", r.ID, "listing_id", l.ID, "requested", r.Quantity, "quantity", l.Quantity)
		return failure.Rejectf(failure.ErrStaleState, "only %d %s left, request is for %d", l.Quantity, l.Unit, r.Quantity)
	}
	return nil
}

// settle retries the repository's Resolve on infrastructure errors. Each
// attempt is all-or-nothing, but a commit whose acknowledgement was lost
// shows up on the next attempt as already resolved; that case is confirmed
// by reading the request back.
func (c *Coordinator) settle(ctx context.Context, r domain.Request, d domain.Decision, ev domain.RequestResolved) (domain.Request, *listingdomain.Fulfillment, error) {
	var lastErr error
	for attempt := 1; attempt <= c.retries; attempt++ {
		resolved, f, err := c.requests.Resolve(context.WithoutCancel(ctx), r.ID, d, ev)
		if err == nil {
			return resolved, f, nil
		}
		if failure.IsBusiness(err) {
			if lastErr != nil && errors.Is(err, failure.ErrAlreadyResolved) {
				if cur, gerr := c.requests.Get(ctx, r.ID); gerr == nil && cur.Status == d.Target() {
					c.log.Warn("resolution committed despite error", "request_id", r.ID, "err", lastErr)
					return cur, nil, nil
				}
			}
			if errors.Is(err, failure.ErrStaleState) {
				c.log.Warn("fulfill guard not met", "request_id", r.ID, "listing_id", r.ListingID, "requested", r.Quantity)
			}
			return domain.Request{}, nil, err
		}
		lastErr = err
		c.log.Warn("resolve failed, retrying", "request_id", r.ID, "attempt", attempt, "err", err)
		time.Sleep(c.backoff * time.Duration(attempt))
	}
	return domain.Request{}, nil, errors.Wrapf(lastErr, "resolve request %s", r.ID)
}
