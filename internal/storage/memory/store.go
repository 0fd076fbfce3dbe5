// Package memory is an in-process ledger and request store. Each method runs
// under one mutex, which gives every operation the same indivisible
// check-and-write the SQL store gets from a conditional UPDATE.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dmehra2102/surplus-exchange/internal/failure"
	listingdomain "github.com/dmehra2102/surplus-exchange/internal/listing/domain"
	requestdomain "github.com/dmehra2102/surplus-exchange/internal/request/domain"
	"github.com/dmehra2102/surplus-exchange/pkg/outbox"
)

type Store struct {
	mu       sync.Mutex
	listings map[string]*listingdomain.Listing
	requests map[string]*requestdomain.Request
	events   []outbox.Event
	now      func() time.Time
}

func NewStore() *Store {
	return &Store{
		listings: make(map[string]*listingdomain.Listing),
		requests: make(map[string]*requestdomain.Request),
		now:      time.Now,
	}
}

func (s *Store) Create(_ context.Context, l listingdomain.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.listings[l.ID]; exists {
		return failure.Rejectf(failure.ErrInvalidInput, "listing %s already exists", l.ID)
	}
	stored := l
	s.listings[l.ID] = &stored
	return nil
}

func (s *Store) Get(_ context.Context, id string) (listingdomain.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[id]
	if !ok {
		return listingdomain.Listing{}, failure.ErrListingNotFound
	}
	return *l, nil
}

func (s *Store) Reserve(_ context.Context, id string, amount int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[id]
	if !ok || amount <= 0 {
		return false, nil
	}
	if l.Status != listingdomain.StatusActive || l.Quantity-l.ReservedQuantity < amount {
		return false, nil
	}
	l.ReservedQuantity += amount
	l.UpdatedAt = s.now().UTC()
	return true, nil
}

func (s *Store) Release(_ context.Context, id string, amount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[id]
	if !ok {
		return nil
	}
	l.ReservedQuantity = max(l.ReservedQuantity-amount, 0)
	l.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Store) Fulfill(_ context.Context, id string, amount int) (listingdomain.Fulfillment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[id]
	if !ok || amount <= 0 || l.Quantity < amount || l.ReservedQuantity < amount {
		return listingdomain.Fulfillment{}, false, nil
	}
	l.Quantity -= amount
	l.ReservedQuantity -= amount
	if l.Quantity <= 0 {
		l.Status = listingdomain.StatusSold
	}
	l.UpdatedAt = s.now().UTC()
	return listingdomain.Fulfillment{Quantity: l.Quantity, ReservedQuantity: l.ReservedQuantity, Status: l.Status}, true, nil
}

func (s *Store) SetStatus(_ context.Context, id string, status listingdomain.Status, ev outbox.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[id]
	if !ok {
		return failure.ErrListingNotFound
	}
	if err := s.record("listing", ev); err != nil {
		return err
	}
	l.Status = status
	l.UpdatedAt = s.now().UTC()
	return nil
}

// CreateRequest is the request repository's Create; the listing must still be ACTIVE.
func (s *Store) CreateRequest(_ context.Context, r requestdomain.Request, ev outbox.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[r.ListingID]
	if !ok || l.Status != listingdomain.StatusActive {
		return failure.ErrListingUnavailable
	}
	if _, exists := s.requests[r.ID]; exists {
		return failure.Rejectf(failure.ErrInvalidInput, "request %s already exists", r.ID)
	}
	if err := s.record("request", ev); err != nil {
		return err
	}
	stored := r
	s.requests[r.ID] = &stored
	return nil
}

func (s *Store) GetRequest(_ context.Context, id string) (requestdomain.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return requestdomain.Request{}, failure.ErrRequestNotFound
	}
	return *r, nil
}

// ResolveRequest moves a PENDING request to the decision's target status and
// applies the matching ledger effect in the same critical section.
func (s *Store) ResolveRequest(_ context.Context, id string, d requestdomain.Decision, ev requestdomain.RequestResolved) (requestdomain.Request, *listingdomain.Fulfillment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return requestdomain.Request{}, nil, failure.ErrRequestNotFound
	}
	if err := r.CanTransition(); err != nil {
		return requestdomain.Request{}, nil, err
	}
	l, ok := s.listings[r.ListingID]
	if !ok {
		return requestdomain.Request{}, nil, failure.ErrListingNotFound
	}

	var f *listingdomain.Fulfillment
	switch d.Effect() {
	case requestdomain.EffectFulfill:
		if l.Status != listingdomain.StatusActive {
			return requestdomain.Request{}, nil, failure.ErrListingUnavailable
		}
		if l.Quantity < r.Quantity || l.ReservedQuantity < r.Quantity {
			return requestdomain.Request{}, nil, failure.ErrStaleState
		}
		next := listingdomain.Fulfillment{
			Quantity:         l.Quantity - r.Quantity,
			ReservedQuantity: l.ReservedQuantity - r.Quantity,
			Status:           l.Status,
		}
		if next.Quantity <= 0 {
			next.Status = listingdomain.StatusSold
		}
		f = &next
		ev.ListingStatus = string(next.Status)
		ev.ListingStock = &next.Quantity
	case requestdomain.EffectRelease:
	default:
		return requestdomain.Request{}, nil, failure.Rejectf(failure.ErrInvalidInput, "unknown decision %q", d)
	}

	if err := s.record("request", ev); err != nil {
		return requestdomain.Request{}, nil, err
	}
	now := s.now().UTC()
	if f != nil {
		l.Quantity, l.ReservedQuantity, l.Status = f.Quantity, f.ReservedQuantity, f.Status
	} else {
		l.ReservedQuantity = max(l.ReservedQuantity-r.Quantity, 0)
	}
	l.UpdatedAt = now
	r.Status = d.Target()
	r.UpdatedAt = now
	return *r, f, nil
}

func (s *Store) ListPending(_ context.Context, listingID string) ([]requestdomain.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []requestdomain.Request
	for _, r := range s.requests {
		if r.ListingID == listingID && r.Status == requestdomain.StatusPending {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// PendingQuantity sums the quantity of PENDING requests on a listing.
func (s *Store) PendingQuantity(listingID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, r := range s.requests {
		if r.ListingID == listingID && r.Status == requestdomain.StatusPending {
			total += r.Quantity
		}
	}
	return total
}

// Events returns a copy of every event recorded so far.
func (s *Store) Events() []outbox.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]outbox.Event(nil), s.events...)
}

func (s *Store) record(aggregateType string, rec outbox.Record) error {
	if rec == nil {
		return nil
	}
	ev, err := outbox.NewEvent(aggregateType, rec, nil, "")
	if err != nil {
		return err
	}
	ev.ID = int64(len(s.events) + 1)
	s.events = append(s.events, ev)
	return nil
}

// Requests adapts the store to the request repository port, whose method
// names overlap with the ledger's.
func (s *Store) Requests() *Requests { return &Requests{s: s} }

type Requests struct{ s *Store }

func (r *Requests) Create(ctx context.Context, req requestdomain.Request, ev outbox.Record) error {
	return r.s.CreateRequest(ctx, req, ev)
}

func (r *Requests) Get(ctx context.Context, id string) (requestdomain.Request, error) {
	return r.s.GetRequest(ctx, id)
}

func (r *Requests) Resolve(ctx context.Context, id string, d requestdomain.Decision, ev requestdomain.RequestResolved) (requestdomain.Request, *listingdomain.Fulfillment, error) {
	return r.s.ResolveRequest(ctx, id, d, ev)
}

func (r *Requests) ListPending(ctx context.Context, listingID string) ([]requestdomain.Request, error) {
	return r.s.ListPending(ctx, listingID)
}
