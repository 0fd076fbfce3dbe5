package application_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/surplus-exchange/internal/actor"
	"github.com/dmehra2102/surplus-exchange/internal/failure"
	listingdomain "github.com/dmehra2102/surplus-exchange/internal/listing/domain"
	requestdomain "github.com/dmehra2102/surplus-exchange/internal/request/domain"
	"github.com/dmehra2102/surplus-exchange/internal/reservation/application"
	"github.com/dmehra2102/surplus-exchange/internal/storage/memory"
	"github.com/dmehra2102/surplus-exchange/pkg/logging"
	"github.com/dmehra2102/surplus-exchange/pkg/outbox"
)

var (
	seller = actor.Actor{ID: "seller-1", Role: actor.RoleSeller}
	buyer  = actor.Actor{ID: "buyer-1", Role: actor.RoleBuyer}
	other  = actor.Actor{ID: "buyer-2", Role: actor.RoleBuyer}
	now    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

type fixture struct {
	store   *memory.Store
	ledger  application.Ledger
	metrics *recordingMetrics
	coord   *application.Coordinator
}

type fixtureOpt func(*fixtureConfig)

type fixtureConfig struct {
	ledger   func(*memory.Store) application.Ledger
	requests func(*memory.Requests) application.RequestRepository
	claims   application.Claims
}

func withLedger(f func(*memory.Store) application.Ledger) fixtureOpt {
	return func(c *fixtureConfig) { c.ledger = f }
}

func withRequests(f func(*memory.Requests) application.RequestRepository) fixtureOpt {
	return func(c *fixtureConfig) { c.requests = f }
}

func withClaims(cl application.Claims) fixtureOpt {
	return func(c *fixtureConfig) { c.claims = cl }
}

func newFixture(t *testing.T, opts ...fixtureOpt) *fixture {
	t.Helper()
	cfg := fixtureConfig{
		ledger:   func(s *memory.Store) application.Ledger { return s },
		requests: func(r *memory.Requests) application.RequestRepository { return r },
	}
	for _, o := range opts {
		o(&cfg)
	}

	store := memory.NewStore()
	ledger := cfg.ledger(store)
	m := &recordingMetrics{}
	var seq int
	var mu sync.Mutex
	coord := application.NewCoordinator(logging.Discard(), ledger, cfg.requests(store.Requests()), application.Options{
		Claims:       cfg.claims,
		Metrics:      m,
		Now:          func() time.Time { return now },
		RetryBackoff: time.Millisecond,
		NewID: func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return fmt.Sprintf("r-%d", seq)
		},
	})
	return &fixture{store: store, ledger: ledger, metrics: m, coord: coord}
}

func (f *fixture) listing(t *testing.T, id string, qty int) {
	t.Helper()
	require.NoError(t, f.store.Create(context.Background(), listingdomain.Listing{
		ID:         id,
		SellerID:   seller.ID,
		Title:      "Insulin glargine",
		Unit:       "pen",
		Quantity:   qty,
		ExpiryDate: now.Add(30 * 24 * time.Hour),
		Status:     listingdomain.StatusActive,
	}))
}

func (f *fixture) get(t *testing.T, id string) listingdomain.Listing {
	t.Helper()
	l, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return l
}

type recordingMetrics struct {
	mu            sync.Mutex
	reservations  []string
	resolutions   []string
	compensations []string
}

func (m *recordingMetrics) Reservation(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reservations = append(m.reservations, outcome)
}

func (m *recordingMetrics) Resolution(decision, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolutions = append(m.resolutions, decision+":"+outcome)
}

func (m *recordingMetrics) Compensation(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compensations = append(m.compensations, outcome)
}

// failingRequests fails every Create and the first resolveFailures Resolves.
// With committed set, a failing Resolve still lands before reporting the error.
type failingRequests struct {
	*memory.Requests
	createErr       error
	resolveFailures int
	committed       bool
	resolves        int
}

func (f *failingRequests) Create(ctx context.Context, r requestdomain.Request, ev outbox.Record) error {
	if f.createErr != nil {
		return f.createErr
	}
	return f.Requests.Create(ctx, r, ev)
}

func (f *failingRequests) Resolve(ctx context.Context, id string, d requestdomain.Decision, ev requestdomain.RequestResolved) (requestdomain.Request, *listingdomain.Fulfillment, error) {
	f.resolves++
	if f.resolves <= f.resolveFailures {
		if f.committed {
			_, _, _ = f.Requests.Resolve(ctx, id, d, ev)
		}
		return requestdomain.Request{}, nil, errors.New("connection reset by peer")
	}
	return f.Requests.Resolve(ctx, id, d, ev)
}

// gatedRequests holds every Get until parties callers have arrived, so that
// concurrent resolutions all read the request before any of them writes.
type gatedRequests struct {
	*memory.Requests
	mu      sync.Mutex
	parties int
	arrived int
	open    chan struct{}
}

func newGatedRequests(r *memory.Requests, parties int) *gatedRequests {
	return &gatedRequests{Requests: r, parties: parties, open: make(chan struct{})}
}

func (g *gatedRequests) Get(ctx context.Context, id string) (requestdomain.Request, error) {
	r, err := g.Requests.Get(ctx, id)
	g.mu.Lock()
	g.arrived++
	if g.arrived == g.parties {
		close(g.open)
	}
	g.mu.Unlock()
	select {
	case <-g.open:
	case <-time.After(5 * time.Second):
	}
	return r, err
}

type failingGet struct {
	*memory.Store
	err error
}

func (f failingGet) Get(context.Context, string) (listingdomain.Listing, error) {
	return listingdomain.Listing{}, f.err
}

type failingRelease struct {
	*memory.Store
}

func (failingRelease) Release(context.Context, string, int) error {
	return errors.New("ledger unreachable")
}

type lockedClaims struct {
	mu   sync.Mutex
	held map[string]bool
}

func (c *lockedClaims) Claim(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.held == nil {
		c.held = make(map[string]bool)
	}
	if c.held[key] {
		return false, nil
	}
	c.held[key] = true
	return true, nil
}

func (c *lockedClaims) Release(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.held, key)
	return nil
}

func TestCreateRequestReservesStock(t *testing.T) {
	f := newFixture(t)
	f.listing(t, "l-1", 100)

	r, err := f.coord.CreateRequest(context.Background(), "l-1", buyer, 40)
	require.NoError(t, err)
	assert.Equal(t, requestdomain.StatusPending, r.Status)
	assert.Equal(t, 40, r.Quantity)
	assert.Equal(t, buyer.ID, r.BuyerID)

	assert.Equal(t, 40, f.get(t, "l-1").ReservedQuantity)
	assert.Equal(t, []string{"reserved"}, f.metrics.reservations)

	_, err = f.coord.CreateRequest(context.Background(), "l-1", other, 70)
	assert.ErrorIs(t, err, failure.ErrInsufficientStock)
	assert.Equal(t, 40, f.get(t, "l-1").ReservedQuantity)
}

func TestCreateRequestRejections(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*fixture)
		who     actor.Actor
		amount  int
		wantErr error
	}{
		{name: "non positive", who: buyer, amount: 0, wantErr: failure.ErrInvalidInput},
		{name: "own listing", who: seller, amount: 1, wantErr: failure.ErrSelfRequest},
		{name: "over available", who: buyer, amount: 11, wantErr: failure.ErrInsufficientStock},
		{
			name: "not active",
			setup: func(f *fixture) {
				_ = f.store.SetStatus(context.Background(), "l-1", listingdomain.StatusDraft, nil)
			},
			who: buyer, amount: 1, wantErr: failure.ErrListingUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.listing(t, "l-1", 10)
			if tt.setup != nil {
				tt.setup(f)
			}

			_, err := f.coord.CreateRequest(context.Background(), "l-1", tt.who, tt.amount)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, failure.KindRejection, failure.KindOf(err))
			assert.Zero(t, f.get(t, "l-1").ReservedQuantity)
		})
	}
}

func TestCreateRequestExpiredListing(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Create(context.Background(), listingdomain.Listing{
		ID: "l-1", SellerID: seller.ID, Title: "Heparin", Unit: "vial",
		Quantity: 10, ExpiryDate: now, Status: listingdomain.StatusActive,
	}))

	_, err := f.coord.CreateRequest(context.Background(), "l-1", buyer, 1)
	assert.ErrorIs(t, err, failure.ErrListingExpired)
}

func TestCreateRequestMissingListing(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.CreateRequest(context.Background(), "nope", buyer, 1)
	assert.ErrorIs(t, err, failure.ErrListingNotFound)
}

func TestCreateRequestCompensatesFailedWrite(t *testing.T) {
	writeErr := errors.New("insert request: connection refused")
	f := newFixture(t, withRequests(func(r *memory.Requests) application.RequestRepository {
		return &failingRequests{Requests: r, createErr: writeErr}
	}))
	f.listing(t, "l-1", 100)

	_, err := f.coord.CreateRequest(context.Background(), "l-1", buyer, 30)
	require.Error(t, err)
	assert.ErrorIs(t, err, writeErr)
	assert.NotEqual(t, failure.KindCompensation, failure.KindOf(err))

	assert.Zero(t, f.get(t, "l-1").ReservedQuantity)
	assert.Equal(t, []string{"released"}, f.metrics.compensations)
	assert.Zero(t, f.store.PendingQuantity("l-1"))
}

func TestCreateRequestListingLeftActive(t *testing.T) {
	f := newFixture(t, withRequests(func(r *memory.Requests) application.RequestRepository {
		return &failingRequests{Requests: r, createErr: failure.ErrListingUnavailable}
	}))
	f.listing(t, "l-1", 100)

	_, err := f.coord.CreateRequest(context.Background(), "l-1", buyer, 30)
	assert.ErrorIs(t, err, failure.ErrListingUnavailable)
	assert.Zero(t, f.get(t, "l-1").ReservedQuantity)
}

func TestCreateRequestCompensationFault(t *testing.T) {
	f := newFixture(t,
		withLedger(func(s *memory.Store) application.Ledger { return failingRelease{Store: s} }),
		withRequests(func(r *memory.Requests) application.RequestRepository {
			return &failingRequests{Requests: r, createErr: errors.New("disk full")}
		}),
	)
	f.listing(t, "l-1", 100)

	_, err := f.coord.CreateRequest(context.Background(), "l-1", buyer, 30)
	require.Error(t, err)
	assert.Equal(t, failure.KindCompensation, failure.KindOf(err))
	assert.ErrorIs(t, err, failure.ErrInconsistent)
	assert.Equal(t, []string{"failed"}, f.metrics.compensations)

	// The reservation is stranded and must be reconciled out of band.
	assert.Equal(t, 30, f.get(t, "l-1").ReservedQuantity)
}

func TestApproveFulfills(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.listing(t, "l-1", 100)

	r1, err := f.coord.CreateRequest(ctx, "l-1", buyer, 40)
	require.NoError(t, err)
	r2, err := f.coord.CreateRequest(ctx, "l-1", other, 60)
	require.NoError(t, err)

	res, err := f.coord.ResolveRequest(ctx, r1.ID, seller, requestdomain.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, requestdomain.StatusApproved, res.Request.Status)
	require.NotNil(t, res.Fulfillment)
	assert.Equal(t, listingdomain.Fulfillment{Quantity: 60, ReservedQuantity: 60, Status: listingdomain.StatusActive}, *res.Fulfillment)

	res, err = f.coord.ResolveRequest(ctx, r2.ID, seller, requestdomain.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, listingdomain.StatusSold, res.Fulfillment.Status)

	l := f.get(t, "l-1")
	assert.Zero(t, l.Quantity)
	assert.Zero(t, l.ReservedQuantity)
	assert.Equal(t, listingdomain.StatusSold, l.Status)
}

func TestRejectAndCancelRelease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.listing(t, "l-1", 10)

	r1, err := f.coord.CreateRequest(ctx, "l-1", buyer, 4)
	require.NoError(t, err)
	r2, err := f.coord.CreateRequest(ctx, "l-1", other, 5)
	require.NoError(t, err)

	res, err := f.coord.ResolveRequest(ctx, r1.ID, seller, requestdomain.DecisionReject)
	require.NoError(t, err)
	assert.Equal(t, requestdomain.StatusRejected, res.Request.Status)
	assert.Nil(t, res.Fulfillment)
	assert.Equal(t, 5, f.get(t, "l-1").ReservedQuantity)

	res, err = f.coord.ResolveRequest(ctx, r2.ID, other, requestdomain.DecisionCancel)
	require.NoError(t, err)
	assert.Equal(t, requestdomain.StatusCancelled, res.Request.Status)

	l := f.get(t, "l-1")
	assert.Zero(t, l.ReservedQuantity)
	assert.Equal(t, 10, l.Quantity)
}

func TestResolveAuthorization(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.listing(t, "l-1", 10)
	r, err := f.coord.CreateRequest(ctx, "l-1", buyer, 2)
	require.NoError(t, err)

	_, err = f.coord.ResolveRequest(ctx, r.ID, buyer, requestdomain.DecisionApprove)
	assert.ErrorIs(t, err, failure.ErrForbidden)
	_, err = f.coord.ResolveRequest(ctx, r.ID, other, requestdomain.DecisionReject)
	assert.ErrorIs(t, err, failure.ErrForbidden)
	_, err = f.coord.ResolveRequest(ctx, r.ID, seller, requestdomain.DecisionCancel)
	assert.ErrorIs(t, err, failure.ErrForbidden)
	_, err = f.coord.ResolveRequest(ctx, "missing", seller, requestdomain.DecisionApprove)
	assert.ErrorIs(t, err, failure.ErrRequestNotFound)

	assert.Equal(t, 2, f.get(t, "l-1").ReservedQuantity)
}

func TestResolvedRequestIsTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.listing(t, "l-1", 10)
	r, err := f.coord.CreateRequest(ctx, "l-1", buyer, 3)
	require.NoError(t, err)

	_, err = f.coord.ResolveRequest(ctx, r.ID, seller, requestdomain.DecisionReject)
	require.NoError(t, err)

	for _, d := range []struct {
		who actor.Actor
		dec requestdomain.Decision
	}{
		{seller, requestdomain.DecisionReject},
		{seller, requestdomain.DecisionApprove},
		{buyer, requestdomain.DecisionCancel},
	} {
		_, err := f.coord.ResolveRequest(ctx, r.ID, d.who, d.dec)
		assert.ErrorIs(t, err, failure.ErrAlreadyResolved, d.dec)
	}

	l := f.get(t, "l-1")
	assert.Zero(t, l.ReservedQuantity)
	assert.Equal(t, 10, l.Quantity)
}

func TestApproveStaleStock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.Create(ctx, listingdomain.Listing{
		ID: "l-1", SellerID: seller.ID, Title: "Enoxaparin", Unit: "syringe",
		Quantity: 40, ReservedQuantity: 50, ExpiryDate: now.Add(time.Hour), Status: listingdomain.StatusActive,
	}))
	require.NoError(t, f.store.Requests().Create(ctx, requestdomain.NewRequest("r-stale", "l-1", buyer, 50, now), nil))

	_, err := f.coord.ResolveRequest(ctx, "r-stale", seller, requestdomain.DecisionApprove)
	assert.ErrorIs(t, err, failure.ErrStaleState)
	assert.Equal(t, failure.KindStaleState, failure.KindOf(err))

	r, err := f.store.GetRequest(ctx, "r-stale")
	require.NoError(t, err)
	assert.Equal(t, requestdomain.StatusPending, r.Status)

	l := f.get(t, "l-1")
	assert.Equal(t, 40, l.Quantity)
	assert.Equal(t, 50, l.ReservedQuantity)
}

func TestApproveExpiredListing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.Create(ctx, listingdomain.Listing{
		ID: "l-2", SellerID: seller.ID, Title: "Expired", Unit: "box",
		Quantity: 10, ReservedQuantity: 2, ExpiryDate: now.Add(-time.Hour), Status: listingdomain.StatusActive,
	}))
	require.NoError(t, f.store.Requests().Create(ctx, requestdomain.NewRequest("r-2", "l-2", buyer, 2, now), nil))

	_, err := f.coord.ResolveRequest(ctx, "r-2", seller, requestdomain.DecisionApprove)
	assert.ErrorIs(t, err, failure.ErrListingExpired)

	// Rejecting still works and frees the hold.
	_, err = f.coord.ResolveRequest(ctx, "r-2", seller, requestdomain.DecisionReject)
	require.NoError(t, err)
	assert.Zero(t, f.get(t, "l-2").ReservedQuantity)
}

func TestResolveRetried(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, withRequests(func(r *memory.Requests) application.RequestRepository {
		return &failingRequests{Requests: r, resolveFailures: 2}
	}))
	f.listing(t, "l-1", 10)
	r, err := f.coord.CreateRequest(ctx, "l-1", buyer, 3)
	require.NoError(t, err)

	res, err := f.coord.ResolveRequest(ctx, r.ID, seller, requestdomain.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, requestdomain.StatusApproved, res.Request.Status)
	assert.Empty(t, f.metrics.compensations)

	l := f.get(t, "l-1")
	assert.Equal(t, 7, l.Quantity)
	assert.Zero(t, l.ReservedQuantity)
}

func TestResolveRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, withRequests(func(r *memory.Requests) application.RequestRepository {
		return &failingRequests{Requests: r, resolveFailures: 10}
	}))
	f.listing(t, "l-1", 10)
	r, err := f.coord.CreateRequest(ctx, "l-1", buyer, 3)
	require.NoError(t, err)

	_, err = f.coord.ResolveRequest(ctx, r.ID, seller, requestdomain.DecisionApprove)
	require.Error(t, err)
	assert.False(t, failure.IsBusiness(err))
	assert.NotEqual(t, failure.KindCompensation, failure.KindOf(err))
	assert.Empty(t, f.metrics.compensations)
	assert.Contains(t, f.metrics.resolutions, "approve:error")

	// Nothing landed: the request and its reservation are untouched.
	got, err := f.store.GetRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, requestdomain.StatusPending, got.Status)
	l := f.get(t, "l-1")
	assert.Equal(t, 10, l.Quantity)
	assert.Equal(t, 3, l.ReservedQuantity)
}

func TestResolveCommittedBeforeError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, withRequests(func(r *memory.Requests) application.RequestRepository {
		return &failingRequests{Requests: r, resolveFailures: 1, committed: true}
	}))
	f.listing(t, "l-1", 10)
	r, err := f.coord.CreateRequest(ctx, "l-1", buyer, 3)
	require.NoError(t, err)

	res, err := f.coord.ResolveRequest(ctx, r.ID, buyer, requestdomain.DecisionCancel)
	require.NoError(t, err)
	assert.Equal(t, requestdomain.StatusCancelled, res.Request.Status)
	assert.Zero(t, f.get(t, "l-1").ReservedQuantity)
}

func TestConcurrentResolutionsApplyOnce(t *testing.T) {
	ctx := context.Background()
	claims := &lockedClaims{}
	f := newFixture(t, withClaims(claims))
	f.listing(t, "l-1", 10)
	r, err := f.coord.CreateRequest(ctx, "l-1", buyer, 4)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				_, errs[i] = f.coord.ResolveRequest(ctx, r.ID, seller, requestdomain.DecisionReject)
			} else {
				_, errs[i] = f.coord.ResolveRequest(ctx, r.ID, buyer, requestdomain.DecisionCancel)
			}
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, failure.ErrAlreadyResolved) || errors.Is(err, failure.ErrBusy), err)
	}
	assert.Equal(t, 1, succeeded)

	l := f.get(t, "l-1")
	assert.Zero(t, l.ReservedQuantity)
	assert.Equal(t, 10, l.Quantity)
}

func TestConcurrentResolutionsWithoutClaims(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, withRequests(func(r *memory.Requests) application.RequestRepository {
		return newGatedRequests(r, 2)
	}))
	f.listing(t, "l-1", 100)
	a, err := f.coord.CreateRequest(ctx, "l-1", buyer, 10)
	require.NoError(t, err)
	_, err = f.coord.CreateRequest(ctx, "l-1", other, 10)
	require.NoError(t, err)

	var (
		wg                    sync.WaitGroup
		approveErr, cancelErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, approveErr = f.coord.ResolveRequest(ctx, a.ID, seller, requestdomain.DecisionApprove)
	}()
	go func() {
		defer wg.Done()
		_, cancelErr = f.coord.ResolveRequest(ctx, a.ID, buyer, requestdomain.DecisionCancel)
	}()
	wg.Wait()

	if approveErr == nil {
		assert.ErrorIs(t, cancelErr, failure.ErrAlreadyResolved)
	} else {
		assert.ErrorIs(t, approveErr, failure.ErrAlreadyResolved)
		assert.NoError(t, cancelErr)
	}

	l := f.get(t, "l-1")
	assert.Equal(t, f.store.PendingQuantity("l-1"), l.ReservedQuantity)
	assert.Equal(t, 10, l.ReservedQuantity)
	if approveErr == nil {
		assert.Equal(t, 90, l.Quantity)
	} else {
		assert.Equal(t, 100, l.Quantity)
	}
	assert.Empty(t, f.metrics.compensations)
}

func TestResolveWhileClaimHeld(t *testing.T) {
	ctx := context.Background()
	claims := &lockedClaims{}
	f := newFixture(t, withClaims(claims))
	f.listing(t, "l-1", 10)
	r, err := f.coord.CreateRequest(ctx, "l-1", buyer, 4)
	require.NoError(t, err)

	ok, err := claims.Claim(ctx, "request:"+r.ID)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.coord.ResolveRequest(ctx, r.ID, seller, requestdomain.DecisionApprove)
	assert.ErrorIs(t, err, failure.ErrBusy)
	assert.NotErrorIs(t, err, failure.ErrAlreadyResolved)
	assert.Equal(t, failure.CodeBusy, failure.CodeOf(err))

	got, err := f.store.GetRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, requestdomain.StatusPending, got.Status)

	require.NoError(t, claims.Release(ctx, "request:"+r.ID))
	_, err = f.coord.ResolveRequest(ctx, r.ID, seller, requestdomain.DecisionApprove)
	require.NoError(t, err)
}

func TestConcurrentCreateRequestsNeverOversell(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.listing(t, "l-1", 100)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, results[i] = f.coord.CreateRequest(ctx, "l-1", actor.Actor{ID: fmt.Sprintf("buyer-%d", i+10), Role: actor.RoleBuyer}, 60)
		}()
	}
	wg.Wait()

	var ok, lost int
	for _, err := range results {
		if err == nil {
			ok++
		} else if errors.Is(err, failure.ErrInsufficientStock) {
			lost++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, lost)
	assert.Equal(t, 60, f.get(t, "l-1").ReservedQuantity)
	assert.Equal(t, 60, f.store.PendingQuantity("l-1"))
}

func TestGetRequestVisibility(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.listing(t, "l-1", 10)
	r, err := f.coord.CreateRequest(ctx, "l-1", buyer, 2)
	require.NoError(t, err)

	got, err := f.coord.GetRequest(ctx, r.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)

	_, err = f.coord.GetRequest(ctx, r.ID, seller)
	require.NoError(t, err)

	_, err = f.coord.GetRequest(ctx, r.ID, other)
	assert.ErrorIs(t, err, failure.ErrForbidden)
}

func TestGetRequestLedgerOutage(t *testing.T) {
	ctx := context.Background()
	outage := errors.New("ledger unreachable")
	f := newFixture(t, withLedger(func(s *memory.Store) application.Ledger { return failingGet{Store: s, err: outage} }))
	f.listing(t, "l-1", 10)
	require.NoError(t, f.store.Requests().Create(ctx, requestdomain.NewRequest("r-1", "l-1", buyer, 2, now), nil))

	_, err := f.coord.GetRequest(ctx, "r-1", buyer)
	require.NoError(t, err, "the buyer's read does not touch the ledger")

	_, err = f.coord.GetRequest(ctx, "r-1", seller)
	require.Error(t, err)
	assert.ErrorIs(t, err, outage)
	assert.NotErrorIs(t, err, failure.ErrForbidden)
	assert.False(t, failure.IsBusiness(err))
}
