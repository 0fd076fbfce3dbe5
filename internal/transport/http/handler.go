package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/surplus-exchange/internal/actor"
	"github.com/dmehra2102/surplus-exchange/internal/failure"
	listingdomain "github.com/dmehra2102/surplus-exchange/internal/listing/domain"
	requestdomain "github.com/dmehra2102/surplus-exchange/internal/request/domain"
	"github.com/dmehra2102/surplus-exchange/internal/reservation/application"
	"github.com/dmehra2102/surplus-exchange/pkg/idempotency"
)

type Listings interface {
	CreateListing(ctx context.Context, seller actor.Actor, d listingdomain.Draft) (listingdomain.Listing, error)
	GetListing(ctx context.Context, id string) (listingdomain.Listing, error)
	PublishListing(ctx context.Context, seller actor.Actor, id string) (listingdomain.Listing, error)
	CancelListing(ctx context.Context, seller actor.Actor, id string) (listingdomain.Listing, error)
}

type Requests interface {
	CreateRequest(ctx context.Context, listingID string, buyer actor.Actor, amount int) (requestdomain.Request, error)
	GetRequest(ctx context.Context, id string, a actor.Actor) (requestdomain.Request, error)
	ResolveRequest(ctx context.Context, id string, a actor.Actor, d requestdomain.Decision) (application.Resolution, error)
}

type Options struct {
	Auth        *Authenticator
	Idempotency *idempotency.Store
	Metrics     http.Handler
	Ready       func(ctx context.Context) error
	Now         func() time.Time
}

type Handler struct {
	log      *slog.Logger
	listings Listings
	requests Requests
	opts     Options
	tracer   trace.Tracer
}

func NewHandler(log *slog.Logger, listings Listings, requests Requests, opts Options) *Handler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Handler{
		log:      log,
		listings: listings,
		requests: requests,
		opts:     opts,
		tracer:   otel.Tracer("exchange-http"),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)

	r.Get("/healthz", h.healthz)
	if h.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.opts.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(h.opts.Auth.Middleware)

		r.Post("/listings", h.createListing)
		r.Get("/listings/{id}", h.getListing)
		r.Post("/listings/{id}/publish", h.publishListing)
		r.Post("/listings/{id}/cancel", h.cancelListing)

		create := http.HandlerFunc(h.createRequest)
		if h.opts.Idempotency != nil {
			r.With(idempotency.Middleware(h.log, h.opts.Idempotency, "requests", actorID)).Post("/requests", create)
		} else {
			r.Post("/requests", create)
		}
		r.Get("/requests/{id}", h.getRequest)
		r.Post("/requests/{id}/{decision}", h.resolveRequest)
	})
	return r
}

type listingView struct {
	ID               string    `json:"id"`
	SellerID         string    `json:"seller_id"`
	Title            string    `json:"title"`
	Description      string    `json:"description,omitempty"`
	Unit             string    `json:"unit"`
	Quantity         int       `json:"quantity"`
	ReservedQuantity int       `json:"reserved_quantity"`
	Available        int       `json:"available"`
	ExpiryDate       time.Time `json:"expiry_date"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (h *Handler) listingView(l listingdomain.Listing) listingView {
	return listingView{
		ID:               l.ID,
		SellerID:         l.SellerID,
		Title:            l.Title,
		Description:      l.Description,
		Unit:             l.Unit,
		Quantity:         l.Quantity,
		ReservedQuantity: l.ReservedQuantity,
		Available:        l.Available(),
		ExpiryDate:       l.ExpiryDate,
		Status:           string(l.EffectiveStatus(h.opts.Now())),
		CreatedAt:        l.CreatedAt,
		UpdatedAt:        l.UpdatedAt,
	}
}

type requestView struct {
	ID        string    `json:"id"`
	ListingID string    `json:"listing_id"`
	BuyerID   string    `json:"buyer_id"`
	Quantity  int       `json:"quantity"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newRequestView(r requestdomain.Request) requestView {
	return requestView{
		ID:        r.ID,
		ListingID: r.ListingID,
		BuyerID:   r.BuyerID,
		Quantity:  r.Quantity,
		Status:    string(r.Status),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

type createListingReq struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Unit        string    `json:"unit"`
	Quantity    int       `json:"quantity"`
	ExpiryDate  time.Time `json:"expiry_date"`
}

func (h *Handler) createListing(w http.ResponseWriter, r *http.Request) {
	var req createListingReq
	if !h.decode(w, r, &req) {
		return
	}
	who, _ := actor.FromContext(r.Context())
	l, err := h.listings.CreateListing(r.Context(), who, listingdomain.Draft{
		Title:       req.Title,
		Description: req.Description,
		Unit:        req.Unit,
		Quantity:    req.Quantity,
		ExpiryDate:  req.ExpiryDate,
	})
	if err != nil {
		writeError(h.log, w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.listingView(l))
}

func (h *Handler) getListing(w http.ResponseWriter, r *http.Request) {
	l, err := h.listings.GetListing(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(h.log, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.listingView(l))
}

func (h *Handler) publishListing(w http.ResponseWriter, r *http.Request) {
	who, _ := actor.FromContext(r.Context())
	l, err := h.listings.PublishListing(r.Context(), who, chi.URLParam(r, "id"))
	if err != nil {
		writeError(h.log, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.listingView(l))
}

func (h *Handler) cancelListing(w http.ResponseWriter, r *http.Request) {
	who, _ := actor.FromContext(r.Context())
	l, err := h.listings.CancelListing(r.Context(), who, chi.URLParam(r, "id"))
	if err != nil {
		writeError(h.log, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.listingView(l))
}

type createRequestReq struct {
	ListingID string `json:"listing_id"`
	Quantity  int    `json:"quantity"`
}

func (h *Handler) createRequest(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "POST /requests")
	defer span.End()

	var req createRequestReq
	if !h.decode(w, r, &req) {
		return
	}
	span.SetAttributes(attribute.String("listing.id", req.ListingID))

	who, _ := actor.FromContext(ctx)
	created, err := h.requests.CreateRequest(ctx, req.ListingID, who, req.Quantity)
	if err != nil {
		writeError(h.log, w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newRequestView(created))
}

func (h *Handler) getRequest(w http.ResponseWriter, r *http.Request) {
	who, _ := actor.FromContext(r.Context())
	req, err := h.requests.GetRequest(r.Context(), chi.URLParam(r, "id"), who)
	if err != nil {
		writeError(h.log, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRequestView(req))
}

type resolutionView struct {
	Request requestView   `json:"request"`
	Listing *listingState `json:"listing,omitempty"`
}

type listingState struct {
	Quantity         int    `json:"quantity"`
	ReservedQuantity int    `json:"reserved_quantity"`
	Status           string `json:"status"`
}

func (h *Handler) resolveRequest(w http.ResponseWriter, r *http.Request) {
	d, ok := requestdomain.ParseDecision(chi.URLParam(r, "decision"))
	if !ok {
		writeError(h.log, w, r, failure.Rejectf(failure.ErrInvalidInput, "unknown decision %q", chi.URLParam(r, "decision")))
		return
	}
	ctx, span := h.tracer.Start(r.Context(), "POST /requests/{id}/"+string(d))
	defer span.End()

	who, _ := actor.FromContext(ctx)
	res, err := h.requests.ResolveRequest(ctx, chi.URLParam(r, "id"), who, d)
	if err != nil {
		writeError(h.log, w, r, err)
		return
	}
	view := resolutionView{Request: newRequestView(res.Request)}
	if f := res.Fulfillment; f != nil {
		view.Listing = &listingState{Quantity: f.Quantity, ReservedQuantity: f.ReservedQuantity, Status: string(f.Status)}
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	if h.opts.Ready != nil {
		if err := h.opts.Ready(r.Context()); err != nil {
			h.log.Warn("readiness check failed", "err", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: string(failure.CodeInvalidInput), Message: "invalid body"})
		return false
	}
	return true
}
