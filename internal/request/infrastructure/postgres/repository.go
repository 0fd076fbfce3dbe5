package postgres

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/dmehra2102/surplus-exchange/internal/failure"
	listingdomain "github.com/dmehra2102/surplus-exchange/internal/listing/domain"
	"github.com/dmehra2102/surplus-exchange/internal/request/domain"
	"github.com/dmehra2102/surplus-exchange/pkg/outbox"
)

type Repository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool) *Repository {
	return &Repository{
		log:  log,
		pool: pool,
	}
}

// Create inserts the request only while its listing is ACTIVE, and appends
// the creation event in the same transaction. The listing row is share-locked
// so a concurrent status change either waits for the insert to commit or is
// seen by it.
func (r *Repository) Create(ctx context.Context, req domain.Request, ev outbox.Record) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	ct, err := tx.Exec(ctx, `INSERT INTO requests (id, listing_id, buyer_id, quantity, status, created_at, updated_at)
		SELECT $1,$2,$3,$4,$5,$6,$7
		WHERE EXISTS (SELECT 1 FROM listings WHERE id=$2 AND status='ACTIVE' FOR SHARE)`,
		req.ID, req.ListingID, req.BuyerID, req.Quantity, string(req.Status), req.CreatedAt, req.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "insert request")
	}
	if ct.RowsAffected() == 0 {
		return failure.ErrListingUnavailable
	}
	if err := outbox.AppendRecord(ctx, tx, "request", ev); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) Get(ctx context.Context, id string) (domain.Request, error) {
	var (
		req    domain.Request
		status string
	)
	err := r.pool.QueryRow(ctx, `SELECT id, listing_id, buyer_id, quantity, status, created_at, updated_at
		FROM requests WHERE id=$1`, id).
		Scan(&req.ID, &req.ListingID, &req.BuyerID, &req.Quantity, &status, &req.CreatedAt, &req.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Request{}, failure.ErrRequestNotFound
	}
	if err != nil {
		return domain.Request{}, errors.Wrap(err, "select request")
	}
	req.Status = domain.Status(status)
	return req, nil
}

// Resolve moves a PENDING request to the decision's target status and applies
// the ledger effect in one transaction. The request row is locked first, so
// of two concurrent resolutions exactly one gets past the status guard.
func (r *Repository) Resolve(ctx context.Context, id string, d domain.Decision, ev domain.RequestResolved) (domain.Request, *listingdomain.Fulfillment, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Request{}, nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var (
		req    domain.Request
		status string
	)
	err = tx.QueryRow(ctx, `UPDATE requests SET status=$2, updated_at=now()
		WHERE id=$1 AND status='PENDING'
		RETURNING id, listing_id, buyer_id, quantity, status, created_at, updated_at`, id, string(d.Target())).
		Scan(&req.ID, &req.ListingID, &req.BuyerID, &req.Quantity, &status, &req.CreatedAt, &req.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Request{}, nil, r.notPending(ctx, tx, id)
	}
	if err != nil {
		return domain.Request{}, nil, errors.Wrap(err, "update request status")
	}
	req.Status = domain.Status(status)

	var f *listingdomain.Fulfillment
	switch d.Effect() {
	case domain.EffectFulfill:
		f, err = fulfill(ctx, tx, req.ListingID, req.Quantity)
		if err != nil {
			return domain.Request{}, nil, err
		}
		ev.ListingStatus = string(f.Status)
		ev.ListingStock = &f.Quantity
	case domain.EffectRelease:
		if _, err := tx.Exec(ctx, `UPDATE listings
			SET reserved_quantity = GREATEST(reserved_quantity - $2, 0), updated_at = now()
			WHERE id = $1`, req.ListingID, req.Quantity); err != nil {
			return domain.Request{}, nil, errors.Wrap(err, "release reservation")
		}
	default:
		return domain.Request{}, nil, failure.Rejectf(failure.ErrInvalidInput, "unknown decision %q", d)
	}

	if err := outbox.AppendRecord(ctx, tx, "request", ev); err != nil {
		return domain.Request{}, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Request{}, nil, err
	}
	return req, f, nil
}

// fulfill takes the units off an ACTIVE listing. An unmet guard is reported as
// a rejection so the caller's transaction rolls the status write back.
func fulfill(ctx context.Context, tx pgx.Tx, listingID string, amount int) (*listingdomain.Fulfillment, error) {
	var (
		f      listingdomain.Fulfillment
		status string
	)
	err := tx.QueryRow(ctx, `UPDATE listings
		SET quantity = quantity - $2,
		    reserved_quantity = reserved_quantity - $2,
		    status = CASE WHEN quantity - $2 <= 0 THEN 'SOLD' ELSE status END,
		    updated_at = now()
		WHERE id = $1 AND status = 'ACTIVE' AND quantity >= $2 AND reserved_quantity >= $2
		RETURNING quantity, reserved_quantity, status`, listingID, amount).Scan(&f.Quantity, &f.ReservedQuantity, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		var current string
		err := tx.QueryRow(ctx, `SELECT status FROM listings WHERE id=$1`, listingID).Scan(&current)
		if err == nil && current != string(listingdomain.StatusActive) {
			return nil, failure.ErrListingUnavailable
		}
		return nil, failure.ErrStaleState
	}
	if err != nil {
		return nil, errors.Wrap(err, "fulfill")
	}
	f.Status = listingdomain.Status(status)
	return &f, nil
}

func (r *Repository) notPending(ctx context.Context, tx pgx.Tx, id string) error {
	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM requests WHERE id=$1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return failure.ErrRequestNotFound
	}
	if err != nil {
		return errors.Wrap(err, "select request status")
	}
	return failure.Rejectf(failure.ErrAlreadyResolved, "request is already %s", status)
}

func (r *Repository) ListPending(ctx context.Context, listingID string) ([]domain.Request, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, listing_id, buyer_id, quantity, status, created_at, updated_at
		FROM requests WHERE listing_id=$1 AND status='PENDING' ORDER BY created_at, id`, listingID)
	if err != nil {
		return nil, errors.Wrap(err, "select pending requests")
	}
	defer rows.Close()

	var out []domain.Request
	for rows.Next() {
		var (
			req    domain.Request
			status string
		)
		if err := rows.Scan(&req.ID, &req.ListingID, &req.BuyerID, &req.Quantity, &status, &req.CreatedAt, &req.UpdatedAt); err != nil {
			return nil, err
		}
		req.Status = domain.Status(status)
		out = append(out, req)
	}
	return out, rows.Err()
}
