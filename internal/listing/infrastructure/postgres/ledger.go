package postgres

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/dmehra2102/surplus-exchange/internal/failure"
	"github.com/dmehra2102/surplus-exchange/internal/listing/domain"
	"github.com/dmehra2102/surplus-exchange/pkg/outbox"
)

// Ledger stores listings. Reserve, Release and Fulfill are each a single
// conditional UPDATE, so the guard and the write cannot be separated.
type Ledger struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewLedger(log *slog.Logger, pool *pgxpool.Pool) *Ledger {
	return &Ledger{
		log:  log,
		pool: pool,
	}
}

func (r *Ledger) Create(ctx context.Context, l domain.Listing) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO listings
		(id, seller_id, title, description, unit, quantity, reserved_quantity, expiry_date, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		l.ID, l.SellerID, l.Title, l.Description, l.Unit, l.Quantity, l.ReservedQuantity, l.ExpiryDate, string(l.Status), l.CreatedAt, l.UpdatedAt)
	return errors.Wrap(err, "insert listing")
}

func (r *Ledger) Get(ctx context.Context, id string) (domain.Listing, error) {
	var (
		l      domain.Listing
		status string
	)
	err := r.pool.QueryRow(ctx, `SELECT id, seller_id, title, description, unit, quantity, reserved_quantity,
		expiry_date, status, created_at, updated_at FROM listings WHERE id=$1`, id).
		Scan(&l.ID, &l.SellerID, &l.Title, &l.Description, &l.Unit, &l.Quantity, &l.ReservedQuantity,
			&l.ExpiryDate, &status, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Listing{}, failure.ErrListingNotFound
	}
	if err != nil {
		return domain.Listing{}, errors.Wrap(err, "select listing")
	}
	l.Status = domain.Status(status)
	return l, nil
}

func (r *Ledger) Reserve(ctx context.Context, id string, amount int) (bool, error) {
	ct, err := r.pool.Exec(ctx, `UPDATE listings
		SET reserved_quantity = reserved_quantity + $2, updated_at = now()
		WHERE id = $1 AND status = 'ACTIVE' AND quantity - reserved_quantity >= $2`, id, amount)
	if err != nil {
		return false, errors.Wrap(err, "reserve")
	}
	return ct.RowsAffected() == 1, nil
}

// Release clamps at zero. Releasing an unknown listing is a no-op.
func (r *Ledger) Release(ctx context.Context, id string, amount int) error {
	_, err := r.pool.Exec(ctx, `UPDATE listings
		SET reserved_quantity = GREATEST(reserved_quantity - $2, 0), updated_at = now()
		WHERE id = $1`, id, amount)
	return errors.Wrap(err, "release")
}

func (r *Ledger) Fulfill(ctx context.Context, id string, amount int) (domain.Fulfillment, bool, error) {
	var (
		f      domain.Fulfillment
		status string
	)
	err := r.pool.QueryRow(ctx, `UPDATE listings
		SET quantity = quantity - $2,
		    reserved_quantity = reserved_quantity - $2,
		    status = CASE WHEN quantity - $2 <= 0 THEN 'SOLD' ELSE status END,
		    updated_at = now()
		WHERE id = $1 AND quantity >= $2 AND reserved_quantity >= $2
		RETURNING quantity, reserved_quantity, status`, id, amount).Scan(&f.Quantity, &f.ReservedQuantity, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Fulfillment{}, false, nil
	}
	if err != nil {
		return domain.Fulfillment{}, false, errors.Wrap(err, "fulfill")
	}
	f.Status = domain.Status(status)
	return f, true, nil
}

func (r *Ledger) SetStatus(ctx context.Context, id string, status domain.Status, ev outbox.Record) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	ct, err := tx.Exec(ctx, `UPDATE listings SET status=$2, updated_at=now() WHERE id=$1`, id, string(status))
	if err != nil {
		return errors.Wrap(err, "update listing status")
	}
	if ct.RowsAffected() == 0 {
		return failure.ErrListingNotFound
	}
	if err := outbox.AppendRecord(ctx, tx, "listing", ev); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Ping reports whether the database is reachable.
func (r *Ledger) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
