package offer

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("offer: not found")
	// ErrBeaconMissing signals the submitting beacon does not exist.
	ErrBeaconMissing = errors.New("offer: beacon not found")
)

const offerColumns = `id, session_id, beacon_id, status::text, unit_price, quantity, total_price, currency, terms, created_at, updated_at, expires_at`

// Repository is the persistence surface for offers.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, o Offer) (Offer, error)
	ListPending(ctx context.Context, sessionID string) ([]PendingOffer, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, o Offer) (Offer, error) {
	const query = `
		INSERT INTO offers (id, session_id, beacon_id, status, unit_price, quantity, total_price, currency, terms, expires_at)
		VALUES ($1, $2, $3, 'pending', $4, $5, $6, $7, $8::jsonb, $9)
		RETURNING ` + offerColumns + `
	`

	row := tx.QueryRow(ctx, query,
		o.ID,
		o.SessionID,
		o.BeaconID,
		o.UnitPrice,
		o.Quantity,
		o.TotalPrice,
		o.Currency,
		o.Terms,
		o.ExpiresAt,
	)
	created, err := scanOffer(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return Offer{}, ErrBeaconMissing
		}
		return Offer{}, fmt.Errorf("offer: insert: %w", err)
	}
	return created, nil
}

// ListPending returns pending offers for a session joined with the beacon's
// display name, most recent first.
func (r *PGRepository) ListPending(ctx context.Context, sessionID string) ([]PendingOffer, error) {
	const query = `
		SELECT o.id, o.session_id, o.beacon_id, o.status::text, o.unit_price, o.quantity, o.total_price,
		       o.currency, o.terms, o.created_at, o.updated_at, o.expires_at, b.name
		FROM offers o
		JOIN beacons b ON b.id = o.beacon_id
		WHERE o.session_id = $1 AND o.status = 'pending'
		ORDER BY o.created_at DESC
	`

	rows, err := r.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("offer: list pending: %w", err)
	}
	defer rows.Close()

	offers := make([]PendingOffer, 0, 8)
	for rows.Next() {
		var p PendingOffer
		if err := rows.Scan(
			&p.ID,
			&p.SessionID,
			&p.BeaconID,
			&p.Status,
			&p.UnitPrice,
			&p.Quantity,
			&p.TotalPrice,
			&p.Currency,
			&p.Terms,
			&p.CreatedAt,
			&p.UpdatedAt,
			&p.ExpiresAt,
			&p.BeaconName,
		); err != nil {
			return nil, fmt.Errorf("offer: scan pending: %w", err)
		}
		offers = append(offers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("offer: iterate pending: %w", err)
	}
	return offers, nil
}

func scanOffer(row pgx.Row) (Offer, error) {
	var o Offer
	return o, row.Scan(
		&o.ID,
		&o.SessionID,
		&o.BeaconID,
		&o.Status,
		&o.UnitPrice,
		&o.Quantity,
		&o.TotalPrice,
		&o.Currency,
		&o.Terms,
		&o.CreatedAt,
		&o.UpdatedAt,
		&o.ExpiresAt,
	)
}
