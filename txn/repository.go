package txn

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"beaconmarket/offer"
)

var (
	// ErrNotFound signals no transaction row matches the lookup.
	ErrNotFound = errors.New("txn: not found")
	// ErrAlreadyCommitted signals the session already has a committed
	// transaction through a different offer; the caller must query current
	// state rather than retry.
	ErrAlreadyCommitted = errors.New("txn: session already committed")
	// ErrIdempotencyConflict signals a concurrent request reserved the same
	// idempotency key first; the caller may safely re-read or drop the
	// request.
	ErrIdempotencyConflict = errors.New("txn: idempotency key conflict")
)

const txnColumns = `id, session_id, offer_id, beacon_id, status::text, final_terms, idempotency_key, created_at, updated_at`

// Store is the persistence surface of the commit coordinator. All methods run
// inside the coordinator's transaction; offer status mutation lives here and
// nowhere else.
type Store interface {
	FindByKey(ctx context.Context, tx pgx.Tx, key string) (Transaction, error)
	FindBySession(ctx context.Context, tx pgx.Tx, sessionID string) (Transaction, error)
	Insert(ctx context.Context, tx pgx.Tx, t Transaction) (Transaction, error)
	LockOffer(ctx context.Context, tx pgx.Tx, offerID string) (offer.Offer, error)
	AcceptOffer(ctx context.Context, tx pgx.Tx, offerID string) error
	RejectSiblingOffers(ctx context.Context, tx pgx.Tx, sessionID, acceptedOfferID string) (int64, error)
}

type PGStore struct{}

func NewStore() *PGStore {
	return &PGStore{}
}

// GetByID loads one transaction outside any coordinator flow (read API).
func GetByID(ctx context.Context, pool *pgxpool.Pool, id string) (Transaction, error) {
	const query = `SELECT ` + txnColumns + ` FROM transactions WHERE id = $1`
	t, err := scanTransaction(pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("txn: get by id: %w", err)
	}
	return t, nil
}

func (s *PGStore) FindByKey(ctx context.Context, tx pgx.Tx, key string) (Transaction, error) {
	const query = `SELECT ` + txnColumns + ` FROM transactions WHERE idempotency_key = $1`
	t, err := scanTransaction(tx.QueryRow(ctx, query, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("txn: find by idempotency key: %w", err)
	}
	return t, nil
}

func (s *PGStore) FindBySession(ctx context.Context, tx pgx.Tx, sessionID string) (Transaction, error) {
	const query = `SELECT ` + txnColumns + ` FROM transactions WHERE session_id = $1 AND status = 'committed'`
	t, err := scanTransaction(tx.QueryRow(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("txn: find by session: %w", err)
	}
	return t, nil
}

// Insert writes the transaction row. Unique violations are mapped to the
// conflict they represent: a reserved idempotency key versus a session or
// offer that is already committed.
func (s *PGStore) Insert(ctx context.Context, tx pgx.Tx, t Transaction) (Transaction, error) {
	const query = `
		INSERT INTO transactions (id, session_id, offer_id, beacon_id, status, final_terms, idempotency_key)
		VALUES ($1, $2, $3, $4, 'committed', $5::jsonb, $6)
		RETURNING ` + txnColumns + `
	`

	created, err := scanTransaction(tx.QueryRow(ctx, query,
		t.ID,
		t.SessionID,
		t.OfferID,
		t.BeaconID,
		t.FinalTerms,
		t.IdempotencyKey,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if strings.Contains(pgErr.ConstraintName, "idempotency") {
				return Transaction{}, ErrIdempotencyConflict
			}
			return Transaction{}, ErrAlreadyCommitted
		}
		return Transaction{}, fmt.Errorf("txn: insert: %w", err)
	}
	return created, nil
}

func (s *PGStore) LockOffer(ctx context.Context, tx pgx.Tx, offerID string) (offer.Offer, error) {
	const query = `
		SELECT id, session_id, beacon_id, status::text, unit_price, quantity, total_price, currency, terms, created_at, updated_at, expires_at
		FROM offers
		WHERE id = $1
		FOR UPDATE
	`
	var o offer.Offer
	err := tx.QueryRow(ctx, query, offerID).Scan(
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
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return offer.Offer{}, offer.ErrNotFound
		}
		return offer.Offer{}, fmt.Errorf("txn: lock offer: %w", err)
	}
	return o, nil
}

func (s *PGStore) AcceptOffer(ctx context.Context, tx pgx.Tx, offerID string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE offers
		SET status = 'accepted', updated_at = now()
		WHERE id = $1 AND status = 'pending'
	`, offerID)
	if err != nil {
		return fmt.Errorf("txn: accept offer: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return offer.ErrNotFound
	}
	return nil
}

func (s *PGStore) RejectSiblingOffers(ctx context.Context, tx pgx.Tx, sessionID, acceptedOfferID string) (int64, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE offers
		SET status = 'rejected', updated_at = now()
		WHERE session_id = $1 AND id <> $2 AND status = 'pending'
	`, sessionID, acceptedOfferID)
	if err != nil {
		return 0, fmt.Errorf("txn: reject sibling offers: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var t Transaction
	return t, row.Scan(
		&t.ID,
		&t.SessionID,
		&t.OfferID,
		&t.BeaconID,
		&t.Status,
		&t.FinalTerms,
		&t.IdempotencyKey,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
}
