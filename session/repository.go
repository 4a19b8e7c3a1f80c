package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("session: not found")

// Repository is the persistence surface the service and coordinator need.
type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, s Session) (Session, error)
	Get(ctx context.Context, id string) (Session, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Session, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Session, error)
	HasPendingOffers(ctx context.Context, id string) (bool, error)
}

const sessionColumns = `id, requester_id, status::text, raw_request, derived_tokens, protocol::text, created_at, updated_at, expires_at`

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, s Session) (Session, error) {
	const query = `
		INSERT INTO sessions (id, requester_id, status, raw_request, derived_tokens, protocol, expires_at)
		VALUES ($1, $2, $3::session_status, $4, $5, $6::session_protocol, $7)
		RETURNING ` + sessionColumns + `
	`

	row := tx.QueryRow(ctx, query,
		s.ID,
		s.RequesterID,
		s.Status,
		s.RawRequest,
		s.Tokens,
		s.Protocol,
		s.ExpiresAt,
	)
	created, err := scanSession(row)
	if err != nil {
		return Session{}, fmt.Errorf("session: create: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Session, error) {
	const query = `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`

	s, err := scanSession(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("session: get: %w", err)
	}
	return s, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Session, error) {
	const query = `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1 FOR UPDATE`

	s, err := scanSession(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("session: get for update: %w", err)
	}
	return s, nil
}

func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Session, error) {
	const query = `
		UPDATE sessions
		SET status = $2::session_status,
		    updated_at = now()
		WHERE id = $1
		RETURNING ` + sessionColumns + `
	`

	s, err := scanSession(tx.QueryRow(ctx, query, id, status))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("session: update status: %w", err)
	}
	return s, nil
}

func (r *PGRepository) HasPendingOffers(ctx context.Context, id string) (bool, error) {
	var exists bool
	const query = `SELECT EXISTS (SELECT 1 FROM offers WHERE session_id = $1 AND status = 'pending')`
	if err := r.pool.QueryRow(ctx, query, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("session: check pending offers: %w", err)
	}
	return exists, nil
}

func scanSession(row pgx.Row) (Session, error) {
	var s Session
	return s, row.Scan(
		&s.ID,
		&s.RequesterID,
		&s.Status,
		&s.RawRequest,
		&s.Tokens,
		&s.Protocol,
		&s.CreatedAt,
		&s.UpdatedAt,
		&s.ExpiresAt,
	)
}
