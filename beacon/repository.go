package beacon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested beacon does not exist.
var ErrNotFound = errors.New("beacon: not found")

const beaconColumns = `id, external_id, name, status::text, capabilities, metadata, created_at, updated_at`

// Registry provides read access to registered beacons. It is the candidate
// source for matching: callers treat "no candidates" and "store down"
// identically, so query failures are logged here and surfaced as an empty set.
type Registry struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewRegistry(pool *pgxpool.Pool, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{pool: pool, logger: logger}
}

// FindActiveCandidates returns every beacon with status active. A failing
// backing store degrades to an empty result; matching is best-effort.
func (r *Registry) FindActiveCandidates(ctx context.Context) []Beacon {
	const query = `
		SELECT ` + beaconColumns + `
		FROM beacons
		WHERE status = 'active'
		ORDER BY created_at ASC
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		r.logger.Error("beacon registry query failed", "err", err)
		return nil
	}
	defer rows.Close()

	candidates := make([]Beacon, 0, 16)
	for rows.Next() {
		b, err := scanBeacon(rows)
		if err != nil {
			r.logger.Error("beacon registry scan failed", "err", err)
			return nil
		}
		candidates = append(candidates, b)
	}
	if err := rows.Err(); err != nil {
		r.logger.Error("beacon registry iteration failed", "err", err)
		return nil
	}
	return candidates
}

// GetByID fetches one beacon by primary key.
func (r *Registry) GetByID(ctx context.Context, id string) (Beacon, error) {
	const query = `SELECT ` + beaconColumns + ` FROM beacons WHERE id = $1`

	b, err := scanBeacon(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Beacon{}, ErrNotFound
		}
		return Beacon{}, fmt.Errorf("beacon: query by id: %w", err)
	}
	return b, nil
}

// GetByExternalID fetches one beacon by the operator-supplied reference.
func (r *Registry) GetByExternalID(ctx context.Context, externalID string) (Beacon, error) {
	const query = `SELECT ` + beaconColumns + ` FROM beacons WHERE external_id = $1`

	b, err := scanBeacon(r.pool.QueryRow(ctx, query, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Beacon{}, ErrNotFound
		}
		return Beacon{}, fmt.Errorf("beacon: query by external id: %w", err)
	}
	return b, nil
}

func scanBeacon(row pgx.Row) (Beacon, error) {
	var b Beacon
	return b, row.Scan(
		&b.ID,
		&b.ExternalID,
		&b.Name,
		&b.Status,
		&b.Capabilities,
		&b.Metadata,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
}
