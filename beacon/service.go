package beacon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditWriter appends an audit entry inside the service's transaction.
type AuditWriter interface {
	Append(ctx context.Context, tx pgx.Tx, entityType, entityID, action string, before, after any, actor *string) error
}

// Service owns beacon registration. Registration is an upsert keyed by the
// operator's external reference; re-registering refreshes the capability blob
// and reactivates the beacon.
type Service struct {
	pool  *pgxpool.Pool
	audit AuditWriter
}

type RegisterParams struct {
	ExternalID   string
	Name         string
	Capabilities json.RawMessage
	Metadata     json.RawMessage
	ActorID      *string
}

func NewService(pool *pgxpool.Pool, audit AuditWriter) *Service {
	return &Service{pool: pool, audit: audit}
}

// Register upserts a beacon by external reference and returns the stored row.
func (s *Service) Register(ctx context.Context, params RegisterParams) (Beacon, error) {
	if params.ExternalID == "" {
		return Beacon{}, fmt.Errorf("beacon: external id required")
	}
	if params.Name == "" {
		return Beacon{}, fmt.Errorf("beacon: name required")
	}
	capabilities := params.Capabilities
	if len(capabilities) == 0 {
		capabilities = json.RawMessage(`null`)
	}
	metadata := params.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Beacon{}, fmt.Errorf("beacon: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const upsertSQL = `
		INSERT INTO beacons (external_id, name, status, capabilities, metadata)
		VALUES ($1, $2, 'active', $3::jsonb, $4::jsonb)
		ON CONFLICT (external_id) DO UPDATE
		SET name = EXCLUDED.name,
		    status = 'active',
		    capabilities = EXCLUDED.capabilities,
		    metadata = EXCLUDED.metadata,
		    updated_at = now()
		RETURNING ` + beaconColumns + `
	`

	b, err := scanBeacon(tx.QueryRow(ctx, upsertSQL, params.ExternalID, params.Name, capabilities, metadata))
	if err != nil {
		return Beacon{}, fmt.Errorf("beacon: upsert: %w", err)
	}

	if s.audit != nil {
		after := map[string]any{"external_id": b.ExternalID, "name": b.Name, "status": b.Status}
		if err := s.audit.Append(ctx, tx, "beacon", b.ID, "BEACON_REGISTERED", nil, after, params.ActorID); err != nil {
			return Beacon{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Beacon{}, fmt.Errorf("beacon: commit register: %w", err)
	}
	return b, nil
}

// SetStatus flips a beacon between active and inactive. Inactive beacons keep
// their record but stop receiving the base score during matching.
func (s *Service) SetStatus(ctx context.Context, id string, status Status, actor *string) (Beacon, error) {
	if status != StatusActive && status != StatusInactive {
		return Beacon{}, fmt.Errorf("beacon: invalid status %q", status)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Beacon{}, fmt.Errorf("beacon: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var previous Status
	if err := tx.QueryRow(ctx, `SELECT status::text FROM beacons WHERE id = $1 FOR UPDATE`, id).Scan(&previous); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Beacon{}, ErrNotFound
		}
		return Beacon{}, fmt.Errorf("beacon: lock for status change: %w", err)
	}

	const updateSQL = `
		UPDATE beacons
		SET status = $2::beacon_status, updated_at = now()
		WHERE id = $1
		RETURNING ` + beaconColumns + `
	`
	b, err := scanBeacon(tx.QueryRow(ctx, updateSQL, id, status))
	if err != nil {
		return Beacon{}, fmt.Errorf("beacon: update status: %w", err)
	}

	if s.audit != nil {
		before := map[string]any{"status": previous}
		after := map[string]any{"status": b.Status}
		if err := s.audit.Append(ctx, tx, "beacon", b.ID, "BEACON_STATUS_CHANGED", before, after, actor); err != nil {
			return Beacon{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Beacon{}, fmt.Errorf("beacon: commit status change: %w", err)
	}
	return b, nil
}
