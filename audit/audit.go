package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry is one immutable audit fact. Rows are append-only; nothing in the
// service updates or deletes them.
type Entry struct {
	ID            int64
	EntityType    string
	EntityID      string
	Action        string
	PreviousState []byte
	NewState      []byte
	ChangedBy     *string
	CreatedAt     time.Time
}

// Log writes and reads audit_log rows. Append runs inside the caller's
// transaction so the audit record is durable exactly when the state change is.
type Log struct {
	pool *pgxpool.Pool
}

func NewLog(pool *pgxpool.Pool) *Log {
	return &Log{pool: pool}
}

// Append records a state transition within tx. Before/after snapshots are
// marshalled as JSON; nil snapshots are stored as SQL NULL.
func (l *Log) Append(ctx context.Context, tx pgx.Tx, entityType, entityID, action string, before, after any, actor *string) error {
	if entityType == "" || entityID == "" || action == "" {
		return fmt.Errorf("audit: entity type, entity id and action are required")
	}

	prev, err := marshalSnapshot(before)
	if err != nil {
		return fmt.Errorf("audit: marshal previous state: %w", err)
	}
	next, err := marshalSnapshot(after)
	if err != nil {
		return fmt.Errorf("audit: marshal new state: %w", err)
	}

	const q = `
		INSERT INTO audit_log (entity_type, entity_id, action, previous_state, new_state, changed_by)
		VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6)
	`
	if _, err := tx.Exec(ctx, q, entityType, entityID, action, prev, next, actor); err != nil {
		return fmt.Errorf("audit: append entry: %w", err)
	}
	return nil
}

// ListForEntity returns the audit trail for one entity, oldest first.
func (l *Log) ListForEntity(ctx context.Context, entityType, entityID string) ([]Entry, error) {
	const q = `
		SELECT id, entity_type, entity_id, action, previous_state, new_state, changed_by, created_at
		FROM audit_log
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at ASC, id ASC
	`
	rows, err := l.pool.Query(ctx, q, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("audit: list entries: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, 8)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action, &e.PreviousState, &e.NewState, &e.ChangedBy, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate entries: %w", err)
	}
	return entries, nil
}

func marshalSnapshot(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}
