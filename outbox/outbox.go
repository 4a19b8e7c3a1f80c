package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Topics emitted by the core services.
const (
	TopicTransactionCommitted = "transaction.committed"
	TopicSessionCancelled     = "session.cancelled"
	TopicOfferSubmitted       = "offer.submitted"
)

// Writer enqueues messages transactionally with the state change that caused
// them. Delivery is a downstream worker's concern.
type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

// Enqueue inserts one pending outbox row inside the caller's transaction.
func (w *Writer) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if topic == "" {
		return fmt.Errorf("outbox: empty topic")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("outbox: enqueue %s: %w", topic, err)
	}
	return nil
}
