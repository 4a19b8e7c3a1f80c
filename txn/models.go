package txn

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusCommitted Status = "committed"
)

// Transaction is the single committed outcome of a session. Rows are created
// exactly once and never mutated by the core afterwards.
type Transaction struct {
	ID             string
	SessionID      string
	OfferID        string
	BeaconID       string
	Status         Status
	FinalTerms     json.RawMessage
	IdempotencyKey *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
