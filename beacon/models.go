package beacon

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Beacon is one registered seller-side responder. Capabilities is stored as
// the raw JSON the operator declared; IndexCapabilities flattens it for
// scoring.
type Beacon struct {
	ID           string
	ExternalID   string
	Name         string
	Status       Status
	Capabilities json.RawMessage
	Metadata     json.RawMessage
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
