package offer

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

// Offer is one beacon's priced bid against a session. Prices are integer
// minor units (cents).
type Offer struct {
	ID         string
	SessionID  string
	BeaconID   string
	Status     Status
	UnitPrice  int64
	Quantity   int64
	TotalPrice int64
	Currency   string
	Terms      json.RawMessage
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ExpiresAt  *time.Time
}

// PendingOffer joins an offer with its beacon's display data for listings.
type PendingOffer struct {
	Offer
	BeaconName string
}

// ExpiredAt reports whether the offer's time-to-live has elapsed.
func (o Offer) ExpiredAt(now time.Time) bool {
	return o.ExpiresAt != nil && now.After(*o.ExpiresAt)
}
