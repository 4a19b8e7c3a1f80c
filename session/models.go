package session

import (
	"time"
)

type Status string

const (
	StatusCreated         Status = "created"
	StatusMarketForming   Status = "market_forming"
	StatusOffersAvailable Status = "offers_available"
	StatusCommitted       Status = "committed"
	StatusCancelled       Status = "cancelled"
	StatusExpired         Status = "expired"
	StatusFailed          Status = "failed"
)

// Protocol tags how a session's offers resolve. Only direct (single-offer
// accept) is implemented; the tag is validated and persisted so further
// variants can be added without a schema change.
type Protocol string

const (
	ProtocolDirect Protocol = "direct"
)

// transitions is the legal state graph. A session only moves forward; any
// pair not listed here is rejected.
var transitions = map[Status][]Status{
	StatusCreated:         {StatusMarketForming, StatusCancelled, StatusExpired, StatusFailed},
	StatusMarketForming:   {StatusOffersAvailable, StatusCancelled, StatusExpired, StatusFailed},
	StatusOffersAvailable: {StatusCommitted, StatusCancelled, StatusExpired},
}

// CanTransition reports whether from → to is a legal lifecycle move.
// Terminal states (committed, cancelled, expired, failed) allow nothing.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AcceptsOffers reports whether offers may be submitted in this state.
func (s Status) AcceptsOffers() bool {
	switch s {
	case StatusCreated, StatusMarketForming, StatusOffersAvailable:
		return true
	default:
		return false
	}
}

// Session is one buyer request and its lifecycle. Rows are never deleted;
// they only expire.
type Session struct {
	ID          string
	RequesterID *string
	RawRequest  string
	Tokens      []string
	Protocol    Protocol
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   time.Time
}

// ExpiredAt reports whether the session's time-to-live has elapsed.
func (s Session) ExpiredAt(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}
