package offer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"beaconmarket/session"
)

var (
	// ErrSessionClosed signals the session no longer accepts offers.
	ErrSessionClosed = errors.New("offer: session does not accept offers")
	// ErrSessionExpired signals the session's time-to-live has elapsed.
	ErrSessionExpired = errors.New("offer: session expired")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// AuditWriter appends an audit entry inside the service's transaction.
type AuditWriter interface {
	Append(ctx context.Context, tx pgx.Tx, entityType, entityID, action string, before, after any, actor *string) error
}

// OutboxWriter enqueues an outbox message inside the service's transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service is the append-style store of competing offers. Offer status beyond
// pending is the commit coordinator's business, not this package's.
type Service struct {
	pool        TxBeginner
	repo        Repository
	sessions    session.Repository
	audit       AuditWriter
	outbox      OutboxWriter
	idGenerator func() string
	now         func() time.Time
	ttl         time.Duration
}

type SubmitParams struct {
	SessionID  string
	BeaconID   string
	UnitPrice  int64
	Quantity   int64
	TotalPrice int64
	Currency   string
	Terms      json.RawMessage
	ActorID    *string
}

func NewService(pool TxBeginner, repo Repository, sessions session.Repository, audit AuditWriter, outbox OutboxWriter, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		sessions:    sessions,
		audit:       audit,
		outbox:      outbox,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
		ttl:         ttl,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Submit records a pending offer against a session. The session must exist,
// still accept offers, and not be past its expiry. A missing total is
// computed as unit price times quantity.
func (s *Service) Submit(ctx context.Context, params SubmitParams) (Offer, error) {
	if params.SessionID == "" {
		return Offer{}, fmt.Errorf("offer: session id required")
	}
	if params.BeaconID == "" {
		return Offer{}, fmt.Errorf("offer: beacon id required")
	}
	if params.UnitPrice <= 0 {
		return Offer{}, fmt.Errorf("offer: unit price must be positive")
	}
	if params.Quantity <= 0 {
		return Offer{}, fmt.Errorf("offer: quantity must be positive")
	}
	currency := params.Currency
	if currency == "" {
		currency = "USD"
	}
	total := params.TotalPrice
	if total <= 0 {
		total = params.UnitPrice * params.Quantity
	}
	terms := params.Terms
	if len(terms) == 0 {
		terms = json.RawMessage(`{}`)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Offer{}, fmt.Errorf("offer: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Locking the session row serializes submissions against commit and
	// cancel for the same session.
	sess, err := s.sessions.GetForUpdate(ctx, tx, params.SessionID)
	if err != nil {
		return Offer{}, err
	}
	if !sess.Status.AcceptsOffers() {
		return Offer{}, fmt.Errorf("%w (status=%s)", ErrSessionClosed, sess.Status)
	}
	if sess.ExpiredAt(s.now()) {
		return Offer{}, ErrSessionExpired
	}

	expiresAt := s.now().Add(s.ttl)
	created, err := s.repo.Insert(ctx, tx, Offer{
		ID:         s.idGenerator(),
		SessionID:  params.SessionID,
		BeaconID:   params.BeaconID,
		UnitPrice:  params.UnitPrice,
		Quantity:   params.Quantity,
		TotalPrice: total,
		Currency:   currency,
		Terms:      terms,
		ExpiresAt:  &expiresAt,
	})
	if err != nil {
		return Offer{}, err
	}

	// The first recorded offer moves the session out of market formation.
	// Sessions still in created step through market_forming so the graph
	// stays monotonic.
	for current := sess.Status; current != session.StatusOffersAvailable; {
		step := session.StatusMarketForming
		if current == session.StatusMarketForming {
			step = session.StatusOffersAvailable
		}
		if !session.CanTransition(current, step) {
			return Offer{}, fmt.Errorf("offer: advance session: %w", session.ErrInvalidTransition)
		}
		if _, err := s.sessions.UpdateStatus(ctx, tx, sess.ID, step); err != nil {
			return Offer{}, err
		}
		if s.audit != nil {
			before := map[string]any{"status": current}
			after := map[string]any{"status": step}
			if err := s.audit.Append(ctx, tx, "session", sess.ID, "SESSION_STATUS_CHANGED", before, after, params.ActorID); err != nil {
				return Offer{}, err
			}
		}
		current = step
	}

	if s.audit != nil {
		after := map[string]any{
			"session_id":  created.SessionID,
			"beacon_id":   created.BeaconID,
			"status":      created.Status,
			"total_price": created.TotalPrice,
		}
		if err := s.audit.Append(ctx, tx, "offer", created.ID, "OFFER_SUBMITTED", nil, after, params.ActorID); err != nil {
			return Offer{}, err
		}
	}
	if s.outbox != nil {
		payload := map[string]any{
			"offer_id":   created.ID,
			"session_id": created.SessionID,
			"beacon_id":  created.BeaconID,
		}
		if err := s.outbox.Enqueue(ctx, tx, "offer.submitted", payload); err != nil {
			return Offer{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Offer{}, fmt.Errorf("offer: commit submit: %w", err)
	}
	return created, nil
}

// ListPending returns a session's pending offers, most recent first.
func (s *Service) ListPending(ctx context.Context, sessionID string) ([]PendingOffer, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("offer: session id required")
	}
	return s.repo.ListPending(ctx, sessionID)
}
