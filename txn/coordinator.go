package txn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"beaconmarket/offer"
	"beaconmarket/session"
)

var (
	// ErrSessionNotCommittable signals the session is cancelled, expired, or
	// otherwise outside the committable part of its lifecycle.
	ErrSessionNotCommittable = errors.New("txn: session not committable")
	// ErrOfferNotPending signals the chosen offer was already resolved.
	ErrOfferNotPending = errors.New("txn: offer not pending")
	// ErrOfferExpired signals the chosen offer's time-to-live elapsed; the
	// caller must re-discover fresh offers.
	ErrOfferExpired = errors.New("txn: offer expired")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// AuditWriter appends an audit entry inside the coordinator's transaction.
type AuditWriter interface {
	Append(ctx context.Context, tx pgx.Tx, entityType, entityID, action string, before, after any, actor *string) error
}

// OutboxWriter enqueues an outbox message inside the coordinator's transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Coordinator enforces the at-most-one-commit invariant: for any session the
// set of accepted offers has size 0 or 1, and a transaction exists iff the
// session is committed. The session row lock serializes concurrent commits;
// the transactions table's unique constraints are the durable backstop.
type Coordinator struct {
	pool        TxBeginner
	store       Store
	sessions    session.Repository
	audit       AuditWriter
	outbox      OutboxWriter
	idGenerator func() string
	now         func() time.Time
}

type CommitParams struct {
	SessionID      string
	OfferID        string
	IdempotencyKey string
	ActorID        *string
}

func NewCoordinator(pool TxBeginner, store Store, sessions session.Repository, audit AuditWriter, outbox OutboxWriter) *Coordinator {
	if store == nil {
		store = NewStore()
	}
	return &Coordinator{
		pool:        pool,
		store:       store,
		sessions:    sessions,
		audit:       audit,
		outbox:      outbox,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (c *Coordinator) WithIDGenerator(gen func() string) *Coordinator {
	c.idGenerator = gen
	return c
}

func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// Commit atomically creates the session's single transaction: the chosen
// offer becomes accepted, every sibling pending offer becomes rejected, the
// session advances to committed, and an audit entry records the change. A
// replayed idempotency key returns the existing transaction unchanged.
func (c *Coordinator) Commit(ctx context.Context, params CommitParams) (Transaction, error) {
	if params.SessionID == "" {
		return Transaction{}, fmt.Errorf("txn: session id required")
	}
	if params.OfferID == "" {
		return Transaction{}, fmt.Errorf("txn: offer id required")
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("txn: begin commit: %w", err)
	}
	defer tx.Rollback(ctx)

	// Single-writer-per-session: every commit attempt queues on this lock.
	sess, err := c.sessions.GetForUpdate(ctx, tx, params.SessionID)
	if err != nil {
		return Transaction{}, err
	}

	if params.IdempotencyKey != "" {
		existing, err := c.store.FindByKey(ctx, tx, params.IdempotencyKey)
		switch {
		case err == nil:
			if existing.SessionID != params.SessionID {
				return Transaction{}, ErrIdempotencyConflict
			}
			return existing, nil
		case errors.Is(err, ErrNotFound):
			// First use of this key.
		default:
			return Transaction{}, err
		}
	}

	switch sess.Status {
	case session.StatusCommitted:
		// Replaying the winning offer without a key is still idempotent;
		// only a different offer is a real conflict.
		if existing, ferr := c.store.FindBySession(ctx, tx, sess.ID); ferr == nil && existing.OfferID == params.OfferID {
			return existing, nil
		}
		return Transaction{}, ErrAlreadyCommitted
	case session.StatusMarketForming, session.StatusOffersAvailable:
		// Committable; market_forming is tolerated because the
		// offers_available transition may not have been observed yet.
	default:
		return Transaction{}, fmt.Errorf("%w (status=%s)", ErrSessionNotCommittable, sess.Status)
	}
	if sess.ExpiredAt(c.now()) {
		return Transaction{}, fmt.Errorf("%w: session expired", ErrSessionNotCommittable)
	}

	chosen, err := c.store.LockOffer(ctx, tx, params.OfferID)
	if err != nil {
		return Transaction{}, err
	}
	if chosen.SessionID != params.SessionID {
		// An offer from another session is indistinguishable from a missing
		// one as far as the caller is concerned.
		return Transaction{}, offer.ErrNotFound
	}
	if chosen.Status != offer.StatusPending {
		return Transaction{}, fmt.Errorf("%w (status=%s)", ErrOfferNotPending, chosen.Status)
	}
	if chosen.ExpiredAt(c.now()) {
		return Transaction{}, ErrOfferExpired
	}

	// The session is locked and still uncommitted; market_forming sessions
	// step to offers_available first so the status graph stays monotonic.
	if sess.Status == session.StatusMarketForming {
		if _, err := c.sessions.UpdateStatus(ctx, tx, sess.ID, session.StatusOffersAvailable); err != nil {
			return Transaction{}, err
		}
		sess.Status = session.StatusOffersAvailable
	}

	finalTerms, err := snapshotTerms(chosen)
	if err != nil {
		return Transaction{}, err
	}

	var key *string
	if params.IdempotencyKey != "" {
		key = &params.IdempotencyKey
	}

	created, err := c.store.Insert(ctx, tx, Transaction{
		ID:             c.idGenerator(),
		SessionID:      params.SessionID,
		OfferID:        chosen.ID,
		BeaconID:       chosen.BeaconID,
		FinalTerms:     finalTerms,
		IdempotencyKey: key,
	})
	if err != nil {
		return Transaction{}, err
	}

	if err := c.store.AcceptOffer(ctx, tx, chosen.ID); err != nil {
		return Transaction{}, err
	}
	if _, err := c.store.RejectSiblingOffers(ctx, tx, params.SessionID, chosen.ID); err != nil {
		return Transaction{}, err
	}
	if _, err := c.sessions.UpdateStatus(ctx, tx, params.SessionID, session.StatusCommitted); err != nil {
		return Transaction{}, err
	}

	if c.audit != nil {
		before := map[string]any{"session_status": sess.Status, "offer_status": offer.StatusPending}
		after := map[string]any{
			"session_status": session.StatusCommitted,
			"offer_status":   offer.StatusAccepted,
			"transaction_id": created.ID,
			"offer_id":       chosen.ID,
			"beacon_id":      chosen.BeaconID,
		}
		if err := c.audit.Append(ctx, tx, "transaction", created.ID, "TRANSACTION_COMMITTED", before, after, params.ActorID); err != nil {
			return Transaction{}, err
		}
	}
	if c.outbox != nil {
		payload := map[string]any{
			"transaction_id": created.ID,
			"session_id":     created.SessionID,
			"offer_id":       created.OfferID,
			"beacon_id":      created.BeaconID,
		}
		if err := c.outbox.Enqueue(ctx, tx, "transaction.committed", payload); err != nil {
			return Transaction{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		// Fail closed: the caller must not assume the commit happened.
		return Transaction{}, fmt.Errorf("txn: commit transaction: %w", err)
	}
	return created, nil
}

// snapshotTerms freezes the offer's priced terms at commit time.
func snapshotTerms(o offer.Offer) (json.RawMessage, error) {
	terms := o.Terms
	if len(terms) == 0 {
		terms = json.RawMessage(`{}`)
	}
	snapshot := map[string]any{
		"unit_price":  o.UnitPrice,
		"quantity":    o.Quantity,
		"total_price": o.TotalPrice,
		"currency":    o.Currency,
		"terms":       terms,
	}
	b, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("txn: snapshot terms: %w", err)
	}
	return b, nil
}
