package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var (
	// ErrInvalidTransition signals an attempt to move a session backward or
	// out of a terminal state.
	ErrInvalidTransition = errors.New("session: invalid status transition")
	// ErrCancelInvalidState signals cancellation of a committed or otherwise
	// terminal session.
	ErrCancelInvalidState = errors.New("session: cancel invalid state")
	// ErrExpired signals the session's time-to-live has elapsed.
	ErrExpired = errors.New("session: expired")
)

// AuditWriter appends an audit entry inside the service's transaction.
type AuditWriter interface {
	Append(ctx context.Context, tx pgx.Tx, entityType, entityID, action string, before, after any, actor *string) error
}

// OutboxWriter enqueues an outbox message inside the service's transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Service struct {
	pool        TxBeginner
	repo        Repository
	audit       AuditWriter
	outbox      OutboxWriter
	idGenerator func() string
	now         func() time.Time
	ttl         time.Duration
}

type CreateParams struct {
	RequesterID *string
	RawRequest  string
	// Tokens is the already-extracted keyword/constraint set. When empty the
	// raw request text is tokenized directly.
	Tokens   []string
	Protocol Protocol
}

type CancelParams struct {
	SessionID string
	ActorID   *string
	Reason    string
}

func NewService(pool TxBeginner, repo Repository, audit AuditWriter, outbox OutboxWriter, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		pool:        pool,
		repo:        repo,
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

// Create records a new session and, once a token set exists, advances it to
// market_forming immediately. The returned session is ready for matching.
func (s *Service) Create(ctx context.Context, params CreateParams) (Session, error) {
	if strings.TrimSpace(params.RawRequest) == "" {
		return Session{}, fmt.Errorf("session: raw request required")
	}
	protocol := params.Protocol
	if protocol == "" {
		protocol = ProtocolDirect
	}
	if protocol != ProtocolDirect {
		return Session{}, fmt.Errorf("session: unsupported protocol %q", protocol)
	}

	tokens := normalizeTokens(params.Tokens)
	if len(tokens) == 0 {
		tokens = normalizeTokens(strings.Fields(params.RawRequest))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Session{}, fmt.Errorf("session: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Create(ctx, tx, Session{
		ID:          s.idGenerator(),
		RequesterID: params.RequesterID,
		RawRequest:  params.RawRequest,
		Tokens:      tokens,
		Protocol:    protocol,
		Status:      StatusCreated,
		ExpiresAt:   s.now().Add(s.ttl),
	})
	if err != nil {
		return Session{}, err
	}

	if s.audit != nil {
		after := map[string]any{"status": created.Status, "protocol": created.Protocol}
		if err := s.audit.Append(ctx, tx, "session", created.ID, "SESSION_CREATED", nil, after, params.RequesterID); err != nil {
			return Session{}, err
		}
	}

	// A token set exists by construction, so the session starts forming its
	// market right away.
	advanced, err := s.transition(ctx, tx, created, StatusMarketForming, params.RequesterID)
	if err != nil {
		return Session{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Session{}, fmt.Errorf("session: commit create: %w", err)
	}
	return advanced, nil
}

// Get returns the session with its current status. Sessions still marked
// market_forming are lazily advanced to offers_available when pending offers
// already exist.
func (s *Service) Get(ctx context.Context, id string) (Session, error) {
	if id == "" {
		return Session{}, fmt.Errorf("session: id required")
	}

	sess, err := s.repo.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if sess.Status != StatusMarketForming {
		return sess, nil
	}

	pending, err := s.repo.HasPendingOffers(ctx, id)
	if err != nil || !pending {
		return sess, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Session{}, fmt.Errorf("session: begin lazy transition: %w", err)
	}
	defer tx.Rollback(ctx)

	locked, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Session{}, err
	}
	if locked.Status != StatusMarketForming {
		// Someone else advanced it first.
		return locked, nil
	}

	advanced, err := s.transition(ctx, tx, locked, StatusOffersAvailable, nil)
	if err != nil {
		return Session{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Session{}, fmt.Errorf("session: commit lazy transition: %w", err)
	}
	return advanced, nil
}

// Cancel moves a session to cancelled. Committed sessions cannot be
// cancelled; the attempt is rejected, not ignored.
func (s *Service) Cancel(ctx context.Context, params CancelParams) (Session, error) {
	if params.SessionID == "" {
		return Session{}, fmt.Errorf("session: cancel missing session id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Session{}, fmt.Errorf("session: begin cancel: %w", err)
	}
	defer tx.Rollback(ctx)

	sess, err := s.repo.GetForUpdate(ctx, tx, params.SessionID)
	if err != nil {
		return Session{}, err
	}

	if !CanTransition(sess.Status, StatusCancelled) {
		return Session{}, ErrCancelInvalidState
	}

	cancelled, err := s.transition(ctx, tx, sess, StatusCancelled, params.ActorID)
	if err != nil {
		return Session{}, err
	}

	if s.outbox != nil {
		payload := map[string]any{
			"session_id": cancelled.ID,
			"status":     cancelled.Status,
		}
		if reason := strings.TrimSpace(params.Reason); reason != "" {
			payload["reason"] = reason
		}
		if err := s.outbox.Enqueue(ctx, tx, "session.cancelled", payload); err != nil {
			return Session{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Session{}, fmt.Errorf("session: commit cancel: %w", err)
	}
	return cancelled, nil
}

// transition validates and applies one lifecycle move, recording it in the
// audit log.
func (s *Service) transition(ctx context.Context, tx pgx.Tx, sess Session, to Status, actor *string) (Session, error) {
	if !CanTransition(sess.Status, to) {
		return Session{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sess.Status, to)
	}

	updated, err := s.repo.UpdateStatus(ctx, tx, sess.ID, to)
	if err != nil {
		return Session{}, err
	}

	if s.audit != nil {
		before := map[string]any{"status": sess.Status}
		after := map[string]any{"status": updated.Status}
		if err := s.audit.Append(ctx, tx, "session", sess.ID, "SESSION_STATUS_CHANGED", before, after, actor); err != nil {
			return Session{}, err
		}
	}
	return updated, nil
}

func normalizeTokens(raw []string) []string {
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, tok := range raw {
		tok = strings.ToLower(strings.TrimSpace(tok))
		if tok == "" {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}
