package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"beaconmarket/audit"
	"beaconmarket/auth"
	"beaconmarket/beacon"
	"beaconmarket/match"
	"beaconmarket/offer"
	"beaconmarket/session"
	"beaconmarket/txn"
)

type ctxKey int

const (
	ctxKeyUserID ctxKey = iota
	ctxKeyRole
)

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

type beaconService interface {
	Register(ctx context.Context, params beacon.RegisterParams) (beacon.Beacon, error)
	SetStatus(ctx context.Context, id string, status beacon.Status, actor *string) (beacon.Beacon, error)
}

type beaconReader interface {
	GetByID(ctx context.Context, id string) (beacon.Beacon, error)
}

type sessionService interface {
	Create(ctx context.Context, params session.CreateParams) (session.Session, error)
	Get(ctx context.Context, id string) (session.Session, error)
	Cancel(ctx context.Context, params session.CancelParams) (session.Session, error)
}

type offerService interface {
	Submit(ctx context.Context, params offer.SubmitParams) (offer.Offer, error)
	ListPending(ctx context.Context, sessionID string) ([]offer.PendingOffer, error)
}

type matcherService interface {
	Match(ctx context.Context, tokens []string, opts match.Options) []match.Candidate
}

type commitService interface {
	Commit(ctx context.Context, params txn.CommitParams) (txn.Transaction, error)
}

type transactionReader interface {
	Get(ctx context.Context, id string) (txn.Transaction, error)
}

type auditReader interface {
	ListForEntity(ctx context.Context, entityType, entityID string) ([]audit.Entry, error)
}

// Server wires the HTTP surface to the domain services.
type Server struct {
	authService    authService
	beaconService  beaconService
	beaconReader   beaconReader
	sessionService sessionService
	offerService   offerService
	matcher        matcherService
	coordinator    commitService
	transactions   transactionReader
	auditLog       auditReader
	logger         *slog.Logger
}

func (s *Server) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/beacons", s.requireAuth(s.handleBeacons))
	mux.HandleFunc("/api/beacons/", s.requireAuth(s.handleBeaconDetail))
	mux.HandleFunc("/api/sessions", s.requireAuth(s.handleSessions))
	mux.HandleFunc("/api/sessions/", s.requireAuth(s.handleSessionDetail))
	mux.HandleFunc("/api/transactions/", s.requireAuth(s.handleTransaction))
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// requireAuth resolves the bearer token into a user id and role on the
// request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, role, err := s.authService.VerifyToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next(w, r.WithContext(ctx))
	}
}

func requestUser(r *http.Request) (string, auth.Role) {
	userID, _ := r.Context().Value(ctxKeyUserID).(string)
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
	return userID, role
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userResponse struct {
	ID        string  `json:"id"`
	Email     string  `json:"email"`
	FullName  string  `json:"full_name"`
	Role      string  `json:"role"`
	BeaconID  *string `json:"beacon_id,omitempty"`
	CreatedAt string  `json:"created_at"`
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		FullName:  u.FullName,
		Role:      string(u.Role),
		BeaconID:  u.BeaconID,
		CreatedAt: u.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"user":  toUserResponse(result.User),
	})
}

type beaconResponse struct {
	ID           string          `json:"id"`
	ExternalID   string          `json:"external_id"`
	Name         string          `json:"name"`
	Status       string          `json:"status"`
	Capabilities json.RawMessage `json:"capabilities"`
	CreatedAt    string          `json:"created_at"`
}

func toBeaconResponse(b beacon.Beacon) beaconResponse {
	return beaconResponse{
		ID:           b.ID,
		ExternalID:   b.ExternalID,
		Name:         b.Name,
		Status:       string(b.Status),
		Capabilities: b.Capabilities,
		CreatedAt:    b.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleBeacons(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID, role := requestUser(r)
	if role != auth.RoleBeaconOperator && role != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "beacon registration requires an operator account")
		return
	}

	var req struct {
		ExternalID   string          `json:"external_id"`
		Name         string          `json:"name"`
		Capabilities json.RawMessage `json:"capabilities"`
		Metadata     json.RawMessage `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	b, err := s.beaconService.Register(r.Context(), beacon.RegisterParams{
		ExternalID:   req.ExternalID,
		Name:         req.Name,
		Capabilities: req.Capabilities,
		Metadata:     req.Metadata,
		ActorID:      &userID,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBeaconResponse(b))
}

func (s *Server) handleBeaconDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/beacons/"), "/")
	if rest == "" {
		writeError(w, http.StatusBadRequest, "beacon id required")
		return
	}
	parts := strings.Split(rest, "/")

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		b, err := s.beaconReader.GetByID(r.Context(), parts[0])
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toBeaconResponse(b))
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodPatch:
		userID, role := requestUser(r)
		if role != auth.RoleBeaconOperator && role != auth.RoleAdmin {
			writeError(w, http.StatusForbidden, "status changes require an operator account")
			return
		}
		var req struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		b, err := s.beaconService.SetStatus(r.Context(), parts[0], beacon.Status(req.Status), &userID)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toBeaconResponse(b))
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type sessionResponse struct {
	ID          string   `json:"id"`
	RequesterID *string  `json:"requester_id,omitempty"`
	RawRequest  string   `json:"raw_request"`
	Tokens      []string `json:"tokens"`
	Protocol    string   `json:"protocol"`
	Status      string   `json:"status"`
	CreatedAt   string   `json:"created_at"`
	ExpiresAt   string   `json:"expires_at"`
}

func toSessionResponse(sess session.Session) sessionResponse {
	return sessionResponse{
		ID:          sess.ID,
		RequesterID: sess.RequesterID,
		RawRequest:  sess.RawRequest,
		Tokens:      sess.Tokens,
		Protocol:    string(sess.Protocol),
		Status:      string(sess.Status),
		CreatedAt:   sess.CreatedAt.Format(time.RFC3339),
		ExpiresAt:   sess.ExpiresAt.Format(time.RFC3339),
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID, role := requestUser(r)
	if role != auth.RoleScout && role != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "only scouts open sessions")
		return
	}

	var req struct {
		RawRequest string   `json:"raw_request"`
		Tokens     []string `json:"tokens"`
		Protocol   string   `json:"protocol"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	sess, err := s.sessionService.Create(r.Context(), session.CreateParams{
		RequesterID: &userID,
		RawRequest:  req.RawRequest,
		Tokens:      req.Tokens,
		Protocol:    session.Protocol(req.Protocol),
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(sess))
}

func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/sessions/"), "/")
	if rest == "" {
		writeError(w, http.StatusBadRequest, "session id required")
		return
	}
	parts := strings.Split(rest, "/")
	sessionID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		sess, err := s.sessionService.Get(r.Context(), sessionID)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toSessionResponse(sess))
		return
	}

	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch parts[1] {
	case "cancel":
		s.handleCancelSession(w, r, sessionID)
	case "matches":
		s.handleSessionMatches(w, r, sessionID)
	case "offers":
		s.handleSessionOffers(w, r, sessionID)
	case "commit":
		s.handleCommit(w, r, sessionID)
	case "audit":
		s.handleSessionAudit(w, r, sessionID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID, _ := requestUser(r)

	var req struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		// Body is optional for cancel.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	sess, err := s.sessionService.Cancel(r.Context(), session.CancelParams{
		SessionID: sessionID,
		ActorID:   &userID,
		Reason:    req.Reason,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (s *Server) handleSessionMatches(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sess, err := s.sessionService.Get(r.Context(), sessionID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if sess.ExpiredAt(time.Now()) {
		s.writeDomainError(w, session.ErrExpired)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	candidates := s.matcher.Match(r.Context(), sess.Tokens, match.Options{Limit: limit})
	writeJSON(w, http.StatusOK, map[string]any{
		"items": candidates,
		"total": len(candidates),
	})
}

type offerResponse struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id"`
	BeaconID   string          `json:"beacon_id"`
	BeaconName string          `json:"beacon_name,omitempty"`
	Status     string          `json:"status"`
	UnitPrice  int64           `json:"unit_price"`
	Quantity   int64           `json:"quantity"`
	TotalPrice int64           `json:"total_price"`
	Currency   string          `json:"currency"`
	Terms      json.RawMessage `json:"terms"`
	CreatedAt  string          `json:"created_at"`
	ExpiresAt  *string         `json:"expires_at,omitempty"`
}

func toOfferResponse(o offer.Offer, beaconName string) offerResponse {
	resp := offerResponse{
		ID:         o.ID,
		SessionID:  o.SessionID,
		BeaconID:   o.BeaconID,
		BeaconName: beaconName,
		Status:     string(o.Status),
		UnitPrice:  o.UnitPrice,
		Quantity:   o.Quantity,
		TotalPrice: o.TotalPrice,
		Currency:   o.Currency,
		Terms:      o.Terms,
		CreatedAt:  o.CreatedAt.Format(time.RFC3339),
	}
	if o.ExpiresAt != nil {
		formatted := o.ExpiresAt.Format(time.RFC3339)
		resp.ExpiresAt = &formatted
	}
	return resp
}

func (s *Server) handleSessionOffers(w http.ResponseWriter, r *http.Request, sessionID string) {
	switch r.Method {
	case http.MethodGet:
		offers, err := s.offerService.ListPending(r.Context(), sessionID)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		items := make([]offerResponse, 0, len(offers))
		for _, o := range offers {
			items = append(items, toOfferResponse(o.Offer, o.BeaconName))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
	case http.MethodPost:
		userID, role := requestUser(r)
		if role != auth.RoleBeaconOperator && role != auth.RoleAdmin {
			writeError(w, http.StatusForbidden, "only beacon operators submit offers")
			return
		}

		var req struct {
			BeaconID   string          `json:"beacon_id"`
			UnitPrice  int64           `json:"unit_price"`
			Quantity   int64           `json:"quantity"`
			TotalPrice int64           `json:"total_price"`
			Currency   string          `json:"currency"`
			Terms      json.RawMessage `json:"terms"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}

		created, err := s.offerService.Submit(r.Context(), offer.SubmitParams{
			SessionID:  sessionID,
			BeaconID:   req.BeaconID,
			UnitPrice:  req.UnitPrice,
			Quantity:   req.Quantity,
			TotalPrice: req.TotalPrice,
			Currency:   req.Currency,
			Terms:      req.Terms,
			ActorID:    &userID,
		})
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toOfferResponse(created, ""))
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type transactionResponse struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id"`
	OfferID    string          `json:"offer_id"`
	BeaconID   string          `json:"beacon_id"`
	Status     string          `json:"status"`
	FinalTerms json.RawMessage `json:"final_terms"`
	CreatedAt  string          `json:"created_at"`
}

func toTransactionResponse(t txn.Transaction) transactionResponse {
	return transactionResponse{
		ID:         t.ID,
		SessionID:  t.SessionID,
		OfferID:    t.OfferID,
		BeaconID:   t.BeaconID,
		Status:     string(t.Status),
		FinalTerms: t.FinalTerms,
		CreatedAt:  t.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID, role := requestUser(r)
	if role != auth.RoleScout && role != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "only the requesting scout commits a session")
		return
	}

	var req struct {
		OfferID string `json:"offer_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	created, err := s.coordinator.Commit(r.Context(), txn.CommitParams{
		SessionID:      sessionID,
		OfferID:        req.OfferID,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		ActorID:        &userID,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionResponse(created))
}

func (s *Server) handleSessionAudit(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	entries, err := s.auditLog.ListForEntity(r.Context(), "session", sessionID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	type auditEntryResponse struct {
		ID            int64           `json:"id"`
		Action        string          `json:"action"`
		PreviousState json.RawMessage `json:"previous_state,omitempty"`
		NewState      json.RawMessage `json:"new_state,omitempty"`
		ChangedBy     *string         `json:"changed_by,omitempty"`
		CreatedAt     string          `json:"created_at"`
	}
	items := make([]auditEntryResponse, 0, len(entries))
	for _, e := range entries {
		items = append(items, auditEntryResponse{
			ID:            e.ID,
			Action:        e.Action,
			PreviousState: e.PreviousState,
			NewState:      e.NewState,
			ChangedBy:     e.ChangedBy,
			CreatedAt:     e.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/transactions/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "transaction id required")
		return
	}
	t, err := s.transactions.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(t))
}

// writeDomainError translates sentinel errors into status codes. Unknown
// errors are logged and reported as 500 without leaking internals.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, offer.ErrNotFound),
		errors.Is(err, txn.ErrNotFound),
		errors.Is(err, beacon.ErrNotFound),
		errors.Is(err, auth.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, auth.ErrDuplicateEmail):
		writeError(w, http.StatusConflict, "email already registered")
	case errors.Is(err, txn.ErrAlreadyCommitted),
		errors.Is(err, txn.ErrIdempotencyConflict),
		errors.Is(err, txn.ErrSessionNotCommittable),
		errors.Is(err, txn.ErrOfferNotPending),
		errors.Is(err, session.ErrCancelInvalidState),
		errors.Is(err, session.ErrInvalidTransition),
		errors.Is(err, offer.ErrSessionClosed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, offer.ErrSessionExpired),
		errors.Is(err, session.ErrExpired),
		errors.Is(err, txn.ErrOfferExpired):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, offer.ErrBeaconMissing):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		// Services report caller mistakes as flat fmt.Errorf messages;
		// storage failures always wrap a cause.
		if errors.Unwrap(err) == nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log().Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
