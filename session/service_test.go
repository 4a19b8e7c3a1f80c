package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func newTestService(repo *fakeRepo) (*Service, *fakePool) {
	pool := &fakePool{}
	svc := NewService(pool, repo, nil, nil, time.Hour).
		WithIDGenerator(func() string { return "sess-1" }).
		WithClock(func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) })
	return svc, pool
}

func TestCreateAdvancesToMarketForming(t *testing.T) {
	repo := &fakeRepo{}
	svc, pool := newTestService(repo)

	sess, err := svc.Create(context.Background(), CreateParams{
		RawRequest: "500 red widgets",
		Tokens:     []string{"500", "Red", "widgets", "red", ""},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.Status != StatusMarketForming {
		t.Fatalf("expected market_forming, got %s", sess.Status)
	}
	if !pool.tx.committed {
		t.Error("expected transaction to commit")
	}
	if got, want := len(repo.created.Tokens), 3; got != want {
		t.Fatalf("expected %d normalized tokens, got %d (%v)", want, got, repo.created.Tokens)
	}
	if repo.created.Tokens[1] != "red" {
		t.Errorf("expected lower-cased tokens, got %v", repo.created.Tokens)
	}
	if repo.created.Status != StatusCreated {
		t.Errorf("expected insert in created state, got %s", repo.created.Status)
	}
	if len(repo.statusUpdates) != 1 || repo.statusUpdates[0] != StatusMarketForming {
		t.Errorf("expected one transition to market_forming, got %v", repo.statusUpdates)
	}
}

func TestCreateTokenizesRawRequestWhenTokensAbsent(t *testing.T) {
	repo := &fakeRepo{}
	svc, _ := newTestService(repo)

	if _, err := svc.Create(context.Background(), CreateParams{RawRequest: "Blue Gadgets ASAP"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	want := []string{"blue", "gadgets", "asap"}
	if len(repo.created.Tokens) != len(want) {
		t.Fatalf("expected tokens %v, got %v", want, repo.created.Tokens)
	}
	for i := range want {
		if repo.created.Tokens[i] != want[i] {
			t.Fatalf("expected tokens %v, got %v", want, repo.created.Tokens)
		}
	}
}

func TestCreateValidation(t *testing.T) {
	repo := &fakeRepo{}
	svc, _ := newTestService(repo)

	if _, err := svc.Create(context.Background(), CreateParams{RawRequest: "   "}); err == nil {
		t.Fatal("expected error for empty raw request")
	}
	if _, err := svc.Create(context.Background(), CreateParams{RawRequest: "widgets", Protocol: "auction"}); err == nil {
		t.Fatal("expected error for unsupported protocol")
	}
}

func TestCancelRejectsCommittedSession(t *testing.T) {
	repo := &fakeRepo{current: Session{ID: "sess-1", Status: StatusCommitted}}
	svc, pool := newTestService(repo)

	_, err := svc.Cancel(context.Background(), CancelParams{SessionID: "sess-1"})
	if !errors.Is(err, ErrCancelInvalidState) {
		t.Fatalf("expected ErrCancelInvalidState, got %v", err)
	}
	if pool.tx.committed {
		t.Error("expected rollback on rejected cancel")
	}
	if len(repo.statusUpdates) != 0 {
		t.Errorf("expected no status writes, got %v", repo.statusUpdates)
	}
}

func TestCancelOffersAvailableSession(t *testing.T) {
	repo := &fakeRepo{current: Session{ID: "sess-1", Status: StatusOffersAvailable}}
	svc, pool := newTestService(repo)

	sess, err := svc.Cancel(context.Background(), CancelParams{SessionID: "sess-1", Reason: "found elsewhere"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if sess.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", sess.Status)
	}
	if !pool.tx.committed {
		t.Error("expected transaction to commit")
	}
}

func TestGetLazyTransition(t *testing.T) {
	repo := &fakeRepo{
		current:       Session{ID: "sess-1", Status: StatusMarketForming},
		pendingOffers: true,
	}
	svc, pool := newTestService(repo)

	sess, err := svc.Get(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.Status != StatusOffersAvailable {
		t.Fatalf("expected lazy transition to offers_available, got %s", sess.Status)
	}
	if !pool.tx.committed {
		t.Error("expected lazy transition to commit")
	}
}

func TestGetWithoutPendingOffersStaysPut(t *testing.T) {
	repo := &fakeRepo{current: Session{ID: "sess-1", Status: StatusMarketForming}}
	svc, pool := newTestService(repo)

	sess, err := svc.Get(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.Status != StatusMarketForming {
		t.Fatalf("expected market_forming, got %s", sess.Status)
	}
	if pool.tx != nil {
		t.Error("expected no transaction for a plain read")
	}
}

type fakeRepo struct {
	current       Session
	created       Session
	pendingOffers bool
	statusUpdates []Status
}

func (f *fakeRepo) Create(_ context.Context, _ pgx.Tx, s Session) (Session, error) {
	f.created = s
	f.current = s
	return s, nil
}

func (f *fakeRepo) Get(_ context.Context, id string) (Session, error) {
	if f.current.ID != id {
		return Session{}, ErrNotFound
	}
	return f.current, nil
}

func (f *fakeRepo) GetForUpdate(_ context.Context, _ pgx.Tx, id string) (Session, error) {
	if f.current.ID != id {
		return Session{}, ErrNotFound
	}
	return f.current, nil
}

func (f *fakeRepo) UpdateStatus(_ context.Context, _ pgx.Tx, id string, status Status) (Session, error) {
	if f.current.ID != id {
		return Session{}, ErrNotFound
	}
	f.statusUpdates = append(f.statusUpdates, status)
	f.current.Status = status
	return f.current, nil
}

func (f *fakeRepo) HasPendingOffers(_ context.Context, id string) (bool, error) {
	return f.pendingOffers, nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
