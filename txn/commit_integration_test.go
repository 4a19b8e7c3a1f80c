package txn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"beaconmarket/audit"
	"beaconmarket/outbox"
	"beaconmarket/session"
)

func TestCommitPicksOfferAndRejectsSiblings(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	requiredTables := []string{
		"beacons",
		"sessions",
		"offers",
		"transactions",
		"audit_log",
		"outbox",
	}
	for _, tbl := range requiredTables {
		if !tableExists(ctx, pool, tbl) {
			t.Skipf("table %s does not exist; ensure migrations are applied", tbl)
		}
	}

	mustInsert := func(query string, args ...any) string {
		var id string
		if err := pool.QueryRow(ctx, query, args...).Scan(&id); err != nil {
			t.Fatalf("seed statement failed: %v", err)
		}
		return id
	}

	suffix := time.Now().UnixNano()
	beaconA := mustInsert(`INSERT INTO beacons (external_id, name, status, capabilities) VALUES ($1, $2, 'active', '{"products":["sensors"]}'::jsonb) RETURNING id`,
		fmt.Sprintf("itest-a-%d", suffix), "Beacon A")
	beaconB := mustInsert(`INSERT INTO beacons (external_id, name, status, capabilities) VALUES ($1, $2, 'active', '{"products":["sensors"]}'::jsonb) RETURNING id`,
		fmt.Sprintf("itest-b-%d", suffix), "Beacon B")

	sessionID := mustInsert(`
        INSERT INTO sessions (raw_request, derived_tokens, status, expires_at)
        VALUES ('sensors, 100 units', '["sensors"]', 'offers_available', now() + interval '1 hour')
        RETURNING id
    `)

	offerExpensive := mustInsert(`
        INSERT INTO offers (session_id, beacon_id, status, unit_price, quantity, total_price, currency, terms, expires_at)
        VALUES ($1, $2, 'pending', 100, 100, 10000, 'USD', '{}'::jsonb, now() + interval '1 hour')
        RETURNING id
    `, sessionID, beaconA)
	offerCheap := mustInsert(`
        INSERT INTO offers (session_id, beacon_id, status, unit_price, quantity, total_price, currency, terms, expires_at)
        VALUES ($1, $2, 'pending', 90, 100, 9000, 'USD', '{}'::jsonb, now() + interval '1 hour')
        RETURNING id
    `, sessionID, beaconB)

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM outbox WHERE payload->>'session_id' = $1`, sessionID)
		pool.Exec(ctx2, `DELETE FROM audit_log WHERE entity_id IN ($1, $2, $3)`, sessionID, offerExpensive, offerCheap)
		pool.Exec(ctx2, `DELETE FROM audit_log WHERE entity_id IN (SELECT id::text FROM transactions WHERE session_id = $1)`, sessionID)
		pool.Exec(ctx2, `DELETE FROM transactions WHERE session_id = $1`, sessionID)
		pool.Exec(ctx2, `DELETE FROM offers WHERE session_id = $1`, sessionID)
		pool.Exec(ctx2, `DELETE FROM sessions WHERE id = $1`, sessionID)
		pool.Exec(ctx2, `DELETE FROM beacons WHERE id IN ($1, $2)`, beaconA, beaconB)
	})

	coordinator := NewCoordinator(pool, NewStore(), session.NewRepository(pool), audit.NewLog(pool), outbox.NewWriter())

	key := fmt.Sprintf("itest-key-%d", suffix)
	created, err := coordinator.Commit(ctx, CommitParams{
		SessionID:      sessionID,
		OfferID:        offerCheap,
		IdempotencyKey: key,
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if created.OfferID != offerCheap || created.BeaconID != beaconB {
		t.Fatalf("unexpected transaction: %+v", created)
	}

	var terms struct {
		TotalPrice int64 `json:"total_price"`
	}
	if err := json.Unmarshal(created.FinalTerms, &terms); err != nil {
		t.Fatalf("decode final terms: %v", err)
	}
	if terms.TotalPrice != 9000 {
		t.Fatalf("expected frozen total 9000, got %d", terms.TotalPrice)
	}

	var sessionStatus string
	if err := pool.QueryRow(ctx, `SELECT status::text FROM sessions WHERE id = $1`, sessionID).Scan(&sessionStatus); err != nil {
		t.Fatalf("inspect session: %v", err)
	}
	if sessionStatus != "committed" {
		t.Fatalf("expected session committed, got %s", sessionStatus)
	}

	var cheapStatus, expensiveStatus string
	if err := pool.QueryRow(ctx, `SELECT status::text FROM offers WHERE id = $1`, offerCheap).Scan(&cheapStatus); err != nil {
		t.Fatalf("inspect chosen offer: %v", err)
	}
	if err := pool.QueryRow(ctx, `SELECT status::text FROM offers WHERE id = $1`, offerExpensive).Scan(&expensiveStatus); err != nil {
		t.Fatalf("inspect sibling offer: %v", err)
	}
	if cheapStatus != "accepted" || expensiveStatus != "rejected" {
		t.Fatalf("expected accepted/rejected, got %s/%s", cheapStatus, expensiveStatus)
	}

	var auditCount int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_log WHERE entity_type = 'transaction' AND entity_id = $1 AND action = 'TRANSACTION_COMMITTED'`, created.ID).Scan(&auditCount); err != nil {
		t.Fatalf("count audit entries: %v", err)
	}
	if auditCount != 1 {
		t.Fatalf("expected exactly one TRANSACTION_COMMITTED entry, got %d", auditCount)
	}

	var outboxCount int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE topic = 'transaction.committed' AND payload->>'transaction_id' = $1`, created.ID).Scan(&outboxCount); err != nil {
		t.Fatalf("count outbox messages: %v", err)
	}
	if outboxCount != 1 {
		t.Fatalf("expected one outbox message, got %d", outboxCount)
	}

	// Idempotent replay returns the original transaction unchanged.
	replayed, err := coordinator.Commit(ctx, CommitParams{
		SessionID:      sessionID,
		OfferID:        offerCheap,
		IdempotencyKey: key,
	})
	if err != nil {
		t.Fatalf("idempotent replay: %v", err)
	}
	if replayed.ID != created.ID {
		t.Fatalf("expected same transaction on replay, got %s and %s", created.ID, replayed.ID)
	}

	var txnCount int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM transactions WHERE session_id = $1`, sessionID).Scan(&txnCount); err != nil {
		t.Fatalf("count transactions: %v", err)
	}
	if txnCount != 1 {
		t.Fatalf("expected exactly one transaction, got %d", txnCount)
	}

	// A fresh commit attempt against the now-committed session is rejected.
	if _, err := coordinator.Commit(ctx, CommitParams{
		SessionID: sessionID,
		OfferID:   offerExpensive,
	}); !errors.Is(err, ErrAlreadyCommitted) {
		t.Fatalf("expected ErrAlreadyCommitted, got %v", err)
	}
}

func tableExists(ctx context.Context, pool *pgxpool.Pool, name string) bool {
	var exists bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`, name).Scan(&exists); err != nil {
		return false
	}
	return exists
}
