package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

func tolerable(err error) bool {
	if err == nil || errors.Is(err, pgx.ErrNoRows) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// unique violations and serialization aborts are expected under
		// contention; terminated backends come from the chaos actor
		switch pgErr.Code {
		case "23505", "40001", "40P01", "57P01":
			return true
		}
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	// a backend killed by the chaos actor surfaces as a dead connection
	msg := err.Error()
	return strings.Contains(msg, "conn closed") ||
		strings.Contains(msg, "unexpected EOF") ||
		strings.Contains(msg, "connection reset")
}

// SessionFactory keeps opening fresh sessions so the market never runs dry.
func SessionFactory(ctx context.Context, pool *pgxpool.Pool, requester string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `
			INSERT INTO sessions (requester_id, raw_request, derived_tokens, status, expires_at)
			VALUES ($1, 'industrial sensors, bulk order', '["industrial","sensors"]', 'market_forming', now() + interval '1 hour')`,
			requester)
		if err != nil && !tolerable(err) {
			return fmt.Errorf("session factory insert: %w", err)
		}
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

// OfferSubmitter races to attach pending offers to open sessions, moving them
// to offers_available the way the offer service does.
func OfferSubmitter(ctx context.Context, pool *pgxpool.Pool, beaconIDs []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		err := func() error {
			tx, err := pool.Begin(ctx)
			if err != nil {
				return err
			}
			defer tx.Rollback(ctx)

			var sessionID string
			err = tx.QueryRow(ctx, `
				SELECT id FROM sessions
				WHERE status IN ('created','market_forming','offers_available')
				ORDER BY random() LIMIT 1
				FOR UPDATE SKIP LOCKED`).Scan(&sessionID)
			if err != nil {
				return err
			}

			unit := int64(50 + rand.Intn(200))
			qty := int64(1 + rand.Intn(10))
			beacon := beaconIDs[rand.Intn(len(beaconIDs))]
			if _, err := tx.Exec(ctx, `
				INSERT INTO offers (session_id, beacon_id, status, unit_price, quantity, total_price, currency, terms, expires_at)
				VALUES ($1, $2, 'pending', $3, $4, $5, 'USD', '{}'::jsonb, now() + interval '1 hour')`,
				sessionID, beacon, unit, qty, unit*qty); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				UPDATE sessions SET status = 'offers_available', updated_at = now()
				WHERE id = $1 AND status <> 'offers_available'`, sessionID); err != nil {
				return err
			}
			return tx.Commit(ctx)
		}()
		if err != nil && !tolerable(err) {
			return fmt.Errorf("offer submitter: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Committer races other committers for sessions with pending offers. The
// session row lock plus the partial unique index on transactions must keep
// every session at exactly one winner.
func Committer(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		err := func() error {
			tx, err := pool.Begin(ctx)
			if err != nil {
				return err
			}
			defer tx.Rollback(ctx)

			var sessionID string
			err = tx.QueryRow(ctx, `
				SELECT id FROM sessions
				WHERE status = 'offers_available'
				ORDER BY random() LIMIT 1
				FOR UPDATE`).Scan(&sessionID)
			if err != nil {
				return err
			}

			var offerID, beaconID string
			var total int64
			err = tx.QueryRow(ctx, `
				SELECT id, beacon_id, total_price FROM offers
				WHERE session_id = $1 AND status = 'pending'
				ORDER BY total_price ASC LIMIT 1
				FOR UPDATE`, sessionID).Scan(&offerID, &beaconID, &total)
			if err != nil {
				return err
			}

			var txnID string
			if err := tx.QueryRow(ctx, `
				INSERT INTO transactions (session_id, offer_id, beacon_id, status, final_terms)
				VALUES ($1, $2, $3, 'committed', jsonb_build_object('total_price', $4::bigint))
				RETURNING id`, sessionID, offerID, beaconID, total).Scan(&txnID); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `UPDATE offers SET status = 'accepted', updated_at = now() WHERE id = $1`, offerID); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				UPDATE offers SET status = 'rejected', updated_at = now()
				WHERE session_id = $1 AND id <> $2 AND status = 'pending'`, sessionID, offerID); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `UPDATE sessions SET status = 'committed', updated_at = now() WHERE id = $1`, sessionID); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO audit_log (entity_type, entity_id, action, new_state)
				VALUES ('transaction', $1, 'TRANSACTION_COMMITTED', jsonb_build_object('session_id', $2::text, 'offer_id', $3::text))`,
				txnID, sessionID, offerID); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO outbox (topic, payload)
				VALUES ('transaction.committed', jsonb_build_object('transaction_id', $1::text, 'session_id', $2::text))`,
				txnID, sessionID); err != nil {
				return err
			}
			return tx.Commit(ctx)
		}()
		if err != nil && !tolerable(err) {
			return fmt.Errorf("committer: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Canceller occasionally tears down an open session, rejecting its pending
// offers so nothing dangles.
func Canceller(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		err := func() error {
			tx, err := pool.Begin(ctx)
			if err != nil {
				return err
			}
			defer tx.Rollback(ctx)

			var sessionID string
			err = tx.QueryRow(ctx, `
				SELECT id FROM sessions
				WHERE status IN ('created','market_forming','offers_available')
				ORDER BY random() LIMIT 1
				FOR UPDATE SKIP LOCKED`).Scan(&sessionID)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `UPDATE sessions SET status = 'cancelled', updated_at = now() WHERE id = $1`, sessionID); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				UPDATE offers SET status = 'rejected', updated_at = now()
				WHERE session_id = $1 AND status = 'pending'`, sessionID); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO outbox (topic, payload)
				VALUES ('session.cancelled', jsonb_build_object('session_id', $1::text))`, sessionID); err != nil {
				return err
			}
			return tx.Commit(ctx)
		}()
		if err != nil && !tolerable(err) {
			return fmt.Errorf("canceller: %w", err)
		}
		time.Sleep(time.Duration(150+rand.Intn(200)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED. A random
// fraction is left pending to simulate delivery failures and retries.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		err := func() error {
			tx, err := pool.Begin(ctx)
			if err != nil {
				return err
			}
			defer tx.Rollback(ctx)

			rows, err := tx.Query(ctx, `
				SELECT id FROM outbox WHERE status = 'pending'
				ORDER BY id FOR UPDATE SKIP LOCKED LIMIT 10`)
			if err != nil {
				return err
			}
			ids := make([]int64, 0, 10)
			for rows.Next() {
				var id int64
				if err := rows.Scan(&id); err != nil {
					rows.Close()
					return err
				}
				ids = append(ids, id)
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return err
			}

			for _, id := range ids {
				if rand.Intn(10) == 0 {
					// simulated delivery failure, row stays pending
					continue
				}
				if _, err := tx.Exec(ctx, `
					UPDATE outbox SET status = 'processed', processed_at = now()
					WHERE id = $1`, id); err != nil {
					return err
				}
			}
			return tx.Commit(ctx)
		}()
		if err != nil && !tolerable(err) {
			return fmt.Errorf("outbox worker: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}
