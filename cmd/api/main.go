package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"beaconmarket/audit"
	"beaconmarket/auth"
	"beaconmarket/beacon"
	"beaconmarket/config"
	"beaconmarket/db"
	"beaconmarket/match"
	"beaconmarket/offer"
	"beaconmarket/outbox"
	"beaconmarket/session"
	"beaconmarket/txn"

	"github.com/jackc/pgx/v5/pgxpool"
)

// txnPoolReader adapts the pool-level transaction lookup to the server's
// reader interface.
type txnPoolReader struct {
	pool *pgxpool.Pool
}

func (r txnPoolReader) Get(ctx context.Context, id string) (txn.Transaction, error) {
	return txn.GetByID(ctx, r.pool, id)
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("load configuration", "err", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{})
	if err != nil {
		logger.Error("bootstrap database pool", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	auditLog := audit.NewLog(pool)
	outboxWriter := outbox.NewWriter()

	sessionRepo := session.NewRepository(pool)
	offerRepo := offer.NewRepository(pool)
	registry := beacon.NewRegistry(pool, logger)

	server := &Server{
		authService:    auth.NewService(auth.NewRepository(pool), cfg.JWTSecret),
		beaconService:  beacon.NewService(pool, auditLog),
		beaconReader:   registry,
		sessionService: session.NewService(pool, sessionRepo, auditLog, outboxWriter, cfg.SessionTTL),
		offerService:   offer.NewService(pool, offerRepo, sessionRepo, auditLog, outboxWriter, cfg.OfferTTL),
		matcher:        match.NewMatcher(registry, cfg.MatchLimit),
		coordinator:    txn.NewCoordinator(pool, txn.NewStore(), sessionRepo, auditLog, outboxWriter),
		transactions:   txnPoolReader{pool: pool},
		auditLog:       auditLog,
		logger:         logger,
	}

	logger.Info("listening", "addr", cfg.ListenAddr)
	if err := http.ListenAndServe(cfg.ListenAddr, server.routes()); err != nil {
		logger.Error("http server stopped", "err", err)
		os.Exit(1)
	}
}
