package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ticketforge/reservation-engine/internal/config"
	"github.com/ticketforge/reservation-engine/internal/reconciler"
	"github.com/ticketforge/reservation-engine/internal/reservation/application"
	reshttp "github.com/ticketforge/reservation-engine/internal/reservation/infrastructure/http"
	reskafka "github.com/ticketforge/reservation-engine/internal/reservation/infrastructure/kafka"
	respg "github.com/ticketforge/reservation-engine/internal/reservation/infrastructure/postgres"
	"github.com/ticketforge/reservation-engine/migrations"
	"github.com/ticketforge/reservation-engine/pkg/clock"
	"github.com/ticketforge/reservation-engine/pkg/idempotency"
	"github.com/ticketforge/reservation-engine/pkg/lock"
	"github.com/ticketforge/reservation-engine/pkg/logging"
	"github.com/ticketforge/reservation-engine/pkg/outbox"
	"github.com/ticketforge/reservation-engine/pkg/shutdown"
	"github.com/ticketforge/reservation-engine/pkg/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info").Error("config load failed", "err", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel)

	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()

	tp, err := tracing.Init(ctx, "reservation-service", cfg.OTLPEndpoint, log)
	if err != nil {
		log.Error("tracing init failed", "err", err)
		os.Exit(1)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	pool, err := pgxpool.New(ctx, cfg.PGURL)
	if err != nil {
		log.Error("pg connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := migrations.Apply(ctx, pool); err != nil {
		log.Error("migrations failed", "err", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() { _ = rdb.Close() }()

	writer := reskafka.NewWriter(cfg.KafkaBrokers)
	defer func() { _ = writer.Close() }()

	clk := clock.NewSystem()
	repo := respg.NewRepository(log, pool)
	locks := lock.NewCoordinator(rdb, lock.WithLease(cfg.LockLease))
	idem := idempotency.NewStore(rdb, cfg.IdempotencyTTL)

	svc := application.NewService(log, repo, locks, clk,
		application.WithReservationTTL(cfg.ReservationTTL),
		application.WithLockTimeout(cfg.LockTimeout),
	)

	store := respg.NewOutboxStore(log, pool)
	dispatch := outbox.NewDispatcher(log, writer, cfg.OutboxTopic)
	relay := outbox.NewRelay(log, store, dispatch, "reservation-relay-"+hostname())

	worker := reconciler.NewWorker(log, repo, svc, clk,
		reconciler.WithInterval(cfg.SweepInterval),
		reconciler.WithOrphanGrace(cfg.OrphanGrace),
		reconciler.WithBatchSize(cfg.SweepBatchSize),
		reconciler.WithAlertThreshold(cfg.AlertThreshold),
	)

	handler := reshttp.NewHandler(log, svc, idem)
	r := chi.NewRouter()
	r.Mount("/", handler.Routes())
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		if err := relay.Run(ctx); err != nil {
			log.Error("relay stopped with error", "err", err)
		}
	}()
	go func() {
		if err := worker.Run(ctx); err != nil {
			log.Error("reconciler stopped with error", "err", err)
		}
	}()
	go func() {
		log.Info("http listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info("reservation-service shutdown complete")
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
