package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	evidencehandler "anchorline/internal/evidence/handler"
	"anchorline/internal/evidence/ledger"
	"anchorline/internal/evidence/metrics"
	"anchorline/internal/evidence/notify"
	"anchorline/internal/evidence/orchestrator"
	"anchorline/internal/evidence/reconciler"
	"anchorline/internal/evidence/service"
	"anchorline/internal/evidence/store"
	"anchorline/internal/evidence/verify"
	"anchorline/internal/platform/config"
	"anchorline/internal/platform/httpserver"
	"anchorline/internal/platform/logger"
	"anchorline/internal/platform/postgres"
	redisclient "anchorline/internal/platform/redis"
	"anchorline/pkg/platform/audit"
	auditmemory "anchorline/pkg/platform/audit/store/memory"
	auditpostgres "anchorline/pkg/platform/audit/store/postgres"
	"anchorline/pkg/platform/circuit"
	"anchorline/pkg/platform/middleware/identity"
	"anchorline/pkg/platform/middleware/metadata"
	"anchorline/pkg/platform/middleware/requestid"
	"anchorline/pkg/platform/middleware/requesttime"
)

// main wires the pipeline: stores, ledger client, orchestrator, reconciler,
// verification engine, and the HTTP surface. Business logic lives in the
// internal packages; this file only composes them.
func main() {
	cfg := config.FromEnv()
	log := logger.New()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("postgres connection failed", "error", err.Error())
		os.Exit(1)
	}
	if db != nil {
		defer db.Close()
	}

	var (
		records  store.EvidenceStore
		attempts store.AttemptStore
		auditDB  audit.Store
	)
	if db != nil {
		pg := store.NewPostgresStore(db)
		records, attempts = pg, pg
		auditDB = auditpostgres.New(db)
	} else {
		log.Warn("no database configured, using in-memory stores")
		mem := store.NewInMemoryStore()
		records, attempts = mem, mem
		auditDB = auditmemory.NewInMemoryStore()
	}

	// Audit writes ride a worker so transitions never wait on the trail.
	auditInbox := make(chan audit.Entry, 256)
	auditWorker := audit.NewWorker(auditDB, auditInbox, log)
	go func() {
		if err := auditWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("audit worker stopped", "error", err.Error())
		}
	}()
	auditor := audit.NewChannelPublisher(auditInbox)

	broker := notify.NewBroker(log)
	var notifier notify.Publisher = broker
	if len(cfg.Notify.KafkaBrokers) > 0 {
		kafka, err := notify.NewKafkaPublisher(ctx, cfg.Notify.KafkaBrokers, cfg.Notify.Topic, log)
		if err != nil {
			log.Error("kafka publisher setup failed", "error", err.Error())
			os.Exit(1)
		}
		notifier = notify.Multi{broker, kafka}
	}
	defer notifier.Close()

	breakers := circuit.NewRegistry(
		circuit.WithFailureThreshold(cfg.Ledger.BreakerFailures),
		circuit.WithSuccessThreshold(cfg.Ledger.BreakerSuccess),
		circuit.WithCooldown(cfg.Ledger.BreakerCooldown),
	)
	ledgerClient, err := ledger.NewHTTPClient(cfg.Ledger.BaseURL, cfg.Ledger.APIToken, breakers, log,
		ledger.WithRequestTimeout(cfg.Ledger.RequestTimeout),
		ledger.WithRetry(cfg.Ledger.MaxAttempts, cfg.Ledger.BackoffBase, cfg.Ledger.BackoffCap),
	)
	if err != nil {
		log.Error("ledger client setup failed", "error", err.Error())
		os.Exit(1)
	}

	m := metrics.New()

	orch, err := orchestrator.New(records, ledgerClient,
		orchestrator.WithWorkers(cfg.Orchestrator.Workers),
		orchestrator.WithQueueSize(cfg.Orchestrator.QueueSize),
		orchestrator.WithLogger(log),
		orchestrator.WithAuditPublisher(auditor),
		orchestrator.WithNotifier(notifier),
		orchestrator.WithMetrics(m),
	)
	if err != nil {
		log.Error("orchestrator setup failed", "error", err.Error())
		os.Exit(1)
	}
	orch.Start(ctx)
	defer orch.Stop()

	recon, err := reconciler.New(records, ledgerClient, orch,
		reconciler.WithInterval(cfg.Reconciler.Interval),
		reconciler.WithThresholds(cfg.Reconciler.StaleAfter, cfg.Reconciler.FailAfter),
		reconciler.WithMaxRetries(cfg.Reconciler.MaxRetries),
		reconciler.WithConcurrency(cfg.Reconciler.RepairConcurrency),
		reconciler.WithLogger(log),
		reconciler.WithAuditPublisher(auditor),
		reconciler.WithNotifier(notifier),
		reconciler.WithMetrics(m),
	)
	if err != nil {
		log.Error("reconciler setup failed", "error", err.Error())
		os.Exit(1)
	}
	go recon.Run(ctx)

	intake, err := service.New(records, orch,
		service.WithLogger(log),
		service.WithAuditPublisher(auditor),
		service.WithNotifier(notifier),
		service.WithMetrics(m),
	)
	if err != nil {
		log.Error("intake service setup failed", "error", err.Error())
		os.Exit(1)
	}

	verifyOpts := []verify.Option{
		verify.WithLogger(log),
		verify.WithAuditPublisher(auditor),
		verify.WithMetrics(m),
	}
	redisConn, err := redisclient.New(cfg.Redis)
	if err != nil {
		log.Error("redis connection failed", "error", err.Error())
		os.Exit(1)
	}
	if redisConn != nil {
		defer redisConn.Close()
		verifyOpts = append(verifyOpts, verify.WithCache(
			verify.NewRedisCache(redisConn.Client, cfg.Verify.CacheTTL, log)))
	}
	engine, err := verify.New(records, attempts, ledgerClient, verifyOpts...)
	if err != nil {
		log.Error("verification engine setup failed", "error", err.Error())
		os.Exit(1)
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.Recoverer)
	router.Use(requestid.Middleware)
	router.Use(requesttime.Middleware)
	router.Use(metadata.ClientMetadata)
	router.Use(identity.Middleware(cfg.JWTSigningKey))

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Handle("/metrics", promhttp.Handler())
	router.Route("/api/v1", evidencehandler.New(intake, engine, log).Register)

	srv := httpserver.New(cfg.Addr, router)

	go func() {
		log.Info("starting anchorline", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err.Error())
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err.Error())
	}
}
