// Package main provides the prescription API service entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxverify/internal/api/handlers"
	"github.com/drfirst/go-rxverify/internal/api/middleware"
	"github.com/drfirst/go-rxverify/internal/auth"
	"github.com/drfirst/go-rxverify/internal/config"
	"github.com/drfirst/go-rxverify/internal/directory"
	"github.com/drfirst/go-rxverify/internal/domain/catalog"
	"github.com/drfirst/go-rxverify/internal/engine"
	"github.com/drfirst/go-rxverify/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxverify/internal/notify"
	"github.com/drfirst/go-rxverify/internal/observability/logging"
	"github.com/drfirst/go-rxverify/internal/observability/metrics"
	"github.com/drfirst/go-rxverify/internal/observability/tracing"
	"github.com/drfirst/go-rxverify/pkg/circuitbreaker"
	"github.com/drfirst/go-rxverify/pkg/idempotency"
	"github.com/drfirst/go-rxverify/pkg/workerpool"
)

const serviceName = "prescription-api"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.Must(cfg.LogLevel, cfg.Env)
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	m := metrics.New()

	pcfg := postgres.DefaultPoolConfig()
	pcfg.URL = cfg.DatabaseURL
	pcfg.MaxConns = cfg.DBMaxConns
	pcfg.MinConns = cfg.DBMinConns
	pool, err := postgres.Connect(ctx, pcfg)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	registry := catalog.NewRegistry(catalogSource(cfg, pool), m, logger)
	if _, err := registry.Init(ctx); err != nil {
		logger.Fatal("failed to load dangerous-drug catalog", zap.Error(err))
	}

	dcfg := directory.DefaultCachedConfig()
	dcfg.Timeout = cfg.DirectoryTimeout
	dcfg.CacheTTL = cfg.DirectoryCacheTTL
	dcfg.Breaker.OnStateChange = breakerGauge(m)
	dir, err := directory.NewCached(postgres.NewUserDirectory(pool), dcfg, logger)
	if err != nil {
		logger.Fatal("directory setup failed", zap.Error(err))
	}

	ncfg := notify.DefaultConfig()
	ncfg.FallbackDoctorLimit = cfg.FallbackDoctorLimit
	ncfg.Pool = workerpool.DefaultConfig()
	ncfg.Pool.Workers = cfg.NotifyWorkers
	ncfg.Pool.QueueSize = cfg.NotifyQueueSize
	notifier := notify.Multi{
		postgres.NewOutboxNotifier(pool, postgres.DefaultNotificationTopic, logger),
		notify.LogNotifier{Logger: logger.Named("notify")},
	}
	dispatcher := notify.NewDispatcher(ncfg, notifier, dir, m, logger)
	dispatcher.Start()
	defer dispatcher.Stop()

	eng := engine.New(engine.Config{
		DefaultUsageLimit: cfg.DefaultUsageLimit,
		DefaultValidity:   cfg.DefaultValidity,
	}, postgres.NewPrescriptionStore(pool, logger), registry, dir, dispatcher,
		engine.WithMetrics(m),
		engine.WithLogger(logger))

	inbox := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), logger)

	scheduler := cron.New()
	if _, err := catalog.ScheduleReload(scheduler, cfg.CatalogReloadSchedule, registry, logger); err != nil {
		logger.Fatal("catalog reload schedule", zap.Error(err))
	}
	scheduler.AddFunc("@hourly", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := inbox.Cleanup(ctx); err != nil {
			logger.Warn("inbox cleanup failed", zap.Error(err))
		}
	})
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	verifier := auth.NewVerifier([]byte(cfg.JWTSigningKey), cfg.JWTIssuer)
	prescriptionHandler := handlers.NewPrescriptionHandler(eng, inbox, logger)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))

	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(pool, dir.Breaker(), dispatcher))
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Authenticate(verifier))
		r.Mount("/", prescriptionHandler.Routes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting prescription API",
		zap.String("port", cfg.Port),
		zap.String("catalog_source", cfg.CatalogSource))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("server stopped")
}

func catalogSource(cfg *config.Config, pool *pgxpool.Pool) catalog.Source {
	switch cfg.CatalogSource {
	case config.CatalogFile:
		return catalog.FileSource{Path: cfg.CatalogPath}
	case config.CatalogPostgres:
		return postgres.NewCatalogSource(pool)
	default:
		return catalog.StaticSource(catalog.DefaultEntries())
	}
}

func breakerGauge(m *metrics.Metrics) func(string, circuitbreaker.State) {
	return func(name string, to circuitbreaker.State) {
		m.CircuitBreakerState.WithLabelValues(name).Set(circuitbreaker.GaugeValue(to))
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":%q,"version":"1.0.0"}`, serviceName)
}

// readyHandler fails while the database is unreachable. An open directory
// breaker or a backed-up notification queue is reported but does not fail
// readiness: dispensing still works.
func readyHandler(pool *pgxpool.Pool, breaker *circuitbreaker.CircuitBreaker, dispatcher *notify.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := pool.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"status":"not ready","database":"unreachable"}`)
			return
		}
		queue := "ok"
		if !dispatcher.Healthy() {
			queue = "backlogged"
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ready","directory_breaker":%q,"notify_queue":%q}`, breaker.State(), queue)
	}
}
