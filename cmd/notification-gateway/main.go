// Package main provides the notification gateway entry point.
// It consumes notification records from Kafka, fans them out across gateway
// instances through Redis and pushes them to WebSocket clients.
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
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxverify/internal/api/middleware"
	"github.com/drfirst/go-rxverify/internal/auth"
	"github.com/drfirst/go-rxverify/internal/config"
	"github.com/drfirst/go-rxverify/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxverify/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxverify/internal/observability/logging"
	"github.com/drfirst/go-rxverify/internal/observability/metrics"
	"github.com/drfirst/go-rxverify/internal/observability/tracing"
	"github.com/drfirst/go-rxverify/internal/realtime"
	"github.com/drfirst/go-rxverify/pkg/circuitbreaker"
	"github.com/drfirst/go-rxverify/pkg/idempotency"
)

const serviceName = "notification-gateway"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.Must(cfg.LogLevel, cfg.Env)
	defer logger.Sync()

	for _, check := range []func() error{cfg.RequireDatabase, cfg.RequireKafka, cfg.RequireSigningKey} {
		if err := check(); err != nil {
			logger.Fatal("invalid configuration", zap.Error(err))
		}
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
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	hub := realtime.NewHub(m, logger)

	bcfg := circuitbreaker.DefaultConfig("redis-broadcast")
	bcfg.OnStateChange = func(name string, to circuitbreaker.State) {
		m.CircuitBreakerState.WithLabelValues(name).Set(circuitbreaker.GaugeValue(to))
	}
	breaker, err := circuitbreaker.New(bcfg, logger)
	if err != nil {
		logger.Fatal("circuit breaker setup failed", zap.Error(err))
	}

	rcfg := realtime.DefaultRedisConfig()
	rcfg.URL = cfg.RedisURL
	bus, err := realtime.NewRedisBus(ctx, rcfg, breaker, logger)
	if err != nil {
		logger.Fatal("redis connection failed", zap.Error(err))
	}
	defer bus.Close()

	busDone := make(chan struct{})
	go func() {
		defer close(busDone)
		if err := bus.Run(ctx, hub); err != nil {
			logger.Error("redis subscriber stopped", zap.Error(err))
			stop()
		}
	}()

	inbox := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), logger)
	gateway := realtime.NewGateway(inbox, bus, m, logger)

	ccfg := redpanda.DefaultConsumerConfig()
	ccfg.Brokers = cfg.KafkaBrokers
	consumer, err := redpanda.NewConsumer(ccfg, gateway.Handle, m, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()

	scheduler := cron.New()
	scheduler.AddFunc("@hourly", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := inbox.Cleanup(ctx); err != nil {
			logger.Warn("inbox cleanup failed", zap.Error(err))
		}
	})
	scheduler.Start()

	verifier := auth.NewVerifier([]byte(cfg.JWTSigningKey), cfg.JWTIssuer)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","service":%q,"connections":%d}`, serviceName, hub.ClientCount())
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := bus.Ping(r.Context()); err != nil {
			http.Error(w, `{"status":"not ready","redis":"unreachable"}`, http.StatusServiceUnavailable)
			return
		}
		if err := redpanda.HealthCheck(r.Context(), cfg.KafkaBrokers); err != nil {
			http.Error(w, `{"status":"not ready","kafka":"unreachable"}`, http.StatusServiceUnavailable)
			return
		}
		stats := consumer.Stats()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ready","consumed":%d,"skipped":%d}`, stats.MessagesRead, stats.Skipped)
	})
	r.Handle("/metrics", metrics.Handler())
	r.Handle("/ws", realtime.NewHandler(hub, verifier, cfg.AllowedOrigins, logger))

	server := &http.Server{
		Addr:              ":" + cfg.GatewayPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		logger.Info("shutting down gateway")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("starting notification gateway", zap.String("port", cfg.GatewayPort))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Error("server error", zap.Error(err))
	}
	stop()

	if err := consumer.Stop(); err != nil {
		logger.Warn("consumer stop", zap.Error(err))
	}
	<-scheduler.Stop().Done()
	<-busDone
	logger.Info("notification gateway stopped")
}
