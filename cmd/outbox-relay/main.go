// Package main provides the outbox relay service entry point.
// It publishes committed notification outbox rows to Kafka.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxverify/internal/config"
	"github.com/drfirst/go-rxverify/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxverify/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxverify/internal/observability/logging"
	"github.com/drfirst/go-rxverify/internal/observability/metrics"
	"github.com/drfirst/go-rxverify/internal/observability/tracing"
)

const (
	serviceName        = "outbox-relay"
	processedRetention = 7 * 24 * time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.Must(cfg.LogLevel, cfg.Env)
	defer logger.Sync()

	if err := cfg.RequireDatabase(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	if err := cfg.RequireKafka(); err != nil {
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
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, m, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.DeadLetterTopic = redpanda.TopicDeadLetter
	outbox := postgres.NewOutbox(pool, producer, outboxCfg, m, logger)

	scheduler := cron.New()
	scheduler.AddFunc("@every 30s", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		stats, err := outbox.GetStats(ctx)
		if err != nil {
			logger.Warn("outbox stats failed", zap.Error(err))
			return
		}
		logger.Debug("outbox stats",
			zap.Int64("pending", stats.Pending),
			zap.Int64("failed", stats.Failed))
	})
	scheduler.AddFunc("@every 1m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if n, err := outbox.MoveToDeadLetter(ctx); err != nil {
			logger.Error("dead letter sweep failed", zap.Error(err))
		} else if n > 0 {
			logger.Warn("moved outbox entries to dead letter", zap.Int64("count", n))
		}
	})
	scheduler.AddFunc("@daily", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if n, err := outbox.CleanupProcessed(ctx, processedRetention); err != nil {
			logger.Error("outbox cleanup failed", zap.Error(err))
		} else {
			logger.Info("outbox cleanup", zap.Int64("deleted", n))
		}
	})

	outbox.Start()
	scheduler.Start()
	logger.Info("outbox relay started")

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := producer.Ping(r.Context()); err != nil {
			http.Error(w, `{"status":"unhealthy"}`, http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"healthy"}`)
	})
	server := &http.Server{Addr: ":" + cfg.Port, Handler: mux, ReadTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	<-scheduler.Stop().Done()
	outbox.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	if err := producer.Flush(shutdownCtx); err != nil {
		logger.Warn("producer flush failed", zap.Error(err))
	}
	logger.Info("outbox relay stopped")
}
