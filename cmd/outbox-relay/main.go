// Package main runs the outbox relay.
// Documents written through the Postgres store with an outbox topic are
// published to Kafka from here, so the API never blocks on the broker.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcollect/internal/config"
	"github.com/drfirst/go-rxcollect/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxcollect/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxcollect/internal/observability/metrics"
)

const (
	statsInterval   = 15 * time.Second
	retainProcessed = 7 * 24 * time.Hour
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}
	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL is required")
	}
	if !cfg.KafkaEnabled() {
		logger.Fatal("KAFKA_BROKERS is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

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
	outbox := postgres.NewOutbox(pool, producer, outboxCfg, logger)

	outbox.Start()
	logger.Info("outbox relay started")

	go watch(ctx, outbox, m, logger)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           metrics.Handler(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	cancel()
	outbox.Stop()
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("outbox relay stopped")
}

// watch publishes the pending gauge and prunes relayed entries once a day
func watch(ctx context.Context, outbox *postgres.Outbox, m *metrics.Metrics, logger *zap.Logger) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	lastCleanup := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := outbox.Stats(ctx)
			if err != nil {
				logger.Warn("outbox stats failed", zap.Error(err))
				continue
			}
			m.OutboxPending.Set(float64(stats.Pending))
			if stats.Retrying > 0 {
				logger.Info("outbox entries retrying", zap.Int64("count", stats.Retrying))
			}

			if time.Since(lastCleanup) < 24*time.Hour {
				continue
			}
			lastCleanup = time.Now()
			n, err := outbox.CleanupProcessed(ctx, retainProcessed)
			if err != nil {
				logger.Warn("outbox cleanup failed", zap.Error(err))
				continue
			}
			logger.Info("outbox cleanup", zap.Int64("deleted", n))
		}
	}
}
