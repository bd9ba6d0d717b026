package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/consumer"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/schema"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/redis"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	if err := run(cfg); err != nil {
		slog.Error("index builder failed", "error", err)
		os.Exit(1)
	}
	slog.Info("index builder stopped")
}

func run(cfg *config.Config) error {
	s, err := schema.Load(cfg.Builder.SchemaPath)
	if err != nil {
		return err
	}
	slog.Info("starting index builder",
		"schema", s.Name,
		"data_dir", cfg.Builder.DataDir,
		"batch_mode", cfg.Builder.BatchMode,
		"build_threads", cfg.Builder.BuildThreadCount,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)
	checker := health.NewChecker()
	var hooks []indexer.BatchHook

	if cfg.Redis.Enabled {
		rc, err := redis.NewClient(cfg.Redis)
		if err != nil {
			return err
		}
		defer rc.Close()
		checker.Register("redis", health.PingCheck(rc.Ping))
		store := indexer.NewRedisCheckpointStore(rc, cfg.Redis.CheckpointKey, m)
		if cp, found, err := store.Load(ctx); err != nil {
			slog.Warn("reading checkpoint", "error", err)
		} else if found {
			slog.Info("last checkpoint",
				"batch_id", cp.BatchID,
				"next_doc_id", cp.NextDocID,
				"updated_at", cp.UpdatedAt,
			)
		}
		hooks = append(hooks, store)
	}

	if cfg.Postgres.Enabled {
		db, err := postgres.New(cfg.Postgres)
		if err != nil {
			return err
		}
		defer db.Close()
		checker.Register("postgres", health.PingCheck(db.Ping))
		hooks = append(hooks, indexer.NewPostgresStatusSink(db, m))
	}

	if cfg.Kafka.Topics.BatchBuilt != "" {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.BatchBuilt)
		defer producer.Close()
		hooks = append(hooks, indexer.NewKafkaBatchPublisher(producer, m))
	}

	builder, err := indexer.NewBuilder(cfg.Builder, s, indexer.WithHooks(hooks...), indexer.WithMetrics(m))
	if err != nil {
		return err
	}
	checker.Register("builder", builder.HealthCheck)

	if cfg.Metrics.Enabled {
		shutdown := metrics.StartServer(cfg.Metrics.Port, prometheus.DefaultGatherer, checker)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				slog.Error("metrics server shutdown", "error", err)
			}
		}()
	}

	builder.StartBuildLoop(ctx, cfg.Builder.FlushInterval)

	c := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.DocumentIngest, consumer.HandleMessage(builder, s))
	slog.Info("index builder ready, consuming from kafka",
		"topic", cfg.Kafka.Topics.DocumentIngest,
		"group", cfg.Kafka.ConsumerGroup,
	)
	consumeErr := c.Start(ctx)
	if consumeErr != nil {
		slog.Error("consumer error", "error", consumeErr)
	}

	slog.Info("building remaining documents before shutdown",
		"doc_count", builder.DocCount(),
		"segments", builder.SegmentCount(),
	)
	cctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(consumeErr, builder.Close(cctx))
}
