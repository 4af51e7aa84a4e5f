package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/PostHog/posthog-sub003/internal/bus"
	"github.com/PostHog/posthog-sub003/internal/bus/kafka"
	"github.com/PostHog/posthog-sub003/internal/config"
	"github.com/PostHog/posthog-sub003/internal/consumer"
	"github.com/PostHog/posthog-sub003/internal/geo"
	"github.com/PostHog/posthog-sub003/internal/identity"
	"github.com/PostHog/posthog-sub003/internal/jobs"
	"github.com/PostHog/posthog-sub003/internal/logger"
	"github.com/PostHog/posthog-sub003/internal/metrics"
	"github.com/PostHog/posthog-sub003/internal/repository/clickhouse"
	"github.com/PostHog/posthog-sub003/internal/repository/postgres"
	"github.com/PostHog/posthog-sub003/internal/sandbox"
	"github.com/PostHog/posthog-sub003/internal/watermark"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	log, err := logger.New(cfg.Service.Environment)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer func(log *zap.Logger) {
		if err := log.Sync(); err != nil {
			log.Error("Failed to sync logger", zap.Error(err))
		}
	}(log)

	log.Info("Starting ingester",
		zap.String("environment", cfg.Service.Environment))

	ctx := context.Background()

	// Postgres: persons, plugin storage, scheduled jobs, plugin configs
	pgStore, err := postgres.NewStore(ctx, cfg.Postgres, log)
	if err != nil {
		log.Fatal("Failed to connect to Postgres", zap.Error(err))
	}
	defer pgStore.Close()

	if err := pgStore.InitSchema(ctx); err != nil {
		log.Fatal("Failed to initialize Postgres schema", zap.Error(err))
	}

	// Redis: durable watermarks and the plugin cache capability
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal("Failed to ping Redis", zap.Error(err))
	}

	// ClickHouse: durable app-metric snapshots
	chClient, err := clickhouse.NewClient(ctx, &cfg.ClickHouse, log)
	if err != nil {
		log.Fatal("Failed to create ClickHouse client", zap.Error(err))
	}
	appMetrics := clickhouse.NewRepository(chClient, log)
	defer func() {
		if err := appMetrics.Close(); err != nil {
			log.Error("Failed to close ClickHouse client", zap.Error(err))
		}
	}()

	if err := appMetrics.InitSchema(ctx); err != nil {
		log.Fatal("Failed to initialize ClickHouse schema", zap.Error(err))
	}

	watermarks := watermark.NewStore(cfg.Redis.WatermarkPrefix, watermark.NewRedisStore(redisClient), log)

	busConsumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:        cfg.Kafka.Brokers,
		Topic:          cfg.Kafka.Topic,
		GroupID:        cfg.Kafka.GroupID,
		ClientID:       cfg.Kafka.ClientID,
		FetchMaxWait:   time.Duration(cfg.Kafka.FetchMaxWaitMs) * time.Millisecond,
		SessionTimeout: time.Duration(cfg.Kafka.SessionTimeoutSec) * time.Second,
		OnRevoked: func(tp bus.TopicPartition) {
			watermarks.Revoke(tp)
		},
	}, log)
	if err != nil {
		log.Fatal("Failed to create Kafka consumer", zap.Error(err))
	}
	defer busConsumer.Close()

	producer, err := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:  cfg.Kafka.Brokers,
		ClientID: cfg.Kafka.ClientID + "-producer",
	}, log)
	if err != nil {
		log.Fatal("Failed to create Kafka producer", zap.Error(err))
	}
	defer producer.Close()

	aggregator := metrics.NewAggregator(metrics.AggregatorConfig{
		FlushInterval:   time.Duration(cfg.Metrics.FlushIntervalSec) * time.Second,
		MaxBatchSize:    cfg.Metrics.FlushMaxBatch,
		MaxErrorLength:  cfg.Metrics.MaxErrorLength,
		AppMetricsTopic: cfg.Kafka.AppMetricsTopic,
		PluginLogTopic:  cfg.Kafka.PluginLogTopic,
	}, producer, appMetrics, log)

	var geoLocator sandbox.Geo = geo.NoopLocator{}
	if cfg.Sandbox.GeoIPPath != "" {
		mmdb, err := geo.Open(cfg.Sandbox.GeoIPPath, log)
		if err != nil {
			log.Fatal("Failed to load GeoIP database", zap.Error(err))
		}
		defer mmdb.Close()
		geoLocator = mmdb
	}

	registry := sandbox.NewRegistry()
	configSource := sandbox.NewConfigSource(pgStore, log)

	builder := sandbox.NewBuilder(sandbox.BuilderDeps{
		RedisClient: redisClient,
		CachePrefix: cfg.Redis.CachePrefix,
		Storage:     pgStore,
		Jobs:        pgStore,
		Geo:         geoLocator,
	}, aggregator, log)

	executor := sandbox.NewExecutor(sandbox.ExecutorConfig{
		Timeout:             time.Duration(cfg.Sandbox.TaskTimeoutSec) * time.Second,
		KillSwitchThreshold: cfg.Sandbox.KillSwitchThreshold,
		QueueCapacity:       cfg.Consumer.MaxParallelism * 2,
	}, registry, builder, aggregator, log)

	poller := jobs.NewPoller(pgStore, configSource, executor,
		time.Duration(cfg.Sandbox.JobPollIntervalSec)*time.Second,
		time.Duration(cfg.Sandbox.JobStaleRequeueSec)*time.Second, log)

	batchConsumer := consumer.NewBatchConsumer(busConsumer, identity.NewResolver(pgStore, log), executor, configSource, watermarks, consumer.Config{
		MaxParallelism:     cfg.Consumer.MaxParallelism,
		MaxPollRecords:     cfg.Kafka.MaxPollRecords,
		CommitInterval:     time.Duration(cfg.Consumer.CommitIntervalSec) * time.Second,
		CommitCountTrigger: cfg.Consumer.CommitCountTrigger,
	}, log)

	// Health endpoint: alive when both authoritative stores answer
	go func() {
		http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			if err := pgStore.Ping(r.Context()); err != nil {
				log.Warn("Health check failed on Postgres", zap.Error(err))
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			if err := redisClient.Ping(r.Context()).Err(); err != nil {
				log.Warn("Health check failed on Redis", zap.Error(err))
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		})

		addr := ":" + cfg.Service.HealthCheckPort
		log.Info("Health check server starting", zap.String("address", addr))
		if err := http.ListenAndServe(addr, nil); err != nil {
			log.Error("Health check server error", zap.Error(err))
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go aggregator.Start(runCtx)
	go poller.Start(runCtx)

	go func() {
		if err := batchConsumer.Start(runCtx); err != nil {
			// Uncommitted offsets are redelivered after the restart.
			log.Fatal("Consumer failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down ingester gracefully")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
	defer shutdownCancel()
	executor.Shutdown(shutdownCtx)
	aggregator.Flush(shutdownCtx)
}
