package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/agrilink/tradematch/api"
	"github.com/agrilink/tradematch/internal/catalog"
	"github.com/agrilink/tradematch/internal/config"
	"github.com/agrilink/tradematch/internal/matching"
	"github.com/agrilink/tradematch/internal/matching/allocation"
	"github.com/agrilink/tradematch/internal/matching/audit"
	"github.com/agrilink/tradematch/internal/matching/compliance"
	"github.com/agrilink/tradematch/internal/matching/dedup"
	"github.com/agrilink/tradematch/internal/matching/finder"
	"github.com/agrilink/tradematch/internal/matching/notify"
	"github.com/agrilink/tradematch/internal/matching/repository"
	"github.com/agrilink/tradematch/internal/matching/risk"
	"github.com/agrilink/tradematch/internal/matching/scoring"
	"github.com/agrilink/tradematch/internal/matching/trigger"
	"github.com/agrilink/tradematch/internal/messaging"
	"github.com/agrilink/tradematch/internal/partner"
	"github.com/agrilink/tradematch/pkg/logger"
)

func main() {
	var (
		configPath   = flag.String("config", "./config.yaml", "path to configuration file")
		logLevel     = flag.String("log-level", envOr("TRADEMATCH_LOG_LEVEL", "info"), "log level")
		httpAddr     = flag.String("http-addr", envOr("TRADEMATCH_HTTP_ADDR", ":8080"), "HTTP listen address")
		dbDSN        = flag.String("db-dsn", os.Getenv("TRADEMATCH_DB_DSN"), "postgres DSN, sqlite file when empty")
		redisAddr    = flag.String("redis-addr", envOr("TRADEMATCH_REDIS_ADDR", "localhost:6379"), "redis address")
		kafkaBrokers = flag.String("kafka-brokers", envOr("TRADEMATCH_KAFKA_BROKERS", "localhost:9092"), "comma-separated kafka brokers")
		partnerURL   = flag.String("partner-url", envOr("TRADEMATCH_PARTNER_URL", "http://localhost:8081"), "partner service base URL")
		riskModelURL = flag.String("risk-model-url", os.Getenv("TRADEMATCH_RISK_MODEL_URL"), "learned risk model base URL, disabled when empty")
	)
	flag.Parse()

	log, err := logger.NewLogger(*logLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	// Invalid configuration must prevent startup, never degrade to defaults.
	cfgManager := config.NewManager(log)
	if err := cfgManager.Load(*configPath); err != nil {
		log.Fatal("Configuration load failed", zap.Error(err))
	}
	defer cfgManager.Close()
	cfg := cfgManager.Snapshot

	db, err := openDatabase(*dbDSN)
	if err != nil {
		log.Fatal("Database connection failed", zap.Error(err))
	}
	repo, err := repository.NewGormRepository(db)
	if err != nil {
		log.Fatal("Database migration failed", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{Addr: *redisAddr})

	kafkaCfg := messaging.DefaultKafkaConfig()
	kafkaCfg.Brokers = strings.Split(*kafkaBrokers, ",")
	producer, err := messaging.NewKafkaProducer(kafkaCfg, log)
	if err != nil {
		log.Fatal("Kafka producer init failed", zap.Error(err))
	}
	consumer, err := messaging.NewKafkaConsumer(kafkaCfg, log)
	if err != nil {
		log.Fatal("Kafka consumer init failed", zap.Error(err))
	}
	bus := messaging.NewMessageBus(producer, consumer, log)

	directory := partner.NewHTTPDirectory(*partnerURL, 2*time.Second, log)
	commodities := catalog.NewStaticCatalog()

	ruleProvider := risk.NewRuleProvider(directory)
	var modelProvider risk.SignalProvider
	if *riskModelURL != "" {
		modelProvider = risk.NewModelProvider(*riskModelURL, cfg().ModelTimeout)
	}

	registry := prometheus.NewRegistry()
	metrics := matching.NewMetrics(registry)

	engine := matching.NewEngine(matching.EngineDeps{
		Demands:    repo,
		Supplies:   repo,
		Finder:     finder.NewFinder(repo, repo, cfg, log),
		Gate:       compliance.NewGate(repo, directory, log),
		Risk:       risk.NewScorer(ruleProvider, modelProvider, cfg, log),
		Scorer:     scoring.NewScorer(cfg),
		Suppressor: dedup.NewSuppressor(dedup.NewRedisStore(redisClient), cfg, log),
		Recorder:   audit.NewRecorder(repo, log),
		Allocator:  allocation.NewManager(repo, repo, bus, cfg, log),
		Gateway: notify.NewGateway(
			notify.NewStaticPreferenceStore(),
			notify.NewRedisRateLimitStore(redisClient),
			bus, cfg, log),
		Catalog: commodities,
		Bus:     bus,
		Config:  cfg,
		Metrics: metrics,
		Logger:  log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher := trigger.NewDispatcher(engine, repo, repo, cfg, metrics, log)
	dispatcher.RegisterHandlers(bus)
	dispatcher.Start(ctx)

	if err := bus.StartConsumers("matching-engine"); err != nil {
		log.Fatal("Failed to start consumers", zap.Error(err))
	}

	server := api.NewServer(*httpAddr, engine, registry, log)
	go func() {
		if err := server.Start(); err != nil {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP shutdown failed", zap.Error(err))
	}
	dispatcher.Stop()
	if err := bus.Stop(); err != nil {
		log.Error("Message bus shutdown failed", zap.Error(err))
	}
}

func openDatabase(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return gorm.Open(sqlite.Open("tradematch.db"), &gorm.Config{})
	}
	return gorm.Open(postgres.Open(dsn), &gorm.Config{})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
