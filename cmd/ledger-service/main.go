package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/glowkit/credit-ledger/internal/api/rest"
	"github.com/glowkit/credit-ledger/internal/billing"
	"github.com/glowkit/credit-ledger/internal/config"
	"github.com/glowkit/credit-ledger/internal/kafka"
	"github.com/glowkit/credit-ledger/internal/ledger"
	"github.com/glowkit/credit-ledger/internal/metrics"
	"github.com/glowkit/credit-ledger/internal/repository"
	"github.com/glowkit/credit-ledger/internal/scheduler"
	"github.com/glowkit/credit-ledger/pkg/logger"
)

func main() {
	log := initLogger()

	log.Infow("Credit ledger service starting up...")

	// Загружаем конфигурацию
	cfg, err := config.LoadConfig(".env")
	if err != nil {
		log.Fatalw("Failed to load configuration", "error", err)
	}
	if cfg.Billing.APIKey == "" {
		log.Warnw("Billing platform API key is not set, usage charges will fail")
	}

	// Устанавливаем режим Gin в зависимости от окружения
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	lockTimeout := time.Duration(cfg.Ledger.LockTimeoutMs) * time.Millisecond

	// Подключаемся к базе данных
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	pool, err := repository.NewPostgresPool(ctx, cfg.Database.DSN, log)
	cancel()
	if err != nil {
		log.Fatalw("Failed to connect to database", "error", err)
	}
	defer pool.Close()
	log.Infow("Database connection established")

	accountStore := repository.NewPostgresAccountStore(pool, cfg.Ledger.CasMaxRetries, lockTimeout, log)
	if err := accountStore.Migrate(context.Background()); err != nil {
		log.Fatalw("Failed to run migrations", "error", err)
	}
	reconStore := repository.NewPostgresReconciliationStore(pool, log)

	// Инициализируем Redis кеш
	var cache ledger.Cache
	redisCache, err := repository.NewRedisCacheRepository(
		cfg.Redis.Addr,
		cfg.Redis.Password,
		cfg.Redis.DB,
		log,
	)
	if err != nil {
		// Не фатально: леджер работает и без кеша
		log.Warnw("Failed to initialize Redis cache, continuing without caching", "error", err)
	} else {
		log.Infow("Redis cache initialized successfully")
		cache = redisCache
		defer func() {
			if err := redisCache.Close(); err != nil {
				log.Errorw("Error closing Redis connection", "error", err)
			}
		}()
	}

	// Инициализируем Kafka Producer
	var producer kafka.LedgerProducer
	syncProducer, err := kafka.NewSyncProducer(kafka.NewConfig(cfg.Kafka.Brokers))
	if err != nil {
		log.Errorw("Failed to initialize Kafka producer, continuing without event publishing", "error", err)
		producer = kafka.NoOpProducer{}
	} else {
		log.Infow("Kafka producer initialized")
		producer = kafka.NewKafkaLedgerProducer(syncProducer, log)
		defer func() {
			if err := producer.Close(); err != nil {
				log.Errorw("Error closing Kafka producer", "error", err)
			}
		}()
	}

	// Метрики
	registry := prometheus.NewRegistry()
	ledgerMetrics := metrics.NewLedgerMetrics(registry, log)

	// Клиент платежного API платформы и адаптер перерасхода
	billingClient := billing.NewClient(cfg.Billing.APIEndpoint, cfg.Billing.APIKey, log)
	biller := ledger.NewOverageBiller(billingClient, log)

	// Сервис леджера
	svc := ledger.NewService(accountStore, reconStore, cache, biller, producer, ledgerMetrics, cfg, log)

	// Фоновый проход ролловеров
	rolloverScheduler := scheduler.NewRolloverScheduler(svc, log)
	if err := rolloverScheduler.Start(cfg.Rollover.CronSpec); err != nil {
		log.Fatalw("Failed to start rollover scheduler", "error", err)
	}
	defer rolloverScheduler.Stop()

	// HTTP сервер
	router := rest.SetupRouter(svc, log, registry)
	server := rest.NewServer(router, cfg, log)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatalw("Failed to start HTTP server", "error", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Infow("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorw("HTTP server shutdown error", "error", err)
	} else {
		log.Infow("HTTP server gracefully stopped")
	}

	log.Infow("Cleanup finished. Goodbye!")
}

// initLogger инициализирует новый логгер
func initLogger() *logger.Logger {
	logLevel := logger.INFO
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = logger.DEBUG
	}
	return logger.New(logLevel)
}
