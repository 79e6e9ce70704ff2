// Package main provides the main entry point for the vendor message relay
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/amirphl/vendor-relay/app/handlers"
	"github.com/amirphl/vendor-relay/app/middleware"
	"github.com/amirphl/vendor-relay/app/router"
	"github.com/amirphl/vendor-relay/app/scheduler"
	"github.com/amirphl/vendor-relay/app/services"
	businessflow "github.com/amirphl/vendor-relay/business_flow"
	"github.com/amirphl/vendor-relay/config"
	"github.com/amirphl/vendor-relay/repository"
	"github.com/redis/go-redis/v9"
	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const cacheHealthInterval = 30 * time.Second

// Application represents the main application structure
type Application struct {
	router    router.Router
	config    *config.ProductionConfig
	logger    *log.Logger
	stopFuncs []func()
}

func main() {
	cfg, err := config.LoadProductionConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := initializeLogger(cfg.Logging)
	logger.Printf("Starting vendor relay (env=%s version=%s)...", cfg.Deployment.Environment, cfg.Deployment.Version)

	app, err := initializeApplication(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize application: %v", err)
	}

	app.router.SetupRoutes()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		address := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := app.router.Start(address); err != nil {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-sigChan
	logger.Println("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Stop accepting requests before draining workers
	if err := app.router.GetApp().ShutdownWithContext(shutdownCtx); err != nil {
		logger.Printf("Error during shutdown: %v", err)
	}

	for i := len(app.stopFuncs) - 1; i >= 0; i-- {
		app.stopFuncs[i]()
	}

	logger.Println("Server stopped")
}

// initializeLogger routes the standard logger to stdout, a rotated file, or both
func initializeLogger(cfg config.LoggingConfig) *log.Logger {
	var writers []io.Writer
	if cfg.Output != "file" {
		writers = append(writers, os.Stdout)
	}
	if (cfg.Output == "file" || cfg.Output == "both") && cfg.FilePath != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		})
	}

	if len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}
	out := io.MultiWriter(writers...)
	log.SetOutput(out)
	log.SetFlags(log.LstdFlags | log.LUTC)
	return log.New(out, "", log.LstdFlags|log.LUTC)
}

// initializeDatabase initializes the database connection with connection pooling
func initializeDatabase(cfg config.DatabaseConfig, logger *log.Logger) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode)

	level := gormlogger.Silent
	if cfg.SlowQueryLog {
		level = gormlogger.Warn
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger: gormlogger.New(logger, gormlogger.Config{
			SlowThreshold:             cfg.SlowQueryTime,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Printf("Database connection established with %d max open connections, %d max idle connections",
		cfg.MaxOpenConns, cfg.MaxIdleConns)

	return db, nil
}

func initializeCache(cfg config.CacheConfig, logger *log.Logger) (*redis.Client, error) {
	if !cfg.Enabled || cfg.Provider != "redis" {
		return nil, nil
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opt.DB = cfg.RedisDB

	rc := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Printf("Redis connection established (db=%d)", cfg.RedisDB)
	return rc, nil
}

func startCacheHealthMonitor(parent context.Context, client *redis.Client, interval time.Duration, logger *log.Logger) func() {
	monitorCtx, cancel := context.WithCancel(parent)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-monitorCtx.Done():
				return
			case <-ticker.C:
				ctx, c := context.WithTimeout(monitorCtx, 3*time.Second)
				if err := client.Ping(ctx).Err(); err != nil {
					logger.Printf("Redis healthcheck failed: %v", err)
				}
				c()
			}
		}
	}()
	return cancel
}

// initializeAuditSink always persists to the database and mirrors to Kafka when enabled
func initializeAuditSink(cfg config.KafkaConfig, auditRepo repository.AuditLogRepository, logger *log.Logger) (services.AuditSink, func(), error) {
	dbSink := services.NewDBAuditSink(auditRepo)
	if !cfg.Enabled {
		return dbSink, func() {}, nil
	}

	producer, err := services.NewKafkaProducer(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	logger.Printf("Audit events mirrored to kafka topic %s", cfg.Topic)

	closeProducer := func(p sarama.SyncProducer) func() {
		return func() {
			if err := p.Close(); err != nil {
				logger.Printf("Failed to close kafka producer: %v", err)
			}
		}
	}(producer)

	return services.MultiAuditSink{dbSink, services.NewKafkaAuditSink(producer, cfg.Topic)}, closeProducer, nil
}

func initializeProviders(cfg *config.ProductionConfig, logger *log.Logger) (services.SMSProvider, services.EmailProvider) {
	var sms services.SMSProvider
	switch cfg.SMS.ProviderDomain {
	case "mock":
		sms = services.NewMockSMSProvider()
	default:
		sms = services.NewTwilioSMSProvider(&cfg.SMS)
	}

	var email services.EmailProvider
	switch cfg.Email.ProviderDomain {
	case "mock":
		email = services.NewMockEmailProvider()
	default:
		email = services.NewSendGridEmailProvider(&cfg.Email)
	}

	logger.Printf("Providers initialized: sms=%s email=%s", sms.Name(), email.Name())
	return sms, email
}

func initializeApplication(cfg *config.ProductionConfig, logger *log.Logger) (*Application, error) {
	var stopFuncs []func()

	db, err := initializeDatabase(cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	rc, err := initializeCache(cfg.Cache, logger)
	if err != nil {
		return nil, err
	}

	// A nil *redis.Client must stay a nil interface for the flows
	var cache redis.Cmdable
	var rateLimiter services.RateLimiter
	if rc != nil {
		cache = rc
		rateLimiter = services.NewRedisRateLimiter(rc, cfg.RateLimit, cfg.Cache.RedisPrefix, logger)
		stopFuncs = append(stopFuncs, startCacheHealthMonitor(context.Background(), rc, cacheHealthInterval, logger))
		stopFuncs = append(stopFuncs, func() { _ = rc.Close() })
	} else {
		logger.Println("Redis disabled: using in-process rate limiting")
		rateLimiter = services.NewMemoryRateLimiter(cfg.RateLimit)
	}

	msgRepo := repository.NewMessageRepository(db)
	batchRepo := repository.NewBatchRepository(db)
	healthRepo := repository.NewServiceHealthRepository(db)
	auditRepo := repository.NewAuditLogRepository(db)
	tx := repository.NewTransactor(db)

	auditSink, closeAudit, err := initializeAuditSink(cfg.Kafka, auditRepo, logger)
	if err != nil {
		return nil, err
	}
	stopFuncs = append(stopFuncs, closeAudit)

	sms, email := initializeProviders(cfg, logger)
	pricing := services.NewPricingService(cfg.Pricing)
	breakers := services.NewCircuitBreakerRegistry(healthRepo, cfg.Breaker, auditSink, logger)

	tokenService, err := services.NewTokenService(
		cfg.JWT.Issuer,
		cfg.JWT.Audience,
		cfg.JWT.UseRSAKeys,
		cfg.JWT.PublicKey,
		cfg.JWT.SecretKey,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token service: %w", err)
	}
	logger.Printf("Token service initialized with issuer: %s, audience: %s", cfg.JWT.Issuer, cfg.JWT.Audience)

	completionFlow := businessflow.NewBatchCompletionFlow(batchRepo, auditSink, logger)
	messageFlow := businessflow.NewMessageFlow(msgRepo, batchRepo, tx, pricing, cache, cfg.Cache.RedisPrefix, auditSink, logger)
	deliveryFlow := businessflow.NewDeliveryFlow(msgRepo, batchRepo, tx, breakers, sms, email, completionFlow, cfg.Delivery, auditSink, logger)
	webhookFlow := businessflow.NewWebhookFlow(msgRepo, batchRepo, tx, completionFlow, auditSink, logger)
	healthFlow := businessflow.NewServiceHealthFlow(breakers, auditSink, logger)

	appRouter := router.NewFiberRouter(
		cfg,
		router.Handlers{
			Messages:      handlers.NewMessageHandler(messageFlow, logger),
			Webhooks:      handlers.NewWebhookHandler(webhookFlow, logger),
			ServiceHealth: handlers.NewServiceHealthHandler(healthFlow, logger),
		},
		middleware.NewAuthMiddleware(tokenService),
		rateLimiter,
		logger,
	)

	if cfg.Delivery.Enabled {
		worker := scheduler.NewDeliveryWorker(deliveryFlow, cfg.Delivery, logger)
		stopFuncs = append(stopFuncs, worker.Start(context.Background()))
		logger.Printf("Delivery worker started with %d workers", cfg.Delivery.Workers)
	} else {
		logger.Println("Delivery worker disabled")
	}

	return &Application{
		router:    appRouter,
		config:    cfg,
		logger:    logger,
		stopFuncs: stopFuncs,
	}, nil
}
