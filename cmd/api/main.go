package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chesshelper/mailrelay/internal/config"
	"github.com/chesshelper/mailrelay/internal/directory"
	"github.com/chesshelper/mailrelay/internal/domain"
	"github.com/chesshelper/mailrelay/internal/handler"
	"github.com/chesshelper/mailrelay/internal/infra/postgresql"
	"github.com/chesshelper/mailrelay/internal/infra/postgresql/migrations"
	infraredis "github.com/chesshelper/mailrelay/internal/infra/redis"
	"github.com/chesshelper/mailrelay/internal/observability"
	"github.com/chesshelper/mailrelay/internal/provider"
	"github.com/chesshelper/mailrelay/internal/repository"
	"github.com/chesshelper/mailrelay/internal/retry"
	"github.com/chesshelper/mailrelay/internal/service"
	"github.com/chesshelper/mailrelay/internal/suppression"
	"github.com/chesshelper/mailrelay/internal/template"
	"github.com/chesshelper/mailrelay/internal/transport"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}

	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	jobRepo := repository.NewGormJobRepo(db)
	attemptRepo := repository.NewGormAttemptRepo(db)
	suppressionRepo := repository.NewGormSuppressionRepo(db)
	eventRepo := repository.NewGormEventRepo(db)
	batchRepo := repository.NewGormBatchRepo(db)
	policyRepo := repository.NewGormPolicyRepo(db)

	suppressionStore, err := suppression.NewCachedStore(suppressionRepo, cfg.SuppressionCacheTTL(), logger)
	if err != nil {
		logger.Fatal("suppression store init failed", zap.Error(err))
	}

	policy, err := policyRepo.LoadOrSeed(ctx, domain.DefaultPolicyName, domain.DefaultRetryPolicy())
	if err != nil {
		logger.Fatal("retry policy load failed", zap.Error(err))
	}

	engine, err := retry.NewEngine(suppressionStore, retry.NewBackoff(), policy, logger)
	if err != nil {
		logger.Fatal("retry engine init failed", zap.Error(err))
	}

	sender, err := buildProvider(cfg)
	if err != nil {
		logger.Fatal("provider init failed", zap.Error(err))
	}

	renderer, err := template.NewHTMLRenderer()
	if err != nil {
		logger.Fatal("template renderer init failed", zap.Error(err))
	}

	var users service.UserDirectory
	if cfg.UserServiceURL != "" {
		dir, err := directory.NewHTTPDirectory(cfg.UserServiceURL, cfg.UserServiceToken)
		if err != nil {
			logger.Fatal("user directory init failed", zap.Error(err))
		}
		users = dir
	}

	metrics := observability.NewMetrics()

	mailer, err := service.NewMailerService(jobRepo, renderer, users, metrics, logger, service.HealthThresholds{
		MaxPendingCount: cfg.HealthMaxQueueDepth,
		MaxPendingAge:   cfg.HealthMaxPendingAge(),
		MinSuccessRate:  0.9,
	})
	if err != nil {
		logger.Fatal("mailer service init failed", zap.Error(err))
	}

	webhookSvc, err := service.NewWebhookService(eventRepo, jobRepo, suppressionStore, metrics, logger)
	if err != nil {
		logger.Fatal("webhook service init failed", zap.Error(err))
	}

	dispatcher, err := service.NewDispatcher(
		jobRepo,
		attemptRepo,
		batchRepo,
		suppressionStore,
		engine,
		sender,
		metrics,
		logger,
		service.DispatcherConfig{
			FromAddress:     cfg.FromAddress,
			Interval:        cfg.DispatchInterval(),
			BatchSize:       cfg.BatchSize,
			SendConcurrency: cfg.SendConcurrency,
			SendTimeout:     cfg.SendTimeout(),
			SendRatePerSec:  cfg.SendRatePerSec,
			LeaseTimeout:    cfg.LeaseTimeout(),
			CleanupInterval: cfg.CleanupInterval(),
			Retention:       time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		},
	)
	if err != nil {
		logger.Fatal("dispatcher init failed", zap.Error(err))
	}

	sourceLimiter, err := infraredis.NewRateLimiter(rdb, cfg.WebhookRatePerSec)
	if err != nil {
		logger.Fatal("webhook rate limiter init failed", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(logger),
	})
	app.Use(metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(app, sqlDB, rdb)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	if err := handler.RegisterJobRoutes(app, mailer); err != nil {
		logger.Fatal("job route registration failed", zap.Error(err))
	}
	if err := handler.RegisterWebhookRoutes(app, webhookSvc, sourceLimiter, logger, handler.WebhookHandlerConfig{
		Secret:       cfg.WebhookSecret,
		MaxBodyBytes: cfg.WebhookMaxBodyBytes,
	}); err != nil {
		logger.Fatal("webhook route registration failed", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return dispatcher.Start(gctx)
	})

	g.Go(func() error {
		logger.Info("mailrelay api started", zap.Int("port", cfg.APIPort))
		return app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Fatal("service exited", zap.Error(err))
	}
	logger.Info("mailrelay stopped")
}

func buildProvider(cfg *config.Config) (provider.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.ProviderKind)) {
	case "", "esp":
		return provider.NewESPProvider(cfg.ProviderEndpoint, cfg.ProviderAPIKey)
	case "smtp":
		return provider.NewSMTPProvider(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.FromAddress)
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.ProviderKind)
	}
}
