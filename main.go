package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"tourmarket/settlement/internal/api"
	"tourmarket/settlement/internal/cache"
	"tourmarket/settlement/internal/config"
	"tourmarket/settlement/internal/db"
	"tourmarket/settlement/internal/email"
	"tourmarket/settlement/internal/gateway"
	"tourmarket/settlement/internal/services"
	"tourmarket/settlement/internal/storage"
	"tourmarket/settlement/internal/store"
	"tourmarket/settlement/internal/tasks"
)

var runMode = flag.String("m", "all", "Run mode: 'api', 'bg' (background tasks and scheduler), 'all' (default)")

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*runMode)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(cfg.Debug)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	// ctx lives until shutdown; it bounds config subscriptions and the rate
	// limiter cleanup.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Database
	mongoClient, mongoDb, err := db.ConnectDB(cfg.MongoURI, cfg.MongoDbName, cfg.StoreTimeout, logger)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.DisconnectDB(mongoClient, logger); err != nil {
			logger.Error("error disconnecting from MongoDB", zap.Error(err))
		}
	}()

	settlementStore := store.NewMongoStore(mongoClient, mongoDb, store.MongoOptions{
		Timeout:      cfg.StoreTimeout,
		Transactions: cfg.MongoTransactions,
	}, logger)
	if err := settlementStore.EnsureIndexes(ctx); err != nil {
		logger.Fatal("failed to create indexes", zap.Error(err))
	}
	if err := settlementStore.CheckTransactions(ctx); err != nil {
		logger.Fatal("MONGO_TRANSACTIONS=true needs a replica set or mongos; set MONGO_TRANSACTIONS=false to run without", zap.Error(err))
	}
	if !cfg.MongoTransactions {
		logger.Warn("MONGO_TRANSACTIONS=false: settlement writes are not atomic, partial writes are removed by compensation")
	}

	// Initialize Cache (Redis)
	redisClient, err := cache.ConnectRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
	if err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer func() {
		if err := cache.DisconnectRedis(redisClient, logger); err != nil {
			logger.Error("error disconnecting from Redis", zap.Error(err))
		}
	}()

	// S3 is optional; without it QR publishing and report archiving are off.
	var objects storage.IS3Storage
	if s3Storage, err := storage.NewS3Storage(ctx, cfg, logger); err == nil {
		objects = s3Storage
	} else if errors.Is(err, storage.ErrStorageDisabled) {
		logger.Info("S3 not configured, QR publishing and report archiving disabled")
	} else {
		logger.Fatal("failed to initialize S3 storage", zap.Error(err))
	}

	// Payment links need a gateway API key; webhooks only need the secret.
	var links gateway.PaymentLinkCreator
	if cfg.GatewayAPIKey != "" {
		links = gateway.NewClient(cfg.GatewayAPIBaseURL, cfg.GatewayAPIKey, cfg.GatewayHTTPTimeout, logger)
	} else {
		logger.Info("GATEWAY_API_KEY not set, payment links disabled")
	}
	verifier := gateway.NewVerifier(cfg.GatewayWebhookSecret, cfg.GatewaySignatureTolerance)

	// Initialize Email Sender
	var primaryEmailSender email.Sender
	if cfg.MockEmails {
		logger.Info("MOCK_EMAILS enabled: using Redis email sender")
		primaryEmailSender = email.NewRedisSender(redisClient, cfg, logger)
	} else {
		primaryEmailSender = email.NewSMTPSender(cfg, logger)
	}
	compositeSender := email.NewCompositeEmailSender(primaryEmailSender, logger)
	if cfg.LogEmailsPath != "" {
		fileSender, err := email.NewFileEmailSender(cfg.LogEmailsPath, logger)
		if err != nil {
			logger.Warn("file email logger disabled", zap.String("path", cfg.LogEmailsPath), zap.Error(err))
		} else {
			compositeSender.AddMirror(fileSender)
		}
	}

	// Initialize Task Client
	taskClient := tasks.NewClient(redisClient, cfg, logger)
	defer func() {
		if err := taskClient.Close(); err != nil {
			logger.Error("error closing task client", zap.Error(err))
		}
	}()

	// Initialize Services needed by handlers and/or task processor
	configSvc := services.NewConfigService(ctx, mongoDb, cfg, redisClient, logger)
	emailTemplateService := services.NewEmailTemplateService(mongoDb, logger)
	invoiceService := services.NewInvoiceService(settlementStore, cfg, configSvc, links, taskClient, logger)
	referralService := services.NewReferralService(settlementStore, cfg, objects, logger)
	bookingService := services.NewBookingService(cfg, configSvc, referralService, invoiceService, logger)
	webhookService := services.NewWebhookService(settlementStore, invoiceService, verifier, taskClient, cfg, logger)
	reportService := services.NewReportService(settlementStore, objects, logger)

	taskProcessor := tasks.NewTaskProcessor(cfg, compositeSender, invoiceService, webhookService, reportService, emailTemplateService, taskClient, logger)

	// WaitGroup for managing goroutines
	var wg sync.WaitGroup

	// Channel to signal shutdown from Service API
	shutdownChan := make(chan struct{}, 1)

	// Start Service API (always runs)
	serviceSrv := &http.Server{
		Addr:    ":" + cfg.ServiceApiPort,
		Handler: api.SetupServiceRouter(invoiceService, redisClient, shutdownChan, logger),
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("service API listening", zap.String("port", cfg.ServiceApiPort))
		if err := serviceSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("service API ListenAndServe error", zap.Error(err))
		}
	}()

	// --- Mode-specific servers ---
	var mainApiSrv *http.Server
	var backgroundTaskSrv *asynq.Server
	var scheduler *asynq.Scheduler

	logger.Info("starting application", zap.String("mode", cfg.RunMode))

	apiMode := func() {
		router := api.SetupRouter(ctx, cfg, api.Services{
			Config:   configSvc,
			Bookings: bookingService,
			Invoices: invoiceService,
			Referral: referralService,
			Webhooks: webhookService,
			Reports:  reportService,
			Exports:  taskClient,
		}, logger)
		mainApiSrv = &http.Server{
			Addr:              ":" + cfg.ApiPort,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("main API listening", zap.String("port", cfg.ApiPort))
			if err := mainApiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatal("main API ListenAndServe error", zap.Error(err))
			}
		}()
	}

	bgMode := func() {
		var mux *asynq.ServeMux
		backgroundTaskSrv, mux = tasks.SetupServer(redisClient, taskProcessor, logger)
		if err := backgroundTaskSrv.Start(mux); err != nil {
			logger.Fatal("background task server error", zap.Error(err))
		}

		scheduler, err = tasks.NewScheduler(redisClient, cfg, logger)
		if err != nil {
			logger.Fatal("failed to register scheduled tasks", zap.Error(err))
		}
		if err := scheduler.Start(); err != nil {
			logger.Fatal("scheduler error", zap.Error(err))
		}
	}

	switch cfg.RunMode {
	case "api":
		apiMode()
	case "bg":
		bgMode()
	case "all":
		apiMode()
		bgMode()
	default:
		logger.Fatal("invalid run mode", zap.String("mode", cfg.RunMode))
	}

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case <-shutdownChan:
		logger.Info("shutdown requested via service API")
	}

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()

	if err := serviceSrv.Shutdown(ctxShutdown); err != nil {
		logger.Error("service API shutdown error", zap.Error(err))
	}
	if mainApiSrv != nil {
		if err := mainApiSrv.Shutdown(ctxShutdown); err != nil {
			logger.Error("main API shutdown error", zap.Error(err))
		}
	}
	if scheduler != nil {
		scheduler.Shutdown()
	}
	if backgroundTaskSrv != nil {
		backgroundTaskSrv.Shutdown()
	}
	cancel()

	wg.Wait()
	logger.Info("server gracefully stopped")
}
