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
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/prepstack/prepmail/internal/api"
	"github.com/prepstack/prepmail/internal/circuitbreaker"
	"github.com/prepstack/prepmail/internal/config"
	"github.com/prepstack/prepmail/internal/db"
	"github.com/prepstack/prepmail/internal/metrics"
	"github.com/prepstack/prepmail/internal/observ"
	"github.com/prepstack/prepmail/internal/orchestrator"
	"github.com/prepstack/prepmail/internal/redis"
	"github.com/prepstack/prepmail/internal/sqs"
	"github.com/prepstack/prepmail/internal/template"
	"github.com/prepstack/prepmail/internal/webhook"
	"github.com/prepstack/prepmail/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting prepmail gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	// Initialize repository
	repo := db.NewRepository(database, logger)

	// Redis backs dedup and rate limiting. Both fail open, so an
	// unavailable cache degrades to "send everything" rather than
	// taking the pipeline down.
	redisConfig := redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	redisClient, err := redis.New(ctx, redisConfig, logger)
	if err != nil {
		logger.Warn("redis unavailable, dedup and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var dedup *redis.DedupService
	var sendLimiter *redis.RateLimiter
	var apiLimiter *redis.RateLimiter
	if redisClient != nil {
		dedup = redis.NewDedupService(redisClient, logger)
		sendLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimitPerHour,
			Window: time.Hour,
		})
		apiLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  600, // per IP per minute, generous for internal callers
			Window: time.Minute,
		})
		defer redisClient.Close()
	}

	// Initialize SQS producer
	if cfg.SQSQueueURL == "" {
		return fmt.Errorf("SQS_QUEUE_URL is required")
	}
	sqsCfg := sqs.Config{
		Region:   cfg.SQSRegion,
		QueueURL: cfg.SQSQueueURL,
		DLQURL:   cfg.SQSDLQURL,
	}
	producer, err := sqs.NewProducer(ctx, sqsCfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create sqs producer: %w", err)
	}
	defer producer.Close()

	// Orchestrator: the eligibility pipeline behind POST /v1/events.
	var dedupCache orchestrator.DedupCache
	if dedup != nil {
		dedupCache = dedup
	}
	var rateLimiter orchestrator.SendRateLimiter
	if sendLimiter != nil {
		rateLimiter = sendLimiter
	}
	orch := orchestrator.New(repo, repo, repo, producer, dedupCache, rateLimiter, logger)

	// Queue consumer: renderer, SES behind a circuit breaker, worker loop.
	if cfg.WorkerEnabled {
		renderer, err := template.NewRenderer(repo, logger)
		if err != nil {
			return fmt.Errorf("failed to compile templates: %w", err)
		}

		sesProvider, err := worker.NewSESProvider(ctx, worker.SESConfig{
			Region: cfg.AWSRegion,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create ses provider: %w", err)
		}

		breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("ses"), logger)
		provider := worker.NewProtectedProvider(sesProvider, breaker, logger)

		consumer, err := sqs.NewConsumer(ctx, sqsCfg, logger)
		if err != nil {
			return fmt.Errorf("failed to create sqs consumer: %w", err)
		}
		defer consumer.Close()

		processor := worker.NewProcessor(repo, renderer, provider, consumer, logger)
		w := worker.New(consumer, processor, int32(cfg.WorkerBatchSize), logger)

		workerCtx, workerCancel := context.WithCancel(context.Background())
		defer workerCancel()

		go w.Run(workerCtx)

		logger.Info("queue worker started")
	}

	// Webhook reconciler for provider delivery callbacks.
	reconciler := webhook.NewReconciler(repo, logger)
	webhookHandler := webhook.NewHandler(reconciler, cfg.WebhookSigningSecret, logger)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	// API routes
	handler := api.NewHandler(logger, orch, repo, cfg.EventSigningSecret)
	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(apiLimiter, logger, api.IPKeyFunc))

		r.Post("/events", handler.HandleEvent)
		r.Get("/sends", handler.ListSends)
		r.Get("/sends/{id}", handler.GetSend)

		r.Post("/webhooks/provider", webhookHandler.HandleProviderEvent)
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
