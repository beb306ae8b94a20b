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

	"github.com/lukasbeck/motiva/internal/api"
	"github.com/lukasbeck/motiva/internal/catalog"
	"github.com/lukasbeck/motiva/internal/circuitbreaker"
	"github.com/lukasbeck/motiva/internal/config"
	"github.com/lukasbeck/motiva/internal/consent"
	"github.com/lukasbeck/motiva/internal/db"
	"github.com/lukasbeck/motiva/internal/intervention"
	"github.com/lukasbeck/motiva/internal/messaging"
	"github.com/lukasbeck/motiva/internal/metrics"
	"github.com/lukasbeck/motiva/internal/observ"
	"github.com/lukasbeck/motiva/internal/redis"
	"github.com/lukasbeck/motiva/internal/sqs"
	"github.com/lukasbeck/motiva/internal/target"
	"github.com/lukasbeck/motiva/internal/worker"
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

	logger.Info("starting motiva gateway",
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

	// Initialize Redis for idempotency and rate limiting
	redisConfig := redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	redisClient, err := redis.New(ctx, redisConfig, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var idempotencyService *redis.IdempotencyService
	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  100,             // 100 prediction ingests
			Window: 1 * time.Minute, // per minute per course
		})
		defer redisClient.Close()
	}

	// Initialize SQS producer and consumer for the schedule queue
	var producer *sqs.Producer
	var consumer *sqs.Consumer
	if cfg.SQSQueueURL != "" {
		sqsCfg := sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
			DLQURL:   cfg.SQSDLQURL,
		}
		producer, err = sqs.NewProducer(ctx, sqsCfg, logger)
		if err != nil {
			logger.Warn("sqs producer unavailable, interventions will run synchronously",
				zap.Error(err),
			)
			producer = nil
		}
		consumer, err = sqs.NewConsumer(ctx, sqsCfg, logger)
		if err != nil {
			logger.Warn("sqs consumer unavailable, queue consumption disabled",
				zap.Error(err),
			)
			consumer = nil
		}
	}

	// Email sender via SES
	sesSender, err := messaging.NewSESSender(ctx, messaging.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create SES email sender: %w", err)
	}

	// SMS sender via SNS
	snsSender, err := messaging.NewSNSSender(ctx, messaging.SNSConfig{
		Region: cfg.SNSRegion,
	}, logger)
	if err != nil {
		logger.Warn("SNS sender unavailable, SMS nudges disabled",
			zap.Error(err),
		)
		snsSender = nil
	}

	// Chat sender, only when a bot endpoint is configured
	var chatSender *messaging.ChatSender
	if cfg.ChatBotURL != "" {
		chatSender = messaging.NewChatSender(logger, messaging.ChatConfig{
			BaseURL: cfg.ChatBotURL,
			Timeout: time.Duration(cfg.ChatBotTimeout) * time.Second,
		})
	}

	// Each channel gets its own circuit breaker so one failing provider
	// does not trip the others.
	senders := []messaging.Sender{
		circuitbreaker.NewProtectedSender(sesSender, circuitbreaker.New(circuitbreaker.DefaultConfig("ses"), logger), logger),
	}
	if snsSender != nil {
		senders = append(senders,
			circuitbreaker.NewProtectedSender(snsSender, circuitbreaker.New(circuitbreaker.DefaultConfig("sns"), logger), logger))
	}
	if chatSender != nil {
		senders = append(senders,
			circuitbreaker.NewProtectedSender(chatSender, circuitbreaker.New(circuitbreaker.DefaultConfig("chat"), logger), logger))
	}
	multiSender := messaging.NewMultiSender(logger, senders...)

	logger.Info("initialized multi-channel messaging",
		zap.Bool("email_enabled", true),
		zap.Bool("sms_enabled", snsSender != nil),
		zap.Bool("chat_enabled", chatSender != nil),
	)

	// Domain collaborators
	targets := target.NewRegistry()
	cat := catalog.New(cfg.BotName)
	gate := consent.NewGate(repo, logger)

	var queue intervention.Queue
	if producer != nil {
		queue = producer
	}

	service := intervention.New(repo, targets, cat, multiSender, queue, gate, intervention.Config{
		BaseURL:      cfg.BaseURL,
		NoReplyEmail: cfg.SESFromEmail,
		BotName:      cfg.BotName,
	}, logger)

	// Background worker: schedule-queue consumption and stale evaluation
	var queueConsumer worker.QueueConsumer
	if consumer != nil {
		queueConsumer = consumer
	}

	w := worker.New(service, queueConsumer, worker.Config{
		EvaluateInterval: cfg.EvaluateInterval,
		EvaluateWindow:   cfg.EvaluateWindow,
		EvaluateBatch:    cfg.EvaluateBatch,
	}, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go w.Start(workerCtx)

	logger.Info("background worker started",
		zap.Duration("evaluate_interval", cfg.EvaluateInterval),
		zap.Duration("evaluate_window", cfg.EvaluateWindow),
	)

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
	handler := api.NewHandler(logger, service, gate, repo, idempotencyService, cfg.BaseURL)
	r.Group(func(r chi.Router) {
		// Prediction bursts are throttled per course
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.CourseKeyFunc))
		handler.Routes(r)
	})

	// Health check: readiness depends on Postgres; Redis is optional and
	// only degrades duplicate protection when down, so it is reported but
	// never fails the check.
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			logger.Warn("health check failed", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unreachable"))
			return
		}
		if redisClient != nil {
			if err := redisClient.Ping(r.Context()); err != nil {
				logger.Warn("redis unreachable, duplicate protection degraded", zap.Error(err))
			}
		}
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
