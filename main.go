package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"payment-webhook-service/config"
	"payment-webhook-service/controllers"
	"payment-webhook-service/database"
	"payment-webhook-service/kafka"
	"payment-webhook-service/middleware"
	"payment-webhook-service/models"
	"payment-webhook-service/repository"
	"payment-webhook-service/routes"
	"payment-webhook-service/services"
	"payment-webhook-service/webhook"

	awspkg "payment-webhook-service/pkg/aws"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("[WebhookService] No .env file found, using system environment")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("[WebhookService] ❌ Failed to load config:", err)
	}

	var logger *zap.Logger
	if cfg.Env == "production" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatal("[WebhookService] ❌ Failed to initialize logger:", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	// Webhook signing secrets: env first, Secrets Manager as fallback.
	secrets := cfg.StripeWebhookSecrets
	if len(secrets) == 0 {
		awsCfg, err := awspkg.LoadAWSConfig(ctx)
		if err != nil {
			logger.Fatal("Failed to load AWS config", zap.Error(err))
		}
		secret, err := awspkg.NewSecretsClient(awsCfg).GetSecret(ctx, cfg.WebhookSecretID)
		if err != nil {
			logger.Fatal("Failed to resolve webhook secret", zap.Error(err))
		}
		secrets = []string{secret}
	}

	redisClient, err := database.NewRedisClient(cfg.RedisURL)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	guard := database.NewIdempotencyStore(redisClient, cfg.IdempotencyTTL)

	producer := kafka.NewFulfillmentProducer(cfg.KafkaBrokers, cfg.KafkaTopic, kafka.RetryConfig{
		BaseBackoff: cfg.PublishBaseBackoff,
		MaxBackoff:  cfg.PublishMaxBackoff,
		MaxAttempts: cfg.PublishMaxAttempts,
		Timeout:     cfg.PublishTimeout,
	}, logger)
	defer producer.Close()

	stripeSvc := services.NewStripeService(cfg.StripeSecretKey)
	verifier := webhook.NewVerifier(secrets, cfg.ToleranceWindow)
	normalizer := services.NewNormalizer(stripeSvc, cfg.StripeFetchTimeout, logger)

	wc := controllers.NewWebhookController(verifier, normalizer, guard, producer, logger)
	sc := controllers.NewSessionController(stripeSvc, logger)

	// Optional Postgres audit log.
	if cfg.DeliveryLogEnabled() {
		db, err := database.ConnectPostgres(cfg.DSN(), logger, &models.WebhookDelivery{})
		if err != nil {
			logger.Fatal("Failed to connect to Postgres", zap.Error(err))
		}
		wc.Deliveries = repository.NewGormDeliveryRepo(db)
	} else {
		logger.Info("Delivery log disabled, POSTGRES_* not configured")
	}

	// Optional CloudWatch metrics.
	metricsClient, err := awspkg.NewMetricsClient(ctx)
	if err != nil {
		logger.Warn("CloudWatch metrics unavailable", zap.Error(err))
	} else {
		wc.Metrics = metricsClient
	}

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.SecurityHeaders())
	if metricsClient != nil {
		r.Use(middleware.Metrics(metricsClient, "payment-webhook-service"))
	}
	routes.RegisterRoutes(r, wc, sc)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		logger.Info("Webhook service running", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Block until shutdown signal, then drain in-flight webhooks before
	// closing the producer.
	stopCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-stopCtx.Done()

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}
}
