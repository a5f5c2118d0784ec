/**
 * @description
 * Entry point for the SOS Moto payment service. It loads configuration, opens
 * the database, cache, queue, storage, email and provider clients, wires the
 * webhook, checkout, finalization and notification services and runs the HTTP
 * server, job consumers, outbox dispatcher and reconciliation cron until the
 * process is signalled.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9: profile cache, email claims, rate limits.
 * - github.com/aws/aws-sdk-go-v2: S3 for QR codes, SES for email.
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - golang.org/x/sync/errgroup: process lifecycle.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sosmoto/sosmoto-service/internal/api"
	"github.com/sosmoto/sosmoto-service/internal/app"
	"github.com/sosmoto/sosmoto-service/internal/bootstrap"
	"github.com/sosmoto/sosmoto-service/internal/cache"
	"github.com/sosmoto/sosmoto-service/internal/config"
	"github.com/sosmoto/sosmoto-service/internal/domain"
	"github.com/sosmoto/sosmoto-service/internal/logging"
	"github.com/sosmoto/sosmoto-service/internal/queue"
	"github.com/sosmoto/sosmoto-service/pkg/kafka"
	"github.com/sosmoto/sosmoto-service/pkg/mailer"
	"github.com/sosmoto/sosmoto-service/pkg/mercadopago"
	"github.com/sosmoto/sosmoto-service/pkg/objectstore"
	"github.com/sosmoto/sosmoto-service/pkg/rabbitmq"
	"golang.org/x/sync/errgroup"
)

const consumerPrefetch = 10

func main() {
	// Load .env file for local development. In production, env vars are set directly.
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, relying on environment variables", "component", "bootstrap")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		slog.Error("config load failed", "component", "bootstrap", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("service stopped with error", "component", "bootstrap", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bootLog := logger.With("component", "bootstrap")
	bootLog.Info("starting payment service", "port", cfg.ServerPort, "queue_backend", cfg.QueueBackend)

	if cfg.MercadoPagoWebhookSecret == "" {
		return errors.New("MERCADOPAGO_WEBHOOK_SECRET must be configured")
	}

	repo, closeRepo, err := bootstrap.OpenRepository(ctx, cfg, bootLog)
	if err != nil {
		return err
	}
	defer closeRepo()

	redisCache, closeRedis := openCache(ctx, cfg, bootLog)
	defer closeRedis()

	publisher, verifier, closeQueue, err := bootstrap.OpenPublisher(cfg, logger)
	if err != nil {
		return err
	}
	defer closeQueue()
	enqueuer := queue.NewEnqueuer(publisher, repo, logger)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return fmt.Errorf("aws config load failed: %w", err)
	}
	objects := objectstore.NewS3Store(s3.NewFromConfig(awsCfg), cfg.QRBucket, cfg.QRPublicBaseURL)
	emails := mailer.NewSESMailer(sesv2.NewFromConfig(awsCfg), cfg.EmailFrom)

	var fraud app.FraudMonitor = app.NewLogFraudMonitor(logger)
	if cfg.KafkaBroker != "" {
		producer := kafka.NewProducer(cfg.KafkaBroker, cfg.FraudSignalTopic)
		defer producer.Close()
		fraud = app.NewKafkaFraudMonitor(producer, logger)
		bootLog.Info("fraud signals published to kafka", "topic", cfg.FraudSignalTopic)
	}

	provider := mercadopago.NewClient(cfg.MercadoPagoAPIBaseURL, cfg.MercadoPagoAccessToken, logger)

	webhooks := app.NewWebhookService(repo, provider, enqueuer, fraud, cfg.MercadoPagoWebhookSecret, cfg.JobMaxRetries, logger)
	checkout := app.NewCheckoutService(repo, provider, redisCache, enqueuer, cfg.PublicBaseURL, cfg.CheckoutRateLimitPerMinute, cfg.JobMaxRetries, logger)
	profiles := app.NewProfileReader(repo, redisCache, logger)
	finalizer := app.NewFinalizer(repo, objects, redisCache, enqueuer, cfg.PublicBaseURL, cfg.JobMaxRetries, logger)
	notifier, err := app.NewNotifier(emails, redisCache, logger)
	if err != nil {
		return fmt.Errorf("email templates failed to load: %w", err)
	}

	runner := app.NewRunner(repo, logger)
	runner.Handle(domain.JobFinalizePayment, finalizer.Finalize)
	runner.Handle(domain.JobSendEmail, notifier.Send)

	reconciler := app.NewReconciler(repo, enqueuer, time.Duration(cfg.ReconcileGraceMinutes)*time.Minute, cfg.JobMaxRetries, logger)
	scheduler := app.NewScheduler(reconciler, cfg.ReconcileSchedule, logger)
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("scheduler start failed: %w", err)
	}
	defer func() {
		<-scheduler.Stop().Done()
		bootLog.Info("scheduler stopped")
	}()

	dispatcher := app.NewOutboxDispatcher(repo, publisher, time.Duration(cfg.OutboxPollSeconds)*time.Second, logger)

	var jobRoutes *api.JobHandlers
	if verifier != nil {
		jobRoutes = api.NewJobHandlers(runner, verifier, cfg.JobCallbackBaseURL, logger)
	}
	handlers := api.NewHandlers(webhooks, checkout, profiles, logger)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           api.NewRouter(handlers, jobRoutes, cfg.AllowedOrigins()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server listening", "component", "http", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown started", "component", "http")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return dispatcher.Run(gctx)
	})

	if cfg.QueueBackend == config.QueueBackendRabbitMQ {
		consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, consumerPrefetch, logger)
		if err != nil {
			return fmt.Errorf("rabbitmq consumer init failed: %w", err)
		}
		defer consumer.Close()

		bindings := app.NewRabbitJobHandlers(runner, enqueuer, logger).Bindings()
		g.Go(func() error {
			return consumer.ConsumeWithBindings(gctx, cfg.JobExchange, cfg.JobExchange+".jobs", bindings)
		})
	}

	err = g.Wait()
	logger.Info("shutdown complete", "component", "http")
	return err
}

// openCache never fails: without Redis the cache is a no-op and callers fall
// back to the store.
func openCache(ctx context.Context, cfg config.Config, logger *slog.Logger) (*cache.RedisCache, func()) {
	if cfg.RedisURL == "" {
		logger.Warn("redis url missing; cache, email claims and rate limiting disabled", "env", "REDIS_URL")
		return cache.NewRedisCache(nil, cfg.RedisKeyPrefix), func() {}
	}
	options, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("redis url parse failed; cache disabled", "error", err)
		return cache.NewRedisCache(nil, cfg.RedisKeyPrefix), func() {}
	}

	client := redis.NewClient(options)
	redisCache := cache.NewRedisCache(client, cfg.RedisKeyPrefix)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := redisCache.Ping(pingCtx); err != nil {
		logger.Warn("redis ping failed; continuing with degraded cache", "error", err)
	} else {
		logger.Info("redis connected")
	}
	return redisCache, func() { client.Close() }
}
