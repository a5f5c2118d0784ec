// Package bootstrap opens the stores and queue clients shared by the service
// and the operator tools.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sosmoto/sosmoto-service/internal/config"
	"github.com/sosmoto/sosmoto-service/internal/queue"
	"github.com/sosmoto/sosmoto-service/internal/store"
	"github.com/sosmoto/sosmoto-service/pkg/rabbitmq"
)

// OpenRepository connects to Postgres and applies the schema. Without
// DATABASE_URL it returns the in-memory store.
func OpenRepository(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Repository, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set; using in-memory store")
		return store.NewMemoryStore(), func() {}, nil
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database url parse failed: %w", err)
	}
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching; poolers in front of Postgres reject them.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	repo := store.NewPostgresRepository(dbpool)
	if err := repo.Migrate(ctx); err != nil {
		dbpool.Close()
		return nil, nil, fmt.Errorf("database migration failed: %w", err)
	}
	logger.Info("database connected")
	return repo, dbpool.Close, nil
}

// OpenPublisher returns the queue publisher and, for the HTTP backend, the
// verifier for its callbacks.
func OpenPublisher(cfg config.Config, logger *slog.Logger) (queue.Publisher, *queue.DeliveryVerifier, func(), error) {
	switch cfg.QueueBackend {
	case config.QueueBackendHTTP:
		if strings.TrimSpace(cfg.QStashToken) == "" || cfg.QStashCurrentSigningKey == "" {
			return nil, nil, nil, errors.New("QSTASH_TOKEN and QSTASH_CURRENT_SIGNING_KEY are required for the http queue backend")
		}
		publisher := queue.NewQStashPublisher(cfg.QStashURL, cfg.QStashToken, cfg.JobCallbackBaseURL)
		verifier := queue.NewDeliveryVerifier(cfg.QStashCurrentSigningKey, cfg.QStashNextSigningKey)
		return publisher, verifier, func() {}, nil
	default:
		producer, err := rabbitmq.NewProducer(cfg.RabbitMQURL, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("rabbitmq producer init failed: %w", err)
		}
		return queue.NewRabbitPublisher(producer, cfg.JobExchange), nil, producer.Close, nil
	}
}
