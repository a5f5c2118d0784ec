package app

import (
	"context"
	"time"

	"github.com/sosmoto/sosmoto-service/internal/domain"
	"github.com/sosmoto/sosmoto-service/internal/queue"
	"github.com/sosmoto/sosmoto-service/pkg/mailer"
	"github.com/sosmoto/sosmoto-service/pkg/mercadopago"
)

// PaymentProvider is the part of the MercadoPago client the services use.
type PaymentProvider interface {
	GetPayment(ctx context.Context, paymentID string) (*mercadopago.Payment, error)
	CreatePreference(ctx context.Context, pref mercadopago.PreferenceRequest, idempotencyKey string) (*mercadopago.PreferenceResponse, error)
}

// JobEnqueuer publishes jobs, deferring to the outbox when the queue is down.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, job domain.Job, opts queue.PublishOptions) (queue.Delivery, error)
}

// ObjectStore stores public objects and returns their URL.
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// ProfileCache is the read-through cache for active profiles.
type ProfileCache interface {
	GetProfile(ctx context.Context, id string) (*domain.Profile, bool, error)
	SetProfile(ctx context.Context, p *domain.Profile, ttl time.Duration) error
}

// EmailClaims dedups email sends across redeliveries.
type EmailClaims interface {
	ClaimEmail(ctx context.Context, dedupKey string, ttl time.Duration) (bool, error)
	ReleaseEmail(ctx context.Context, dedupKey string) error
}

// RateLimiter counts hits per subject inside a window.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Mailer sends one rendered email.
type Mailer interface {
	Send(ctx context.Context, msg mailer.Message) (string, error)
}
