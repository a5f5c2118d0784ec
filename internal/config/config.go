/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables and an optional
 * .env file, then normalizes the values the rest of the process depends on.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Queue backends.
const (
	QueueBackendRabbitMQ = "rabbitmq"
	QueueBackendHTTP     = "http"
)

// Config holds all the configuration variables for the payment service.
type Config struct {
	ServerPort     string `mapstructure:"SERVER_PORT"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	RedisURL       string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix string `mapstructure:"REDIS_KEY_PREFIX"`

	QueueBackend            string `mapstructure:"QUEUE_BACKEND"`
	RabbitMQURL             string `mapstructure:"RABBITMQ_URL"`
	JobExchange             string `mapstructure:"JOB_EXCHANGE"`
	QStashURL               string `mapstructure:"QSTASH_URL"`
	QStashToken             string `mapstructure:"QSTASH_TOKEN"`
	QStashCurrentSigningKey string `mapstructure:"QSTASH_CURRENT_SIGNING_KEY"`
	QStashNextSigningKey    string `mapstructure:"QSTASH_NEXT_SIGNING_KEY"`
	JobCallbackBaseURL      string `mapstructure:"JOB_CALLBACK_BASE_URL"`
	JobMaxRetries           int    `mapstructure:"JOB_MAX_RETRIES"`

	MercadoPagoAPIBaseURL    string `mapstructure:"MERCADOPAGO_API_BASE_URL"`
	MercadoPagoAccessToken   string `mapstructure:"MERCADOPAGO_ACCESS_TOKEN"`
	MercadoPagoWebhookSecret string `mapstructure:"MERCADOPAGO_WEBHOOK_SECRET"`
	PublicBaseURL            string `mapstructure:"PUBLIC_BASE_URL"`

	AWSRegion       string `mapstructure:"AWS_REGION"`
	QRBucket        string `mapstructure:"QR_BUCKET"`
	QRPublicBaseURL string `mapstructure:"QR_PUBLIC_BASE_URL"`
	EmailFrom       string `mapstructure:"EMAIL_FROM"`

	KafkaBroker      string `mapstructure:"KAFKA_BROKER"`
	FraudSignalTopic string `mapstructure:"FRAUD_SIGNAL_TOPIC"`

	ReconcileSchedule          string `mapstructure:"RECONCILE_SCHEDULE"`
	ReconcileGraceMinutes      int    `mapstructure:"RECONCILE_GRACE_MINUTES"`
	OutboxPollSeconds          int    `mapstructure:"OUTBOX_POLL_SECONDS"`
	CheckoutRateLimitPerMinute int    `mapstructure:"CHECKOUT_RATE_LIMIT_PER_MINUTE"`
	CORSAllowedOrigins         string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_KEY_PREFIX", "sosmoto")
	viper.SetDefault("QUEUE_BACKEND", QueueBackendRabbitMQ)
	viper.SetDefault("JOB_EXCHANGE", "sosmoto_jobs")
	viper.SetDefault("QSTASH_URL", "https://qstash.upstash.io")
	viper.SetDefault("JOB_MAX_RETRIES", 3)
	viper.SetDefault("MERCADOPAGO_API_BASE_URL", "https://api.mercadopago.com")
	viper.SetDefault("PUBLIC_BASE_URL", "http://localhost:8080")
	viper.SetDefault("AWS_REGION", "sa-east-1")
	viper.SetDefault("EMAIL_FROM", "SOS Moto <contact@sosmoto.com.br>")
	viper.SetDefault("FRAUD_SIGNAL_TOPIC", "sosmoto.fraud_signals")
	viper.SetDefault("RECONCILE_SCHEDULE", "@every 10m")
	viper.SetDefault("RECONCILE_GRACE_MINUTES", 15)
	viper.SetDefault("OUTBOX_POLL_SECONDS", 5)
	viper.SetDefault("CHECKOUT_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "text")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("QUEUE_BACKEND")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("JOB_EXCHANGE")
	_ = viper.BindEnv("QSTASH_URL")
	_ = viper.BindEnv("QSTASH_TOKEN")
	_ = viper.BindEnv("QSTASH_CURRENT_SIGNING_KEY")
	_ = viper.BindEnv("QSTASH_NEXT_SIGNING_KEY")
	_ = viper.BindEnv("JOB_CALLBACK_BASE_URL")
	_ = viper.BindEnv("JOB_MAX_RETRIES")
	_ = viper.BindEnv("MERCADOPAGO_API_BASE_URL")
	_ = viper.BindEnv("MERCADOPAGO_ACCESS_TOKEN", "MERCADOPAGO_ACCESS_TOKEN", "MP_ACCESS_TOKEN")
	_ = viper.BindEnv("MERCADOPAGO_WEBHOOK_SECRET", "MERCADOPAGO_WEBHOOK_SECRET", "MP_WEBHOOK_SECRET")
	_ = viper.BindEnv("PUBLIC_BASE_URL")
	_ = viper.BindEnv("AWS_REGION")
	_ = viper.BindEnv("QR_BUCKET")
	_ = viper.BindEnv("QR_PUBLIC_BASE_URL")
	_ = viper.BindEnv("EMAIL_FROM")
	_ = viper.BindEnv("KAFKA_BROKER")
	_ = viper.BindEnv("FRAUD_SIGNAL_TOPIC")
	_ = viper.BindEnv("RECONCILE_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_GRACE_MINUTES")
	_ = viper.BindEnv("OUTBOX_POLL_SECONDS")
	_ = viper.BindEnv("CHECKOUT_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("LOG_FORMAT")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("failed to read config file; using environment values", "component", "config", "error", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}

	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.TrimSpace(config.RedisKeyPrefix)
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "sosmoto"
	}

	config.QueueBackend = strings.ToLower(strings.TrimSpace(config.QueueBackend))
	switch config.QueueBackend {
	case QueueBackendRabbitMQ, QueueBackendHTTP:
	default:
		slog.Warn("unknown queue backend; falling back to rabbitmq", "component", "config", "queue_backend", config.QueueBackend)
		config.QueueBackend = QueueBackendRabbitMQ
	}
	if config.JobMaxRetries <= 0 {
		config.JobMaxRetries = 3
	}

	config.PublicBaseURL = strings.TrimRight(strings.TrimSpace(config.PublicBaseURL), "/")
	config.JobCallbackBaseURL = strings.TrimRight(strings.TrimSpace(config.JobCallbackBaseURL), "/")
	if config.JobCallbackBaseURL == "" {
		config.JobCallbackBaseURL = config.PublicBaseURL + "/jobs"
	}
	config.MercadoPagoAPIBaseURL = strings.TrimRight(strings.TrimSpace(config.MercadoPagoAPIBaseURL), "/")
	config.MercadoPagoAccessToken = strings.TrimSpace(config.MercadoPagoAccessToken)
	config.MercadoPagoWebhookSecret = strings.TrimSpace(config.MercadoPagoWebhookSecret)
	config.QRPublicBaseURL = strings.TrimRight(strings.TrimSpace(config.QRPublicBaseURL), "/")
	if config.QRPublicBaseURL == "" && config.QRBucket != "" {
		config.QRPublicBaseURL = "https://" + config.QRBucket + ".s3." + config.AWSRegion + ".amazonaws.com"
	}

	if config.ReconcileGraceMinutes <= 0 {
		config.ReconcileGraceMinutes = 15
	}
	if config.OutboxPollSeconds <= 0 {
		config.OutboxPollSeconds = 5
	}
	if config.CheckoutRateLimitPerMinute <= 0 {
		config.CheckoutRateLimitPerMinute = 10
	}
	config.LogLevel = strings.ToLower(strings.TrimSpace(config.LogLevel))
	config.LogFormat = strings.ToLower(strings.TrimSpace(config.LogFormat))

	return
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS.
func (c Config) AllowedOrigins() []string {
	origins := make([]string, 0)
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
