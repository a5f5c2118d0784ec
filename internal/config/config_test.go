package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	for _, key := range []string{"PORT", "SERVER_PORT", "QUEUE_BACKEND", "JOB_MAX_RETRIES", "PUBLIC_BASE_URL", "JOB_CALLBACK_BASE_URL"} {
		unsetEnvWithCleanup(t, key)
	}

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.ServerPort)
	}
	if cfg.QueueBackend != QueueBackendRabbitMQ {
		t.Fatalf("expected rabbitmq backend by default, got %q", cfg.QueueBackend)
	}
	if cfg.JobMaxRetries != 3 {
		t.Fatalf("expected 3 retries by default, got %d", cfg.JobMaxRetries)
	}
	if cfg.JobCallbackBaseURL != "http://localhost:8080/jobs" {
		t.Fatalf("expected callback base derived from public url, got %q", cfg.JobCallbackBaseURL)
	}
}

func TestLoadConfig_PortOverridesServerPort(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "9000")
	setEnvWithCleanup(t, "PORT", "3000")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "3000" {
		t.Fatalf("expected PORT to win, got %q", cfg.ServerPort)
	}
}

func TestLoadConfig_WebhookSecretAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "MERCADOPAGO_WEBHOOK_SECRET")
	setEnvWithCleanup(t, "MP_WEBHOOK_SECRET", " alias-secret ")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.MercadoPagoWebhookSecret != "alias-secret" {
		t.Fatalf("expected trimmed secret from alias, got %q", cfg.MercadoPagoWebhookSecret)
	}
}

func TestLoadConfig_UnknownQueueBackendFallsBack(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "QUEUE_BACKEND", "sqs")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.QueueBackend != QueueBackendRabbitMQ {
		t.Fatalf("expected fallback to rabbitmq, got %q", cfg.QueueBackend)
	}
}

func TestLoadConfig_TrimsTrailingSlashes(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "PUBLIC_BASE_URL", "https://sosmoto.com.br/")
	unsetEnvWithCleanup(t, "JOB_CALLBACK_BASE_URL")
	setEnvWithCleanup(t, "QR_BUCKET", "sosmoto-qr")
	setEnvWithCleanup(t, "AWS_REGION", "sa-east-1")
	unsetEnvWithCleanup(t, "QR_PUBLIC_BASE_URL")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.PublicBaseURL != "https://sosmoto.com.br" {
		t.Fatalf("expected trimmed public url, got %q", cfg.PublicBaseURL)
	}
	if cfg.JobCallbackBaseURL != "https://sosmoto.com.br/jobs" {
		t.Fatalf("unexpected callback base %q", cfg.JobCallbackBaseURL)
	}
	if cfg.QRPublicBaseURL != "https://sosmoto-qr.s3.sa-east-1.amazonaws.com" {
		t.Fatalf("unexpected qr public base %q", cfg.QRPublicBaseURL)
	}
}

func TestConfig_AllowedOrigins(t *testing.T) {
	cfg := Config{CORSAllowedOrigins: "https://a.example, https://b.example,"}
	got := cfg.AllowedOrigins()
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Fatalf("unexpected origins %v", got)
	}
	if got := (Config{}).AllowedOrigins(); len(got) != 1 || got[0] != "*" {
		t.Fatalf("expected wildcard fallback, got %v", got)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
		}
	})
}
