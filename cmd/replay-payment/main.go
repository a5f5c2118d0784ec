/**
 * @description
 * Operator tool that replays a Mercado Pago payment through the webhook
 * pipeline. Use it when a notification was lost or its finalization job was
 * parked for manual review: the payment is re-read from the provider, its
 * local record is synced and, when approved, finalization is enqueued again
 * under the same dedup key.
 *
 * Usage:
 *   go run ./cmd/replay-payment <payment-id>
 *
 * Example:
 *   go run ./cmd/replay-payment 1319874562
 *
 * @dependencies
 * - Same environment as the service: DATABASE_URL, MERCADOPAGO_ACCESS_TOKEN
 *   and the queue backend settings.
 */

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sosmoto/sosmoto-service/internal/app"
	"github.com/sosmoto/sosmoto-service/internal/bootstrap"
	"github.com/sosmoto/sosmoto-service/internal/config"
	"github.com/sosmoto/sosmoto-service/internal/logging"
	"github.com/sosmoto/sosmoto-service/internal/queue"
	"github.com/sosmoto/sosmoto-service/pkg/mercadopago"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Println("Usage: go run ./cmd/replay-payment <payment-id>")
		fmt.Println("Example: go run ./cmd/replay-payment 1319874562")
		os.Exit(1)
	}
	paymentID := os.Args[1]

	_ = godotenv.Load()
	cfg, err := config.LoadConfig(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is required to replay a payment")
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With("component", "replay")

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	provider := mercadopago.NewClient(cfg.MercadoPagoAPIBaseURL, cfg.MercadoPagoAccessToken, logger)

	fmt.Printf("Fetching payment %s from Mercado Pago\n", paymentID)
	payment, err := provider.GetPayment(ctx, paymentID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to fetch payment: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Payment Details:\n")
	fmt.Printf("  ID: %s\n", payment.ID)
	fmt.Printf("  Status: %s (%s)\n", payment.Status, payment.StatusDetail)
	fmt.Printf("  Amount: %.2f %s\n", payment.TransactionAmount, payment.CurrencyID)
	fmt.Printf("  Profile: %s\n", payment.ExternalReference)
	fmt.Printf("  Payer: %s\n", payment.Payer.Email)

	fmt.Printf("\nReplay this payment? (yes/no): ")
	var confirmation string
	fmt.Scanln(&confirmation)
	if confirmation != "yes" {
		fmt.Println("Replay cancelled.")
		return
	}

	repo, closeRepo, err := bootstrap.OpenRepository(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer closeRepo()

	publisher, _, closeQueue, err := bootstrap.OpenPublisher(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer closeQueue()

	webhooks := app.NewWebhookService(
		repo,
		provider,
		queue.NewEnqueuer(publisher, repo, logger),
		app.NewLogFraudMonitor(logger),
		cfg.MercadoPagoWebhookSecret,
		cfg.JobMaxRetries,
		logger,
	)
	result, err := webhooks.Replay(ctx, paymentID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Replayed payment %s: %s (correlation id %s)\n", result.PaymentID, result.Outcome, result.CorrelationID)
	if result.Delivery != "" {
		fmt.Printf("Finalization job delivery: %s\n", result.Delivery)
	}
}
