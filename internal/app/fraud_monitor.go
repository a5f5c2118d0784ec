package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/sosmoto/sosmoto-service/pkg/kafka"
)

// FraudSignalMissingDeviceID is raised when the checkout never collected the
// provider device fingerprint.
const FraudSignalMissingDeviceID = "missing_device_id"

// FraudSignal is a side-channel observation about a payment.
type FraudSignal struct {
	Signal            string    `json:"signal"`
	PaymentID         string    `json:"payment_id"`
	ExternalReference string    `json:"external_reference"`
	PayerEmail        string    `json:"payer_email"`
	Amount            int64     `json:"amount"`
	Status            string    `json:"status"`
	CorrelationID     string    `json:"correlation_id"`
	DetectedAt        time.Time `json:"detected_at"`
}

// FraudMonitor receives fraud signals. Reporting never fails the caller.
type FraudMonitor interface {
	Report(ctx context.Context, signal FraudSignal)
}

// LogFraudMonitor writes signals to the structured log.
type LogFraudMonitor struct {
	logger *slog.Logger
}

func NewLogFraudMonitor(logger *slog.Logger) *LogFraudMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogFraudMonitor{logger: logger.With("component", "fraud_monitor")}
}

func (m *LogFraudMonitor) Report(ctx context.Context, signal FraudSignal) {
	m.logger.WarnContext(ctx, "fraud signal",
		"signal", signal.Signal,
		"payment_id", signal.PaymentID,
		"profile_id", signal.ExternalReference,
		"amount", signal.Amount,
		"correlation_id", signal.CorrelationID,
	)
}

// KafkaFraudMonitor publishes signals keyed by payment id and logs them as
// well, so a Kafka outage never hides a signal.
type KafkaFraudMonitor struct {
	producer kafka.Publisher
	fallback *LogFraudMonitor
	timeout  time.Duration
}

func NewKafkaFraudMonitor(producer kafka.Publisher, logger *slog.Logger) *KafkaFraudMonitor {
	return &KafkaFraudMonitor{
		producer: producer,
		fallback: NewLogFraudMonitor(logger),
		timeout:  5 * time.Second,
	}
}

func (m *KafkaFraudMonitor) Report(ctx context.Context, signal FraudSignal) {
	m.fallback.Report(ctx, signal)

	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()
	if err := m.producer.Publish(publishCtx, signal.PaymentID, signal); err != nil {
		m.fallback.logger.ErrorContext(ctx, "failed to publish fraud signal",
			"payment_id", signal.PaymentID,
			"correlation_id", signal.CorrelationID,
			"error", err,
		)
	}
}
