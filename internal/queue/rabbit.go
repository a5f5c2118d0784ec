package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sosmoto/sosmoto-service/internal/domain"
	"github.com/sosmoto/sosmoto-service/pkg/rabbitmq"
)

// RabbitPublisher publishes jobs to a topic exchange with the endpoint as the
// routing key.
type RabbitPublisher struct {
	producer rabbitmq.Publisher
	exchange string
}

func NewRabbitPublisher(producer rabbitmq.Publisher, exchange string) *RabbitPublisher {
	return &RabbitPublisher{producer: producer, exchange: exchange}
}

func (p *RabbitPublisher) Publish(ctx context.Context, endpoint string, job domain.Job, opts PublishOptions) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	messageID := opts.DedupKey
	if messageID == "" {
		messageID = job.ID
	}
	return p.producer.Publish(ctx, rabbitmq.Message{
		Exchange:   p.exchange,
		RoutingKey: endpoint,
		Body:       body,
		MessageID:  messageID,
		Delay:      time.Duration(opts.DelaySeconds) * time.Second,
	})
}
