package kafka

import (
	"context"
	"encoding/json"
	"time"

	skafka "github.com/segmentio/kafka-go"
)

// Writer defines the subset of segmentio kafka.Writer we need. This makes the producer testable.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...skafka.Message) error
	Close() error
}

// Publisher is the interface used to publish keyed JSON events.
type Publisher interface {
	Publish(ctx context.Context, key string, value interface{}) error
	Close() error
}

// Producer is a thin wrapper around a kafka writer implementing Publisher.
type Producer struct {
	writer Writer
}

// NewProducer creates a Producer that writes to the provided broker/topic.
func NewProducer(brokerURL, topic string) *Producer {
	w := &skafka.Writer{
		Addr:         skafka.TCP(brokerURL),
		Topic:        topic,
		Balancer:     &skafka.LeastBytes{},
		WriteTimeout: 5 * time.Second,
		RequiredAcks: skafka.RequireOne,
	}
	return &Producer{writer: w}
}

// NewProducerWithWriter allows injecting a test writer.
func NewProducerWithWriter(w Writer) *Producer {
	return &Producer{writer: w}
}

// Publish marshals the value to JSON and writes a kafka message with the given key.
func (p *Producer) Publish(ctx context.Context, key string, value interface{}) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, skafka.Message{Key: []byte(key), Value: b, Time: time.Now().UTC()})
}

// Close closes the underlying writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}
