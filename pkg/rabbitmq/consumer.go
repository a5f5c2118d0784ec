package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one delivery body. Returning true acks the message;
// false nacks it with requeue.
type Handler func(body []byte) bool

// Consumer reads jobs from one durable queue.
type Consumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *slog.Logger
}

// NewConsumer connects and opens a channel with the given prefetch.
func NewConsumer(amqpURL string, prefetch int, logger *slog.Logger) (*Consumer, error) {
	conn, err := dial(amqpURL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, err
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{conn: conn, ch: ch, logger: logger.With("component", "rabbitmq_consumer")}, nil
}

// ConsumeWithBindings declares exchange and queue, binds one routing key per
// handler and dispatches deliveries until ctx is done or the channel closes.
func (c *Consumer) ConsumeWithBindings(ctx context.Context, exchange, queueName string, bindings map[string]Handler) error {
	if len(bindings) == 0 {
		return fmt.Errorf("no bindings provided")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	handlers := make(map[string]Handler)
	for routingKey, handler := range bindings {
		if handler == nil {
			continue
		}
		handlers[routingKey] = handler
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel for queue %s closed", q.Name)
			}
			c.dispatch(d, handlers)
		}
	}
}

func (c *Consumer) dispatch(d amqp.Delivery, handlers map[string]Handler) {
	handler, ok := handlers[d.RoutingKey]
	if !ok {
		c.logger.Warn("no handler for routing key; acknowledging to drop", "routing_key", d.RoutingKey)
		_ = d.Ack(false)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked; dropping message", "routing_key", d.RoutingKey, "message_id", d.MessageId, "panic", r)
			_ = d.Nack(false, false)
		}
	}()

	if handler(d.Body) {
		_ = d.Ack(false)
		return
	}
	c.logger.Warn("handler failed; re-queuing", "routing_key", d.RoutingKey, "message_id", d.MessageId)
	_ = d.Nack(false, true)
}

// Close gracefully closes the channel and connection.
func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
