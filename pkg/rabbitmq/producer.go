/**
 * @description
 * This package publishes and consumes job messages on RabbitMQ. Jobs go to a
 * durable topic exchange keyed by endpoint name. Delayed jobs are parked in a
 * per-delay TTL queue that dead-letters back into the exchange when the TTL
 * expires, so no broker plugin is needed.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Message is one publish request.
type Message struct {
	Exchange   string
	RoutingKey string
	Body       []byte
	MessageID  string
	Delay      time.Duration
}

// Publisher is the interface implemented by types that can publish messages.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close()
}

// Producer holds the RabbitMQ connection and channel for publishing messages.
type Producer struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	declared map[string]bool
	logger   *slog.Logger
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// If any stray characters precede the scheme, slice from first occurrence of amqp
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

func dial(amqpURL string) (*amqp.Connection, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	// Use a bounded dial timeout so startup does not hang indefinitely
	return amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
}

// NewProducer connects and opens a publishing channel.
func NewProducer(amqpURL string, logger *slog.Logger) (*Producer, error) {
	conn, err := dial(amqpURL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{
		conn:     conn,
		channel:  ch,
		declared: make(map[string]bool),
		logger:   logger.With("component", "rabbitmq_producer"),
	}, nil
}

// DelayQueueName is the parking queue for messages to routingKey delayed by delay.
func DelayQueueName(exchange, routingKey string, delay time.Duration) string {
	return fmt.Sprintf("%s.delay.%s.%d", exchange, routingKey, delay.Milliseconds())
}

// Publish sends msg, through a delay queue when msg.Delay is positive. The
// channel is reopened once if the first attempt fails.
func (p *Producer) Publish(ctx context.Context, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.publishLocked(ctx, msg)
	if err == nil {
		return nil
	}
	p.logger.Warn("publish failed; reopening channel", "exchange", msg.Exchange, "routing_key", msg.RoutingKey, "error", err)
	if p.conn == nil || p.conn.IsClosed() {
		return err
	}
	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return chErr
	}
	p.channel = ch
	p.declared = make(map[string]bool)
	return p.publishLocked(ctx, msg)
}

func (p *Producer) publishLocked(ctx context.Context, msg Message) error {
	if err := p.declareExchange(msg.Exchange); err != nil {
		return err
	}

	exchange, routingKey := msg.Exchange, msg.RoutingKey
	if msg.Delay > 0 {
		queue, err := p.declareDelayQueue(msg.Exchange, msg.RoutingKey, msg.Delay)
		if err != nil {
			return err
		}
		exchange, routingKey = "", queue
	}

	return p.channel.PublishWithContext(ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.MessageID,
			Timestamp:    time.Now(),
			Body:         msg.Body,
		},
	)
}

func (p *Producer) declareExchange(exchange string) error {
	if p.declared[exchange] {
		return nil
	}
	if err := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	p.declared[exchange] = true
	return nil
}

func (p *Producer) declareDelayQueue(exchange, routingKey string, delay time.Duration) (string, error) {
	name := DelayQueueName(exchange, routingKey, delay)
	if p.declared[name] {
		return name, nil
	}
	ttl := delay.Milliseconds()
	_, err := p.channel.QueueDeclare(name, true, false, false, false, amqp.Table{
		"x-message-ttl":             ttl,
		"x-dead-letter-exchange":    exchange,
		"x-dead-letter-routing-key": routingKey,
		// unused parking queues go away on their own
		"x-expires": ttl + int64(time.Hour/time.Millisecond),
	})
	if err != nil {
		return "", err
	}
	p.declared[name] = true
	return name, nil
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *Producer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
