package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// VerificationCompleted is published after a successful verification. It
// only carries the per-field status, never the disclosed values.
type VerificationCompleted struct {
	VerificationID        string            `json:"verification_id"`
	UserID                string            `json:"user_id"`
	VerificationTimestamp string            `json:"verification_timestamp"`
	ReportTimestamp       string            `json:"report_timestamp"`
	Fields                map[string]string `json:"fields"`
}

type Publisher interface {
	PublishVerified(ctx context.Context, event VerificationCompleted) error
	Close() error
}

type RabbitConfig struct {
	URL        string `json:"url" env:"RABBITMQ_URL"`
	Exchange   string `json:"exchange" env:"RABBITMQ_EXCHANGE" env-default:"self-verifier"`
	RoutingKey string `json:"routing_key" env:"RABBITMQ_ROUTING_KEY" env-default:"verification.completed"`
}

// ------------------------------------------------------------------------------

type NopPublisher struct{}

func (NopPublisher) PublishVerified(_ context.Context, event VerificationCompleted) error {
	slog.Debug("Event publishing disabled, dropping event", "verification_id", event.VerificationID)
	return nil
}

func (NopPublisher) Close() error {
	return nil
}

// ------------------------------------------------------------------------------

// channel is the part of *amqp.Channel the publisher uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type RabbitPublisher struct {
	conn       *amqp.Connection
	channel    channel
	exchange   string
	routingKey string
	mutex      sync.Mutex
}

// DialRabbit connects, declares a durable topic exchange and returns a
// publisher bound to it.
func DialRabbit(config *RabbitConfig) (*RabbitPublisher, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("rabbitmq url is empty")
	}

	conn, err := amqp.Dial(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}

	err = ch.ExchangeDeclare(config.Exchange, amqp.ExchangeTopic, true, false, false, false, nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", config.Exchange, err)
	}

	slog.Info("Connected to RabbitMQ", "exchange", config.Exchange, "routing_key", config.RoutingKey)
	publisher := newRabbitPublisher(ch, config.Exchange, config.RoutingKey)
	publisher.conn = conn
	return publisher, nil
}

func newRabbitPublisher(ch channel, exchange, routingKey string) *RabbitPublisher {
	return &RabbitPublisher{
		channel:    ch,
		exchange:   exchange,
		routingKey: routingKey,
	}
}

func (p *RabbitPublisher) PublishVerified(ctx context.Context, event VerificationCompleted) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	// amqp channels are not safe for concurrent publishing
	p.mutex.Lock()
	defer p.mutex.Unlock()

	err = p.channel.PublishWithContext(ctx,
		p.exchange,
		p.routingKey,
		false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    event.VerificationID,
			Body:         body,
			Timestamp:    time.Now(),
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	slog.Debug("Published verification event", "verification_id", event.VerificationID, "exchange", p.exchange)
	return nil
}

func (p *RabbitPublisher) Close() error {
	if err := p.channel.Close(); err != nil {
		slog.Warn("Failed to close RabbitMQ channel", "error", err)
	}
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}
