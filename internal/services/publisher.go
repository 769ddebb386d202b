package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dpup/prefab/logging"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/lima-limon-inc/ferrostar/internal/lib/tracker"
	"github.com/lima-limon-inc/ferrostar/internal/metrics"
)

// Channel is the part of *amqp.Channel the publisher uses
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitPublisher publishes navigation events to a topic exchange with
// routing keys of the form navigation.<session>.<event kind>
type RabbitPublisher struct {
	channel  Channel
	conn     *amqp.Connection
	exchange string
	timeout  time.Duration
}

// DialRabbit connects to RabbitMQ and declares the durable topic exchange
func DialRabbit(ctx context.Context, url, exchange string, timeout time.Duration) (*RabbitPublisher, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	logging.Infow(logging.EnsureLogger(ctx), "RabbitMQ: connected", "exchange", exchange)

	p := NewRabbitPublisher(channel, exchange, timeout)
	p.conn = conn
	return p, nil
}

// NewRabbitPublisher publishes on an already opened channel
func NewRabbitPublisher(channel Channel, exchange string, timeout time.Duration) *RabbitPublisher {
	return &RabbitPublisher{
		channel:  channel,
		exchange: exchange,
		timeout:  timeout,
	}
}

// RoutingKey returns the key an event of a session is published with
func RoutingKey(sessionID string, kind tracker.EventKind) string {
	return fmt.Sprintf("navigation.%s.%s", sessionID, kind)
}

// Publish sends one event. It blocks for at most the publish timeout.
func (p *RabbitPublisher) Publish(ctx context.Context, sessionID string, e tracker.Event) error {
	body, err := json.Marshal(NewEventDTO(sessionID, e))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		RoutingKey(sessionID, e.Kind),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    fmt.Sprintf("%s-%d", sessionID, e.Seq),
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	metrics.RecordPublish(p.exchange, err)
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", e.Kind, err)
	}
	return nil
}

// Handler adapts the publisher to a session event handler. Failures are
// logged; delivery to other handlers continues.
func (p *RabbitPublisher) Handler(ctx context.Context, sessionID string) func(tracker.Event) {
	ctx = logging.EnsureLogger(ctx)
	return func(e tracker.Event) {
		if err := p.Publish(ctx, sessionID, e); err != nil {
			logging.Errorw(ctx, "RabbitMQ: publish failed", "session", sessionID, "seq", e.Seq, "error", err)
		}
	}
}

// Close closes the channel and, when dialed, the connection
func (p *RabbitPublisher) Close() error {
	if err := p.channel.Close(); err != nil {
		return fmt.Errorf("failed to close channel: %w", err)
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			return fmt.Errorf("failed to close connection: %w", err)
		}
	}
	return nil
}
