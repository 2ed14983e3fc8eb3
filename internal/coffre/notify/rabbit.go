package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"github.com/coffre-fort/coffre/common/redact"
)

// DefaultExchange is the topic exchange readiness events are published on.
// Routing keys are "ocr.<event>".
const DefaultExchange = "ocr.events"

const publishTimeout = 5 * time.Second

// Channel is the part of *amqp091.Channel the sink uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// Envelope is the JSON body of every published message.
type Envelope struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	DocumentID string         `json:"documentId"`
	Timestamp  time.Time      `json:"timestamp"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// RabbitSink publishes events to a RabbitMQ topic exchange.
type RabbitSink struct {
	conn     *amqp091.Connection
	channel  Channel
	exchange string
}

// DialRabbit connects to url, declares the durable topic exchange and returns
// a sink publishing to it.
func DialRabbit(url, exchange string) (*RabbitSink, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	slog.Info("notify: publishing to RabbitMQ", "url", redact.URL(url), "exchange", exchange)
	s := NewRabbitSink(ch, exchange)
	s.conn = conn
	return s, nil
}

// NewRabbitSink wraps an already-open channel. The exchange must exist.
func NewRabbitSink(ch Channel, exchange string) *RabbitSink {
	return &RabbitSink{channel: ch, exchange: exchange}
}

// RoutingKey returns the routing key used for event.
func RoutingKey(event EventType) string {
	return "ocr." + string(event)
}

// Publish sends the event as a persistent JSON message. Failures are logged.
func (s *RabbitSink) Publish(ctx context.Context, resourceID string, event EventType, payload map[string]any) {
	env := Envelope{
		ID:         uuid.NewString(),
		Type:       event,
		DocumentID: resourceID,
		Timestamp:  time.Now().UTC(),
		Payload:    payload,
	}
	body, err := json.Marshal(env)
	if err != nil {
		slog.Warn("notify: failed to marshal event", "resource", resourceID, "event", event, "err", err)
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = s.channel.PublishWithContext(
		pubCtx,
		s.exchange,        // exchange
		RoutingKey(event), // routing key
		false,             // mandatory
		false,             // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    env.ID,
			Timestamp:    env.Timestamp,
			Body:         body,
		},
	)
	if err != nil {
		slog.Warn("notify: failed to publish event", "resource", resourceID, "event", event, "err", err)
		return
	}
	slog.Debug("notify: published event", "resource", resourceID, "event", event)
}

// Close closes the channel and, when the sink dialled it, the connection.
func (s *RabbitSink) Close() error {
	if err := s.channel.Close(); err != nil {
		slog.Warn("notify: error closing RabbitMQ channel", "err", err)
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			return fmt.Errorf("error closing RabbitMQ connection: %w", err)
		}
	}
	return nil
}
