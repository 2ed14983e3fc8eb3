package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rabbitmq/amqp091-go"

	"github.com/coffre-fort/coffre/common/redact"
	"github.com/coffre-fort/coffre/internal/coffre/ocr"
)

// Tracker is the part of the OCR poller the consumer drives.
type Tracker interface {
	Start(resourceID string, kind ocr.Kind)
	Stop(resourceID string) bool
}

// Config names the broker objects the consumer uses.
type Config struct {
	URL      string
	Exchange string
	Queue    string
	Prefetch int
}

func (c Config) withDefaults() Config {
	if c.Exchange == "" {
		c.Exchange = "documents.events"
	}
	if c.Queue == "" {
		c.Queue = "coffre-ocr-tracking"
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 10
	}
	return c
}

// Consumer receives document events and forwards them to a Tracker.
type Consumer struct {
	cfg      Config
	tracker  Tracker
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewConsumer creates a consumer that has not connected yet. Handle can be
// used directly without a broker.
func NewConsumer(cfg Config, tracker Tracker) *Consumer {
	return &Consumer{cfg: cfg.withDefaults(), tracker: tracker, shutdown: make(chan struct{})}
}

// Connect dials the broker and declares the exchange, queue and bindings.
func (c *Consumer) Connect() error {
	conn, err := amqp091.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open a channel: %w", err)
	}
	fail := func(step string, err error) error {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to %s: %w", step, err)
	}

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fail("set QoS", err)
	}
	err = ch.ExchangeDeclare(
		c.cfg.Exchange, // name
		"topic",        // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fail("declare exchange", err)
	}
	_, err = ch.QueueDeclare(
		c.cfg.Queue, // name
		true,        // durable
		false,       // delete when unused
		false,       // exclusive
		false,       // no-wait
		nil,         // arguments
	)
	if err != nil {
		return fail("declare queue", err)
	}
	for _, key := range []string{RoutingDocumentCreated, RoutingDocumentDeleted} {
		if err := ch.QueueBind(c.cfg.Queue, key, c.cfg.Exchange, false, nil); err != nil {
			return fail("bind queue", err)
		}
	}

	c.conn, c.channel = conn, ch
	slog.Info("events: connected", "url", redact.URL(c.cfg.URL), "exchange", c.cfg.Exchange, "queue", c.cfg.Queue)
	return nil
}

// Start begins consuming in the background. Connect must have succeeded.
func (c *Consumer) Start(ctx context.Context) error {
	if c.channel == nil {
		return errors.New("events: consumer not connected")
	}
	msgs, err := c.channel.Consume(
		c.cfg.Queue, // queue
		"",          // consumer
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return fmt.Errorf("failed to register a consumer: %w", err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.consume(ctx, msgs)
	}()
	slog.Info("events: consumer started")
	return nil
}

func (c *Consumer) consume(ctx context.Context, msgs <-chan amqp091.Delivery) {
	for {
		select {
		case <-c.shutdown:
			return
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				slog.Warn("events: delivery channel closed")
				return
			}
			err := c.Handle(ctx, msg.RoutingKey, msg.Body)
			switch {
			case err == nil:
				if err := msg.Ack(false); err != nil {
					slog.Warn("events: ack failed", "err", err)
				}
			case errors.Is(err, errMalformed):
				slog.Warn("events: dropping malformed message", "routing_key", msg.RoutingKey, "err", err)
				if err := msg.Nack(false, false); err != nil {
					slog.Warn("events: nack failed", "err", err)
				}
			default:
				slog.Warn("events: processing failed, requeueing", "routing_key", msg.RoutingKey, "err", err)
				if err := msg.Nack(false, true); err != nil {
					slog.Warn("events: nack failed", "err", err)
				}
			}
		}
	}
}

// Handle processes one message. Unknown routing keys are accepted and
// ignored.
func (c *Consumer) Handle(ctx context.Context, routingKey string, body []byte) error {
	switch routingKey {
	case RoutingDocumentCreated:
		evt, err := decode(body)
		if err != nil {
			return err
		}
		kind := ocr.KindFromMIME(evt.MimeType)
		slog.Debug("events: document created", "document", evt.DocumentID, "mime", evt.MimeType, "kind", kind)
		c.tracker.Start(string(evt.DocumentID), kind)
		return nil
	case RoutingDocumentDeleted:
		evt, err := decode(body)
		if err != nil {
			return err
		}
		if c.tracker.Stop(string(evt.DocumentID)) {
			slog.Debug("events: stopped tracking deleted document", "document", evt.DocumentID)
		}
		return nil
	default:
		slog.Debug("events: ignoring routing key", "routing_key", routingKey)
		return nil
	}
}

// Close stops consuming and closes the broker connection.
func (c *Consumer) Close() error {
	select {
	case <-c.shutdown:
	default:
		close(c.shutdown)
	}
	c.wg.Wait()

	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			slog.Warn("events: error closing RabbitMQ channel", "err", err)
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			return fmt.Errorf("error closing RabbitMQ connection: %w", err)
		}
	}
	return nil
}
