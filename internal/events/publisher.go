package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/deskwire/deskwire/pkg/logger"
	"github.com/deskwire/deskwire/pkg/metrics"
)

// DefaultExchange is the topic exchange lifecycle events are published to.
const DefaultExchange = "deskwire.events"

// Envelope is the wire format consumed by downstream integrations such as
// analytics and notification pipelines.
type Envelope struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	Event      string    `json:"event"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data,omitempty"`
}

// RoutingKey builds the per-tenant topic key consumers bind against.
func RoutingKey(tenantID, event string) string {
	return fmt.Sprintf("deskwire.%s.%s", tenantID, event)
}

// Publisher relays conversation lifecycle events to the message broker.
// Publishing is best effort: dispatch never fails because the broker is down.
type Publisher interface {
	Publish(ctx context.Context, tenantID, event string, data any)
	Close() error
}

// NopPublisher discards all events. Used when the broker is not configured.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, tenantID, event string, data any) {}
func (NopPublisher) Close() error                                                  { return nil }

// AMQPPublisher publishes envelopes to a RabbitMQ topic exchange.
type AMQPPublisher struct {
	conn     *amqp091.Connection
	exchange string
	log      *zap.Logger
}

// NewAMQPPublisher dials the broker and declares the topic exchange.
func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("events: dial broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("events: open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("events: declare exchange: %w", err)
	}

	return &AMQPPublisher{
		conn:     conn,
		exchange: exchange,
		log:      logger.WithModule("events"),
	}, nil
}

// Publish sends one envelope. Failures are logged and counted, never returned;
// socket delivery and the database remain the sources of truth.
func (p *AMQPPublisher) Publish(ctx context.Context, tenantID, event string, data any) {
	envelope := Envelope{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		Event:      event,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		p.fail(tenantID, event, err)
		return
	}

	ch, err := p.conn.Channel()
	if err != nil {
		p.fail(tenantID, event, err)
		return
	}
	defer ch.Close()

	err = ch.PublishWithContext(ctx, p.exchange, RoutingKey(tenantID, event), false, false,
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    envelope.ID,
			Timestamp:    envelope.OccurredAt,
			Body:         body,
		})
	if err != nil {
		p.fail(tenantID, event, err)
	}
}

func (p *AMQPPublisher) Close() error {
	return p.conn.Close()
}

func (p *AMQPPublisher) fail(tenantID, event string, err error) {
	metrics.EventPublishFailures.Inc()
	p.log.Warn("event publish failed",
		zap.String("tenant_id", tenantID),
		zap.String("event", event),
		zap.Error(err),
	)
}
