// Package rabbitmq carries issue events over a RabbitMQ topic exchange. It is
// the alternative to Kafka for deployments that already run RabbitMQ.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fadedreams/roadassist/issue-service/domain"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Notifier receives "issue changed" signals.
type Notifier interface {
	Publish(issueID string, version int64)
}

// Broker publishes outbox events and fans them back in to local watchers.
type Broker struct {
	conn     *amqp.Connection
	exchange string
	mu       sync.Mutex
	ch       *amqp.Channel
	logger   *slog.Logger
	tracer   trace.Tracer
}

// Dial connects to url and declares the durable topic exchange.
func Dial(url, exchange string, logger *slog.Logger) (*Broker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	logger.Info("Connected to RabbitMQ", "exchange", exchange)
	return &Broker{conn: conn, exchange: exchange, ch: ch, logger: logger, tracer: otel.Tracer("issue-service")}, nil
}

// RoutingKey is issue.<event type>, e.g. issue.offer_accepted.
func RoutingKey(event *domain.Event) string {
	return "issue." + string(event.Type)
}

// Publish sends event and waits for the broker to confirm it.
func (b *Broker) Publish(ctx context.Context, event *domain.Event) error {
	ctx, span := b.tracer.Start(ctx, "RabbitPublishIssueEvent", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	headers := amqp.Table{}
	otel.GetTextMapPropagator().Inject(ctx, tableCarrier(headers))

	b.mu.Lock()
	confirm, err := b.ch.PublishWithDeferredConfirmWithContext(ctx, b.exchange, RoutingKey(event), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         body,
	})
	b.mu.Unlock()
	if err == nil {
		var ok bool
		ok, err = confirm.WaitContext(ctx)
		if err == nil && !ok {
			err = fmt.Errorf("broker nacked event %s", event.ID)
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to publish event")
		b.logger.Error("Failed to publish issue event", "error", err, "eventID", event.ID, "issueID", event.IssueID)
		return err
	}
	span.SetAttributes(
		attribute.String("eventID", event.ID),
		attribute.String("routingKey", RoutingKey(event)),
	)
	return nil
}

// Subscribe binds a private queue to every issue event and signals notifier
// until ctx is done.
func (b *Broker) Subscribe(ctx context.Context, notifier Notifier) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "issue.#", b.exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", q.Name, err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume: %w", err)
	}
	b.logger.Info("Subscribed to issue events", "queue", q.Name, "exchange", b.exchange)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			b.handle(ctx, d, notifier)
		}
	}
}

func (b *Broker) handle(ctx context.Context, d amqp.Delivery, notifier Notifier) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, tableCarrier(d.Headers))
	_, span := b.tracer.Start(ctx, "RabbitProcessIssueEvent", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	var event domain.Event
	if err := json.Unmarshal(d.Body, &event); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to decode event")
		b.logger.Error("Skipping undecodable issue event", "error", err, "messageID", d.MessageId)
		return
	}
	notifier.Publish(event.IssueID, event.IssueVersion)
}

func (b *Broker) Close() {
	b.logger.Info("Closing RabbitMQ connection")
	b.conn.Close()
}

// tableCarrier adapts amqp headers to the propagation API.
type tableCarrier amqp.Table

var _ propagation.TextMapCarrier = tableCarrier(nil)

func (t tableCarrier) Get(key string) string {
	s, _ := t[key].(string)
	return s
}

func (t tableCarrier) Set(key, value string) { t[key] = value }

func (t tableCarrier) Keys() []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	return keys
}
