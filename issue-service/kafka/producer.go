package kafka

import (
	"context"
	"fmt"
	"log/slog"

	"fadedreams/roadassist/issue-service/domain"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/hamba/avro/v2"
	"github.com/riferrei/srclient"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Producer publishes issue events to Kafka, keyed by issue id so that the
// events of one issue stay ordered within a partition.
type Producer struct {
	kafkaProducer *kafka.Producer
	schema        avro.Schema
	SchemaID      int
	topic         string
	logger        *slog.Logger
	tracer        trace.Tracer
}

func NewProducer(bootstrapServers, schemaRegistryURL, topic string, logger *slog.Logger) (*Producer, error) {
	config := &kafka.ConfigMap{
		"bootstrap.servers":  bootstrapServers,
		"compression.type":   "snappy",
		"enable.idempotence": true,
	}
	p, err := kafka.NewProducer(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	schema, err := ParseSchema()
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}

	srClient := srclient.CreateSchemaRegistryClient(schemaRegistryURL)
	schemaObj, err := srClient.CreateSchema(topic+"-value", issueEventSchema, srclient.Avro)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to register schema: %w", err)
	}
	logger.Info("Schema registered", "schemaID", schemaObj.ID(), "subject", topic+"-value")

	return &Producer{
		kafkaProducer: p,
		schema:        schema,
		SchemaID:      schemaObj.ID(),
		topic:         topic,
		logger:        logger,
		tracer:        otel.Tracer("issue-service"),
	}, nil
}

// Publish sends event and waits for the delivery report.
func (p *Producer) Publish(ctx context.Context, event *domain.Event) error {
	ctx, span := p.tracer.Start(ctx, "PublishIssueEvent", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	value, err := Encode(p.schema, p.SchemaID, FromDomain(event))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to encode event")
		return err
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	headers := make([]kafka.Header, 0, len(carrier))
	for k, v := range carrier {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	deliveryChan := make(chan kafka.Event, 1)
	err = p.kafkaProducer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &p.topic, Partition: kafka.PartitionAny},
		Key:            []byte(event.IssueID),
		Value:          value,
		Headers:        headers,
	}, deliveryChan)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to produce message")
		p.logger.Error("Failed to produce message", "eventID", event.ID, "error", err)
		return fmt.Errorf("failed to produce message: %w", err)
	}

	var e kafka.Event
	select {
	case e = <-deliveryChan:
	case <-ctx.Done():
		return ctx.Err()
	}
	m, ok := e.(*kafka.Message)
	if !ok {
		return fmt.Errorf("unexpected delivery event %v", e)
	}
	if m.TopicPartition.Error != nil {
		span.RecordError(m.TopicPartition.Error)
		span.SetStatus(codes.Error, "Delivery failed")
		p.logger.Error("Delivery failed", "eventID", event.ID, "error", m.TopicPartition.Error)
		return fmt.Errorf("delivery failed: %w", m.TopicPartition.Error)
	}
	p.logger.Info("Published issue event",
		"eventID", event.ID,
		"type", event.Type,
		"issueID", event.IssueID,
		"topic", *m.TopicPartition.Topic,
		"partition", m.TopicPartition.Partition,
		"offset", m.TopicPartition.Offset)
	span.SetAttributes(
		attribute.String("eventID", event.ID),
		attribute.String("topic", *m.TopicPartition.Topic),
		attribute.Int("partition", int(m.TopicPartition.Partition)),
		attribute.Int64("offset", int64(m.TopicPartition.Offset)),
	)
	return nil
}

// Close flushes pending messages and shuts down the Kafka producer
func (p *Producer) Close() {
	p.logger.Info("Closing Kafka producer")
	p.kafkaProducer.Flush(5000)
	p.kafkaProducer.Close()
}
