package kafka

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/hamba/avro/v2"
	"github.com/riferrei/srclient"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Consumer reads issue events and signals local watchers. Every instance
// needs its own group id so that each one sees every event.
type Consumer struct {
	kafkaConsumer *kafka.Consumer
	fetchSchema   func(id int) (string, error)
	schemas       map[int]avro.Schema
	topic         string
	notifier      Notifier
	logger        *slog.Logger
	tracer        trace.Tracer
}

func NewConsumer(bootstrapServers, schemaRegistryURL, topic, groupID string, notifier Notifier, logger *slog.Logger) (*Consumer, error) {
	config := &kafka.ConfigMap{
		"bootstrap.servers":  bootstrapServers,
		"group.id":           groupID,
		"auto.offset.reset":  "latest",
		"enable.auto.commit": false,
	}
	c, err := kafka.NewConsumer(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}

	srClient := srclient.CreateSchemaRegistryClient(schemaRegistryURL)
	return &Consumer{
		kafkaConsumer: c,
		fetchSchema: func(id int) (string, error) {
			s, err := srClient.GetSchema(id)
			if err != nil {
				return "", err
			}
			return s.Schema(), nil
		},
		schemas:       make(map[int]avro.Schema),
		topic:         topic,
		notifier:      notifier,
		logger:        logger,
		tracer:        otel.Tracer("issue-service"),
	}, nil
}

// errSchemaUnavailable marks a registry failure. Messages hitting it are
// read again instead of committed.
var errSchemaUnavailable = errors.New("failed to fetch schema")

func newRetryBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.Reset()
	return b
}

// sleep waits d or until ctx is done, reporting whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Start consumes until ctx is done.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.kafkaConsumer.SubscribeTopics([]string{c.topic}, nil); err != nil {
		c.logger.Error("Failed to subscribe to topic", "topic", c.topic, "error", err)
		return fmt.Errorf("failed to subscribe to topic: %w", err)
	}
	c.logger.Info("Subscribed to Kafka topic", "topic", c.topic)

	retry := newRetryBackOff()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Context canceled, stopping Kafka consumer")
			return ctx.Err()
		default:
		}

		msg, err := c.kafkaConsumer.ReadMessage(500 * time.Millisecond)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) && kerr.IsTimeout() {
				continue
			}
			wait := retry.NextBackOff()
			c.logger.Error("Error reading Kafka message", "error", err, "retryIn", wait)
			if !sleep(ctx, wait) {
				return ctx.Err()
			}
			continue
		}
		if c.handle(ctx, msg) {
			retry.Reset()
			continue
		}
		if !sleep(ctx, retry.NextBackOff()) {
			return ctx.Err()
		}
	}
}

// handle processes one message and commits its offset. It returns false when
// the message was rewound for another attempt.
func (c *Consumer) handle(ctx context.Context, msg *kafka.Message) bool {
	carrier := propagation.MapCarrier{}
	for _, h := range msg.Headers {
		carrier[h.Key] = string(h.Value)
	}
	ctx = otel.GetTextMapPropagator().Extract(ctx, carrier)
	_, span := c.tracer.Start(ctx, "ProcessKafkaMessage", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	span.SetAttributes(
		attribute.String("topic", *msg.TopicPartition.Topic),
		attribute.Int("partition", int(msg.TopicPartition.Partition)),
		attribute.Int64("offset", int64(msg.TopicPartition.Offset)),
	)

	if err := c.process(msg.Value); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to process message")
		if errors.Is(err, errSchemaUnavailable) {
			c.logger.Warn("Schema registry unavailable, rewinding", "error", err, "offset", msg.TopicPartition.Offset)
			if err := c.kafkaConsumer.Seek(msg.TopicPartition, 0); err != nil {
				c.logger.Error("Failed to rewind Kafka partition", "partition", msg.TopicPartition.Partition, "error", err)
			}
			return false
		}
		c.logger.Error("Skipping undecodable issue event", "error", err, "offset", msg.TopicPartition.Offset)
	}

	if _, err := c.kafkaConsumer.CommitMessage(msg); err != nil {
		span.RecordError(err)
		c.logger.Error("Failed to commit Kafka offset", "partition", msg.TopicPartition.Partition, "offset", msg.TopicPartition.Offset, "error", err)
	}
	return true
}

func (c *Consumer) process(value []byte) error {
	if len(value) < 5 {
		return fmt.Errorf("invalid message length %d", len(value))
	}
	schema, err := c.schema(int(binary.BigEndian.Uint32(value[1:5])))
	if err != nil {
		return err
	}
	_, ev, err := Decode(schema, value)
	if err != nil {
		return err
	}
	c.notifier.Publish(ev.IssueID, ev.IssueVersion)
	c.logger.Debug("Received issue event", "eventID", ev.ID, "type", ev.Type, "issueID", ev.IssueID)
	return nil
}

// schema returns the writer schema registered under id, fetching it once.
func (c *Consumer) schema(id int) (avro.Schema, error) {
	if s, ok := c.schemas[id]; ok {
		return s, nil
	}
	text, err := c.fetchSchema(id)
	if err != nil {
		return nil, fmt.Errorf("%w %d: %w", errSchemaUnavailable, id, err)
	}
	s, err := avro.Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse schema %d: %w", id, err)
	}
	c.schemas[id] = s
	return s, nil
}

// Close shuts down the Kafka consumer
func (c *Consumer) Close() {
	c.logger.Info("Closing Kafka consumer")
	c.kafkaConsumer.Close()
}
