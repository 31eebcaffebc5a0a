package kafka

import (
	"context"
	"log/slog"
	"time"

	"fadedreams/roadassist/issue-service/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Publisher delivers one outbox event.
type Publisher interface {
	Publish(ctx context.Context, event *domain.Event) error
}

// OutboxProcessor drains the outbox to a Publisher on a fixed interval.
type OutboxProcessor struct {
	repo      domain.OutboxRepository
	publisher Publisher
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
	now       func() time.Time
}

// NewOutboxProcessor creates a new OutboxProcessor
func NewOutboxProcessor(repo domain.OutboxRepository, publisher Publisher, interval time.Duration, batchSize int, logger *slog.Logger) *OutboxProcessor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &OutboxProcessor{
		repo:      repo,
		publisher: publisher,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start processes the outbox until ctx is done.
func (p *OutboxProcessor) Start(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Stopping outbox processor")
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.ProcessOnce(ctx); err != nil {
				p.logger.Error("Failed to process outbox events", "error", err)
			}
		}
	}
}

// ProcessOnce publishes one batch of unprocessed events in commit order and
// returns how many were published. It stops at the first failure so that a
// later event of an issue is never published before an earlier one.
func (p *OutboxProcessor) ProcessOnce(ctx context.Context) (int, error) {
	ctx, span := otel.Tracer("issue-service").Start(ctx, "ProcessOutboxEvents")
	defer span.End()

	events, err := p.repo.UnprocessedEvents(ctx, p.batchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to get unprocessed outbox events")
		return 0, err
	}

	published := 0
	for _, event := range events {
		if err := p.publisher.Publish(ctx, event); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "Failed to publish outbox event")
			p.logger.Error("Failed to publish outbox event", "eventID", event.ID, "error", err)
			return published, err
		}
		if err := p.repo.MarkEventProcessed(ctx, event.ID, p.now()); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "Failed to mark outbox event as processed")
			p.logger.Error("Failed to mark outbox event as processed", "eventID", event.ID, "error", err)
			return published, err
		}
		published++
		p.logger.Debug("Processed outbox event", "eventID", event.ID, "type", event.Type)
	}

	span.SetAttributes(attribute.Int("processedEventCount", published))
	return published, nil
}

// Notifier receives "issue changed" signals.
type Notifier interface {
	Publish(issueID string, version int64)
}

// LocalPublisher delivers events to in-process watchers only. It is used when
// Kafka is disabled.
type LocalPublisher struct {
	notifier Notifier
	logger   *slog.Logger
}

func NewLocalPublisher(notifier Notifier, logger *slog.Logger) *LocalPublisher {
	return &LocalPublisher{notifier: notifier, logger: logger}
}

func (l *LocalPublisher) Publish(ctx context.Context, event *domain.Event) error {
	l.notifier.Publish(event.IssueID, event.IssueVersion)
	l.logger.Debug("Delivered issue event locally", "eventID", event.ID, "type", event.Type, "recipients", event.Recipients)
	return nil
}
