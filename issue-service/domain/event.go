package domain

import (
	"context"
	"time"
)

type EventType string

const (
	EventIssueCreated   EventType = "issue_created"
	EventOfferSubmitted EventType = "offer_submitted"
	EventOfferWithdrawn EventType = "offer_withdrawn"
	EventOfferAccepted  EventType = "offer_accepted"
	EventOfferRejected  EventType = "offer_rejected"
	EventIssueCancelled EventType = "issue_cancelled"
)

// Event records one state change of an issue. It is written to the outbox in
// the same commit as the issue itself.
type Event struct {
	ID           string      `bson:"_id" json:"id"`
	Type         EventType   `bson:"type" json:"type"`
	IssueID      string      `bson:"issueId" json:"issueId"`
	IssueVersion int64       `bson:"issueVersion" json:"issueVersion"`
	IssueStatus  IssueStatus `bson:"issueStatus" json:"issueStatus"`
	ActorID      string      `bson:"actorId" json:"actorId"`
	MechanicID   string      `bson:"mechanicId,omitempty" json:"mechanicId,omitempty"`
	Recipients   []string    `bson:"recipients" json:"recipients"`
	CreatedAt    time.Time   `bson:"createdAt" json:"createdAt"`
	Processed    bool        `bson:"processed" json:"processed"`
	ProcessedAt  *time.Time  `bson:"processedAt,omitempty" json:"processedAt,omitempty"`
}

// OutboxRepository exposes the events that still have to be published.
type OutboxRepository interface {
	UnprocessedEvents(ctx context.Context, limit int) ([]*Event, error)
	MarkEventProcessed(ctx context.Context, eventID string, at time.Time) error
}
