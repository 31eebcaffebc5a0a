package kafka

import (
	_ "embed"
	"encoding/binary"
	"fmt"
	"time"

	"fadedreams/roadassist/issue-service/domain"

	"github.com/hamba/avro/v2"
)

//go:embed issue_event.avsc
var issueEventSchema string

// IssueEvent mirrors the Avro schema
type IssueEvent struct {
	ID           string   `avro:"id"`
	Type         string   `avro:"type"`
	IssueID      string   `avro:"issue_id"`
	IssueVersion int64    `avro:"issue_version"`
	IssueStatus  string   `avro:"issue_status"`
	ActorID      string   `avro:"actor_id"`
	MechanicID   string   `avro:"mechanic_id"`
	Recipients   []string `avro:"recipients"`
	CreatedAt    int64    `avro:"created_at"`
}

func ParseSchema() (avro.Schema, error) {
	return avro.Parse(issueEventSchema)
}

func FromDomain(e *domain.Event) IssueEvent {
	recipients := e.Recipients
	if recipients == nil {
		recipients = []string{}
	}
	return IssueEvent{
		ID:           e.ID,
		Type:         string(e.Type),
		IssueID:      e.IssueID,
		IssueVersion: e.IssueVersion,
		IssueStatus:  string(e.IssueStatus),
		ActorID:      e.ActorID,
		MechanicID:   e.MechanicID,
		Recipients:   recipients,
		CreatedAt:    e.CreatedAt.UnixMilli(),
	}
}

func (e IssueEvent) CreatedTime() time.Time {
	return time.UnixMilli(e.CreatedAt).UTC()
}

// Encode serializes ev in the schema registry wire format: a zero magic
// byte, the big-endian schema id, then the Avro body.
func Encode(schema avro.Schema, schemaID int, ev IssueEvent) ([]byte, error) {
	body, err := avro.Marshal(schema, ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode issue event: %w", err)
	}
	out := make([]byte, 5, 5+len(body))
	binary.BigEndian.PutUint32(out[1:5], uint32(schemaID))
	return append(out, body...), nil
}

// Decode splits a wire-format message into its schema id and event.
func Decode(schema avro.Schema, data []byte) (int, IssueEvent, error) {
	var ev IssueEvent
	if len(data) < 5 {
		return 0, ev, fmt.Errorf("invalid message length %d", len(data))
	}
	if data[0] != 0 {
		return 0, ev, fmt.Errorf("unknown magic byte %d", data[0])
	}
	schemaID := int(binary.BigEndian.Uint32(data[1:5]))
	if err := avro.Unmarshal(schema, data[5:], &ev); err != nil {
		return schemaID, ev, fmt.Errorf("failed to decode issue event: %w", err)
	}
	return schemaID, ev, nil
}
