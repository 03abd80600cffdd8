package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType enumerates all domain event types.
type EventType string

const (
	EventBlockCreated      EventType = "shareguard.block.created"
	EventBlockExpired      EventType = "shareguard.block.expired"
	EventBlockUnblocked    EventType = "shareguard.block.unblocked"
	EventBlockAppealed     EventType = "shareguard.block.appealed"
	EventBlockExtended     EventType = "shareguard.block.extended"
	EventDeviceDeactivated EventType = "shareguard.device.deactivated"
	EventSessionEvicted    EventType = "shareguard.session.evicted"
)

// AggregateType enumerates the aggregate root types for outbox events.
type AggregateType string

const (
	AggregateBlock   AggregateType = "block"
	AggregateDevice  AggregateType = "device"
	AggregateSession AggregateType = "session"
)

// OutboxDraft is the payload written to the event_outbox table.
// Column names in event_outbox are camelCase.
type OutboxDraft struct {
	EventID       uuid.UUID       `json:"eventId"`
	AggregateType AggregateType   `json:"aggregateType"`
	AggregateID   string          `json:"aggregateId"`
	EventType     EventType       `json:"eventType"`
	PartitionKey  string          `json:"partitionKey"`
	Headers       json.RawMessage `json:"headers"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurredAt"`
}

// OutboxEvent is a persisted outbox row waiting to be relayed.
type OutboxEvent struct {
	SeqID int64 `json:"-"`
	OutboxDraft
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
}
