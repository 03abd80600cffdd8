package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

func newDraft(agg AggregateType, aggID string, evtType EventType, partition string, payload any) OutboxDraft {
	body, _ := json.Marshal(payload)
	return OutboxDraft{
		EventID:       uuid.New(),
		AggregateType: agg,
		AggregateID:   aggID,
		EventType:     evtType,
		PartitionKey:  partition,
		Headers:       json.RawMessage(`{}`),
		Payload:       body,
		OccurredAt:    time.Now(),
	}
}

// NewBlockEvent creates a block lifecycle event. The whole block is the payload;
// events for one user share a partition.
func NewBlockEvent(evtType EventType, b *AccountBlock) OutboxDraft {
	return newDraft(AggregateBlock, b.ID.String(), evtType, b.UserID.String(), b)
}

// NewDeviceDeactivatedEvent records a device pushed out by the tier limit or a block.
func NewDeviceDeactivatedEvent(userID, deviceID uuid.UUID, reason string) OutboxDraft {
	return newDraft(AggregateDevice, deviceID.String(), EventDeviceDeactivated, userID.String(), map[string]string{
		"user_id":   userID.String(),
		"device_id": deviceID.String(),
		"reason":    reason,
	})
}

// NewSessionEvictedEvent records sessions forced out for a user.
func NewSessionEvictedEvent(userID uuid.UUID, sessionIDs []uuid.UUID, reason LogoutReason) OutboxDraft {
	ids := make([]string, len(sessionIDs))
	for i, id := range sessionIDs {
		ids[i] = id.String()
	}
	return newDraft(AggregateSession, userID.String(), EventSessionEvicted, userID.String(), map[string]any{
		"user_id":     userID.String(),
		"session_ids": ids,
		"reason":      reason,
	})
}
