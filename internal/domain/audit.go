package domain

import "time"

// Audit event types written by the engine and reconciler.
const (
	AuditEngineFailure  = "SHARING_ENGINE_FAILURE"
	AuditSignalDegraded = "SHARING_SIGNAL_DEGRADED"
	AuditBlockCreated   = "ACCOUNT_BLOCKED"
	AuditBlockExpired   = "BLOCK_EXPIRED"
	AuditBlockUnblocked = "ACCOUNT_UNBLOCKED"
	AuditBlockExtended  = "BLOCK_EXTENDED"
	AuditAppealFiled    = "BLOCK_APPEALED"
	AuditAppealReviewed = "APPEAL_REVIEWED"
	AuditSharingSignal  = "SHARING_SUSPECTED"
	AuditDeviceVerified = "DEVICE_VERIFIED"
)

// AuditEntry is one row in audit_logs.
type AuditEntry struct {
	ID        int64          `json:"id"`
	EventType string         `json:"event_type"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
