package domain

import (
	"time"

	"github.com/google/uuid"
)

type BlockType string

const (
	BlockTemporary  BlockType = "TEMPORARY"
	BlockPermanent  BlockType = "PERMANENT"
	BlockRestricted BlockType = "RESTRICTED"
)

type BlockReason string

const (
	ReasonAccountSharing     BlockReason = "ACCOUNT_SHARING"
	ReasonConcurrentSessions BlockReason = "CONCURRENT_SESSIONS"
	ReasonDeviceLimit        BlockReason = "DEVICE_LIMIT"
	ReasonSuspiciousLocation BlockReason = "SUSPICIOUS_LOCATION"
	ReasonAdminAction        BlockReason = "ADMIN_ACTION"
)

type BlockLevel string

const (
	LevelFull               BlockLevel = "full"
	LevelLimited            BlockLevel = "limited"
	LevelRestrictedFeatures BlockLevel = "restricted_features"
)

type BlockStatus string

const (
	BlockActive    BlockStatus = "ACTIVE"
	BlockExpired   BlockStatus = "EXPIRED"
	BlockAppealed  BlockStatus = "APPEALED"
	BlockUnblocked BlockStatus = "UNBLOCKED"
	BlockEscalated BlockStatus = "ESCALATED"
)

// EnforcingStatuses are the statuses under which a block denies access.
// At most one block per user may be in one of them.
var EnforcingStatuses = []BlockStatus{BlockActive, BlockAppealed, BlockEscalated}

// Enforcing reports whether s denies access.
func (s BlockStatus) Enforcing() bool {
	switch s {
	case BlockActive, BlockAppealed, BlockEscalated:
		return true
	}
	return false
}

type AppealStatus string

const (
	AppealPending   AppealStatus = "PENDING"
	AppealApproved  AppealStatus = "APPROVED"
	AppealRejected  AppealStatus = "REJECTED"
	AppealEscalated AppealStatus = "ESCALATED"
)

// AppealDecision is the reviewer's verdict on a pending appeal.
type AppealDecision string

const (
	DecisionApprove  AppealDecision = "approve"
	DecisionReject   AppealDecision = "reject"
	DecisionEscalate AppealDecision = "escalate"
)

func (d AppealDecision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject || d == DecisionEscalate
}

// Admin action types recorded on a block.
const (
	ActionBlocked         = "BLOCKED"
	ActionUnblocked       = "UNBLOCKED"
	ActionExtended        = "EXTENDED"
	ActionAppealSubmitted = "APPEAL_SUBMITTED"
	ActionAppealReviewed  = "APPEAL_REVIEWED"
)

// ActorSystem is the actor recorded for automatic transitions.
const ActorSystem = "SYSTEM"

// ExpiryNote is the note written when the reconciler lifts an expired block.
const ExpiryNote = "auto-unblocked due to expiration"

// ScoreBreakdown holds the three sub-scores behind a composite sharing score.
type ScoreBreakdown struct {
	Hardware int `json:"hardware"`
	Behavior int `json:"behavior"`
	Session  int `json:"session"`
}

// Evidence is the denormalized snapshot taken when a block was decided.
type Evidence struct {
	ConcurrentSessions int      `json:"concurrent_sessions"`
	DeviceCount        int      `json:"device_count"`
	LocationChanges    int      `json:"location_changes"`
	IPAddresses        []string `json:"ip_addresses,omitempty"`
	Patterns           []string `json:"patterns,omitempty"`
}

type Appeal struct {
	Status      AppealStatus `json:"status"`
	Reason      string       `json:"reason"`
	SubmittedAt time.Time    `json:"submitted_at"`
	ReviewedBy  string       `json:"reviewed_by,omitempty"`
	ReviewedAt  *time.Time   `json:"reviewed_at,omitempty"`
	Notes       string       `json:"notes,omitempty"`
}

type AdminAction struct {
	At     time.Time `json:"at"`
	Actor  string    `json:"actor"`
	Action string    `json:"action"`
	Notes  string    `json:"notes,omitempty"`
}

type AutoUnblockAttempt struct {
	At      time.Time `json:"at"`
	Success bool      `json:"success"`
	Error   string    `json:"error,omitempty"`
}

// AccountBlock is a persisted enforcement decision. Blocks are never deleted.
type AccountBlock struct {
	ID                  uuid.UUID            `json:"id"`
	UserID              uuid.UUID            `json:"user_id"`
	Username            string               `json:"username"`
	BlockType           BlockType            `json:"block_type"`
	BlockReason         BlockReason          `json:"block_reason"`
	BlockLevel          BlockLevel           `json:"block_level"`
	SharingScore        int                  `json:"sharing_score"`
	ScoreBreakdown      ScoreBreakdown       `json:"score_breakdown"`
	BlockedAt           time.Time            `json:"blocked_at"`
	BlockedUntil        *time.Time           `json:"blocked_until,omitempty"`
	Status              BlockStatus          `json:"status"`
	Evidence            Evidence             `json:"evidence"`
	Appeal              *Appeal              `json:"appeal,omitempty"`
	AdminActions        []AdminAction        `json:"admin_actions"`
	AutoUnblockAttempts []AutoUnblockAttempt `json:"auto_unblock_attempts,omitempty"`
	UpdatedAt           time.Time            `json:"updated_at"`
}

// Expired reports whether a temporary block has run past BlockedUntil at now.
func (b *AccountBlock) Expired(now time.Time) bool {
	return b.BlockType == BlockTemporary && b.BlockedUntil != nil && !b.BlockedUntil.After(now)
}

// Remaining is the time left on the block at now. Permanent blocks return -1.
func (b *AccountBlock) Remaining(now time.Time) time.Duration {
	if b.BlockedUntil == nil {
		return -1
	}
	if d := b.BlockedUntil.Sub(now); d > 0 {
		return d
	}
	return 0
}

// DueCursor is the position of the last block in a due listing. The next
// page starts strictly after it in (blocked_until, id) order.
type DueCursor struct {
	BlockedUntil time.Time
	ID           uuid.UUID
}

// BlockFilter narrows admin listings. Zero values match everything.
type BlockFilter struct {
	UserID *uuid.UUID
	Status BlockStatus
	Limit  int
	Offset int
}
