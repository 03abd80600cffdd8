package policy

import (
	"fmt"
	"time"
)

// Action is the enforcement outcome of a validation.
type Action string

const (
	ActionAllow    Action = "ALLOW"
	ActionMonitor  Action = "ENHANCED_MONITORING"
	ActionRestrict Action = "RESTRICT_FEATURES"
	ActionBlock    Action = "BLOCK_USER"
	ActionBlocked  Action = "BLOCKED" // an existing block short-circuited scoring
)

// Thresholds are the score bands between actions.
type Thresholds struct {
	Suspicious       int `json:"suspicious"`
	LikelySharing    int `json:"likely_sharing"`
	ConfirmedSharing int `json:"confirmed_sharing"`
}

// DefaultThresholds returns 60 / 75 / 85.
func DefaultThresholds() Thresholds {
	return Thresholds{Suspicious: 60, LikelySharing: 75, ConfirmedSharing: 85}
}

func (t Thresholds) Validate() error {
	if !(0 < t.Suspicious && t.Suspicious < t.LikelySharing && t.LikelySharing < t.ConfirmedSharing && t.ConfirmedSharing <= 100) {
		return fmt.Errorf("thresholds must satisfy 0 < suspicious < likely < confirmed <= 100, got %+v", t)
	}
	return nil
}

// Decide maps a composite score to an action.
func Decide(score int, t Thresholds) Action {
	switch {
	case score >= t.ConfirmedSharing:
		return ActionBlock
	case score >= t.LikelySharing:
		return ActionRestrict
	case score >= t.Suspicious:
		return ActionMonitor
	default:
		return ActionAllow
	}
}

// Restrictions are the advisory limits returned with RESTRICT_FEATURES.
type Restrictions struct {
	ReducedLimits      bool `json:"reduced_limits"`
	SingleDeviceOnly   bool `json:"single_device_only"`
	EnhancedMonitoring bool `json:"enhanced_monitoring"`
}

// RestrictionsFor returns the restrictions attached to an action, or nil.
func RestrictionsFor(a Action) *Restrictions {
	switch a {
	case ActionRestrict:
		return &Restrictions{ReducedLimits: true, SingleDeviceOnly: true, EnhancedMonitoring: true}
	case ActionMonitor:
		return &Restrictions{EnhancedMonitoring: true}
	}
	return nil
}

// MaxBlockDuration caps escalation for repeat offenders.
const MaxBlockDuration = 365 * 24 * time.Hour

// BaseBlockDuration returns the block length for a score band.
func BaseBlockDuration(score int) time.Duration {
	switch {
	case score >= 90:
		return 7 * 24 * time.Hour
	case score >= 80:
		return 24 * time.Hour
	case score >= 70:
		return 6 * time.Hour
	default:
		return time.Hour
	}
}

// BlockDuration doubles the band duration once per prior block, up to MaxBlockDuration.
func BlockDuration(score, priorBlocks int) time.Duration {
	d := BaseBlockDuration(score)
	for i := 0; i < priorBlocks; i++ {
		d *= 2
		if d >= MaxBlockDuration {
			return MaxBlockDuration
		}
	}
	return d
}
