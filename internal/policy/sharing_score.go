package policy

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/attaboy/shareguard/internal/domain"
)

// Weights blend the three sub-scores into the composite.
type Weights struct {
	Hardware float64 `json:"hardware"`
	Behavior float64 `json:"behavior"`
	Session  float64 `json:"session"`
}

// DefaultWeights returns the production blend (35% hardware, 40% behavior, 25% session).
func DefaultWeights() Weights {
	return Weights{Hardware: 0.35, Behavior: 0.40, Session: 0.25}
}

// Validate rejects negative weights and blends that do not sum to 1.
func (w Weights) Validate() error {
	if w.Hardware < 0 || w.Behavior < 0 || w.Session < 0 {
		return fmt.Errorf("score weights must be non-negative: %+v", w)
	}
	if sum := w.Hardware + w.Behavior + w.Session; math.Abs(sum-1) > 0.001 {
		return fmt.Errorf("score weights must sum to 1, got %.3f", sum)
	}
	return nil
}

// DeviceCheck is the output of device processing fed to the scorer.
type DeviceCheck struct {
	Suspicion     domain.Suspicion `json:"suspicion"`
	ActiveDevices int              `json:"active_devices"` // counting the device under test
	Limit         int              `json:"limit"`
	IsNewDevice   bool             `json:"is_new_device"`
}

// SessionCheck is the output of session processing fed to the scorer.
type SessionCheck struct {
	Suspicion          domain.Suspicion `json:"suspicion"`
	ConcurrentSessions int              `json:"concurrent_sessions"` // counting the session under test
	Limit              int              `json:"limit"`
}

// Composite is the scored result.
type Composite struct {
	Total     int                   `json:"total"`
	Hardware  int                   `json:"hardware"`
	Behavior  int                   `json:"behavior"`
	Session   int                   `json:"session"`
	Reasons   []string              `json:"reasons,omitempty"`
	Breakdown domain.ScoreBreakdown `json:"breakdown"`
}

const (
	overDeviceLimitPoints  = 30
	newDevicePoints        = 10
	overSessionLimitPoints = 40
)

// HardwareScore = min(100, deviceSuspicion + 30·[activeDevices > limit] + 10·[isNewDevice]).
func HardwareScore(d DeviceCheck) int {
	score := d.Suspicion.Score
	if d.ActiveDevices > d.Limit {
		score += overDeviceLimitPoints
	}
	if d.IsNewDevice {
		score += newDevicePoints
	}
	return min(100, score)
}

// SessionScore = min(100, sessionSuspicion + 40·[concurrentSessions > limit]).
func SessionScore(s SessionCheck) int {
	score := s.Suspicion.Score
	if s.ConcurrentSessions > s.Limit {
		score += overSessionLimitPoints
	}
	return min(100, score)
}

// Score blends the sub-scores. behavior is clamped to [0, 100].
func Score(d DeviceCheck, s SessionCheck, behavior int, w Weights) Composite {
	hw := HardwareScore(d)
	ss := SessionScore(s)
	bh := max(0, min(100, behavior))

	total := int(math.Round(w.Hardware*float64(hw) + w.Behavior*float64(bh) + w.Session*float64(ss)))

	reasons := make([]string, 0, len(d.Suspicion.Reasons)+len(s.Suspicion.Reasons))
	reasons = append(reasons, d.Suspicion.Reasons...)
	reasons = append(reasons, s.Suspicion.Reasons...)

	return Composite{
		Total:     max(0, min(100, total)),
		Hardware:  hw,
		Behavior:  bh,
		Session:   ss,
		Reasons:   reasons,
		Breakdown: domain.ScoreBreakdown{Hardware: hw, Behavior: bh, Session: ss},
	}
}

// BehaviorScorer produces the behavioural sub-score for an account.
type BehaviorScorer interface {
	BehaviorScore(ctx context.Context, account *domain.Account) (int, error)
}

// AccountAgeBehavior scores young accounts higher: 20 baseline, 50 under a day
// old, 35 under a week.
type AccountAgeBehavior struct {
	Now func() time.Time
}

func (b AccountAgeBehavior) BehaviorScore(_ context.Context, account *domain.Account) (int, error) {
	now := time.Now()
	if b.Now != nil {
		now = b.Now()
	}
	score := 20
	switch age := account.Age(now); {
	case age < 24*time.Hour:
		score += 30
	case age < 7*24*time.Hour:
		score += 15
	}
	return score, nil
}
