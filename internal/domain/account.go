package domain

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionType is the plan an account is on. It drives device and session limits.
type SubscriptionType string

const (
	SubscriptionFree     SubscriptionType = "free"
	SubscriptionTrial1d  SubscriptionType = "trial_1d"
	SubscriptionTrial3d  SubscriptionType = "trial_3d"
	SubscriptionTrial7d  SubscriptionType = "trial_7d"
	SubscriptionTrial14d SubscriptionType = "trial_14d"
	SubscriptionTrial30d SubscriptionType = "trial_30d"
	SubscriptionMonthly  SubscriptionType = "monthly"
	SubscriptionLifetime SubscriptionType = "lifetime"
)

// TierLimits holds the per-plan device and session caps.
type TierLimits struct {
	Devices  int `json:"devices"`
	Sessions int `json:"sessions"`
}

var tierLimits = map[SubscriptionType]TierLimits{
	SubscriptionFree:     {Devices: 1, Sessions: 1},
	SubscriptionTrial1d:  {Devices: 1, Sessions: 1},
	SubscriptionTrial3d:  {Devices: 1, Sessions: 1},
	SubscriptionTrial7d:  {Devices: 1, Sessions: 1},
	SubscriptionTrial14d: {Devices: 2, Sessions: 2},
	SubscriptionTrial30d: {Devices: 2, Sessions: 2},
	SubscriptionMonthly:  {Devices: 2, Sessions: 2},
	SubscriptionLifetime: {Devices: 3, Sessions: 3},
}

// LimitsFor returns the caps for a plan. Unknown plans get the free tier.
func LimitsFor(sub SubscriptionType) TierLimits {
	if l, ok := tierLimits[sub]; ok {
		return l
	}
	return tierLimits[SubscriptionFree]
}

// DeviceLimit returns the maximum number of active devices for a plan.
func DeviceLimit(sub SubscriptionType) int { return LimitsFor(sub).Devices }

// SessionLimit returns the maximum number of concurrently active sessions for a plan.
func SessionLimit(sub SubscriptionType) int { return LimitsFor(sub).Sessions }

// Account is the subset of the user record this service reads and writes.
type Account struct {
	ID               uuid.UUID        `json:"id"`
	Username         string           `json:"username"`
	SubscriptionType SubscriptionType `json:"subscription_type"`
	IsActive         bool             `json:"is_active"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Age returns how long the account has existed at now.
func (a *Account) Age(now time.Time) time.Duration {
	return now.Sub(a.CreatedAt)
}
