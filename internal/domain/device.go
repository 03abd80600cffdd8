package domain

import (
	"time"

	"github.com/google/uuid"
)

// SuspiciousActivity counts the heuristics a device has tripped over its lifetime.
type SuspiciousActivity struct {
	RapidLocationChanges int `json:"rapid_location_changes"`
	UnusualHours         int `json:"unusual_hours"`
	SimultaneousActivity int `json:"simultaneous_activity"`
}

// DeviceFingerprint is one (user, fingerprint hash) sighting record.
// Records are deactivated, never deleted.
type DeviceFingerprint struct {
	ID              uuid.UUID          `json:"id"`
	UserID          uuid.UUID          `json:"user_id"`
	Username        string             `json:"username"`
	FingerprintHash string             `json:"fingerprint_hash"`
	DeviceInfo      map[string]any     `json:"device_info,omitempty"`
	IPAddress       string             `json:"ip_address"`
	Geo             GeoInfo            `json:"geo"`
	IsActive        bool               `json:"is_active"`
	IsVerified      bool               `json:"is_verified"`
	SessionCount    int                `json:"session_count"`
	FirstSeen       time.Time          `json:"first_seen"`
	LastSeen        time.Time          `json:"last_seen"`
	Suspicious      SuspiciousActivity `json:"suspicious_activity"`
	Seq             int64              `json:"-"`
}

// Suspicion reason codes.
const (
	ReasonRapidLocationChanges    = "RAPID_LOCATION_CHANGES"
	ReasonHighSessionFrequency    = "HIGH_SESSION_FREQUENCY"
	ReasonMultipleSimultaneousIPs = "MULTIPLE_SIMULTANEOUS_IPS"
	ReasonUnusualTiming           = "UNUSUAL_TIMING"
)

// Suspicion is a partial score with the reasons that produced it.
type Suspicion struct {
	Score   int      `json:"score"`
	Reasons []string `json:"reasons,omitempty"`
}

// Add records a tripped heuristic.
func (s *Suspicion) Add(points int, reason string) {
	s.Score += points
	s.Reasons = append(s.Reasons, reason)
}

// Has reports whether reason was recorded.
func (s Suspicion) Has(reason string) bool {
	for _, r := range s.Reasons {
		if r == reason {
			return true
		}
	}
	return false
}

// OlderDevice orders devices for eviction: least recently seen first,
// insertion order breaking ties.
func OlderDevice(a, b DeviceFingerprint) bool {
	if !a.LastSeen.Equal(b.LastSeen) {
		return a.LastSeen.Before(b.LastSeen)
	}
	return a.Seq < b.Seq
}
