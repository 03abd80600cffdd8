package domain

import (
	"time"

	"github.com/google/uuid"
)

// LogoutReason records why a session stopped being active.
type LogoutReason string

const (
	LogoutUser        LogoutReason = "user_logout"
	LogoutForced      LogoutReason = "forced_logout"
	LogoutExpired     LogoutReason = "expired"
	LogoutDeviceLimit LogoutReason = "device_limit"
	LogoutSuspicious  LogoutReason = "suspicious"
)

// Valid reports whether r is a known reason.
func (r LogoutReason) Valid() bool {
	switch r {
	case LogoutUser, LogoutForced, LogoutExpired, LogoutDeviceLimit, LogoutSuspicious:
		return true
	}
	return false
}

// SessionMetrics are the behavioural counters collected while a session is live.
type SessionMetrics struct {
	APICalls      int      `json:"api_calls"`
	ActiveSeconds int64    `json:"active_seconds"`
	ErrorCount    int      `json:"error_count"`
	FeaturesUsed  []string `json:"features_used,omitempty"`
}

// LocationEntry is one IP observed during a session.
type LocationEntry struct {
	Timestamp time.Time `json:"timestamp"`
	IP        string    `json:"ip"`
	Geo       GeoInfo   `json:"geo"`
}

// SessionFlags are the security markers raised on a session.
type SessionFlags struct {
	RapidLocationChange bool `json:"rapid_location_change"`
	SuspiciousTiming    bool `json:"suspicious_timing"`
	UnusualBehavior     bool `json:"unusual_behavior"`
	ConcurrentSessions  bool `json:"concurrent_sessions"`
}

// UserSession is one login session.
type UserSession struct {
	ID           uuid.UUID       `json:"id"`
	SessionToken string          `json:"session_token"`
	UserID       uuid.UUID       `json:"user_id"`
	Username     string          `json:"username"`
	DeviceID     *uuid.UUID      `json:"device_id,omitempty"`
	IPAddress    string          `json:"ip_address"`
	UserAgent    string          `json:"user_agent,omitempty"`
	IsActive     bool            `json:"is_active"`
	LoginAt      time.Time       `json:"login_at"`
	LastActivity time.Time       `json:"last_activity"`
	LogoutAt     *time.Time      `json:"logout_at,omitempty"`
	LogoutReason *LogoutReason   `json:"logout_reason,omitempty"`
	Metrics      SessionMetrics  `json:"metrics"`
	Locations    []LocationEntry `json:"location_history,omitempty"`
	Flags        SessionFlags    `json:"security_flags"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Seq          int64           `json:"-"`
}

// Geo returns the most recent known location of the session.
func (s *UserSession) Geo() GeoInfo {
	for i := len(s.Locations) - 1; i >= 0; i-- {
		if s.Locations[i].Geo.Known() {
			return s.Locations[i].Geo
		}
	}
	return GeoInfo{}
}

// NewerSession orders sessions for retention: most recently active first,
// later insertion breaking ties.
func NewerSession(a, b UserSession) bool {
	if !a.LastActivity.Equal(b.LastActivity) {
		return a.LastActivity.After(b.LastActivity)
	}
	return a.Seq > b.Seq
}

// SessionActivity is an incremental usage report for a live session.
type SessionActivity struct {
	APICalls      int    `json:"api_calls"`
	ActiveSeconds int64  `json:"active_seconds"`
	Errors        int    `json:"errors"`
	Feature       string `json:"feature,omitempty"`
	IPAddress     string `json:"ip_address,omitempty"`
}
