// Package models defines the domain types shared across the engine,
// adapters, storage, and API layers.
package models

import "time"

// DeviceState classifies a tracked device's responsiveness.
type DeviceState string

// Device state constants.
const (
	StateCalibrating DeviceState = "CALIBRATING"
	StateOnline      DeviceState = "ONLINE"
	StateStandby     DeviceState = "STANDBY"
	StateTimeout     DeviceState = "TIMEOUT"
	StateOffline     DeviceState = "OFFLINE"
)

// PrimaryDeviceID is the default device identifier. Only Signal populates
// non-primary ids (multi-device installs).
const PrimaryDeviceID = "primary"

// SessionKey identifies the isolation unit of all in-memory metrics:
// one tracked contact on one platform for one user.
type SessionKey struct {
	UserID    int64
	ContactID int64
	Platform  string
}

// TrackerPoint is the engine's output entity, immutable once emitted.
type TrackerPoint struct {
	TimestampMS   int64       `json:"timestamp_ms"`
	DeviceID      string      `json:"device_id"`
	State         DeviceState `json:"state"`
	RTTMS         float64     `json:"rtt_ms"`
	AvgMS         float64     `json:"avg_ms"`
	MedianMS      float64     `json:"median_ms"`
	ThresholdMS   float64     `json:"threshold_ms"`
	TimeoutStreak int         `json:"timeout_streak"`
	ProbeID       string      `json:"probe_id,omitempty"`
}

// DeviceView is a classified per-device snapshot.
type DeviceView struct {
	DeviceID      string      `json:"device_id"`
	State         DeviceState `json:"state"`
	RTTMS         float64     `json:"rtt_ms"`
	AvgMS         float64     `json:"avg_ms"`
	UpdatedAtMS   int64       `json:"updated_at_ms"`
	TimeoutStreak int         `json:"timeout_streak"`
}

// SessionSnapshot is the classified view of every device on a session
// plus the session-wide baseline.
type SessionSnapshot struct {
	Devices     []DeviceView `json:"devices"`
	DeviceCount int          `json:"device_count"`
	MedianMS    float64      `json:"median_ms"`
	ThresholdMS float64      `json:"threshold_ms"`
}

// Insights summarizes a session's rolling window of points.
type Insights struct {
	Total        int     `json:"total"`
	OnlineRatio  float64 `json:"online_ratio"`
	TimeoutRate  float64 `json:"timeout_rate"`
	MedianRTTMS  float64 `json:"median_rtt_ms"`
	JitterMS     float64 `json:"jitter_ms"`
	StreakMax    int     `json:"streak_max"`
	ComputedAtMS int64   `json:"computed_at_ms"`
}

// Receipt is a platform-emitted confirmation of a prior probe, already
// resolved to the probe it acknowledges.
type Receipt struct {
	ProbeID           string `json:"probe_id"`
	DeviceID          string `json:"device_id"`
	ReceivedAtMS      int64  `json:"received_at_ms"`
	Status            string `json:"status"` // "delivered" | "read"
	PlatformMessageID string `json:"platform_message_id,omitempty"`
}

// SendResult is what an adapter reports after sending one probe.
type SendResult struct {
	ProbeID           string
	SentAtMS          int64
	PlatformMessageID string
	PlatformMessageTS int64 // 0 when the platform does not report one
	SendResponse      []byte
}

// Profile holds optional display data an adapter may expose for a contact.
type Profile struct {
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	StatusText  string `json:"status_text,omitempty"`
}

// Presence values reported by adapters that support presence lookups.
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
	PresenceUnknown = "unknown"
)

// User is an authenticated account.
type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	UserName     string    `json:"user_name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Contact is a tracked target on one platform.
type Contact struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"user_id"`
	Platform      string    `json:"platform"`
	Target        string    `json:"target"`
	DisplayName   string    `json:"display_name"`
	DisplayNumber string    `json:"display_number"`
	AvatarURL     string    `json:"avatar_url,omitempty"`
	NotifyOnline  bool      `json:"notify_online"`
	CreatedAt     time.Time `json:"created_at"`
}

// Label returns the best human-readable name for the contact.
func (c *Contact) Label() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return c.Target
}

// SessionKey returns the contact's session key for the given platform.
func (c *Contact) SessionKey(platform string) SessionKey {
	return SessionKey{UserID: c.UserID, ContactID: c.ID, Platform: platform}
}

// Probe is the durable record of one sent probe.
type Probe struct {
	ID                int64  `json:"id"`
	UserID            int64  `json:"user_id"`
	ContactID         int64  `json:"contact_id"`
	Platform          string `json:"platform"`
	ProbeID           string `json:"probe_id"`
	SentAtMS          int64  `json:"sent_at_ms"`
	PlatformMessageTS int64  `json:"platform_message_ts,omitempty"`
	PlatformMessageID string `json:"platform_message_id,omitempty"`
	DeliveredAtMS     int64  `json:"delivered_at_ms,omitempty"`
	ReadAtMS          int64  `json:"read_at_ms,omitempty"`
}

// DeliveryLagMS returns delivered−sent, or 0 when undelivered.
func (p *Probe) DeliveryLagMS() int64 {
	if p.DeliveredAtMS == 0 {
		return 0
	}
	return p.DeliveredAtMS - p.SentAtMS
}

// ReadLagMS returns read−sent, or 0 when unread.
func (p *Probe) ReadLagMS() int64 {
	if p.ReadAtMS == 0 {
		return 0
	}
	return p.ReadAtMS - p.SentAtMS
}
