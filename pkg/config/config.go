// Package config loads and validates the pingmark service configuration.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the fully resolved service configuration.
type Config struct {
	Env              string   `yaml:"env"`
	ListenAddr       string   `yaml:"listen_addr"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
	AdminNotifyEmail string   `yaml:"admin_notify_email"`

	Auth        *AuthConfig        `yaml:"auth"`
	Tracking    *TrackingConfig    `yaml:"tracking"`
	Signal      *SignalConfig      `yaml:"signal"`
	WhatsApp    *WhatsAppConfig    `yaml:"whatsapp"`
	WhatsAppWeb *WhatsAppWebConfig `yaml:"whatsapp_web"`
	SMTP        *SMTPConfig        `yaml:"smtp"`
}

// AuthConfig holds token-auth settings.
type AuthConfig struct {
	// JWTSecret signs HS256 bearer tokens. Required outside dev.
	JWTSecret string `yaml:"jwt_secret"`

	// TokenTTL is the lifetime of issued tokens.
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// TrackingConfig contains the probe/receipt correlation constants.
type TrackingConfig struct {
	// TimeoutMS is the per-probe receipt deadline.
	TimeoutMS int64 `yaml:"timeout_ms"`

	// BaseInterval is the pause between probes on a healthy session.
	BaseInterval time.Duration `yaml:"base_interval"`

	// Jitter is the random addition to BaseInterval, uniform in [0, Jitter).
	Jitter time.Duration `yaml:"jitter"`

	// StreakBackoff1 replaces BaseInterval after one consecutive timeout;
	// StreakBackoff2 after two or more. Reduces pressure on platforms
	// while the remote side is likely unavailable.
	StreakBackoff1 time.Duration `yaml:"streak_backoff_1"`
	StreakBackoff2 time.Duration `yaml:"streak_backoff_2"`

	// HistoryLimit bounds the per-session global RTT history.
	HistoryLimit int `yaml:"history_limit"`

	// RecentLimit bounds the per-device recent RTT window.
	RecentLimit int `yaml:"recent_limit"`

	// MinHistory is the sample count below which a session is CALIBRATING.
	MinHistory int `yaml:"min_history"`

	// ThresholdFactor and ThresholdFloorMS derive the adaptive ONLINE
	// ceiling: max(median*factor, median+floor).
	ThresholdFactor  float64 `yaml:"threshold_factor"`
	ThresholdFloorMS float64 `yaml:"threshold_floor_ms"`

	// WindowSize bounds the insights rolling window of points.
	WindowSize int `yaml:"window_size"`

	// BroadcastInterval rate-limits insights emission per session.
	BroadcastInterval time.Duration `yaml:"broadcast_interval"`

	// LateWindow is how long a timed-out probe may still be resolved
	// by a late receipt.
	LateWindow time.Duration `yaml:"late_window"`

	// QueueCap bounds per-session receipt queues; overflow drops.
	QueueCap int `yaml:"queue_cap"`

	// BackoffMax caps the receive-loop reconnect back-off.
	BackoffMax time.Duration `yaml:"backoff_max"`
}

// SignalConfig configures the signal-cli REST gateway adapter.
type SignalConfig struct {
	Enabled  bool   `yaml:"enabled"`
	RESTBase string `yaml:"rest_base"`
	WSBase   string `yaml:"ws_base"`
	Account  string `yaml:"account"`
}

// WSReceiveURL returns the websocket receive endpoint for the account.
func (c *SignalConfig) WSReceiveURL() string {
	base := c.WSBase
	if base == "" {
		base = strings.Replace(c.RESTBase, "http", "ws", 1)
	}
	return strings.TrimRight(base, "/") + "/v1/receive/" + c.Account
}

// ReceivePollURL returns the HTTP polling fallback endpoint.
func (c *SignalConfig) ReceivePollURL() string {
	return strings.TrimRight(c.RESTBase, "/") + "/v1/receive/" + c.Account
}

// WhatsAppConfig configures the WhatsApp Cloud (Graph API) adapter.
type WhatsAppConfig struct {
	Enabled       bool   `yaml:"enabled"`
	GraphBase     string `yaml:"graph_base"`
	PhoneNumberID string `yaml:"phone_number_id"`
	AccessToken   string `yaml:"access_token"`
	VerifyToken   string `yaml:"verify_token"`
	AppSecret     string `yaml:"app_secret"`
}

// WhatsAppWebConfig configures the unofficial WhatsApp Web bridge adapter.
type WhatsAppWebConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BridgeBase string `yaml:"bridge_base"`
	BridgeWS   string `yaml:"bridge_ws"`
}

// EventsURL returns the bridge websocket events endpoint.
func (c *WhatsAppWebConfig) EventsURL() string {
	base := c.BridgeWS
	if base == "" {
		base = strings.Replace(c.BridgeBase, "http", "ws", 1)
	}
	return strings.TrimRight(base, "/") + "/events"
}

// SMTPConfig configures outbound notification email.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	StartTLS bool   `yaml:"starttls"`
	From     string `yaml:"from"`
}

// DefaultTrackingConfig returns the built-in tracking defaults.
func DefaultTrackingConfig() *TrackingConfig {
	return &TrackingConfig{
		TimeoutMS:         10_000,
		BaseInterval:      2 * time.Second,
		Jitter:            150 * time.Millisecond,
		StreakBackoff1:    3 * time.Second,
		StreakBackoff2:    5 * time.Second,
		HistoryLimit:      2000,
		RecentLimit:       3,
		MinHistory:        10,
		ThresholdFactor:   1.25,
		ThresholdFloorMS:  80,
		WindowSize:        600,
		BroadcastInterval: 2 * time.Second,
		LateWindow:        120 * time.Second,
		QueueCap:          10_000,
		BackoffMax:        30 * time.Second,
	}
}

// defaultConfig returns the built-in configuration before YAML and env
// overrides are applied.
func defaultConfig() *Config {
	return &Config{
		Env:              "dev",
		ListenAddr:       ":8080",
		CORSAllowOrigins: []string{"*"},
		Auth: &AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Tracking: DefaultTrackingConfig(),
		Signal: &SignalConfig{
			RESTBase: "http://localhost:8090",
		},
		WhatsApp: &WhatsAppConfig{
			GraphBase: "https://graph.facebook.com/v19.0",
		},
		WhatsAppWeb: &WhatsAppWebConfig{
			BridgeBase: "http://localhost:3010",
		},
		SMTP: &SMTPConfig{
			Port:     587,
			StartTLS: true,
		},
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Auth == nil || c.Tracking == nil {
		return fmt.Errorf("auth and tracking sections are required")
	}
	if c.Auth.JWTSecret == "" && c.Env != "dev" {
		return fmt.Errorf("auth.jwt_secret is required when env=%q", c.Env)
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive, got %v", c.Auth.TokenTTL)
	}
	if err := c.Tracking.Validate(); err != nil {
		return fmt.Errorf("tracking: %w", err)
	}
	if c.Signal != nil && c.Signal.Enabled && c.Signal.Account == "" {
		return fmt.Errorf("signal.account is required when signal is enabled")
	}
	if c.WhatsApp != nil && c.WhatsApp.Enabled {
		if c.WhatsApp.AccessToken == "" {
			return fmt.Errorf("whatsapp.access_token is required when whatsapp is enabled")
		}
		if c.WhatsApp.PhoneNumberID == "" {
			return fmt.Errorf("whatsapp.phone_number_id is required when whatsapp is enabled")
		}
	}
	return nil
}

// Validate checks the tracking constants for nonsensical values.
func (c *TrackingConfig) Validate() error {
	if c.TimeoutMS <= 0 {
		return fmt.Errorf("timeout_ms must be positive, got %d", c.TimeoutMS)
	}
	if c.BaseInterval <= 0 {
		return fmt.Errorf("base_interval must be positive, got %v", c.BaseInterval)
	}
	if c.Jitter < 0 {
		return fmt.Errorf("jitter must be non-negative, got %v", c.Jitter)
	}
	if c.HistoryLimit <= 0 || c.RecentLimit <= 0 || c.WindowSize <= 0 {
		return fmt.Errorf("history_limit, recent_limit, and window_size must be positive")
	}
	if c.MinHistory <= 0 || c.MinHistory > c.HistoryLimit {
		return fmt.Errorf("min_history must be in (0, history_limit], got %d", c.MinHistory)
	}
	if c.ThresholdFactor < 1 {
		return fmt.Errorf("threshold_factor must be >= 1, got %g", c.ThresholdFactor)
	}
	if c.QueueCap <= 0 {
		return fmt.Errorf("queue_cap must be positive, got %d", c.QueueCap)
	}
	if c.LateWindow <= 0 || c.BroadcastInterval <= 0 || c.BackoffMax <= 0 {
		return fmt.Errorf("late_window, broadcast_interval, and backoff_max must be positive")
	}
	return nil
}

// IntervalForStreak returns the send-loop pause before the next probe
// given the current timeout streak.
func (c *TrackingConfig) IntervalForStreak(streak int) time.Duration {
	switch {
	case streak >= 2:
		return c.StreakBackoff2
	case streak == 1:
		return c.StreakBackoff1
	default:
		return c.BaseInterval
	}
}
