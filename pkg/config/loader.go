package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the settings file loaded when PINGMARK_CONFIG is unset.
const DefaultPath = "config/pingmark.yaml"

// Load reads the YAML settings file, expands {{.ENV_VAR}} references,
// merges the result over the built-in defaults, applies env-variable
// overrides for secrets, and validates.
//
// A missing settings file is not an error: the defaults plus env
// overrides form a complete dev configuration.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("PINGMARK_CONFIG")
	}
	if path == "" {
		path = DefaultPath
	}

	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		slog.Info("No settings file, using defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("reading settings file %s: %w", path, err)
	default:
		data = ExpandEnv(data)
		var fileCfg Config
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return nil, fmt.Errorf("parsing settings file %s: %w", path, err)
		}
		// Merge user YAML on top of defaults; non-zero values override.
		if err := mergo.Merge(cfg, &fileCfg, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging settings: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	slog.Info("Configuration loaded",
		"env", cfg.Env,
		"signal_enabled", cfg.Signal.Enabled,
		"whatsapp_enabled", cfg.WhatsApp.Enabled,
		"whatsapp_web_enabled", cfg.WhatsAppWeb.Enabled)

	return cfg, nil
}

// applyEnvOverrides lets flat env variables override the YAML settings.
// Secrets are expected to arrive this way in most deployments.
func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Env, "PINGMARK_ENV")
	setString(&cfg.ListenAddr, "PINGMARK_LISTEN_ADDR")
	setString(&cfg.AdminNotifyEmail, "ADMIN_NOTIFY_EMAIL")

	setString(&cfg.Auth.JWTSecret, "JWT_SECRET")

	setInt64(&cfg.Tracking.TimeoutMS, "TIMEOUT_MS")
	setSeconds(&cfg.Tracking.BaseInterval, "BASE_INTERVAL_S")
	setSeconds(&cfg.Tracking.Jitter, "JITTER_S")
	setSeconds(&cfg.Tracking.BackoffMax, "BACKOFF_MAX_S")
	setInt(&cfg.Tracking.HistoryLimit, "HISTORY_LIMIT")
	setInt(&cfg.Tracking.RecentLimit, "RECENT_LIMIT")
	setInt(&cfg.Tracking.MinHistory, "MIN_HISTORY")
	setInt(&cfg.Tracking.WindowSize, "WINDOW_SIZE")
	setInt(&cfg.Tracking.QueueCap, "QUEUE_CAP")
	setMillis(&cfg.Tracking.BroadcastInterval, "BROADCAST_INTERVAL_MS")
	setMillis(&cfg.Tracking.LateWindow, "LATE_WINDOW_MS")

	setBool(&cfg.Signal.Enabled, "SIGNAL_ENABLED")
	setString(&cfg.Signal.RESTBase, "SIGNAL_REST_BASE")
	setString(&cfg.Signal.WSBase, "SIGNAL_WS_BASE")
	setString(&cfg.Signal.Account, "SIGNAL_ACCOUNT")

	setBool(&cfg.WhatsApp.Enabled, "WHATSAPP_ENABLED")
	setString(&cfg.WhatsApp.GraphBase, "WHATSAPP_GRAPH_BASE")
	setString(&cfg.WhatsApp.PhoneNumberID, "WHATSAPP_PHONE_NUMBER_ID")
	setString(&cfg.WhatsApp.AccessToken, "WHATSAPP_ACCESS_TOKEN")
	setString(&cfg.WhatsApp.VerifyToken, "WHATSAPP_VERIFY_TOKEN")
	setString(&cfg.WhatsApp.AppSecret, "WHATSAPP_APP_SECRET")

	setBool(&cfg.WhatsAppWeb.Enabled, "WHATSAPP_WEB_ENABLED")
	setString(&cfg.WhatsAppWeb.BridgeBase, "WHATSAPP_WEB_BRIDGE_BASE")
	setString(&cfg.WhatsAppWeb.BridgeWS, "WHATSAPP_WEB_BRIDGE_WS")

	setString(&cfg.SMTP.Host, "SMTP_HOST")
	setInt(&cfg.SMTP.Port, "SMTP_PORT")
	setString(&cfg.SMTP.User, "SMTP_USER")
	setString(&cfg.SMTP.Password, "SMTP_PASS")
	setString(&cfg.SMTP.From, "SMTP_FROM")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		} else {
			slog.Warn("Invalid boolean env override, ignoring", "key", key, "value", v)
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		} else {
			slog.Warn("Invalid integer env override, ignoring", "key", key, "value", v)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		} else {
			slog.Warn("Invalid integer env override, ignoring", "key", key, "value", v)
		}
	}
}

func setSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = time.Duration(f * float64(time.Second))
		} else {
			slog.Warn("Invalid seconds env override, ignoring", "key", key, "value", v)
		}
	}
}

func setMillis(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = time.Duration(n) * time.Millisecond
		} else {
			slog.Warn("Invalid milliseconds env override, ignoring", "key", key, "value", v)
		}
	}
}
