// Package config loads serverboxd's configuration from environment
// variables, the way the proxy process is meant to be driven in
// production (no config file, no CLI flags beyond the version switch).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the settings serverboxd needs to boot: listener address,
// auth keys, resume/forwarding timeouts, and the metadata store path.
type Config struct {
	AdminAPIKey  string
	ProxyAPIKey  string // empty means proxy-route auth is disabled
	ProxyHost    string
	ProxyPort    int

	AutoResume          bool
	ResumeTimeout       time.Duration
	RequestTimeout      time.Duration
	RequestLogsEnabled  bool
	LogLevel            string

	DBPath string

	DaytonaAPIKey string
	DaytonaAPIURL string
	DaytonaTarget string

	MetricsListen     string
	AuthBundlePath    string
	AuthBundleAgeKey  string
}

// DefaultConfig returns the configuration that applies before any
// environment variable is consulted.
func DefaultConfig() Config {
	return Config{
		ProxyHost:          "0.0.0.0",
		ProxyPort:          7788,
		AutoResume:         true,
		ResumeTimeout:      60 * time.Second,
		RequestTimeout:     60 * time.Second,
		RequestLogsEnabled: false,
		LogLevel:           "info",
		DBPath:             "./serverbox.db",
	}
}

// Load builds a Config from DefaultConfig overridden by environment
// variables, per the external-interfaces table: SERVERBOX_ADMIN_API_KEY
// is required, everything else is optional with a documented default.
func Load() (Config, error) {
	cfg := DefaultConfig()

	cfg.AdminAPIKey = os.Getenv("SERVERBOX_ADMIN_API_KEY")
	cfg.ProxyAPIKey = getEnvOr("SERVERBOX_PROXY_API_KEY", cfg.AdminAPIKey)

	if v := os.Getenv("SERVERBOX_PROXY_HOST"); v != "" {
		cfg.ProxyHost = v
	}
	if v := os.Getenv("SERVERBOX_PROXY_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("SERVERBOX_PROXY_PORT: %w", err)
		}
		cfg.ProxyPort = port
	}
	if v := os.Getenv("SERVERBOX_PROXY_AUTO_RESUME"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("SERVERBOX_PROXY_AUTO_RESUME: %w", err)
		}
		cfg.AutoResume = b
	}
	if v := os.Getenv("SERVERBOX_PROXY_RESUME_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("SERVERBOX_PROXY_RESUME_TIMEOUT_MS: %w", err)
		}
		cfg.ResumeTimeout = time.Duration(ms) * time.Millisecond
	}
	if v := os.Getenv("SERVERBOX_PROXY_REQUEST_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("SERVERBOX_PROXY_REQUEST_TIMEOUT_MS: %w", err)
		}
		cfg.RequestTimeout = time.Duration(ms) * time.Millisecond
	}
	if v := os.Getenv("SERVERBOX_PROXY_REQUEST_LOGS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("SERVERBOX_PROXY_REQUEST_LOGS: %w", err)
		}
		cfg.RequestLogsEnabled = b
	}
	if v := os.Getenv("SERVERBOX_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SERVERBOX_DB_PATH"); v != "" {
		cfg.DBPath = v
	}

	cfg.DaytonaAPIKey = os.Getenv("DAYTONA_API_KEY")
	cfg.DaytonaAPIURL = os.Getenv("DAYTONA_API_URL")
	cfg.DaytonaTarget = os.Getenv("DAYTONA_TARGET")

	cfg.MetricsListen = os.Getenv("SERVERBOX_METRICS_LISTEN")
	cfg.AuthBundlePath = os.Getenv("SERVERBOX_AUTH_BUNDLE_PATH")
	cfg.AuthBundleAgeKey = os.Getenv("SERVERBOX_AUTH_BUNDLE_AGE_KEY")

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func getEnvOr(name, fallback string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return fallback
}

// Validate performs basic validation without exposing secrets.
func (c Config) Validate() error {
	if c.AdminAPIKey == "" {
		return fmt.Errorf("SERVERBOX_ADMIN_API_KEY is required")
	}
	if c.ProxyPort <= 0 || c.ProxyPort > 65535 {
		return fmt.Errorf("SERVERBOX_PROXY_PORT out of range: %d", c.ProxyPort)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("SERVERBOX_LOG_LEVEL must be one of debug|info|warn|error, got %q", c.LogLevel)
	}
	if c.DBPath == "" {
		return fmt.Errorf("SERVERBOX_DB_PATH must not be empty")
	}
	return nil
}

// ListenAddr is the host:port the proxy listener binds.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ProxyHost, c.ProxyPort)
}
