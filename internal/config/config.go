package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the assistant engine server.
type Config struct {
	Port      int
	Version   string
	Database  DatabaseConfig
	Telemetry TelemetryConfig
	Sandbox   SandboxConfig
	Notify    NotifyConfig
	Archive   ArchiveConfig
}

type DatabaseConfig struct {
	// URL is the PostgreSQL connection string. Empty means the in-memory
	// store (local dev, tests).
	URL string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// SandboxConfig controls the sandbox lifecycle timings.
type SandboxConfig struct {
	TTL           time.Duration
	GracePeriod   time.Duration
	SweepInterval time.Duration
	Retention     time.Duration
}

// NotifyConfig configures the lifecycle webhook channel. An empty URL
// disables notifications.
type NotifyConfig struct {
	WebhookURL    string
	WebhookSecret string
}

// ArchiveConfig configures the pre-purge audit archive.
type ArchiveConfig struct {
	Enabled  bool
	Dir      string
	Compress bool
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("ZOOTALK_PORT", 8080),
		Version: envStr("ZOOTALK_VERSION", "0.2.0"),
		Database: DatabaseConfig{
			URL: envStr("ZOOTALK_DATABASE_URL", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "zootalk-assistant-engine"),
		},
		Sandbox: SandboxConfig{
			TTL:           envDur("ZOOTALK_SANDBOX_TTL", 30*time.Minute),
			GracePeriod:   envDur("ZOOTALK_SANDBOX_GRACE_PERIOD", 5*time.Minute),
			SweepInterval: envDur("ZOOTALK_SWEEP_INTERVAL", 30*time.Second),
			Retention:     envDur("ZOOTALK_SANDBOX_RETENTION", 10*time.Minute),
		},
		Notify: NotifyConfig{
			WebhookURL:    envStr("ZOOTALK_WEBHOOK_URL", ""),
			WebhookSecret: envStr("ZOOTALK_WEBHOOK_SECRET", ""),
		},
		Archive: ArchiveConfig{
			Enabled:  envBool("ZOOTALK_ARCHIVE_ENABLED", false),
			Dir:      envStr("ZOOTALK_ARCHIVE_DIR", ""),
			Compress: envBool("ZOOTALK_ARCHIVE_COMPRESS", true),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
