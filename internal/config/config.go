package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the VoiceBridge server.
type Config struct {
	Port      int
	Version   string
	Database  DatabaseConfig
	Telemetry TelemetryConfig
	Auth      AuthConfig
	Vault     VaultConfig
	Providers ProvidersConfig
	Jobs      JobsConfig
	Retention RetentionConfig
}

type DatabaseConfig struct {
	// URL selects the PostgreSQL store; empty falls back to the
	// in-memory store with optional snapshot persistence.
	URL string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type AuthConfig struct {
	APIKeyHeader string
	// APIKeys gates the admin endpoints; empty disables the gate
	// (local dev).
	APIKeys []string
}

type VaultConfig struct {
	// Keys is the versioned key ring, "v2:<base64>,v1:<base64>"; the
	// first entry encrypts, all entries decrypt.
	Keys string
}

type ProvidersConfig struct {
	UpstreamTimeout time.Duration
	// CallbackURL receives job deliveries (transcripts, call-ended
	// notifications); empty disables callback-dependent dispatch rules.
	CallbackURL string
	// RetellBaseURL / ElevenLabsBaseURL override vendor API bases.
	RetellBaseURL     string
	ElevenLabsBaseURL string
}

type JobsConfig struct {
	Workers      int
	PollInterval time.Duration
}

type RetentionConfig struct {
	Interval    time.Duration
	WebhookDays int
	JobDays     int
	CallDays    int
	// ArchiveDir enables archiving purged webhook records to local JSONL
	// files; empty purges without archiving.
	ArchiveDir      string
	ArchiveCompress bool
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("VOICEBRIDGE_PORT", 8080),
		Version: envStr("VOICEBRIDGE_VERSION", "0.2.0"),
		Database: DatabaseConfig{
			URL: envStr("VOICEBRIDGE_DATABASE_URL", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "voicebridge"),
		},
		Auth: AuthConfig{
			APIKeyHeader: envStr("VOICEBRIDGE_API_KEY_HEADER", "Authorization"),
			APIKeys:      envList("VOICEBRIDGE_API_KEYS"),
		},
		Vault: VaultConfig{
			Keys: envStr("VOICEBRIDGE_VAULT_KEYS", ""),
		},
		Providers: ProvidersConfig{
			UpstreamTimeout:   envDur("VOICEBRIDGE_UPSTREAM_TIMEOUT", 30*time.Second),
			CallbackURL:       envStr("VOICEBRIDGE_CALLBACK_URL", ""),
			RetellBaseURL:     envStr("VOICEBRIDGE_RETELL_BASE_URL", ""),
			ElevenLabsBaseURL: envStr("VOICEBRIDGE_ELEVENLABS_BASE_URL", ""),
		},
		Jobs: JobsConfig{
			Workers:      envInt("VOICEBRIDGE_JOB_WORKERS", 2),
			PollInterval: envDur("VOICEBRIDGE_JOB_POLL_INTERVAL", 5*time.Second),
		},
		Retention: RetentionConfig{
			Interval:        envDur("VOICEBRIDGE_RETENTION_INTERVAL", time.Hour),
			WebhookDays:     envInt("VOICEBRIDGE_RETENTION_WEBHOOK_DAYS", 30),
			JobDays:         envInt("VOICEBRIDGE_RETENTION_JOB_DAYS", 7),
			CallDays:        envInt("VOICEBRIDGE_RETENTION_CALL_DAYS", 90),
			ArchiveDir:      envStr("VOICEBRIDGE_ARCHIVE_DIR", ""),
			ArchiveCompress: envBool("VOICEBRIDGE_ARCHIVE_COMPRESS", false),
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

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
