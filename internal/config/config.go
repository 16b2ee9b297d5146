// Package config loads the bridge's configuration from environment
// variables. Every option is optional with a documented default; the
// flat numeric sets mirror the components they configure.
package config

import (
	"os"
	"strconv"
	"time"
)

// Recovery holds backoff and circuit-breaker options.
type Recovery struct {
	MaxRetries          int
	BaseDelay           time.Duration
	MaxDelay            time.Duration
	Jitter              float64
	BreakerThreshold    int
	BreakerTimeout      time.Duration
	HealthCheckInterval time.Duration
	ReconnectTimeout    time.Duration
}

// Abuse holds flood/spam thresholds.
type Abuse struct {
	MaxPerMinute       int
	MaxPerHour         int
	BurstLimit         int
	BurstWindow        time.Duration
	DuplicateThreshold int
	DuplicateWindow    time.Duration
	RateCooldown       time.Duration
	SpamCooldown       time.Duration
	MaxUsers           int
	UserTTL            time.Duration
	SweepInterval      time.Duration
	IdleCutoff         time.Duration
}

// Quota holds upload token-bucket sizing.
type Quota struct {
	MaxTokens       float64
	Window          time.Duration
	TokensPerWindow float64
	SweepInterval   time.Duration
	IdleAge         time.Duration
}

// Lookup holds identity-lookup queue options.
type Lookup struct {
	Timeout time.Duration
}

// Config is the full bridge configuration.
type Config struct {
	ListenAddr       string
	Environment      string
	OTLPEndpoint     string
	TelemetryEnabled bool
	AdminSigningKey  string
	StoreBackend     string
	AlertProjectID   string
	AlertTopic       string
	UploadBaseURL    string

	Recovery Recovery
	Abuse    Abuse
	Quota    Quota
	Lookup   Lookup
}

// FromEnv builds a Config from the environment.
func FromEnv() Config {
	return Config{
		ListenAddr:       envStr("APP_LISTEN_ADDR", ":8080"),
		Environment:      envStr("APP_ENV", "development"),
		OTLPEndpoint:     envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		TelemetryEnabled: envStr("OTEL_ENABLED", "") == "true",
		AdminSigningKey:  envStr("ADMIN_SIGNING_KEY", ""),
		StoreBackend:     envStr("STORE_BACKEND", "memory"),
		AlertProjectID:   envStr("ALERT_PROJECT_ID", ""),
		AlertTopic:       envStr("ALERT_TOPIC", ""),
		UploadBaseURL:    envStr("UPLOAD_BASE_URL", ""),

		Recovery: Recovery{
			MaxRetries:          envInt("RECOVERY_MAX_RETRIES", 10),
			BaseDelay:           envDur("RECOVERY_BASE_DELAY", time.Second),
			MaxDelay:            envDur("RECOVERY_MAX_DELAY", 60*time.Second),
			Jitter:              envFloat("RECOVERY_JITTER", 0.25),
			BreakerThreshold:    envInt("BREAKER_THRESHOLD", 5),
			BreakerTimeout:      envDur("BREAKER_TIMEOUT", 5*time.Minute),
			HealthCheckInterval: envDur("HEALTH_CHECK_INTERVAL", 30*time.Second),
			ReconnectTimeout:    envDur("RECONNECT_TIMEOUT", 30*time.Second),
		},
		Abuse: Abuse{
			MaxPerMinute:       envInt("ABUSE_MAX_PER_MINUTE", 20),
			MaxPerHour:         envInt("ABUSE_MAX_PER_HOUR", 300),
			BurstLimit:         envInt("ABUSE_BURST_LIMIT", 5),
			BurstWindow:        envDur("ABUSE_BURST_WINDOW", 10*time.Second),
			DuplicateThreshold: envInt("ABUSE_DUPLICATE_THRESHOLD", 3),
			DuplicateWindow:    envDur("ABUSE_DUPLICATE_WINDOW", 30*time.Second),
			RateCooldown:       envDur("ABUSE_RATE_COOLDOWN", 30*time.Second),
			SpamCooldown:       envDur("ABUSE_SPAM_COOLDOWN", 10*time.Minute),
			MaxUsers:           envInt("ABUSE_MAX_USERS", 10000),
			UserTTL:            envDur("ABUSE_USER_TTL", 24*time.Hour),
			SweepInterval:      envDur("ABUSE_SWEEP_INTERVAL", time.Hour),
			IdleCutoff:         envDur("ABUSE_IDLE_CUTOFF", 7*24*time.Hour),
		},
		Quota: Quota{
			MaxTokens:       envFloat("QUOTA_MAX_TOKENS", 5),
			Window:          envDur("QUOTA_WINDOW", 10*time.Minute),
			TokensPerWindow: envFloat("QUOTA_TOKENS_PER_WINDOW", 5),
			SweepInterval:   envDur("QUOTA_SWEEP_INTERVAL", 10*time.Minute),
			IdleAge:         envDur("QUOTA_IDLE_AGE", time.Hour),
		},
		Lookup: Lookup{
			Timeout: envDur("LOOKUP_TIMEOUT", 5*time.Second),
		},
	}
}

func envStr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
