// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional)
	RedisURL    string // Redis aggregate store (optional, preferred over Postgres for buckets)

	// Tracing
	OTLPEndpoint string

	// Session graph
	SessionContextTTL  time.Duration
	SessionTabTTL      time.Duration
	SessionMaxContexts int
	SessionMaxEvents   int

	// Classification
	RoundTripTTL     time.Duration
	ReclassifyWindow time.Duration

	// Background work
	GCSampleRate float64
	GCInterval   time.Duration
	QueueSize    int

	// Probe access
	RateLimitRPM int
	CORSOrigins  []string // CORS_ORIGINS, comma separated; "*" allows any origin
}

const (
	DefaultPort      = "8080"
	DefaultEnv       = "development"
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"

	DefaultSessionContextTTL  = 60 * time.Second
	DefaultSessionTabTTL      = time.Hour
	DefaultSessionMaxContexts = 200
	DefaultSessionMaxEvents   = 20
	DefaultRoundTripTTL       = 30 * time.Second
	DefaultReclassifyWindow   = 15 * time.Second
	DefaultGCSampleRate       = 0.1
	DefaultGCInterval         = 30 * time.Second
	DefaultQueueSize          = 1024
	DefaultRateLimit          = 600
	DefaultCORSOrigins        = "*"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		SessionContextTTL:  getEnvDuration("SESSION_CONTEXT_TTL", DefaultSessionContextTTL),
		SessionTabTTL:      getEnvDuration("SESSION_TAB_TTL", DefaultSessionTabTTL),
		SessionMaxContexts: int(getEnvInt64("SESSION_MAX_CONTEXTS", DefaultSessionMaxContexts)),
		SessionMaxEvents:   int(getEnvInt64("SESSION_MAX_EVENTS", DefaultSessionMaxEvents)),
		RoundTripTTL:       getEnvDuration("ROUNDTRIP_TTL", DefaultRoundTripTTL),
		ReclassifyWindow:   getEnvDuration("RECLASSIFY_WINDOW", DefaultReclassifyWindow),
		GCSampleRate:       getEnvFloat("GC_SAMPLE_RATE", DefaultGCSampleRate),
		GCInterval:         getEnvDuration("GC_INTERVAL", DefaultGCInterval),
		QueueSize:          int(getEnvInt64("QUEUE_SIZE", DefaultQueueSize)),
		RateLimitRPM:       int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		CORSOrigins:        splitList(getEnv("CORS_ORIGINS", DefaultCORSOrigins)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that every setting is usable
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text")
	}
	if c.SessionContextTTL <= 0 || c.SessionTabTTL <= 0 {
		return fmt.Errorf("SESSION_CONTEXT_TTL and SESSION_TAB_TTL must be positive")
	}
	if c.SessionTabTTL < c.SessionContextTTL {
		return fmt.Errorf("SESSION_TAB_TTL must not be shorter than SESSION_CONTEXT_TTL")
	}
	if c.SessionMaxContexts <= 0 || c.SessionMaxEvents <= 0 {
		return fmt.Errorf("SESSION_MAX_CONTEXTS and SESSION_MAX_EVENTS must be positive")
	}
	if c.RoundTripTTL <= 0 {
		return fmt.Errorf("ROUNDTRIP_TTL must be positive")
	}
	if c.ReclassifyWindow <= 0 {
		return fmt.Errorf("RECLASSIFY_WINDOW must be positive")
	}
	if c.GCSampleRate < 0 || c.GCSampleRate > 1 {
		return fmt.Errorf("GC_SAMPLE_RATE must be between 0 and 1")
	}
	if c.GCInterval <= 0 {
		return fmt.Errorf("GC_INTERVAL must be positive")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("QUEUE_SIZE must be positive")
	}
	if c.RateLimitRPM <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
