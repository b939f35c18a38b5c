// Package config provides application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Storage backends.
const (
	StorageSQLite = "sqlite"
	StorageRedis  = "redis"
	StorageMemory = "memory"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	LogLevel    string

	// MetricsEnabled exposes /metrics on the companion server.
	MetricsEnabled bool

	// Remote tutoring service.
	APIBaseURL        string
	Engine            string
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	RequestBurst      int
	HistoryLimit      int

	// Optional gRPC health probe of the agent service. Empty disables it.
	AgentAddr    string
	AgentService string

	Storage StorageConfig
	Rate    RateConfig
	Google  GoogleConfig
}

// StorageConfig selects where identity is kept between runs.
type StorageConfig struct {
	Backend  string
	DBPath   string
	RedisURL string
}

// RateConfig controls the chat submission throttle.
type RateConfig struct {
	MessageMax    int
	MessageWindow time.Duration
}

// GoogleConfig holds the OAuth2 client for federated sign-in. Empty ClientID
// disables it.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	port := getEnv("PORT", "8080")
	cfg := &Config{
		Port:              port,
		FrontendURL:       getEnv("FRONTEND_URL", ""),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		MetricsEnabled:    getEnvBool("METRICS_ENABLED", true),
		APIBaseURL:        getEnv("AURA_API_BASE_URL", "http://localhost:8000"),
		Engine:            getEnv("AURA_ENGINE", "llama"),
		RequestTimeout:    getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		RequestsPerSecond: getEnvFloat("REQUESTS_PER_SECOND", 5),
		RequestBurst:      getEnvInt("REQUEST_BURST", 10),
		HistoryLimit:      getEnvInt("HISTORY_LIMIT", 50),
		AgentAddr:         getEnv("AURA_AGENT_ADDR", ""),
		AgentService:      getEnv("AURA_AGENT_SERVICE", ""),
		Storage: StorageConfig{
			Backend:  strings.ToLower(getEnv("STORAGE_BACKEND", StorageSQLite)),
			DBPath:   getEnv("DB_PATH", "./data/aura.db"),
			RedisURL: getEnv("REDIS_URL", ""),
		},
		Rate: RateConfig{
			MessageMax:    getEnvInt("MESSAGE_RATE_MAX", 5),
			MessageWindow: getEnvDuration("MESSAGE_RATE_WINDOW", time.Minute),
		},
		Google: GoogleConfig{
			ClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
			ClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
			RedirectURL:  getEnv("GOOGLE_REDIRECT_URL", "http://localhost:"+port+"/api/session/federated/callback"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	u, err := url.Parse(c.APIBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("AURA_API_BASE_URL must be an http(s) URL, got %q", c.APIBaseURL)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be > 0")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be > 0")
	}
	if c.Rate.MessageMax <= 0 || c.Rate.MessageWindow <= 0 {
		return fmt.Errorf("MESSAGE_RATE_MAX and MESSAGE_RATE_WINDOW must be > 0")
	}

	switch c.Storage.Backend {
	case StorageSQLite:
		if c.Storage.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case StorageRedis:
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when STORAGE_BACKEND=redis")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("STORAGE_BACKEND must be one of sqlite, redis, memory, got %q", c.Storage.Backend)
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// FederatedEnabled reports whether Google sign-in is configured.
func (c *Config) FederatedEnabled() bool {
	return c.Google.ClientID != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return b
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
