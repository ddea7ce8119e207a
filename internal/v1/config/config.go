package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	// Server
	Port      string
	ClientURL string // Primary allowed origin; additional origins comma-separated

	// Environment
	GoEnv           string
	LogLevel        string
	DevelopmentMode bool

	// Matching / session tuning
	SkipCooldown          time.Duration // Minimum delay before a skipped pair can rematch
	SweepInterval         time.Duration // Abandoned-room sweep period
	StatsInterval         time.Duration // Stats emission period
	GameExpiry            time.Duration // Idle game lifetime
	ConnectionTimeout     time.Duration
	MaxDisconnectDuration time.Duration

	// Admission control
	PerIPConnCap         int
	RateLimitWindow      time.Duration
	RateLimitMaxRequests int
	RateLimitWsIP        string // ulule "N-PERIOD" format

	// Optional Redis bus
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Optional tracing
	OtelEnabled       bool
	OtelCollectorAddr string
}

// Load reads environment configuration, applying defaults for anything unset.
// Returns an error if a set variable is invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.Port = getEnvOrDefault("PORT", "3001")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	cfg.ClientURL = getEnvOrDefault("CLIENT_URL", "http://localhost:5173")

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true" || cfg.GoEnv == "development"

	var err error
	if cfg.SkipCooldown, err = getDurationMs("SKIP_COOLDOWN_MS", 60_000); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.SweepInterval, err = getDurationMs("SWEEP_INTERVAL_MS", 30_000); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.StatsInterval, err = getDurationMs("STATS_INTERVAL_MS", 5_000); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.GameExpiry, err = getDurationMs("GAME_EXPIRY_MS", 300_000); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.ConnectionTimeout, err = getDurationMs("CONNECTION_TIMEOUT_MS", 10_000); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.MaxDisconnectDuration, err = getDurationMs("MAX_DISCONNECTION_DURATION_MS", 60_000); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.RateLimitWindow, err = getDurationMs("RATE_LIMIT_WINDOW_MS", 10_000); err != nil {
		errs = append(errs, err.Error())
	}

	if cfg.PerIPConnCap, err = getInt("PER_IP_CONN_CAP", 5); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.RateLimitMaxRequests, err = getInt("RATE_LIMIT_MAX_REQUESTS", 50); err != nil {
		errs = append(errs, err.Error())
	}
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "60-M")

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = getEnvOrDefault("REDIS_ADDR", "localhost:6379")
		if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.OtelEnabled = os.Getenv("OTEL_ENABLED") == "true"
	if cfg.OtelEnabled {
		cfg.OtelCollectorAddr = getEnvOrDefault("OTEL_COLLECTOR_ADDR", "localhost:4317")
		if !isValidHostPort(cfg.OtelCollectorAddr) {
			errs = append(errs, fmt.Sprintf("OTEL_COLLECTOR_ADDR must be in format 'host:port' (got '%s')", cfg.OtelCollectorAddr))
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return cfg, nil
}

// AllowedOrigins returns the CORS/WebSocket origin allowlist derived from CLIENT_URL.
func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.ClientURL, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173"}
	}
	return origins
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	return parts[0] != ""
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer (got '%s')", key, raw)
	}
	return v, nil
}

func getDurationMs(key string, defaultMs int) (time.Duration, error) {
	ms, err := getInt(key, defaultMs)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}
