// Package config provides configuration loading from environment
// variables, command-line flags and the accounts file.
package config

import (
	"flag"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the gateway.
type Config struct {
	// Server settings
	Port            int
	Host            string
	GracefulTimeout time.Duration

	// Accounts file
	AccountsFile string

	// Redis settings
	RedisURL       string
	RedisKeyPrefix string
	RedisPoolSize  int
	RedisTimeout   time.Duration

	// API settings
	APIKey      string
	AdminAPIKey string

	// HTTP client settings
	MaxConns            int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	RequestTimeout      time.Duration

	// Retry and failover
	FailureThreshold      int
	TextCooldown          time.Duration
	ImagesCooldown        time.Duration
	VideosCooldown        time.Duration
	MaxNewSessionTries    int
	MaxRequestRetries     int
	MaxAccountSwitchTries int

	// Session affinity
	SessionTTL      time.Duration
	CleanupInterval time.Duration

	// Logging
	LogLevel string
	LogJSON  bool
}

// Load reads configuration from environment variables and command-line
// flags. Environment variables override defaults; flags override both.
func Load() *Config {
	cfg := &Config{
		// Defaults
		Port:                  8080,
		Host:                  "0.0.0.0",
		GracefulTimeout:       30 * time.Second,
		AccountsFile:          "accounts.yaml",
		RedisURL:              "",
		RedisKeyPrefix:        "gembiz:",
		RedisPoolSize:         50,
		RedisTimeout:          3 * time.Second,
		MaxConns:              100,
		MaxIdleConnsPerHost:   50,
		IdleConnTimeout:       90 * time.Second,
		RequestTimeout:        0, // No timeout for streaming
		FailureThreshold:      3,
		TextCooldown:          2 * time.Hour,
		ImagesCooldown:        4 * time.Hour,
		VideosCooldown:        4 * time.Hour,
		MaxNewSessionTries:    5,
		MaxRequestRetries:     3,
		MaxAccountSwitchTries: 5,
		SessionTTL:            time.Hour,
		CleanupInterval:       5 * time.Minute,
		LogLevel:              "info",
		LogJSON:               true,
	}

	cfg.loadFromEnv()
	cfg.parseFlags()

	return cfg
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("GW_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("GW_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("GW_ACCOUNTS_FILE"); v != "" {
		c.AccountsFile = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("REDIS_KEY_PREFIX"); v != "" {
		c.RedisKeyPrefix = v
	}
	if v := os.Getenv("GW_REDIS_POOL_SIZE"); v != "" {
		if size, err := strconv.Atoi(v); err == nil {
			c.RedisPoolSize = size
		}
	}
	if v := os.Getenv("GW_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("GW_ADMIN_API_KEY"); v != "" {
		c.AdminAPIKey = v
	}
	if v := os.Getenv("GW_MAX_CONNS"); v != "" {
		if conns, err := strconv.Atoi(v); err == nil {
			c.MaxConns = conns
		}
	}
	if v := os.Getenv("GW_FAILURE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.FailureThreshold = n
		}
	}
	if v := os.Getenv("GW_TEXT_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.TextCooldown = d
		}
	}
	if v := os.Getenv("GW_IMAGES_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.ImagesCooldown = d
		}
	}
	if v := os.Getenv("GW_VIDEOS_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.VideosCooldown = d
		}
	}
	if v := os.Getenv("GW_MAX_NEW_SESSION_TRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxNewSessionTries = n
		}
	}
	if v := os.Getenv("GW_MAX_REQUEST_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxRequestRetries = n
		}
	}
	if v := os.Getenv("GW_MAX_ACCOUNT_SWITCH_TRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxAccountSwitchTries = n
		}
	}
	if v := os.Getenv("GW_SESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.SessionTTL = d
		}
	}
	if v := os.Getenv("GW_CLEANUP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.CleanupInterval = d
		}
	}
	if v := os.Getenv("GW_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("GW_LOG_JSON"); v != "" {
		c.LogJSON = v == "true" || v == "1"
	}
	if v := os.Getenv("GW_GRACEFUL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.GracefulTimeout = d
		}
	}
}

var flagsParsed bool

func (c *Config) parseFlags() {
	// Only parse flags once to avoid "flag redefined" panic in tests
	if flagsParsed {
		return
	}
	flagsParsed = true

	flag.IntVar(&c.Port, "port", c.Port, "Server port")
	flag.StringVar(&c.Host, "host", c.Host, "Server host")
	flag.StringVar(&c.AccountsFile, "accounts", c.AccountsFile, "Path to accounts YAML file")
	flag.StringVar(&c.RedisURL, "redis-url", c.RedisURL, "Redis URL (empty disables persistence)")
	flag.StringVar(&c.RedisKeyPrefix, "redis-prefix", c.RedisKeyPrefix, "Redis key prefix")
	flag.StringVar(&c.APIKey, "api-key", c.APIKey, "API key for authentication")
	flag.StringVar(&c.AdminAPIKey, "admin-api-key", c.AdminAPIKey, "API key for the admin endpoints")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error)")
	flag.Parse()
}
