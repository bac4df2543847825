package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Store backends
const (
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Config holds all configuration for batchd
type Config struct {
	Store   StoreConfig
	Redis   RedisConfig
	SQLite  SQLiteConfig
	Batch   BatchConfig
	Submit  SubmitConfig
	Poller  PollerConfig
	Dedup   DedupConfig
	Notify  NotifyConfig
	API     APIConfig
	Console ConsoleConfig
	Logging LoggingConfig
}

// StoreConfig selects the result store backend
type StoreConfig struct {
	Backend string // redis, sqlite
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// SQLiteConfig holds the SQLite database location
type SQLiteConfig struct {
	Path string
}

// BatchConfig holds remote batch service settings
type BatchConfig struct {
	BaseURL string
	APIKey  string
	Model   string

	// Remote completion window, e.g. "1h" or "24h"
	CompletionWindow string

	// Per-request HTTP timeout
	RequestTimeout time.Duration

	Temperature float64
	MaxTokens   int
}

// SubmitConfig holds submission retry settings
type SubmitConfig struct {
	// Extra attempts after a transient failure
	Retries    int
	RetryDelay time.Duration
}

// PollerConfig holds background polling settings
type PollerConfig struct {
	Interval time.Duration

	// Consecutive transient failures tolerated before the job is failed
	MaxFailures int

	StoreTimeout time.Duration
}

// DedupConfig holds duplicate-submission settings
type DedupConfig struct {
	Window        time.Duration
	SweepInterval time.Duration
}

// NotifyConfig holds notification settings
type NotifyConfig struct {
	Timeout time.Duration
}

// APIConfig holds HTTP API settings
type APIConfig struct {
	ListenAddr      string
	ShutdownTimeout time.Duration
}

// ConsoleConfig holds the local output channel settings
type ConsoleConfig struct {
	// Delay between words of mediated speech
	WordDelay time.Duration
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, text
}

// Default returns a configuration with sensible defaults, overridden by the
// environment where a variable is set
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Backend: getEnv("STORE_BACKEND", BackendRedis),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: 10,
		},
		SQLite: SQLiteConfig{
			Path: getEnv("SQLITE_PATH", "batchd.db"),
		},
		Batch: BatchConfig{
			BaseURL:          getEnv("BATCH_BASE_URL", "https://api.doubleword.ai/v1"),
			APIKey:           getEnv("DOUBLEWORD_API_KEY", ""),
			Model:            getEnv("BATCH_MODEL", "Qwen/Qwen3-VL-235B-A22B-Instruct-FP8"),
			CompletionWindow: getEnv("BATCH_COMPLETION_WINDOW", "1h"),
			RequestTimeout:   getEnvDuration("BATCH_REQUEST_TIMEOUT", 30*time.Second),
			Temperature:      getEnvFloat("BATCH_TEMPERATURE", 0.7),
			MaxTokens:        4096,
		},
		Submit: SubmitConfig{
			Retries:    getEnvInt("SUBMIT_RETRIES", 2),
			RetryDelay: getEnvDuration("SUBMIT_RETRY_DELAY", 0),
		},
		Poller: PollerConfig{
			Interval:     getEnvDuration("POLL_INTERVAL", 10*time.Second),
			MaxFailures:  getEnvInt("POLL_MAX_FAILURES", 5),
			StoreTimeout: 5 * time.Second,
		},
		Dedup: DedupConfig{
			Window:        getEnvDuration("DEDUP_WINDOW", 60*time.Second),
			SweepInterval: 30 * time.Second,
		},
		Notify: NotifyConfig{
			Timeout: getEnvDuration("NOTIFY_TIMEOUT", 10*time.Second),
		},
		API: APIConfig{
			ListenAddr:      getEnv("API_LISTEN_ADDR", ":8080"),
			ShutdownTimeout: 30 * time.Second,
		},
		Console: ConsoleConfig{
			WordDelay: 0,
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}
}

// RedisAddr returns the full Redis address
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendRedis:
		if c.Redis.Host == "" {
			return fmt.Errorf("redis host cannot be empty")
		}
	case BackendSQLite:
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite path cannot be empty")
		}
	default:
		return fmt.Errorf("unknown store backend %q (want %s or %s)", c.Store.Backend, BackendRedis, BackendSQLite)
	}

	if c.Batch.BaseURL == "" {
		return fmt.Errorf("batch base URL cannot be empty")
	}
	if c.Batch.APIKey == "" {
		return fmt.Errorf("DOUBLEWORD_API_KEY must be set")
	}
	if c.Batch.Model == "" {
		return fmt.Errorf("batch model cannot be empty")
	}
	if c.Submit.Retries < 0 {
		return fmt.Errorf("submit retries cannot be negative")
	}
	if c.Poller.Interval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.Poller.MaxFailures < 1 {
		return fmt.Errorf("poll max failures must be at least 1")
	}
	if c.Dedup.Window <= 0 {
		return fmt.Errorf("dedup window must be positive")
	}
	if c.Notify.Timeout <= 0 {
		return fmt.Errorf("notify timeout must be positive")
	}
	return nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt parses an integer environment variable, falling back on error
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvFloat parses a float environment variable, falling back on error
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration parses a duration such as "10s", falling back on error
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
