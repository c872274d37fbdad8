// Package config provides configuration loading for the order sync core.
package config

import (
	"os"
	"strconv"
	"time"
)

// Defaults applied by Validate. Batch size and the subitem ceiling follow the
// remote API's documented limits.
const (
	DefaultBatchSize   = 5
	MaxBatchSize       = 50
	DefaultConcurrency = 3
	DefaultMaxAttempts = 4

	DefaultInterBatchDelay = 100 * time.Millisecond
	DefaultInterItemDelay  = 50 * time.Millisecond
	DefaultBatchTimeout    = 25 * time.Second
	DefaultItemTimeout     = 10 * time.Second

	DefaultBackoffBase   = 2 * time.Second
	DefaultBackoffCap    = 60 * time.Second
	DefaultRetryAfterPad = 1 * time.Second

	DefaultRateLimit = 10.0
	DefaultRateBurst = 5

	DefaultFetchLimit = 500
	DefaultStaleLease = 15 * time.Minute
)

// Config is the explicit configuration struct for one sync process. It is
// constructed once at startup and passed by reference; there is no mutable
// process-wide state.
type Config struct {
	// Store settings
	DatabaseURL string
	FetchLimit  int           // most rows one run pulls per kind
	StaleLease  time.Duration // age after which an IN_FLIGHT lease is reclaimed

	// Remote API settings
	APIURL    string
	APIToken  string
	BoardID   string
	RateLimit float64
	RateBurst int

	// Batch settings
	BatchSize       int
	Concurrency     int
	InterBatchDelay time.Duration
	InterItemDelay  time.Duration
	BatchTimeout    time.Duration
	ItemTimeout     time.Duration

	// Retry settings
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	RetryAfterPad time.Duration

	// Archive settings
	ArchiveBucket string
	LogDir        string
	ArchiveAge    time.Duration
}

// Load reads configuration from environment variables, leaving zero values
// for anything unset so Validate can apply defaults.
func Load() *Config {
	return &Config{
		DatabaseURL: getEnv("ORDERSYNC_DATABASE_URL", ""),
		FetchLimit:  getEnvInt("ORDERSYNC_FETCH_LIMIT", DefaultFetchLimit),
		StaleLease:  getEnvDuration("ORDERSYNC_STALE_LEASE", DefaultStaleLease),

		APIURL:    getEnv("ORDERSYNC_API_URL", ""),
		APIToken:  getEnv("ORDERSYNC_API_TOKEN", ""),
		BoardID:   getEnv("ORDERSYNC_BOARD_ID", ""),
		RateLimit: getEnvFloat("ORDERSYNC_RATE_LIMIT", DefaultRateLimit),
		RateBurst: getEnvInt("ORDERSYNC_RATE_BURST", DefaultRateBurst),

		BatchSize:       getEnvInt("ORDERSYNC_BATCH_SIZE", DefaultBatchSize),
		Concurrency:     getEnvInt("ORDERSYNC_CONCURRENCY", DefaultConcurrency),
		InterBatchDelay: getEnvDuration("ORDERSYNC_INTER_BATCH_DELAY", DefaultInterBatchDelay),
		InterItemDelay:  getEnvDuration("ORDERSYNC_INTER_ITEM_DELAY", DefaultInterItemDelay),
		BatchTimeout:    getEnvDuration("ORDERSYNC_BATCH_TIMEOUT", DefaultBatchTimeout),
		ItemTimeout:     getEnvDuration("ORDERSYNC_ITEM_TIMEOUT", DefaultItemTimeout),

		MaxAttempts:   getEnvInt("ORDERSYNC_MAX_RETRIES", DefaultMaxAttempts),
		BackoffBase:   getEnvDuration("ORDERSYNC_BACKOFF_BASE", DefaultBackoffBase),
		BackoffCap:    getEnvDuration("ORDERSYNC_BACKOFF_CAP", DefaultBackoffCap),
		RetryAfterPad: getEnvDuration("ORDERSYNC_RETRY_AFTER_PAD", DefaultRetryAfterPad),

		ArchiveBucket: getEnv("ORDERSYNC_ARCHIVE_BUCKET", ""),
		LogDir:        getEnv("ORDERSYNC_LOG_DIR", ""),
		ArchiveAge:    getEnvDuration("ORDERSYNC_ARCHIVE_AGE", 24*time.Hour),
	}
}

// Validate checks required settings and applies defaults and clamps.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return &ValidationError{Field: "ORDERSYNC_DATABASE_URL", Message: "required"}
	}
	if c.APIURL == "" {
		return &ValidationError{Field: "ORDERSYNC_API_URL", Message: "required"}
	}
	if c.APIToken == "" {
		return &ValidationError{Field: "ORDERSYNC_API_TOKEN", Message: "required"}
	}
	if c.BoardID == "" {
		return &ValidationError{Field: "ORDERSYNC_BOARD_ID", Message: "required"}
	}

	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchSize > MaxBatchSize {
		c.BatchSize = MaxBatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RateLimit <= 0 {
		c.RateLimit = DefaultRateLimit
	}
	if c.RateBurst <= 0 {
		c.RateBurst = DefaultRateBurst
	}
	if c.InterBatchDelay <= 0 {
		c.InterBatchDelay = DefaultInterBatchDelay
	}
	if c.InterItemDelay <= 0 {
		c.InterItemDelay = DefaultInterItemDelay
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = DefaultBatchTimeout
	}
	if c.ItemTimeout <= 0 {
		c.ItemTimeout = DefaultItemTimeout
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffCap < c.BackoffBase {
		c.BackoffCap = DefaultBackoffCap
	}
	if c.RetryAfterPad < 0 {
		c.RetryAfterPad = DefaultRetryAfterPad
	}
	if c.FetchLimit <= 0 {
		c.FetchLimit = DefaultFetchLimit
	}
	if c.StaleLease <= 0 {
		c.StaleLease = DefaultStaleLease
	}
	if c.ArchiveAge <= 0 {
		c.ArchiveAge = 24 * time.Hour
	}
	return nil
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
