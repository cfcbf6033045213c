package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sanchitmoh/DOCDUMP-sub002/internal/errors"
)

type Config struct {
	// Queue store.
	RedisAddr        string
	RedisDB          int
	RedisPassword    string
	RedisUsername    string
	RedisPoolSize    int
	RedisPingTimeout time.Duration

	// System of record. Empty DSN runs the dispatcher without durable job
	// status persistence, which is only meant for development.
	PostgresDSN string

	// Dispatcher tunables. Reconfigurable at runtime, applied on next start.
	TickInterval      time.Duration
	BatchSize         int
	MaxConcurrentJobs int
	JobTimeout        time.Duration
	RetryDelay        time.Duration
	MaxRetryDelay     time.Duration
	MaxRetries        int
	ShutdownTimeout   time.Duration
	PromoteInterval   time.Duration

	// Health thresholds over aggregate queue depth.
	DepthWarning  int64
	DepthCritical int64

	// Admin surface.
	ListenAddr string

	// Cron spec for the periodic storage reconciliation producer.
	SyncSchedule string

	// Downstream provider services.
	ExtractorURL string
	StorageURL   string
	SearchURL    string
}

func (c *Config) SetDefaults() {
	if c.RedisAddr == "" {
		c.RedisAddr = "localhost:6379"
	}
	if c.RedisPoolSize == 0 {
		c.RedisPoolSize = 10
	}
	if c.RedisPingTimeout == 0 {
		c.RedisPingTimeout = 5 * time.Second
	}
	if c.TickInterval == 0 {
		c.TickInterval = 500 * time.Millisecond
	}
	if c.BatchSize == 0 {
		c.BatchSize = 10
	}
	if c.MaxConcurrentJobs == 0 {
		c.MaxConcurrentJobs = 8
	}
	if c.JobTimeout == 0 {
		c.JobTimeout = 2 * time.Minute
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.MaxRetryDelay == 0 {
		c.MaxRetryDelay = 5 * time.Minute
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.PromoteInterval == 0 {
		c.PromoteInterval = time.Second
	}
	if c.DepthWarning == 0 {
		c.DepthWarning = 1000
	}
	if c.DepthCritical == 0 {
		c.DepthCritical = 5000
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8090"
	}
	if c.SyncSchedule == "" {
		c.SyncSchedule = "@every 15m"
	}
	if c.ExtractorURL == "" {
		c.ExtractorURL = "http://localhost:9101"
	}
	if c.StorageURL == "" {
		c.StorageURL = "http://localhost:9102"
	}
	if c.SearchURL == "" {
		c.SearchURL = "http://localhost:9103"
	}
}

func (c *Config) Validate() error {
	if c.RedisAddr == "" {
		return &errors.ValidationError{Field: "redis_addr", Message: "must be provided"}
	}
	if c.RedisPoolSize < 1 {
		return &errors.ValidationError{Field: "redis_pool_size", Message: "must be >= 1"}
	}
	if c.TickInterval <= 0 {
		return &errors.ValidationError{Field: "tick_interval", Message: "must be > 0"}
	}
	if c.BatchSize < 1 {
		return &errors.ValidationError{Field: "batch_size", Message: "must be >= 1"}
	}
	if c.MaxConcurrentJobs < 1 {
		return &errors.ValidationError{Field: "max_concurrent_jobs", Message: "must be >= 1"}
	}
	if c.JobTimeout <= 0 {
		return &errors.ValidationError{Field: "job_timeout", Message: "must be > 0"}
	}
	if c.RetryDelay <= 0 {
		return &errors.ValidationError{Field: "retry_delay", Message: "must be > 0"}
	}
	if c.MaxRetries < 0 {
		return &errors.ValidationError{Field: "max_retries", Message: "must be >= 0"}
	}
	if c.ShutdownTimeout <= 0 {
		return &errors.ValidationError{Field: "shutdown_timeout", Message: "must be > 0"}
	}
	if c.DepthCritical < c.DepthWarning {
		return &errors.ValidationError{Field: "depth_critical", Message: "must be >= depth_warning"}
	}
	return nil
}

// FromEnv builds a config from environment variables with defaults applied.
func FromEnv() *Config {
	c := &Config{
		RedisAddr:         getEnv("REDIS_ADDR", ""),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisUsername:     getEnv("REDIS_USERNAME", ""),
		PostgresDSN:       getEnv("POSTGRES_DSN", ""),
		ListenAddr:        getEnv("LISTEN_ADDR", ""),
		SyncSchedule:      getEnv("SYNC_SCHEDULE", ""),
		ExtractorURL:      getEnv("EXTRACTOR_URL", ""),
		StorageURL:        getEnv("STORAGE_URL", ""),
		SearchURL:         getEnv("SEARCH_URL", ""),
		BatchSize:         getEnvInt("BATCH_SIZE", 0),
		MaxConcurrentJobs: getEnvInt("MAX_CONCURRENT_JOBS", 0),
		MaxRetries:        getEnvInt("MAX_RETRIES", 0),
		TickInterval:      getEnvDuration("TICK_INTERVAL", 0),
		JobTimeout:        getEnvDuration("JOB_TIMEOUT", 0),
		RetryDelay:        getEnvDuration("RETRY_DELAY", 0),
	}
	c.SetDefaults()
	return c
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// Tunables is the runtime-reconfigurable subset exposed on the admin surface.
type Tunables struct {
	BatchSize         int           `json:"batch_size"`
	MaxConcurrentJobs int           `json:"max_concurrent_jobs"`
	JobTimeout        time.Duration `json:"job_timeout"`
	RetryDelay        time.Duration `json:"retry_delay"`
	MaxRetries        int           `json:"max_retries"`
}

func (c *Config) ApplyTunables(t Tunables) error {
	next := *c
	if t.BatchSize != 0 {
		next.BatchSize = t.BatchSize
	}
	if t.MaxConcurrentJobs != 0 {
		next.MaxConcurrentJobs = t.MaxConcurrentJobs
	}
	if t.JobTimeout != 0 {
		next.JobTimeout = t.JobTimeout
	}
	if t.RetryDelay != 0 {
		next.RetryDelay = t.RetryDelay
	}
	if t.MaxRetries != 0 {
		next.MaxRetries = t.MaxRetries
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("reconfigure: %w", err)
	}
	*c = next
	return nil
}
