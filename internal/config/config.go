// Package config provides configuration management for the seed scraper pipeline.
// It loads configuration from environment variables and .env files.
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
	Server    ServerConfig
	Database  DatabaseConfig
	Queue     QueueConfig
	Scheduler SchedulerConfig
	Scrape    ScrapeConfig
	Email     EmailConfig
	Logging   LoggingConfig
}

// ServerConfig holds admin API server configuration
type ServerConfig struct {
	Port         string
	Host         string
	RateLimitRPS int
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres PostgresConfig
	Redis    RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// URL returns the connection URL used by migrations
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", c.User, c.Password, c.Host, c.Port, c.Database)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// QueueConfig holds durable queue configuration shared by all stages
type QueueConfig struct {
	Prefix            string
	Attempts          int
	Backoff           time.Duration // base delay, doubled per attempt
	LockDuration      time.Duration // worker lock; expiry without heartbeat marks the job stalled
	StallInterval     time.Duration
	PollInterval      time.Duration
	ScrapeConcurrency int
	DetectConcurrency int
	AlertConcurrency  int
}

// SchedulerConfig holds scheduling cadence and janitor configuration
type SchedulerConfig struct {
	AutoSpec       string // cron spec for the auto-mode cadence check
	JanitorSpec    string
	RetentionSpec  string
	CreatedTimeout time.Duration // CREATED records older than this without a queue entry are failed
	JobRetention   time.Duration // terminal records and queue entries older than this are deleted
}

// ScrapeConfig holds crawl-depth policy per mode
type ScrapeConfig struct {
	AutoMaxPages   int
	ManualMaxPages int
	HostRPS        int // page fetches per second per vendor host across all workers, 0 disables pacing
	HostReserved   int // part of HostRPS kept for manual and test scrapes
}

// EmailConfig holds price alert delivery configuration
type EmailConfig struct {
	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	From         string
	BaseURL      string // marketplace URL used in alert links
}

// Enabled reports whether SMTP delivery is configured
func (c EmailConfig) Enabled() bool {
	return c.SMTPHost != ""
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:         getEnv("SERVER_PORT", "8080"),
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			RateLimitRPS: getEnvAsInt("SERVER_RATE_LIMIT_RPS", 20),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "seed_market"),
				User:           getEnv("POSTGRES_USER", "seed"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Queue: QueueConfig{
			Prefix:            getEnv("QUEUE_PREFIX", "seedq"),
			Attempts:          getEnvAsInt("QUEUE_ATTEMPTS", 3),
			Backoff:           getEnvAsDuration("QUEUE_BACKOFF", 5*time.Second),
			LockDuration:      getEnvAsDuration("QUEUE_LOCK_DURATION", 30*time.Second),
			StallInterval:     getEnvAsDuration("QUEUE_STALL_INTERVAL", 30*time.Second),
			PollInterval:      getEnvAsDuration("QUEUE_POLL_INTERVAL", time.Second),
			ScrapeConcurrency: getEnvAsInt("SCRAPE_CONCURRENCY", 3),
			DetectConcurrency: getEnvAsInt("DETECT_CONCURRENCY", 2),
			AlertConcurrency:  getEnvAsInt("ALERT_CONCURRENCY", 5),
		},
		Scheduler: SchedulerConfig{
			AutoSpec:       getEnv("SCHEDULER_AUTO_SPEC", "@every 15m"),
			JanitorSpec:    getEnv("SCHEDULER_JANITOR_SPEC", "@every 5m"),
			RetentionSpec:  getEnv("SCHEDULER_RETENTION_SPEC", "@daily"),
			CreatedTimeout: getEnvAsDuration("SCHEDULER_CREATED_TIMEOUT", 2*time.Minute),
			JobRetention:   getEnvAsDuration("JOB_RETENTION", 30*24*time.Hour),
		},
		Scrape: ScrapeConfig{
			AutoMaxPages:   getEnvAsInt("AUTO_MAX_PAGES", 50),
			ManualMaxPages: getEnvAsInt("MANUAL_MAX_PAGES", 10),
			HostRPS:        getEnvAsInt("SCRAPE_HOST_RPS", 4),
			HostReserved:   getEnvAsInt("SCRAPE_HOST_RESERVED_RPS", 2),
		},
		Email: EmailConfig{
			SMTPHost:     getEnv("SMTP_HOST", ""),
			SMTPPort:     getEnv("SMTP_PORT", "587"),
			SMTPUsername: getEnv("SMTP_USERNAME", ""),
			SMTPPassword: getEnv("SMTP_PASSWORD", ""),
			From:         getEnv("SMTP_FROM", "alerts@seedmarket.local"),
			BaseURL:      strings.TrimRight(getEnv("ALERT_BASE_URL", "http://localhost:3000"), "/"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks values that would otherwise fail at runtime
func (c *Config) Validate() error {
	if c.Queue.Attempts < 1 {
		return fmt.Errorf("QUEUE_ATTEMPTS must be at least 1, got %d", c.Queue.Attempts)
	}
	if c.Queue.LockDuration < time.Second {
		return fmt.Errorf("QUEUE_LOCK_DURATION must be at least 1s, got %s", c.Queue.LockDuration)
	}
	for name, n := range map[string]int{
		"SCRAPE_CONCURRENCY": c.Queue.ScrapeConcurrency,
		"DETECT_CONCURRENCY": c.Queue.DetectConcurrency,
		"ALERT_CONCURRENCY":  c.Queue.AlertConcurrency,
	} {
		if n < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", name, n)
		}
	}
	if c.Scrape.HostRPS > 0 && (c.Scrape.HostReserved < 0 || c.Scrape.HostReserved > c.Scrape.HostRPS) {
		return fmt.Errorf("SCRAPE_HOST_RESERVED_RPS must be between 0 and SCRAPE_HOST_RPS (%d), got %d", c.Scrape.HostRPS, c.Scrape.HostReserved)
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
