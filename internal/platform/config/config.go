package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries everything the pipeline needs at startup so main stays lean.
type Config struct {
	Addr        string
	DatabaseURL string
	Redis       RedisConfig
	Kafka       KafkaConfig
	Download    DownloadConfig
	Notify      NotifyConfig
	Scheduler   SchedulerConfig
	Runs        RunConfig
}

// RedisConfig configures the optional Redis client used for the distributed
// per-source run lock and the last-content-hash cache.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig configures the optional Kafka notification channel.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// DownloadConfig bounds the fetch layer shared by all source adapters.
type DownloadConfig struct {
	Timeout           time.Duration
	MaxAttempts       int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	MaxConnections    int64
	PerSourceInterval time.Duration
	MinPayloadBytes   int64
	UserAgent         string
}

// NotifyConfig bounds the dispatcher's batching and per-channel retries.
type NotifyConfig struct {
	BatchWindow time.Duration
	MaxAttempts int
	BaseBackoff time.Duration
	WebhookURL  string
	EmailAddr   string
	EmailFrom   string
	EmailTo     []string
}

// SchedulerConfig sets the trigger intervals per source tier.
type SchedulerConfig struct {
	Enabled       bool
	Tier1Interval time.Duration
	Tier2Interval time.Duration
}

// RunConfig bounds run lifetimes for the liveness sweep.
type RunConfig struct {
	MaxLifetime   time.Duration
	SweepInterval time.Duration
}

// FromEnv builds the full config from environment variables with development
// defaults. Production deployments override via the environment.
func FromEnv() Config {
	return Config{
		Addr:        getenv("TRUSTCHECK_ADDR", ":8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     getint("REDIS_POOL_SIZE", 10),
			MinIdleConns: getint("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getdur("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getdur("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getdur("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers: getlist("KAFKA_BROKERS"),
			Topic:   getenv("KAFKA_TOPIC", "sanctions.change-events"),
		},
		Download: DownloadConfig{
			Timeout:           getdur("DOWNLOAD_TIMEOUT", 2*time.Minute),
			MaxAttempts:       getint("DOWNLOAD_MAX_ATTEMPTS", 5),
			BaseBackoff:       getdur("DOWNLOAD_BASE_BACKOFF", 2*time.Second),
			MaxBackoff:        getdur("DOWNLOAD_MAX_BACKOFF", time.Minute),
			MaxConnections:    int64(getint("DOWNLOAD_MAX_CONNECTIONS", 4)),
			PerSourceInterval: getdur("DOWNLOAD_PER_SOURCE_INTERVAL", 30*time.Second),
			MinPayloadBytes:   int64(getint("DOWNLOAD_MIN_PAYLOAD_BYTES", 1000)),
			UserAgent:         getenv("DOWNLOAD_USER_AGENT", "TrustCheck-Compliance-Platform/1.0 (sanctions-monitoring)"),
		},
		Notify: NotifyConfig{
			BatchWindow: getdur("NOTIFY_BATCH_WINDOW", 5*time.Minute),
			MaxAttempts: getint("NOTIFY_MAX_ATTEMPTS", 4),
			BaseBackoff: getdur("NOTIFY_BASE_BACKOFF", time.Second),
			WebhookURL:  os.Getenv("NOTIFY_WEBHOOK_URL"),
			EmailAddr:   os.Getenv("NOTIFY_SMTP_ADDR"),
			EmailFrom:   getenv("NOTIFY_EMAIL_FROM", "trustcheck-alerts@localhost"),
			EmailTo:     getlist("NOTIFY_EMAIL_TO"),
		},
		Scheduler: SchedulerConfig{
			Enabled:       getenv("SCHEDULER_ENABLED", "true") == "true",
			Tier1Interval: getdur("SCHEDULER_TIER1_INTERVAL", 6*time.Hour),
			Tier2Interval: getdur("SCHEDULER_TIER2_INTERVAL", 24*time.Hour),
		},
		Runs: RunConfig{
			MaxLifetime:   getdur("RUN_MAX_LIFETIME", 30*time.Minute),
			SweepInterval: getdur("RUN_SWEEP_INTERVAL", 5*time.Minute),
		},
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getdur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getlist(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
