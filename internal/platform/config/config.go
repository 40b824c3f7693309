// Package config builds runtime configuration from environment variables so
// main stays lean.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Server captures top-level service configuration.
type Server struct {
	Addr          string
	DatabaseURL   string
	JWTSigningKey string

	Redis        RedisConfig
	Ledger       LedgerConfig
	Orchestrator OrchestratorConfig
	Reconciler   ReconcilerConfig
	Notify       NotifyConfig
	Verify       VerifyConfig
}

// RedisConfig controls the optional Redis fast-path cache.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// LedgerConfig controls the external anchor ledger client.
type LedgerConfig struct {
	BaseURL         string
	APIToken        string
	RequestTimeout  time.Duration
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	BreakerFailures int
	BreakerSuccess  int
	BreakerCooldown time.Duration
}

// OrchestratorConfig controls the registration worker pool.
type OrchestratorConfig struct {
	Workers   int
	QueueSize int
}

// ReconcilerConfig controls the background drift-repair loop.
type ReconcilerConfig struct {
	Interval          time.Duration
	StaleAfter        time.Duration
	FailAfter         time.Duration
	MaxRetries        int
	RepairConcurrency int
}

// NotifyConfig controls the state-change event channel. An empty broker list
// keeps fan-out in process.
type NotifyConfig struct {
	KafkaBrokers []string
	Topic        string
}

// VerifyConfig controls the verification query engine.
type VerifyConfig struct {
	CacheTTL time.Duration
}

// FromEnv builds a Server config from environment variables.
func FromEnv() Server {
	return Server{
		Addr:          envStr("ANCHORLINE_ADDR", ":8080"),
		DatabaseURL:   envStr("ANCHORLINE_DATABASE_URL", ""),
		JWTSigningKey: envStr("ANCHORLINE_JWT_SIGNING_KEY", ""),
		Redis: RedisConfig{
			URL:          envStr("ANCHORLINE_REDIS_URL", ""),
			PoolSize:     envInt("ANCHORLINE_REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("ANCHORLINE_REDIS_MIN_IDLE", 2),
			DialTimeout:  envDuration("ANCHORLINE_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("ANCHORLINE_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("ANCHORLINE_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Ledger: LedgerConfig{
			BaseURL:         envStr("ANCHORLINE_LEDGER_URL", "http://localhost:9090"),
			APIToken:        envStr("ANCHORLINE_LEDGER_TOKEN", ""),
			RequestTimeout:  envDuration("ANCHORLINE_LEDGER_TIMEOUT", 10*time.Second),
			MaxAttempts:     envInt("ANCHORLINE_LEDGER_MAX_ATTEMPTS", 5),
			BackoffBase:     envDuration("ANCHORLINE_LEDGER_BACKOFF_BASE", 250*time.Millisecond),
			BackoffCap:      envDuration("ANCHORLINE_LEDGER_BACKOFF_CAP", 8*time.Second),
			BreakerFailures: envInt("ANCHORLINE_LEDGER_BREAKER_FAILURES", 5),
			BreakerSuccess:  envInt("ANCHORLINE_LEDGER_BREAKER_SUCCESSES", 3),
			BreakerCooldown: envDuration("ANCHORLINE_LEDGER_BREAKER_COOLDOWN", 30*time.Second),
		},
		Orchestrator: OrchestratorConfig{
			Workers:   envInt("ANCHORLINE_WORKERS", 4),
			QueueSize: envInt("ANCHORLINE_QUEUE_SIZE", 256),
		},
		Reconciler: ReconcilerConfig{
			Interval:          envDuration("ANCHORLINE_RECONCILE_INTERVAL", 3*time.Minute),
			StaleAfter:        envDuration("ANCHORLINE_RECONCILE_STALE_AFTER", 5*time.Minute),
			FailAfter:         envDuration("ANCHORLINE_RECONCILE_FAIL_AFTER", 30*time.Minute),
			MaxRetries:        envInt("ANCHORLINE_RECONCILE_MAX_RETRIES", 3),
			RepairConcurrency: envInt("ANCHORLINE_RECONCILE_CONCURRENCY", 4),
		},
		Notify: NotifyConfig{
			KafkaBrokers: envList("ANCHORLINE_KAFKA_BROKERS"),
			Topic:        envStr("ANCHORLINE_KAFKA_TOPIC", "anchorline.evidence.events"),
		},
		Verify: VerifyConfig{
			CacheTTL: envDuration("ANCHORLINE_VERIFY_CACHE_TTL", 10*time.Minute),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
