// Package config resolves the service configuration: tuning knobs from
// environment variables with defaults, and secrets (connection URLs,
// feeder tokens) from Vault KV v2 when VAULT_ADDR is set, with a plain
// environment fallback for local development.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Config is the full runtime configuration of the ingestion core.
type Config struct {
	HTTPAddr string

	// Secrets (Vault or env).
	PGURL        string
	RedisURL     string
	NATSURL      string
	FeederTokens map[string]string // bearer token → feeder_id

	// Queue / retry.
	QueueBatchSize int
	ReserveTimeout time.Duration
	DrainTimeout   time.Duration
	MaxAttempts    int
	RetryBase      time.Duration
	RetryJitter    time.Duration
	PromoteBatch   int

	// Workers.
	WorkerCount     int
	DispatcherCount int
	StaleThreshold  time.Duration
	ShutdownGrace   time.Duration

	// Hot cache / read API.
	CacheMaxEntries     int
	CacheTTL            time.Duration
	MinResultsBeforeDB  int
	VisibilityFreshness time.Duration
	HistoryRetention    time.Duration

	// Position-update event thresholds.
	EventPositionEpsilonDeg float64
	EventAltitudeDeltaM     float64
	EventMaxInterval        time.Duration

	// Webhooks.
	WebhookTimeout time.Duration
	EnforceHTTPS   bool

	// Governor defaults (webhook subscriptions carry their own rate).
	FeederRatePerMinute int
	BreakerThreshold    int
	BreakerReset        time.Duration

	// Global-public source (OpenSky-style worldwide states endpoint).
	PublicPollInterval time.Duration
	PublicBaseURL      string
	PublicUsername     string
	PublicPassword     string

	// Regional-commercial source.
	RegionalPollInterval  time.Duration
	RegionalBaseURL       string
	RegionalAPIKey        string
	RegionalCellSizeDeg   float64
	RegionalReqPerSec     float64
	RegionalStaleInterval time.Duration
	RegionalLatMin        float64
	RegionalLatMax        float64
	RegionalLonMin        float64
	RegionalLonMax        float64
}

// Load reads tuning knobs from the environment, falling back to the
// documented defaults.
func Load() Config {
	return Config{
		HTTPAddr: envStr("HTTP_ADDR", ":8080"),

		QueueBatchSize: envInt("QUEUE_BATCH_SIZE", 200),
		ReserveTimeout: envDuration("QUEUE_POLL_INTERVAL_MS", 5000),
		DrainTimeout:   envDuration("QUEUE_DRAIN_TIMEOUT_MS", 50),
		MaxAttempts:    envInt("QUEUE_MAX_ATTEMPTS", 5),
		RetryBase:      envDuration("QUEUE_RETRY_BASE_MS", 1000),
		RetryJitter:    envDuration("QUEUE_RETRY_JITTER_MS", 500),
		PromoteBatch:   envInt("QUEUE_PROMOTE_BATCH", 500),

		WorkerCount:     envInt("INGEST_WORKERS", 4),
		DispatcherCount: envInt("DISPATCH_WORKERS", 4),
		StaleThreshold:  envDuration("STALE_THRESHOLD_MS", 10*60*1000),
		ShutdownGrace:   envDuration("SHUTDOWN_GRACE_MS", 30*1000),

		CacheMaxEntries:     envInt("LIVE_STATE_MAX_ENTRIES", 50000),
		CacheTTL:            envDuration("LIVE_STATE_TTL_MS", 5*60*1000),
		MinResultsBeforeDB:  envInt("MIN_RESULTS_BEFORE_DB_FALLBACK", 25),
		VisibilityFreshness: envDuration("VISIBILITY_FRESHNESS_MS", 15*60*1000),
		HistoryRetention:    envDuration("HISTORY_RETENTION_MS", 7*24*60*60*1000),

		EventPositionEpsilonDeg: envFloat("EVENT_POSITION_EPSILON_DEG", 0.001),
		EventAltitudeDeltaM:     envFloat("EVENT_ALTITUDE_DELTA_M", 50),
		EventMaxInterval:        envDuration("EVENT_MAX_INTERVAL_MS", 60*1000),

		WebhookTimeout: envDuration("WEBHOOK_TIMEOUT_MS", 10*1000),
		EnforceHTTPS:   envBool("WEBHOOK_ENFORCE_HTTPS", true),

		FeederRatePerMinute: envInt("FEEDER_RATE_LIMIT_PER_MINUTE", 600),
		BreakerThreshold:    envInt("BREAKER_THRESHOLD", 5),
		BreakerReset:        envDuration("BREAKER_RESET_MS", 300*1000),

		PublicPollInterval: envDuration("PUBLIC_POLL_INTERVAL_MS", 600*1000),
		PublicBaseURL:      envStr("PUBLIC_BASE_URL", "https://opensky-network.org/api"),
		PublicUsername:     os.Getenv("PUBLIC_USERNAME"),
		PublicPassword:     os.Getenv("PUBLIC_PASSWORD"),

		RegionalPollInterval:  envDuration("REGIONAL_POLL_INTERVAL_MS", 60*1000),
		RegionalBaseURL:       os.Getenv("REGIONAL_BASE_URL"),
		RegionalAPIKey:        os.Getenv("REGIONAL_API_KEY"),
		RegionalCellSizeDeg:   envFloat("REGIONAL_CELL_SIZE_DEG", 5),
		RegionalReqPerSec:     envFloat("REGIONAL_REQ_PER_SEC", 1),
		RegionalStaleInterval: envDuration("REGIONAL_STALE_INTERVAL_MS", 10*60*1000),
		RegionalLatMin:        envFloat("REGIONAL_LAT_MIN", 24),
		RegionalLatMax:        envFloat("REGIONAL_LAT_MAX", 50),
		RegionalLonMin:        envFloat("REGIONAL_LON_MIN", -125),
		RegionalLonMax:        envFloat("REGIONAL_LON_MAX", -66),
	}
}

// ResolveSecrets fills PGURL/RedisURL/NATSURL/FeederTokens. With
// VAULT_ADDR set the values come from the KV v2 secret at
// VAULT_SECRET_PATH under the VAULT_KV_MOUNT mount; otherwise the same
// keys are read from the environment. FEEDER_TOKENS is a JSON object
// {token: feeder_id}.
func (c *Config) ResolveSecrets(logger *zap.Logger) error {
	secrets := map[string]any{}

	if addr := os.Getenv("VAULT_ADDR"); addr != "" {
		token := envStr("VAULT_TOKEN", "root")
		mount := envStr("VAULT_KV_MOUNT", "secret")
		path := KV2Path(mount, envStr("VAULT_SECRET_PATH", "flyoverhead/api"))

		sm, err := NewSecretManager(addr, token)
		if err != nil {
			return fmt.Errorf("vault connection failed: %w", err)
		}
		secrets, err = sm.GetKV2(path)
		if err != nil {
			return fmt.Errorf("load secrets from vault: %w", err)
		}
		logger.Info("secrets loaded from Vault", zap.String("path", path))
	}

	c.PGURL = secretStr(secrets, "PG_URL")
	c.RedisURL = secretStr(secrets, "REDIS_URL")
	c.NATSURL = secretStr(secrets, "NATS_URL")

	if c.PGURL == "" {
		return fmt.Errorf("PG_URL is not configured")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is not configured")
	}

	rawTokens := secretStr(secrets, "FEEDER_TOKENS")
	c.FeederTokens = map[string]string{}
	if rawTokens != "" {
		if err := json.Unmarshal([]byte(rawTokens), &c.FeederTokens); err != nil {
			return fmt.Errorf("parse FEEDER_TOKENS: %w", err)
		}
	}
	return nil
}

// secretStr prefers the Vault value and falls back to the environment.
func secretStr(secrets map[string]any, key string) string {
	if v, ok := secrets[key].(string); ok && v != "" {
		return v
	}
	return os.Getenv(key)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// envDuration reads a millisecond-valued variable.
func envDuration(key string, defMS int64) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return time.Duration(defMS) * time.Millisecond
}
