package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/congo-pay/transfer-saga/internal/retry"
)

const (
	defaultAppName          = "TransferSaga"
	defaultAppEnv           = "development"
	defaultPort             = "8080"
	defaultLogLevel         = "info"
	defaultShutdownDelay    = 10 * time.Second
	defaultIdempotencyTTL   = 24 * time.Hour
	defaultPublishTimeout   = 5 * time.Second
	defaultConsumerGroup    = "wallet-service"
	defaultConsumerWorkers  = 8
	defaultOutboxInterval   = 500 * time.Millisecond
	defaultOutboxBatchSize  = 100
	defaultSagaStaleAfter   = 5 * time.Minute
	defaultSagaReapInterval = time.Minute
	defaultTransferRate     = 30
	idemTTLSecondsEnvVar    = "IDEMPOTENCY_TTL_SECONDS"
	idemTTLDurEnvVar        = "IDEMPOTENCY_TTL"
	shutdownSecondsEnvVar   = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar  = "SHUTDOWN_TIMEOUT"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	DatabaseURL    string
	RedisURL       string
	// Zero pool sizes keep the driver defaults.
	DBMaxConns    int
	DBMinConns    int
	RedisPoolSize int
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	// PublishTimeout bounds every outbound event publish.
	PublishTimeout time.Duration
	LedgerRetry    retry.Policy
	PublishRetry   retry.Policy

	ConsumerGroup   string
	ConsumerName    string
	ConsumerWorkers int

	OutboxPollInterval time.Duration
	OutboxBatchSize    int

	SagaStaleAfter   time.Duration
	SagaReapInterval time.Duration

	TransferRateLimit int
}

// Load reads configuration values from the environment, after merging a .env
// file when one exists, and populates a Config instance.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return fromEnv()
}

func fromEnv() (Config, error) {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "consumer-1"
	}

	cfg := Config{
		AppName:       getEnv("APP_NAME", defaultAppName),
		AppEnv:        getEnv("APP_ENV", defaultAppEnv),
		Port:          getEnv("PORT", defaultPort),
		LogLevel:      strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisURL:      os.Getenv("REDIS_URL"),
		ConsumerGroup: getEnv("CONSUMER_GROUP", defaultConsumerGroup),
		ConsumerName:  getEnv("CONSUMER_NAME", hostname),
	}

	var err error
	if cfg.ShutdownPeriod, err = durationEnv(shutdownSecondsEnvVar, shutdownDurationEnvVar, defaultShutdownDelay); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = durationEnv(idemTTLSecondsEnvVar, idemTTLDurEnvVar, defaultIdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.PublishTimeout, err = durationEnv("", "PUBLISH_TIMEOUT", defaultPublishTimeout); err != nil {
		return Config{}, err
	}
	if cfg.LedgerRetry, err = policyEnv("LEDGER_RETRY", retry.Default); err != nil {
		return Config{}, err
	}
	publishDefault := retry.Policy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 5 * time.Minute, Multiplier: 2, Jitter: true}
	if cfg.PublishRetry, err = policyEnv("PUBLISH_RETRY", publishDefault); err != nil {
		return Config{}, err
	}
	if cfg.ConsumerWorkers, err = intEnv("CONSUMER_WORKERS", defaultConsumerWorkers); err != nil {
		return Config{}, err
	}
	if cfg.OutboxPollInterval, err = durationEnv("", "OUTBOX_POLL_INTERVAL", defaultOutboxInterval); err != nil {
		return Config{}, err
	}
	if cfg.OutboxBatchSize, err = intEnv("OUTBOX_BATCH_SIZE", defaultOutboxBatchSize); err != nil {
		return Config{}, err
	}
	if cfg.SagaStaleAfter, err = durationEnv("", "SAGA_STALE_AFTER", defaultSagaStaleAfter); err != nil {
		return Config{}, err
	}
	if cfg.SagaReapInterval, err = durationEnv("", "SAGA_REAP_INTERVAL", defaultSagaReapInterval); err != nil {
		return Config{}, err
	}
	if cfg.DBMaxConns, err = intEnv("DB_MAX_CONNS", 0); err != nil {
		return Config{}, err
	}
	if cfg.DBMinConns, err = intEnv("DB_MIN_CONNS", 0); err != nil {
		return Config{}, err
	}
	if cfg.RedisPoolSize, err = intEnv("REDIS_POOL_SIZE", 0); err != nil {
		return Config{}, err
	}
	if cfg.TransferRateLimit, err = intEnv("TRANSFER_RATE_LIMIT_PER_MIN", defaultTransferRate); err != nil {
		return Config{}, err
	}

	if !cfg.IsDevelopment() {
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL must be set when APP_ENV=%s", cfg.AppEnv)
		}
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("REDIS_URL must be set when APP_ENV=%s", cfg.AppEnv)
		}
	}

	return cfg, nil
}

// IsDevelopment reports whether the process may fall back to in-memory
// stores and bus.
func (c Config) IsDevelopment() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return n, nil
}

// durationEnv reads a whole-seconds variable first, then a Go duration string.
func durationEnv(secondsKey, durationKey string, fallback time.Duration) (time.Duration, error) {
	if secondsKey != "" {
		if v := os.Getenv(secondsKey); v != "" {
			seconds, err := strconv.Atoi(v)
			if err != nil {
				return 0, fmt.Errorf("invalid %s: %w", secondsKey, err)
			}
			return time.Duration(seconds) * time.Second, nil
		}
	}
	if v := os.Getenv(durationKey); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", durationKey, err)
		}
		return d, nil
	}
	return fallback, nil
}

func policyEnv(prefix string, fallback retry.Policy) (retry.Policy, error) {
	p := fallback
	var err error
	if p.MaxAttempts, err = intEnv(prefix+"_MAX_ATTEMPTS", fallback.MaxAttempts); err != nil {
		return p, err
	}
	if p.BaseDelay, err = durationEnv("", prefix+"_BASE_DELAY", fallback.BaseDelay); err != nil {
		return p, err
	}
	if p.MaxDelay, err = durationEnv("", prefix+"_MAX_DELAY", fallback.MaxDelay); err != nil {
		return p, err
	}
	if p.MaxDelay < p.BaseDelay {
		return p, fmt.Errorf("invalid %s_MAX_DELAY: below base delay %s", prefix, p.BaseDelay)
	}
	return p, nil
}
