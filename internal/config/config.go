// Package config loads the credit service configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"creditcore/internal/fraud"
	"creditcore/internal/ledger"
	"creditcore/internal/logging"
)

// Config holds every tunable of the credit service.
type Config struct {
	HTTPAddr        string        `env:"CREDIT_HTTP_ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"CREDIT_SHUTDOWN_TIMEOUT" envDefault:"15s"`

	// DatabaseURL selects the Postgres ledger and journal. Empty keeps
	// everything in memory.
	DatabaseURL string `env:"CREDIT_DATABASE_URL"`
	// RedisAddr selects the Redis idempotency store. Empty keeps keys in memory.
	RedisAddr      string        `env:"CREDIT_REDIS_ADDR"`
	IdempotencyTTL time.Duration `env:"CREDIT_IDEMPOTENCY_TTL" envDefault:"24h"`

	StoreTimeout       time.Duration `env:"CREDIT_STORE_TIMEOUT" envDefault:"2s"`
	StoreReadAttempts  uint          `env:"CREDIT_STORE_READ_ATTEMPTS" envDefault:"3"`
	RetryInterval      time.Duration `env:"CREDIT_STORE_RETRY_INTERVAL" envDefault:"50ms"`
	BreakerFailures    uint32        `env:"CREDIT_BREAKER_FAILURES" envDefault:"5"`
	BreakerOpenTimeout time.Duration `env:"CREDIT_BREAKER_OPEN_TIMEOUT" envDefault:"10s"`

	FraudThreshold  int64    `env:"CREDIT_FRAUD_HIGH_AMOUNT" envDefault:"100000"`
	RiskyCategories []string `env:"CREDIT_FRAUD_RISKY_CATEGORIES" envSeparator:"," envDefault:"gambling,casino,adult"`
	DisabledRules   []string `env:"CREDIT_FRAUD_DISABLED_RULES" envSeparator:","`
	// FraudRulesFile, when set, replaces the three fraud settings above.
	FraudRulesFile string `env:"CREDIT_FRAUD_RULES_FILE"`

	RateLimit float64 `env:"CREDIT_RATE_LIMIT" envDefault:"200"`
	RateBurst int     `env:"CREDIT_RATE_BURST" envDefault:"400"`

	LogLevel       string              `env:"CREDIT_LOG_LEVEL"`
	LogEnvironment logging.Environment `env:"CREDIT_ENV" envDefault:"production"`
	OTLPEndpoint   string              `env:"CREDIT_OTEL_ENDPOINT"`

	TransactionPrefix string `env:"CREDIT_TX_PREFIX" envDefault:"TX"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("CREDIT_HTTP_ADDR must not be empty")
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("CREDIT_STORE_TIMEOUT must be positive, got %s", c.StoreTimeout)
	}
	if c.StoreReadAttempts == 0 {
		return fmt.Errorf("CREDIT_STORE_READ_ATTEMPTS must be at least 1")
	}
	if c.BreakerFailures == 0 {
		return fmt.Errorf("CREDIT_BREAKER_FAILURES must be at least 1")
	}
	if c.RateLimit <= 0 || c.RateBurst <= 0 {
		return fmt.Errorf("CREDIT_RATE_LIMIT and CREDIT_RATE_BURST must be positive")
	}
	if c.IdempotencyTTL <= 0 {
		return fmt.Errorf("CREDIT_IDEMPOTENCY_TTL must be positive, got %s", c.IdempotencyTTL)
	}
	return nil
}

// Resilience returns the store wrapper settings.
func (c Config) Resilience() ledger.ResilienceConfig {
	return ledger.ResilienceConfig{
		Timeout:              c.StoreTimeout,
		ReadAttempts:         c.StoreReadAttempts,
		RetryInitialInterval: c.RetryInterval,
		BreakerFailures:      c.BreakerFailures,
		BreakerOpenTimeout:   c.BreakerOpenTimeout,
	}
}

// Fraud returns the fraud rule settings, reading the rules file when one is
// configured.
func (c Config) Fraud() (fraud.Config, error) {
	if c.FraudRulesFile != "" {
		return fraud.LoadConfig(c.FraudRulesFile)
	}
	cfg := fraud.Config{
		HighAmountThreshold: c.FraudThreshold,
		RiskyCategories:     c.RiskyCategories,
		DisabledRules:       c.DisabledRules,
	}
	if err := cfg.Validate(); err != nil {
		return fraud.Config{}, err
	}
	return cfg, nil
}

// Logging returns the logger settings for the named service.
func (c Config) Logging(service string) logging.Config {
	return logging.Config{Environment: c.LogEnvironment, Level: c.LogLevel, Service: service}
}
