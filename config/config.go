// Package config loads daemon configuration. Values come from an optional
// TOML file overridden by AGENTPAY_* environment variables; defaults live in
// code so a bare `agentpayd` starts with the in-memory store.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Supported database drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the full daemon configuration.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	Environment   string `toml:"Environment"`

	DatabaseDriver string `toml:"DatabaseDriver"`
	DatabaseDSN    string `toml:"DatabaseDSN"`

	ExecutionURL       string        `toml:"ExecutionURL"`
	ExecutionAuthToken string        `toml:"ExecutionAuthToken"`
	ExecutionTimeout   time.Duration `toml:"-"`

	BreakerFailureThreshold int           `toml:"BreakerFailureThreshold"`
	BreakerSuccessThreshold int           `toml:"BreakerSuccessThreshold"`
	BreakerOpenTimeout      time.Duration `toml:"-"`
	BreakerResetTimeout     time.Duration `toml:"-"`

	WebhookTimeout      time.Duration `toml:"-"`
	WebhookScanInterval time.Duration `toml:"-"`
	BudgetSweepInterval time.Duration `toml:"-"`

	OwnerJWTSecret string `toml:"OwnerJWTSecret"`

	VAPIDPublicKey  string `toml:"VAPIDPublicKey"`
	VAPIDPrivateKey string `toml:"VAPIDPrivateKey"`
	VAPIDSubject    string `toml:"VAPIDSubject"`

	LogLevel string `toml:"LogLevel"`
	LogFile  string `toml:"LogFile"`

	// Raw duration strings from TOML; resolved in Load.
	ExecutionTimeoutRaw    string `toml:"ExecutionTimeout"`
	BreakerOpenTimeoutRaw  string `toml:"BreakerOpenTimeout"`
	BreakerResetTimeoutRaw string `toml:"BreakerResetTimeout"`
	WebhookTimeoutRaw      string `toml:"WebhookTimeout"`
	WebhookScanIntervalRaw string `toml:"WebhookScanInterval"`
	BudgetSweepIntervalRaw string `toml:"BudgetSweepInterval"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddress:           ":8650",
		Environment:             "dev",
		DatabaseDriver:          DriverMemory,
		ExecutionTimeout:        5 * time.Second,
		BreakerFailureThreshold: 3,
		BreakerSuccessThreshold: 2,
		BreakerOpenTimeout:      30 * time.Second,
		BreakerResetTimeout:     60 * time.Second,
		WebhookTimeout:          30 * time.Second,
		WebhookScanInterval:     5 * time.Second,
		BudgetSweepInterval:     time.Minute,
		LogLevel:                "info",
	}
}

// Load builds the configuration from the TOML file at path (skipped when
// path is empty or missing) and then the environment. It validates before
// returning.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return cfg, fmt.Errorf("decode config file %s: %w", path, err)
			}
			if err := cfg.resolveDurations(); err != nil {
				return cfg, err
			}
		} else if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("stat config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) resolveDurations() error {
	pairs := []struct {
		raw string
		dst *time.Duration
		key string
	}{
		{c.ExecutionTimeoutRaw, &c.ExecutionTimeout, "ExecutionTimeout"},
		{c.BreakerOpenTimeoutRaw, &c.BreakerOpenTimeout, "BreakerOpenTimeout"},
		{c.BreakerResetTimeoutRaw, &c.BreakerResetTimeout, "BreakerResetTimeout"},
		{c.WebhookTimeoutRaw, &c.WebhookTimeout, "WebhookTimeout"},
		{c.WebhookScanIntervalRaw, &c.WebhookScanInterval, "WebhookScanInterval"},
		{c.BudgetSweepIntervalRaw, &c.BudgetSweepInterval, "BudgetSweepInterval"},
	}
	for _, p := range pairs {
		if p.raw == "" {
			continue
		}
		d, err := time.ParseDuration(p.raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", p.key, err)
		}
		*p.dst = d
	}
	return nil
}

func (c *Config) applyEnv() {
	setString(&c.ListenAddress, "AGENTPAY_LISTEN")
	setString(&c.Environment, "AGENTPAY_ENV")
	setString(&c.DatabaseDriver, "AGENTPAY_DB_DRIVER")
	setString(&c.DatabaseDSN, "AGENTPAY_DB_DSN")
	setString(&c.ExecutionURL, "AGENTPAY_EXECUTION_URL")
	setString(&c.ExecutionAuthToken, "AGENTPAY_EXECUTION_TOKEN")
	setString(&c.OwnerJWTSecret, "AGENTPAY_OWNER_JWT_SECRET")
	setString(&c.VAPIDPublicKey, "AGENTPAY_VAPID_PUBLIC_KEY")
	setString(&c.VAPIDPrivateKey, "AGENTPAY_VAPID_PRIVATE_KEY")
	setString(&c.VAPIDSubject, "AGENTPAY_VAPID_SUBJECT")
	setString(&c.LogLevel, "AGENTPAY_LOG_LEVEL")
	setString(&c.LogFile, "AGENTPAY_LOG_FILE")
	setInt(&c.BreakerFailureThreshold, "AGENTPAY_BREAKER_FAILURES")
	setInt(&c.BreakerSuccessThreshold, "AGENTPAY_BREAKER_SUCCESSES")
	setDuration(&c.ExecutionTimeout, "AGENTPAY_EXECUTION_TIMEOUT")
	setDuration(&c.BreakerOpenTimeout, "AGENTPAY_BREAKER_OPEN_TIMEOUT")
	setDuration(&c.BreakerResetTimeout, "AGENTPAY_BREAKER_RESET_TIMEOUT")
	setDuration(&c.WebhookTimeout, "AGENTPAY_WEBHOOK_TIMEOUT")
	setDuration(&c.WebhookScanInterval, "AGENTPAY_WEBHOOK_SCAN_INTERVAL")
	setDuration(&c.BudgetSweepInterval, "AGENTPAY_BUDGET_SWEEP_INTERVAL")
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database driver %q requires AGENTPAY_DB_DSN", c.DatabaseDriver)
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.DatabaseDriver)
	}
	if c.BreakerFailureThreshold <= 0 || c.BreakerSuccessThreshold <= 0 {
		return fmt.Errorf("breaker thresholds must be positive")
	}
	if c.WebhookScanInterval <= 0 {
		return fmt.Errorf("webhook scan interval must be positive")
	}
	if strings.TrimSpace(c.OwnerJWTSecret) == "" {
		return fmt.Errorf("owner JWT secret is required")
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
