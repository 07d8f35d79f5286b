package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Redis    RedisConfig
	Postgres PostgresConfig
	Vault    VaultConfig
	Settle   SettleConfig
	Verify   VerifyConfig
	Server   ServerConfig
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type VaultConfig struct {
	PrimaryURL   string `mapstructure:"primary_url"`
	SecondaryURL string `mapstructure:"secondary_url"`
	Authority    string `mapstructure:"authority"`
	FeeWallet    string `mapstructure:"fee_wallet"`
}

type SettleConfig struct {
	ExecutorIntervalSec  int64 `mapstructure:"executor_interval_sec"`
	ExecutorWindowMin    int64 `mapstructure:"executor_window_min"`
	ExpiryIntervalSec    int64 `mapstructure:"expiry_interval_sec"`
	ExpirationWindowMin  int64 `mapstructure:"expiration_window_min"`
	ReconcileIntervalSec int64 `mapstructure:"reconcile_interval_sec"`
	StuckThresholdMin    int64 `mapstructure:"stuck_threshold_min"`
	MaxExecutionAttempts int   `mapstructure:"max_execution_attempts"`
}

type VerifyConfig struct {
	InitialDelaySec int64 `mapstructure:"initial_delay_sec"`
	IntervalSec     int64 `mapstructure:"interval_sec"`
	MaxAttempts     int   `mapstructure:"max_attempts"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("settle.executor_interval_sec", 15)
	v.SetDefault("settle.executor_window_min", 120)
	v.SetDefault("settle.expiry_interval_sec", 300)
	v.SetDefault("settle.expiration_window_min", 30)
	v.SetDefault("settle.reconcile_interval_sec", 600)
	v.SetDefault("settle.stuck_threshold_min", 10)
	v.SetDefault("settle.max_execution_attempts", 10)
	v.SetDefault("verify.initial_delay_sec", 2)
	v.SetDefault("verify.interval_sec", 2)
	v.SetDefault("verify.max_attempts", 12)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"redis.addr":                    "REDIS_ADDR",
		"redis.password":                "REDIS_PASSWORD",
		"postgres.dsn":                  "DATABASE_URL",
		"vault.primary_url":             "VAULT_RPC_URL",
		"vault.secondary_url":           "VAULT_FALLBACK_RPC_URL",
		"vault.authority":               "VAULT_AUTHORITY",
		"vault.fee_wallet":              "FEE_WALLET",
		"settle.executor_interval_sec":  "EXECUTOR_INTERVAL_SEC",
		"settle.executor_window_min":    "EXECUTOR_WINDOW_MIN",
		"settle.expiry_interval_sec":    "EXPIRY_INTERVAL_SEC",
		"settle.expiration_window_min":  "EXPIRATION_WINDOW_MIN",
		"settle.reconcile_interval_sec": "RECONCILE_INTERVAL_SEC",
		"settle.stuck_threshold_min":    "STUCK_THRESHOLD_MIN",
		"settle.max_execution_attempts": "MAX_EXECUTION_ATTEMPTS",
		"verify.initial_delay_sec":      "VERIFY_INITIAL_DELAY_SEC",
		"verify.interval_sec":           "VERIFY_INTERVAL_SEC",
		"verify.max_attempts":           "VERIFY_MAX_ATTEMPTS",
		"server.port":                   "PORT",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Postgres.DSN, "DATABASE_URL"},
		{c.Vault.PrimaryURL, "VAULT_RPC_URL"},
		{c.Vault.Authority, "VAULT_AUTHORITY"},
		{c.Vault.FeeWallet, "FEE_WALLET"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if c.Settle.MaxExecutionAttempts <= 0 {
		return fmt.Errorf("MAX_EXECUTION_ATTEMPTS must be positive")
	}
	return nil
}

func (c *SettleConfig) ExecutorInterval() time.Duration {
	return time.Duration(c.ExecutorIntervalSec) * time.Second
}

func (c *SettleConfig) ExecutorWindow() time.Duration {
	return time.Duration(c.ExecutorWindowMin) * time.Minute
}

func (c *SettleConfig) ExpiryInterval() time.Duration {
	return time.Duration(c.ExpiryIntervalSec) * time.Second
}

func (c *SettleConfig) ExpirationWindow() time.Duration {
	return time.Duration(c.ExpirationWindowMin) * time.Minute
}

func (c *SettleConfig) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSec) * time.Second
}

func (c *SettleConfig) StuckThreshold() time.Duration {
	return time.Duration(c.StuckThresholdMin) * time.Minute
}
