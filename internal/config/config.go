// Package config loads the collector configuration from YAML with
// environment variable overrides.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the collector.
type Config struct {
	Storage   Storage   `yaml:"storage"`
	KIS       KIS       `yaml:"kis"`
	Security  Security  `yaml:"security"`
	Logging   Logging   `yaml:"logging"`
	Scheduler Scheduler `yaml:"scheduler"`
	Export    Export    `yaml:"export"`
}

// Storage selects the database backing the collector. Driver is "sqlite" or
// "postgres"; all instances of a fleet must share one database, since the
// job-lock table lives in it.
type Storage struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// KIS holds credentials and endpoints for the KIS Open API.
type KIS struct {
	BaseURL         string    `yaml:"base_url"`
	UserID          string    `yaml:"user_id"`
	RateLimitPerSec float64   `yaml:"rate_limit_per_sec"`
	Accounts        []Account `yaml:"accounts"`
}

// Account is one brokerage account with its API credentials. The first
// configured account is used for collection.
type Account struct {
	Name          string `yaml:"name"`
	AccountNumber string `yaml:"account_number"`
	AppKey        string `yaml:"app_key"`
	AppSecret     string `yaml:"app_secret"`
}

// Security holds the key protecting cached tokens at rest.
type Security struct {
	TokenEncryptionKey string `yaml:"token_encryption_key"` // base64, 32 bytes decoded
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Scheduler configures the job loop. Timezone defaults to Asia/Seoul, the
// market-local zone all trigger times are expressed in.
type Scheduler struct {
	Timezone string `yaml:"timezone"`
}

// Export configures the Parquet snapshot destination.
type Export struct {
	Dir string `yaml:"dir"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, and then applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.KIS.RateLimitPerSec == 0 {
		cfg.KIS.RateLimitPerSec = 20
	}
	if cfg.Scheduler.Timezone == "" {
		cfg.Scheduler.Timezone = "Asia/Seoul"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func validate(cfg *Config) error {
	if cfg.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required")
	}
	if cfg.Storage.Driver != "sqlite" && cfg.Storage.Driver != "postgres" {
		return fmt.Errorf("storage.driver must be sqlite or postgres, got %q", cfg.Storage.Driver)
	}
	if cfg.KIS.BaseURL == "" {
		return fmt.Errorf("kis.base_url is required")
	}
	if len(cfg.KIS.Accounts) == 0 {
		return fmt.Errorf("at least one kis account is required")
	}
	return nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DB_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.Storage.DSN = v
	}

	if v := os.Getenv("KIS_BASE_URL"); v != "" {
		cfg.KIS.BaseURL = v
	}
	if v := os.Getenv("KIS_USER_ID"); v != "" {
		cfg.KIS.UserID = v
	}

	// Credentials of the first (collection) account.
	if v := os.Getenv("KIS_APP_KEY"); v != "" {
		ensureAccount(cfg)
		cfg.KIS.Accounts[0].AppKey = v
	}
	if v := os.Getenv("KIS_APP_SECRET"); v != "" {
		ensureAccount(cfg)
		cfg.KIS.Accounts[0].AppSecret = v
	}

	if v := os.Getenv("TOKEN_ENCRYPTION_KEY"); v != "" {
		cfg.Security.TokenEncryptionKey = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func ensureAccount(cfg *Config) {
	if len(cfg.KIS.Accounts) == 0 {
		cfg.KIS.Accounts = append(cfg.KIS.Accounts, Account{Name: "default"})
	}
}
