// Package config loads engine configuration from a YAML file with
// environment-variable overrides.
package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds the settlement engine configuration.
type Config struct {
	StorePath      string
	AuditDir       string
	Currency       string
	InitialBalance decimal.Decimal
	LockTimeout    time.Duration
	SweepInterval  time.Duration
}

type configYaml struct {
	StorePath      string        `yaml:"store_path"`
	AuditDir       string        `yaml:"audit_dir"`
	Currency       string        `yaml:"currency"`
	InitialBalance string        `yaml:"initial_balance"`
	LockTimeout    string        `yaml:"lock_timeout"`
	SweepInterval  string        `yaml:"sweep_interval"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		StorePath:      "./settlement.db",
		AuditDir:       "./wal/audit",
		Currency:       "USD",
		InitialBalance: decimal.NewFromInt(100000),
		LockTimeout:    5 * time.Second,
		SweepInterval:  time.Hour,
	}
}

// Load reads the YAML file at path (optional, "" means defaults only) and
// applies environment overrides. A .env file is honored when present.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrap(err, "read config")
		}
		var y configYaml
		if err := yaml.Unmarshal(raw, &y); err != nil {
			return Config{}, errors.Wrap(err, "parse config")
		}
		if err := cfg.merge(y); err != nil {
			return Config{}, err
		}
	}

	if v := os.Getenv("SETTLEMENT_STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := os.Getenv("SETTLEMENT_AUDIT_DIR"); v != "" {
		cfg.AuditDir = v
	}
	if v := os.Getenv("SETTLEMENT_SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, errors.Wrap(err, "parse SETTLEMENT_SWEEP_INTERVAL")
		}
		cfg.SweepInterval = d
	}
	return cfg, nil
}

func (c *Config) merge(y configYaml) error {
	if y.StorePath != "" {
		c.StorePath = y.StorePath
	}
	if y.AuditDir != "" {
		c.AuditDir = y.AuditDir
	}
	if y.Currency != "" {
		c.Currency = y.Currency
	}
	if y.InitialBalance != "" {
		d, err := decimal.NewFromString(y.InitialBalance)
		if err != nil {
			return errors.Wrap(err, "parse initial_balance")
		}
		if d.IsNegative() {
			return errors.Errorf("initial_balance must not be negative, got %s", y.InitialBalance)
		}
		c.InitialBalance = d
	}
	if y.LockTimeout != "" {
		d, err := time.ParseDuration(y.LockTimeout)
		if err != nil {
			return errors.Wrap(err, "parse lock_timeout")
		}
		c.LockTimeout = d
	}
	if y.SweepInterval != "" {
		d, err := time.ParseDuration(y.SweepInterval)
		if err != nil {
			return errors.Wrap(err, "parse sweep_interval")
		}
		c.SweepInterval = d
	}
	return nil
}
