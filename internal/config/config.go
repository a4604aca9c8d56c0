// Package config loads service settings and workflow files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"backfill/internal/collector"
	"backfill/internal/workflow"
)

// EnvPrefix prefixes environment overrides, e.g. BACKFILL_BATCH_CONCURRENCY.
const EnvPrefix = "BACKFILL"

// Config is the root configuration structure.
type Config struct {
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`
	Store struct {
		// DSN selects the backend: "memory", "file:..." or "libsql://..." for
		// libSQL, "postgres://..." for Postgres.
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"store"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Batch      BatchConfig          `mapstructure:"batch"`
	Browser    BrowserConfig        `mapstructure:"browser"`
	Thresholds collector.Thresholds `mapstructure:"thresholds"`
}

// BatchConfig holds defaults for backfill requests.
type BatchConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	Rate        float64       `mapstructure:"rate"`
	GracePeriod time.Duration `mapstructure:"grace_period"`
	// Seed fixes allocation and scheduling; zero picks a fresh seed per batch.
	Seed int64 `mapstructure:"seed"`
}

// BrowserConfig controls the headless browser runtime.
type BrowserConfig struct {
	Headless   bool          `mapstructure:"headless"`
	ExecPath   string        `mapstructure:"exec_path"`
	Timeout    time.Duration `mapstructure:"timeout"`
	ShiftClock bool          `mapstructure:"shift_clock"`
}

// SetDefaults registers the default for every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("store.dsn", "file:backfill.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("batch.concurrency", 4)
	v.SetDefault("batch.rate", 0.0)
	v.SetDefault("batch.grace_period", 30*time.Second)
	v.SetDefault("batch.seed", 0)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.timeout", 30*time.Second)
	v.SetDefault("browser.shift_clock", true)
	v.SetDefault("thresholds.max_failed_rate", "")
	v.SetDefault("thresholds.max_partial_rate", "")
}

// Load layers defaults, the config file, and BACKFILL_ environment variables
// into v and decodes the result. An empty path searches for backfill.yaml in
// the working directory and $HOME/.config/backfill; a missing file is not an
// error unless path was given explicitly.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("backfill")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "backfill"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no batch could run with.
func (c *Config) Validate() error {
	if c.Batch.Concurrency < 1 {
		return fmt.Errorf("batch.concurrency must be at least 1, got %d", c.Batch.Concurrency)
	}
	if c.Batch.Rate < 0 {
		return fmt.Errorf("batch.rate must not be negative, got %g", c.Batch.Rate)
	}
	if c.Batch.GracePeriod < 0 {
		return fmt.Errorf("batch.grace_period must not be negative, got %s", c.Batch.GracePeriod)
	}
	if err := c.Thresholds.Validate(); err != nil {
		return fmt.Errorf("thresholds: %w", err)
	}
	return nil
}

// LoadWorkflowFile reads a workflow document and returns it as JSON. Files
// ending in .yaml or .yml are converted; anything else is read as JSON.
func LoadWorkflowFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workflow file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return workflow.YAMLToJSON(data)
	default:
		return data, nil
	}
}
