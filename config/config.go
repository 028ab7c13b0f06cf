package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/rustyeddy/volbalance/policy"
)

// Config represents the complete service configuration
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Worker   WorkerConfig   `json:"worker" yaml:"worker"`
	Store    StoreConfig    `json:"store" yaml:"store"`
	Feed     FeedConfig     `json:"feed" yaml:"feed"`
	Log      LogConfig      `json:"log" yaml:"log"`
	Defaults DefaultsConfig `json:"defaults" yaml:"defaults"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
}

// ServerConfig contains the HTTP listener settings
type ServerConfig struct {
	Addr              string `json:"addr" yaml:"addr"`
	ReadHeaderTimeout string `json:"read_header_timeout" yaml:"read_header_timeout"` // e.g. "5s"
}

// WorkerConfig contains the scheduler settings
type WorkerConfig struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	IntervalSeconds int    `json:"interval_seconds" yaml:"interval_seconds"`
	MaxConcurrency  int    `json:"max_concurrency" yaml:"max_concurrency"`
	QuoteTimeout    string `json:"quote_timeout" yaml:"quote_timeout"`
	StoreTimeout    string `json:"store_timeout" yaml:"store_timeout"`
	TradingTimezone string `json:"trading_timezone" yaml:"trading_timezone"` // IANA name
}

// StoreConfig selects the persistence backend
type StoreConfig struct {
	Type   string `json:"type" yaml:"type"` // "memory" or "sqlite"
	DBPath string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
}

// FeedConfig selects the price feed
type FeedConfig struct {
	Type    string `json:"type" yaml:"type"` // "memory" or "csv"
	DataDir string `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // "json" or "console"
}

// DefaultsConfig is applied to positions created without their own policy
type DefaultsConfig struct {
	OrderPolicy        policy.OrderPolicy `json:"order_policy" yaml:"order_policy"`
	Guardrails         policy.Guardrails  `json:"guardrails" yaml:"guardrails"`
	WithholdingTaxRate float64            `json:"withholding_tax_rate" yaml:"withholding_tax_rate"`
}

type MetricsConfig struct {
	Namespace string `json:"namespace" yaml:"namespace"`
}

// Interval is the worker cycle period.
func (w WorkerConfig) Interval() time.Duration {
	return time.Duration(w.IntervalSeconds) * time.Second
}

func (w WorkerConfig) QuoteTimeoutDuration() (time.Duration, error) {
	return parseDuration("worker.quote_timeout", w.QuoteTimeout)
}

func (w WorkerConfig) StoreTimeoutDuration() (time.Duration, error) {
	return parseDuration("worker.store_timeout", w.StoreTimeout)
}

// Location loads the trading timezone. Empty means UTC.
func (w WorkerConfig) Location() (*time.Location, error) {
	if w.TradingTimezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(w.TradingTimezone)
	if err != nil {
		return nil, fmt.Errorf("worker.trading_timezone: %w", err)
	}
	return loc, nil
}

func (s ServerConfig) ReadHeaderTimeoutDuration() (time.Duration, error) {
	return parseDuration("server.read_header_timeout", s.ReadHeaderTimeout)
}

func parseDuration(name, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", name)
	}
	return d, nil
}

// LoadFromFile loads configuration from a file (JSON or YAML). Keys the
// file leaves out keep their defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()

	// Try YAML first, fall back to JSON
	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		cfg = Default()
		err = json.Unmarshal(data, cfg)
		if err != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Load reads path (or the defaults when path is empty), loads envFile into
// the environment if it exists, and applies VOLBAL_* overrides.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides settings from VOLBAL_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("VOLBAL_ADDR", &c.Server.Addr)
	str("VOLBAL_STORE", &c.Store.Type)
	str("VOLBAL_DB_PATH", &c.Store.DBPath)
	str("VOLBAL_FEED", &c.Feed.Type)
	str("VOLBAL_DATA_DIR", &c.Feed.DataDir)
	str("VOLBAL_LOG_LEVEL", &c.Log.Level)
	str("VOLBAL_LOG_FORMAT", &c.Log.Format)
	str("VOLBAL_TIMEZONE", &c.Worker.TradingTimezone)
	str("VOLBAL_METRICS_NAMESPACE", &c.Metrics.Namespace)

	if v, ok := lookup("VOLBAL_WORKER_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("VOLBAL_WORKER_ENABLED: %w", err)
		}
		c.Worker.Enabled = b
	}
	if v, ok := lookup("VOLBAL_WORKER_INTERVAL_SECONDS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("VOLBAL_WORKER_INTERVAL_SECONDS: %w", err)
		}
		c.Worker.IntervalSeconds = n
	}
	return nil
}

// SaveToFile saves configuration to a file (YAML for .yaml/.yml, else JSON)
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if _, err := c.Server.ReadHeaderTimeoutDuration(); err != nil {
		return err
	}
	if c.Worker.IntervalSeconds <= 0 {
		return fmt.Errorf("worker.interval_seconds must be positive")
	}
	if c.Worker.MaxConcurrency <= 0 {
		return fmt.Errorf("worker.max_concurrency must be positive")
	}
	if _, err := c.Worker.QuoteTimeoutDuration(); err != nil {
		return err
	}
	if _, err := c.Worker.StoreTimeoutDuration(); err != nil {
		return err
	}
	if _, err := c.Worker.Location(); err != nil {
		return err
	}

	switch c.Store.Type {
	case "memory":
	case "sqlite":
		if c.Store.DBPath == "" {
			return fmt.Errorf("store.db_path required for sqlite type")
		}
	default:
		return fmt.Errorf("store.type must be 'memory' or 'sqlite'")
	}

	switch c.Feed.Type {
	case "memory":
	case "csv":
		if c.Feed.DataDir == "" {
			return fmt.Errorf("feed.data_dir required for csv type")
		}
	default:
		return fmt.Errorf("feed.type must be 'memory' or 'csv'")
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("log.format must be 'json' or 'console'")
	}

	if err := c.Defaults.OrderPolicy.Validate(); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	if err := c.Defaults.Guardrails.Validate(); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	if r := c.Defaults.WithholdingTaxRate; r < 0 || r >= 1 {
		return fmt.Errorf("defaults.withholding_tax_rate must be in [0,1)")
	}
	return nil
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: "5s",
		},
		Worker: WorkerConfig{
			Enabled:         false,
			IntervalSeconds: 60,
			MaxConcurrency:  4,
			QuoteTimeout:    "10s",
			StoreTimeout:    "5s",
			TradingTimezone: "America/New_York",
		},
		Store: StoreConfig{
			Type:   "sqlite",
			DBPath: "./volbal.db",
		},
		Feed: FeedConfig{
			Type:    "csv",
			DataDir: "./data",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Defaults: DefaultsConfig{
			OrderPolicy:        policy.DefaultOrderPolicy(),
			Guardrails:         policy.DefaultGuardrails(),
			WithholdingTaxRate: 0,
		},
		Metrics: MetricsConfig{
			Namespace: "volbal",
		},
	}
}
