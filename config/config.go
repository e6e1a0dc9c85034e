package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kilianp07/ocppgw/core/factory"
	"github.com/kilianp07/ocppgw/core/inbound"
	"github.com/kilianp07/ocppgw/core/metrics"
	"github.com/kilianp07/ocppgw/infra/ws"
)

type Config struct {
	Server      ws.Config              `json:"server"`
	API         APIConfig              `json:"api"`
	Store       StoreConfig            `json:"store"`
	Correlation CorrelationConfig      `json:"correlation"`
	Handler     inbound.BasicConfig    `json:"handler"`
	Notify      []factory.ModuleConfig `json:"notify"`
	Metrics     metrics.Config         `json:"metrics"`
	Sentry      SentryConfig           `json:"sentry"`
	Tracing     TracingConfig          `json:"tracing"`
}

// APIConfig configures the administrative HTTP API.
type APIConfig struct {
	// Addr is the listen address; empty disables the API.
	Addr           string        `json:"addr"`
	CommandTimeout time.Duration `json:"command_timeout"`
}

func (c *APIConfig) SetDefaults() {
	if c.CommandTimeout == 0 {
		c.CommandTimeout = 30 * time.Second
	}
}

// StoreConfig selects the station store.
type StoreConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `json:"driver"`
	Path   string `json:"path"`
}

func (c *StoreConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = "memory"
	}
	if c.Driver == "sqlite" && c.Path == "" {
		c.Path = "ocppgw.db"
	}
}

func (c StoreConfig) Validate() error {
	switch c.Driver {
	case "memory", "sqlite":
		return nil
	default:
		return fmt.Errorf("store: unknown driver %q", c.Driver)
	}
}

// CorrelationConfig controls expiry of requests that never got an answer.
type CorrelationConfig struct {
	SweepInterval time.Duration `json:"sweep_interval"`
	MaxAge        time.Duration `json:"max_age"`
}

func (c *CorrelationConfig) SetDefaults() {
	if c.SweepInterval == 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.MaxAge == 0 {
		c.MaxAge = 5 * time.Minute
	}
}

func (c CorrelationConfig) Validate() error {
	if c.SweepInterval < 0 || c.MaxAge < 0 {
		return fmt.Errorf("correlation: durations must be positive")
	}
	return nil
}

// SetDefaults applies the defaults of every section.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.API.SetDefaults()
	c.Store.SetDefaults()
	c.Correlation.SetDefaults()
	c.Handler.SetDefaults()
	c.Tracing.SetDefaults()
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.Store.Validate(); err != nil {
		return err
	}
	if err := c.Correlation.Validate(); err != nil {
		return err
	}
	return c.Tracing.Validate()
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	// Optional environment overrides
	if err := k.Load(env.Provider("K_", ".", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "k_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
