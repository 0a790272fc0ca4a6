// Package config loads the TOML description of a streaming module and applies
// DATASTREAM_* environment overrides on top of it.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"

	"github.com/spacetelescope/catkit2-sub001/datastream"
	"github.com/spacetelescope/catkit2-sub001/logging"
)

// EnvPrefix prefixes every environment override, e.g.
// DATASTREAM_MODULE_TICK_INTERVAL=5ms or DATASTREAM_REGISTRY_DIR=/tmp.
const EnvPrefix = "DATASTREAM"

type Config struct {
	Module   ModuleConfig   `toml:"module"`
	Registry RegistryConfig `toml:"registry"`
	Logging  logging.Config `toml:"logging"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Monitor  MonitorConfig  `toml:"monitor"`
	Streams  []StreamConfig `toml:"streams" ignored:"true"`
}

type ModuleConfig struct {
	Name           string   `toml:"name"`
	TickInterval   Duration `toml:"tick_interval" split_words:"true"`
	StatusSocket   string   `toml:"status_socket" split_words:"true"`
	StatusInterval Duration `toml:"status_interval" split_words:"true"`
	// MaxErrors consecutive source failures put a stream into restart backoff.
	MaxErrors    int      `toml:"max_errors" split_words:"true"`
	RestartDelay Duration `toml:"restart_delay" split_words:"true"`
}

type RegistryConfig struct {
	Dir    string `toml:"dir"`
	Prefix string `toml:"prefix"`
}

type MetricsConfig struct {
	// Listen is the address of the /metrics endpoint. Empty disables it.
	Listen string `toml:"listen"`
}

type MonitorConfig struct {
	StaleAfter Duration `toml:"stale_after" split_words:"true"`
	Poll       Duration `toml:"poll"`
}

// StreamConfig declares one stream owned by the module and the source that
// fills its frames.
type StreamConfig struct {
	Name     string              `toml:"name"`
	DataType datastream.DataType `toml:"dtype"`
	Shape    []int               `toml:"shape"`
	Slots    int                 `toml:"slots"`
	Source   string              `toml:"source"`
	Params   map[string]float64  `toml:"params"`
}

// Descriptor returns the stream geometry.
func (s StreamConfig) Descriptor() datastream.Descriptor {
	return datastream.Descriptor{
		Name:      s.Name,
		DataType:  s.DataType,
		Shape:     append([]int(nil), s.Shape...),
		SlotCount: s.Slots,
	}
}

// Param returns Params[key], or def when unset.
func (s StreamConfig) Param(key string, def float64) float64 {
	if v, ok := s.Params[key]; ok {
		return v
	}
	return def
}

// Duration is a time.Duration written as a string ("250ms") in TOML and in
// the environment.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Default returns a runnable configuration with a single random-walk stream.
func Default() *Config {
	return &Config{
		Module: ModuleConfig{
			Name:           "datastream",
			TickInterval:   Duration(100 * time.Millisecond),
			StatusInterval: Duration(time.Second),
			MaxErrors:      5,
			RestartDelay:   Duration(time.Second),
		},
		Registry: RegistryConfig{
			Dir:    datastream.DefaultDir(),
			Prefix: datastream.DefaultPrefix,
		},
		Logging: logging.DefaultConfig(),
		Monitor: MonitorConfig{
			StaleAfter: Duration(5 * time.Second),
			Poll:       Duration(250 * time.Millisecond),
		},
		Streams: []StreamConfig{{
			Name:     "temperature",
			DataType: datastream.Float64,
			Shape:    []int{2},
			Slots:    16,
			Source:   "random_walk",
		}},
	}
}

// Load reads the TOML file at path over Default and applies environment
// overrides. Keys absent from the file keep their default; a file that lists
// streams replaces the default stream.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	c := Default()
	c.Streams = nil
	if err := toml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := c.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from DATASTREAM_* variables.
func (c *Config) ApplyEnv() error {
	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	return nil
}

// Validate checks the configuration before anything is created.
func (c *Config) Validate() error {
	var errs []error
	if c.Module.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("module.tick_interval must be positive, got %s", c.Module.TickInterval))
	}
	if c.Module.StatusSocket != "" && c.Module.StatusInterval <= 0 {
		errs = append(errs, fmt.Errorf("module.status_interval must be positive, got %s", c.Module.StatusInterval))
	}
	if c.Module.MaxErrors < 0 {
		errs = append(errs, fmt.Errorf("module.max_errors must not be negative"))
	}
	if c.Module.RestartDelay < 0 {
		errs = append(errs, fmt.Errorf("module.restart_delay must not be negative"))
	}
	if c.Monitor.StaleAfter > 0 && c.Monitor.Poll <= 0 {
		errs = append(errs, fmt.Errorf("monitor.poll must be positive when monitor.stale_after is set"))
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	if _, err := logging.ParseFormat(c.Logging.Format, c.Logging.Development); err != nil {
		errs = append(errs, fmt.Errorf("logging.format: %w", err))
	}

	seen := make(map[string]bool, len(c.Streams))
	for i, s := range c.Streams {
		if err := s.Descriptor().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("streams[%d]: %w", i, err))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("streams[%d]: duplicate name %q", i, s.Name))
		}
		seen[s.Name] = true
	}
	return errors.Join(errs...)
}
