// Package config loads the siteflow configuration from YAML with sane
// defaults for every field, so an empty file (or no file at all) yields a
// runnable in-memory setup.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/siteworks/siteflow/routing"
)

// Duration is a time.Duration that unmarshals from YAML strings such as
// "100ms" or "2m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("config: duration must be a string like \"100ms\": %w", err)
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// Std converts to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration.
type Config struct {
	Bus      BusConfig      `yaml:"bus"`
	Routing  RoutingConfig  `yaml:"routing"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Store    StoreConfig    `yaml:"store"`
	Runner   RunnerConfig   `yaml:"runner"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// BusConfig tunes the message bus.
type BusConfig struct {
	PollInterval  Duration `yaml:"poll_interval"`
	Lease         Duration `yaml:"lease"`
	MaxDeliveries int      `yaml:"max_deliveries"`
}

// RoutingConfig tunes the task router.
type RoutingConfig struct {
	DefaultQueue string                  `yaml:"default_queue"`
	Rules        map[string]routing.Rule `yaml:"rules"`
	// PrivilegedProjects get a priority bump on their tasks.
	PrivilegedProjects []string  `yaml:"privileged_projects"`
	LLM                LLMConfig `yaml:"llm"`
}

// LLMConfig selects and tunes the language model used for intent
// classification and query answering.
type LLMConfig struct {
	// Provider is "openai", "anthropic", or "" for keyword-only routing.
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// PipelineConfig tunes pipeline execution.
type PipelineConfig struct {
	Timeout  Duration `yaml:"timeout"`
	MaxSteps int      `yaml:"max_steps"`
}

// StoreConfig selects the record store backend.
type StoreConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// RunnerConfig tunes the worker pool.
type RunnerConfig struct {
	PoolSize int `yaml:"pool_size"`
}

// LoggingConfig tunes log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing is specified.
func Default() Config {
	return Config{
		Bus: BusConfig{
			PollInterval:  Duration(100 * time.Millisecond),
			Lease:         Duration(30 * time.Second),
			MaxDeliveries: 3,
		},
		Routing: RoutingConfig{
			DefaultQueue: routing.DefaultQueue,
			LLM: LLMConfig{
				Temperature: 0.1,
				MaxTokens:   1024,
			},
		},
		Pipeline: PipelineConfig{
			Timeout: Duration(5 * time.Minute),
		},
		Store: StoreConfig{
			Driver: "memory",
		},
		Runner: RunnerConfig{
			PoolSize: 8,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML file over the defaults. A missing path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot work.
func (c Config) Validate() error {
	if c.Bus.PollInterval <= 0 {
		return fmt.Errorf("config: bus poll_interval must be positive")
	}
	if c.Bus.MaxDeliveries < 1 {
		return fmt.Errorf("config: bus max_deliveries must be at least 1")
	}
	switch c.Store.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "sqlite" && c.Store.DSN == "" {
		return fmt.Errorf("config: sqlite store requires a dsn")
	}
	switch c.Routing.LLM.Provider {
	case "", "openai", "anthropic":
	default:
		return fmt.Errorf("config: unknown llm provider %q", c.Routing.LLM.Provider)
	}
	if c.Runner.PoolSize < 1 {
		return fmt.Errorf("config: runner pool_size must be at least 1")
	}
	return nil
}
