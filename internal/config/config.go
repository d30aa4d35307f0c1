// Package config loads the daemon configuration from daemon.yaml and the
// environment. Everything has a default; a missing file is not an error.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFile is the default configuration filename under the base dir.
const ConfigFile = "daemon.yaml"

// Duration parses YAML scalars like "60s" or "5m" via time.ParseDuration.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds the daemon's runtime settings.
type Config struct {
	// Port is the preferred listen port. FallbackPort is tried when binding
	// the preferred port needs privileges the process does not have.
	Port         int `yaml:"port"`
	FallbackPort int `yaml:"fallback_port"`

	// BaseDir is the daemon home, defaulting to ~/.port42 (override with
	// PORT42_HOME). Commands, memory, and config all live under it.
	BaseDir string `yaml:"base_dir"`

	// AgentsPath points at the agent persona definitions. Relative paths
	// resolve against BaseDir.
	AgentsPath string `yaml:"agents_path"`

	// MetricsAddr, when set, exposes Prometheus-format stats over HTTP on
	// that address (e.g. "127.0.0.1:9042"). Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`

	// BackendTimeout bounds one model call within a possess turn.
	BackendTimeout Duration `yaml:"backend_timeout"`

	// CleanupInterval is how often idle sessions are swept out of memory;
	// IdleTimeout is how long a session may sit untouched before the sweep
	// takes it. Journals on disk are never swept.
	CleanupInterval Duration `yaml:"cleanup_interval"`
	IdleTimeout     Duration `yaml:"idle_timeout"`
}

// Default returns the configuration used when no file overrides anything.
func Default() Config {
	return Config{
		Port:            42,
		FallbackPort:    4242,
		BaseDir:         defaultBaseDir(),
		AgentsPath:      "agents.yaml",
		BackendTimeout:  Duration(60 * time.Second),
		CleanupInterval: Duration(5 * time.Minute),
		IdleTimeout:     Duration(30 * time.Minute),
	}
}

func defaultBaseDir() string {
	if home := os.Getenv("PORT42_HOME"); home != "" {
		return home
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".port42"
	}
	return filepath.Join(home, ".port42")
}

// Load reads daemon.yaml from the base dir, layering it over the defaults.
// A missing file yields the defaults unchanged.
func Load() (Config, error) {
	cfg := Default()
	return cfg.loadFile(filepath.Join(cfg.BaseDir, ConfigFile))
}

// LoadFrom reads configuration from an explicit path, layering it over the
// defaults.
func LoadFrom(path string) (Config, error) {
	cfg := Default()
	return cfg.loadFile(path)
}

func (c Config) loadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return c, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.FallbackPort <= 0 || c.FallbackPort > 65535 {
		return fmt.Errorf("config: invalid fallback port %d", c.FallbackPort)
	}
	if c.BackendTimeout <= 0 {
		return fmt.Errorf("config: backend timeout must be positive")
	}
	return nil
}

// CommandsDir is where materialized commands land.
func (c Config) CommandsDir() string {
	return filepath.Join(c.BaseDir, "commands")
}

// MemoryDir is the root of the session journal store.
func (c Config) MemoryDir() string {
	return filepath.Join(c.BaseDir, "memory")
}

// ResolveAgentsPath returns the absolute path of the agent definitions.
func (c Config) ResolveAgentsPath() string {
	if filepath.IsAbs(c.AgentsPath) {
		return c.AgentsPath
	}
	return filepath.Join(c.BaseDir, c.AgentsPath)
}
