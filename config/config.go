// Package config loads and validates the gateway's YAML configuration:
// listen settings, logging, the optional NATS bridge, and the set of
// extensions to run.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/crosswire/crosswire/errors"
)

// Config is the complete application configuration.
type Config struct {
	Gateway    GatewayConfig              `yaml:"gateway"`
	Logging    LoggingConfig              `yaml:"logging"`
	NATS       NATSConfig                 `yaml:"nats"`
	Extensions map[string]ExtensionConfig `yaml:"extensions"`
}

// GatewayConfig holds the WebSocket listener settings.
type GatewayConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	Path        string        `yaml:"path"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// NATSConfig configures the optional NATS bridge extension.
type NATSConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	Name          string        `yaml:"name"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	// SubjectPrefix namespaces bridged subjects, e.g. "crosswire".
	SubjectPrefix string `yaml:"subject_prefix"`
	// EventPattern selects which broker events are mirrored to NATS.
	EventPattern string `yaml:"event_pattern"`
}

// ExtensionConfig describes one extension instance. Entries without a
// command are expected to be registered in-process by the embedding
// program; entries with a command are spawned as child processes.
type ExtensionConfig struct {
	// Enabled defaults to true when omitted.
	Enabled *bool             `yaml:"enabled"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Dir     string            `yaml:"dir"`
	Env     map[string]string `yaml:"env"`
	Config  map[string]any    `yaml:"config"`
	// SourceRoutes lists the route prefixes the extension is expected to
	// claim in its registration; a mismatch is reported at spawn time.
	SourceRoutes []string `yaml:"sourceRoutes"`
}

// IsEnabled reports whether the extension should run.
func (e ExtensionConfig) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// IsRemote reports whether the extension runs as a child process.
func (e ExtensionConfig) IsRemote() bool {
	return e.Command != ""
}

var extensionIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Default returns a configuration with usable defaults and no extensions.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:        "127.0.0.1",
			Port:        8790,
			Path:        "/ws",
			CallTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			Name:          "crosswire",
			MaxReconnects: 10,
			ReconnectWait: 2 * time.Second,
			SubjectPrefix: "crosswire",
			EventPattern:  "*",
		},
	}
}

// Load reads a YAML config file, layers it over the defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config", "Load", "read file")
	}
	return Parse(data)
}

// Parse decodes YAML config bytes over the defaults and validates.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapInvalid(err, "config", "Parse", "decode yaml")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for structural problems.
func (c *Config) Validate() error {
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		return errors.WrapInvalid(
			fmt.Errorf("gateway.port %d out of range", c.Gateway.Port),
			"config", "Validate", "check gateway",
		)
	}
	if c.Gateway.CallTimeout < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("gateway.call_timeout must not be negative"),
			"config", "Validate", "check gateway",
		)
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(
			fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level),
			"config", "Validate", "check logging",
		)
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return errors.WrapInvalid(
			fmt.Errorf("logging.format %q is not json or text", c.Logging.Format),
			"config", "Validate", "check logging",
		)
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		return errors.WrapInvalid(
			fmt.Errorf("nats.url is required when the bridge is enabled"),
			"config", "Validate", "check nats",
		)
	}

	for id, ext := range c.Extensions {
		if !extensionIDPattern.MatchString(id) {
			return errors.WrapInvalid(
				fmt.Errorf("extension id %q must be lowercase alphanumeric with - or _", id),
				"config", "Validate", "check extensions",
			)
		}
		if ext.Command == "" && len(ext.Args) > 0 {
			return errors.WrapInvalid(
				fmt.Errorf("extension %q has args but no command", id),
				"config", "Validate", "check extensions",
			)
		}
	}
	return nil
}

// RemoteExtensions returns the enabled child-process extensions keyed by id.
func (c *Config) RemoteExtensions() map[string]ExtensionConfig {
	out := make(map[string]ExtensionConfig)
	for id, ext := range c.Extensions {
		if ext.IsEnabled() && ext.IsRemote() {
			out[id] = ext
		}
	}
	return out
}
