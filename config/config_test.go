package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosswire/crosswire/errors"
)

const sampleYAML = `
gateway:
  host: 0.0.0.0
  port: 9000
  call_timeout: 10s
logging:
  level: debug
  format: text
nats:
  enabled: true
  url: nats://nats:4222
extensions:
  echo:
    command: ./echo-extension
    args: ["-verbose"]
    config:
      greeting: hello
  disabled-ext:
    enabled: false
    command: ./other
  inprocess:
    config:
      key: value
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Gateway.Host)
	assert.Equal(t, 9000, cfg.Gateway.Port)
	assert.Equal(t, 10*time.Second, cfg.Gateway.CallTimeout)
	// Path was not set, so the default survives.
	assert.Equal(t, "/ws", cfg.Gateway.Path)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, "nats://nats:4222", cfg.NATS.URL)
	// Defaults layered under the file.
	assert.Equal(t, 10, cfg.NATS.MaxReconnects)

	require.Len(t, cfg.Extensions, 3)
	echo := cfg.Extensions["echo"]
	assert.True(t, echo.IsEnabled())
	assert.True(t, echo.IsRemote())
	assert.Equal(t, "hello", echo.Config["greeting"])

	assert.False(t, cfg.Extensions["disabled-ext"].IsEnabled())
	assert.False(t, cfg.Extensions["inprocess"].IsRemote())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crosswire.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Gateway.Port)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		errPart string
	}{
		{"defaults are valid", func(c *Config) {}, ""},
		{"port out of range", func(c *Config) { c.Gateway.Port = 70000 }, "out of range"},
		{"negative timeout", func(c *Config) { c.Gateway.CallTimeout = -time.Second }, "call_timeout"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"nats enabled without url", func(c *Config) {
			c.NATS.Enabled = true
			c.NATS.URL = ""
		}, "nats.url"},
		{"bad extension id", func(c *Config) {
			c.Extensions = map[string]ExtensionConfig{"Bad ID": {}}
		}, "extension id"},
		{"args without command", func(c *Config) {
			c.Extensions = map[string]ExtensionConfig{"x": {Args: []string{"-v"}}}
		}, "args but no command"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.errPart == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errPart)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestParse_MalformedYAML(t *testing.T) {
	_, err := Parse([]byte("gateway: [not a map"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestRemoteExtensions(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	remote := cfg.RemoteExtensions()
	require.Len(t, remote, 1)
	_, ok := remote["echo"]
	assert.True(t, ok)
}
