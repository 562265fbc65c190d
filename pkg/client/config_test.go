package client

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadClientConfigWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "client.toml")

	cfg, err := LoadClientConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTOMLConfig(), cfg)

	_, err = os.Stat(path)
	require.NoError(t, err, "default config should be written")

	// Loading the written file yields the same values
	again, err := LoadClientConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadClientConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[connection]
default_server = "chat.example.com"
default_port = 9999

[local]
name = "alice"
history_db = "/tmp/h.db"
`), 0644))

	cfg, err := LoadClientConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "chat.example.com:9999", cfg.GetServerAddress())
	assert.Equal(t, "alice", cfg.Local.Name)
	// Unset keys keep their defaults
	assert.True(t, cfg.Connection.AutoJoin)
	assert.Equal(t, "warn", cfg.UI.LogLevel)
}

func TestLoadClientConfigParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.toml")
	require.NoError(t, os.WriteFile(path, []byte("[connection]\ndefault_port = \n"), 0644))

	_, err := LoadClientConfig(path)
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr), "expected ConfigError, got %v", err)
	assert.Equal(t, 2, cfgErr.LineNumber)
}

func TestLoadClientConfigValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.toml")
	require.NoError(t, os.WriteFile(path, []byte("[connection]\ndefault_port = 70000\n"), 0644))

	_, err := LoadClientConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid port number")
}

func TestGetServerAddressKeepsURLs(t *testing.T) {
	cfg := DefaultTOMLConfig()
	cfg.Connection.DefaultServer = "ssh://chat.example.com"
	assert.Equal(t, "ssh://chat.example.com", cfg.GetServerAddress())

	cfg.Connection.DefaultServer = ""
	assert.Equal(t, "", cfg.GetServerAddress())
}
