package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	TCPPort          int
	HTTPPort         int // WebSocket, health and history API; 0 disables
	SSHPort          int // 0 disables
	SSHHostKeyPath   string
	MetricsPort      int // 0 disables
	MaxMessageLength int // bytes
	MaxNameLength    int // runes
	WriteTimeout     time.Duration
	Groups           []string // group sessions created at startup
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:          8888,
		HTTPPort:         8080,
		SSHPort:          6466,
		SSHHostKeyPath:   "~/.relaychat/ssh_host_key",
		MetricsPort:      9090,
		MaxMessageLength: 4096,
		MaxNameLength:    32,
		WriteTimeout:     5 * time.Second,
		Groups:           []string{"general", "random"},
	}
}

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server   ServerSection   `toml:"server"`
	Limits   LimitsSection   `toml:"limits"`
	Sessions SessionsSection `toml:"sessions"`
	Logging  LoggingSection  `toml:"logging"`
}

type ServerSection struct {
	TCPPort      int    `toml:"tcp_port"`
	HTTPPort     int    `toml:"http_port"`
	SSHPort      int    `toml:"ssh_port"`
	SSHHostKey   string `toml:"ssh_host_key"`
	MetricsPort  int    `toml:"metrics_port"`
	DatabasePath string `toml:"database_path"`
}

type LimitsSection struct {
	MaxMessageLength    int `toml:"max_message_length"`
	MaxNameLength       int `toml:"max_name_length"`
	WriteTimeoutSeconds int `toml:"write_timeout_seconds"`
}

type SessionsSection struct {
	Groups []string `toml:"groups"`
}

type LoggingSection struct {
	Level string `toml:"level"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	defaults := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:      defaults.TCPPort,
			HTTPPort:     defaults.HTTPPort,
			SSHPort:      defaults.SSHPort,
			SSHHostKey:   defaults.SSHHostKeyPath,
			MetricsPort:  defaults.MetricsPort,
			DatabasePath: "~/.relaychat/server.db",
		},
		Limits: LimitsSection{
			MaxMessageLength:    defaults.MaxMessageLength,
			MaxNameLength:       defaults.MaxNameLength,
			WriteTimeoutSeconds: int(defaults.WriteTimeout / time.Second),
		},
		Sessions: SessionsSection{
			Groups: defaults.Groups,
		},
		Logging: LoggingSection{
			Level: "info",
		},
	}
}

// expandHome replaces a leading ~/ with the user's home directory
func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// If we can't write, just run with the defaults
		writeDefaultConfig(path, config)
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# relaychat server configuration
# This file was auto-generated with default values
# Edit as needed and restart the server for changes to take effect
# Set http_port, ssh_port or metrics_port to -1 to disable that listener

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig. Zero values keep the
// default; a negative port disables that listener.
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}

	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = max(c.Server.HTTPPort, 0)
	}

	if c.Server.SSHPort != 0 {
		cfg.SSHPort = max(c.Server.SSHPort, 0)
	}

	if strings.TrimSpace(c.Server.SSHHostKey) != "" {
		cfg.SSHHostKeyPath = c.Server.SSHHostKey
	}

	if c.Server.MetricsPort != 0 {
		cfg.MetricsPort = max(c.Server.MetricsPort, 0)
	}

	if c.Limits.MaxMessageLength > 0 {
		cfg.MaxMessageLength = c.Limits.MaxMessageLength
	}

	if c.Limits.MaxNameLength > 0 {
		cfg.MaxNameLength = c.Limits.MaxNameLength
	}

	if c.Limits.WriteTimeoutSeconds > 0 {
		cfg.WriteTimeout = time.Duration(c.Limits.WriteTimeoutSeconds) * time.Second
	}

	if c.Sessions.Groups != nil {
		cfg.Groups = c.Sessions.Groups
	}

	return cfg
}

// GetDatabasePath returns the database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	path := c.Server.DatabasePath
	if strings.TrimSpace(path) == "" {
		path = DefaultTOMLConfig().Server.DatabasePath
	}
	return expandHome(path)
}

// LogLevel returns the configured log level, defaulting to info
func (c *TOMLConfig) LogLevel() string {
	if c.Logging.Level == "" {
		return "info"
	}
	return c.Logging.Level
}
