package client

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the client config file
type TOMLConfig struct {
	Connection ConnectionSection `toml:"connection"`
	Local      LocalSection      `toml:"local"`
	UI         UISection         `toml:"ui"`
}

type ConnectionSection struct {
	DefaultServer string `toml:"default_server"`
	DefaultPort   int    `toml:"default_port"`
	AutoJoin      bool   `toml:"auto_join_broadcast"`
}

type LocalSection struct {
	HistoryDB string `toml:"history_db"`
	Name      string `toml:"name"`
}

type UISection struct {
	Notify   bool   `toml:"notify"`
	LogLevel string `toml:"log_level"`
}

// ConfigError represents a structured configuration error
type ConfigError struct {
	Path       string
	Message    string
	LineNumber int // 0 if not a parse error
}

func (e *ConfigError) Error() string {
	if e.LineNumber > 0 {
		return fmt.Sprintf("%s: %s (line %d)", e.Path, e.Message, e.LineNumber)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// getXDGDataHome returns the XDG data directory
func getXDGDataHome() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return xdg
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".local", "share")
}

// DefaultConfigPath returns the XDG location of the client config
func DefaultConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "relaychat", "client.toml")
	}
	return "~/.config/relaychat/client.toml"
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Connection: ConnectionSection{
			DefaultServer: "localhost",
			DefaultPort:   8888,
			AutoJoin:      true,
		},
		Local: LocalSection{
			HistoryDB: filepath.Join(getXDGDataHome(), "relaychat", "history.db"),
		},
		UI: UISection{
			Notify:   false,
			LogLevel: "warn",
		},
	}
}

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

// LoadClientConfig loads configuration from a TOML file, creates default if not found
func LoadClientConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// A read-only home still gets a working client
		_ = writeDefaultConfig(path, config)
		return config, nil
	}

	config := DefaultTOMLConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, &ConfigError{
			Path:       path,
			Message:    strings.TrimPrefix(err.Error(), "toml: "),
			LineNumber: extractLineNumber(err.Error()),
		}
	}

	if err := validateConfig(&config); err != nil {
		return TOMLConfig{}, &ConfigError{Path: path, Message: err.Error()}
	}

	return config, nil
}

var lineNumberPattern = regexp.MustCompile(`line (\d+)`)

// extractLineNumber tries to extract a line number from a TOML parse error
func extractLineNumber(errMsg string) int {
	matches := lineNumberPattern.FindStringSubmatch(errMsg)
	if len(matches) > 1 {
		if num, err := strconv.Atoi(matches[1]); err == nil {
			return num
		}
	}
	return 0
}

// validateConfig validates configuration values
func validateConfig(config *TOMLConfig) error {
	var problems []string

	if config.Connection.DefaultPort < 1 || config.Connection.DefaultPort > 65535 {
		problems = append(problems, fmt.Sprintf("invalid port number: %d (must be 1-65535)", config.Connection.DefaultPort))
	}

	if strings.TrimSpace(config.Local.HistoryDB) == "" {
		problems = append(problems, "history database path cannot be empty")
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(problems, "; "))
	}

	return nil
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

	header := `# relaychat client configuration
# Command line flags override these values

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// GetHistoryDBPath returns the history database path with ~ expanded
func (c *TOMLConfig) GetHistoryDBPath() (string, error) {
	return expandHome(c.Local.HistoryDB)
}

// GetServerAddress returns the full server address (host:port or URL)
func (c *TOMLConfig) GetServerAddress() string {
	server := strings.TrimSpace(c.Connection.DefaultServer)
	if server == "" {
		return ""
	}

	if strings.Contains(server, "://") {
		return server
	}

	if c.Connection.DefaultPort <= 0 {
		return server
	}

	return fmt.Sprintf("%s:%d", server, c.Connection.DefaultPort)
}
