package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aeolun/relaychat/pkg/database"
	"github.com/aeolun/relaychat/pkg/logging"
	"github.com/aeolun/relaychat/pkg/server"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

type options struct {
	configPath string
	port       int
	dbPath     string
	debug      bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "relaychat-server",
		Short:         "Run the relaychat server",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.configPath, "config", "~/.relaychat/config.toml", "Path to config file")
	flags.IntVar(&opts.port, "port", 0, "TCP port to listen on (overrides config)")
	flags.StringVar(&opts.dbPath, "db", "", "Path to SQLite database (overrides config)")
	flags.BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	return cmd
}

func run(opts *options) error {
	// Load configuration (creates default if not found)
	config, err := server.LoadConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := config.LogLevel()
	if opts.debug {
		level = "debug"
	}
	logger := logging.New(level, nil)

	// Command-line flags override config file
	if opts.port != 0 {
		config.Server.TCPPort = opts.port
	}
	if opts.dbPath != "" {
		config.Server.DatabasePath = opts.dbPath
	}

	dbPath, err := config.GetDatabasePath()
	if err != nil {
		return fmt.Errorf("failed to resolve database path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	store, err := database.Open(dbPath, logger)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	serverConfig := config.ToServerConfig()
	buffer := database.NewWriteBuffer(store, 100*time.Millisecond, logger)

	srv := server.NewServer(serverConfig, buffer, logger)
	srv.SetConfigPath(opts.configPath)
	buffer.OnError = func(dropped int, err error) {
		srv.Metrics().RecordPersistenceFailure(dropped)
	}

	logger.Info().Str("config", opts.configPath).Str("database", dbPath).Msg("Loaded configuration")

	if err := srv.Start(); err != nil {
		buffer.Close()
		return fmt.Errorf("failed to start server: %w", err)
	}

	logger.Info().Str("version", Version).Msg("relaychat server started")
	logger.Info().Msgf("  - Binary protocol (TCP): %s", srv.Addr())
	if serverConfig.SSHPort > 0 {
		logger.Info().Msgf("  - SSH: port %d (host key %s)", serverConfig.SSHPort, serverConfig.SSHHostKeyPath)
	}
	if serverConfig.HTTPPort > 0 {
		logger.Info().Msgf("  - WebSocket: ws://server:%d/ws", serverConfig.HTTPPort)
		logger.Info().Msgf("  - History API: http://server:%d/sessions", serverConfig.HTTPPort)
	}
	if serverConfig.MetricsPort > 0 {
		logger.Info().Msgf("  - Metrics: http://server:%d/metrics", serverConfig.MetricsPort)
	}
	if len(serverConfig.Groups) > 0 {
		logger.Info().Strs("groups", serverConfig.Groups).Msg("Seeded group sessions")
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info().Str("signal", sig.String()).Msg("Shutting down server...")
	if err := srv.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
		return err
	}
	logger.Info().Msg("Server stopped")
	return nil
}
