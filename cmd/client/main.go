package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aeolun/relaychat/pkg/client"
	"github.com/aeolun/relaychat/pkg/database"
	"github.com/aeolun/relaychat/pkg/logging"
	"github.com/aeolun/relaychat/pkg/protocol"
	"github.com/gen2brain/beeep"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

type options struct {
	configPath string
	server     string
	name       string
	dbPath     string
	notify     bool
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
		Use:          "relaychat",
		Short:        "Line-mode relaychat client",
		Version:      Version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.configPath, "config", client.DefaultConfigPath(), "Path to config file")
	flags.StringVar(&opts.server, "server", "", "Server address: host:port, ws://host:port/ws or ssh://host:port (overrides config)")
	flags.StringVar(&opts.name, "name", "", "User name to connect as (overrides config)")
	flags.StringVar(&opts.dbPath, "db", "", "Path to local history database (overrides config)")
	flags.BoolVar(&opts.notify, "notify", false, "Desktop notifications for messages outside the current session")
	flags.BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	return cmd
}

func run(cmd *cobra.Command, opts *options) error {
	config, err := client.LoadClientConfig(opts.configPath)
	if err != nil {
		return err
	}

	level := config.UI.LogLevel
	if opts.debug {
		level = "debug"
	}
	logger := logging.New(level, os.Stderr)

	if opts.server != "" {
		config.Connection.DefaultServer = opts.server
	}
	if opts.name != "" {
		config.Local.Name = opts.name
	}
	if opts.dbPath != "" {
		config.Local.HistoryDB = opts.dbPath
	}
	if cmd.Flags().Changed("notify") {
		config.UI.Notify = opts.notify
	}

	name := config.Local.Name
	if name == "" {
		name = os.Getenv("USER")
	}
	if name == "" {
		return errors.New("no user name; pass --name or set local.name in the config")
	}

	dbPath, err := config.GetHistoryDBPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return fmt.Errorf("failed to create history directory: %w", err)
	}

	store, err := database.Open(dbPath, logger)
	if err != nil {
		return fmt.Errorf("failed to open history database: %w", err)
	}
	defer store.Close()

	cache := client.NewCache(name, store, logger)
	if err := cache.Restore(); err != nil {
		logger.Warn().Err(err).Msg("Failed to restore local history")
	}

	conn, err := client.NewConnection(config.GetServerAddress())
	if err != nil {
		return err
	}
	conn.SetLogger(logger)
	if err := conn.Connect(); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", conn.GetAddress(), err)
	}
	defer conn.Close()

	r := &repl{conn: conn, cache: cache, out: os.Stdout}
	if config.UI.Notify {
		beeep.AppName = "relaychat"
		r.notify = func(title, body string) error {
			return beeep.Notify(title, body, "")
		}
	}

	r.printf("-- connected to %s as %s, /help for commands", conn.GetAddress(), name)

	if err := conn.Send(cache.Connect()); err != nil {
		return err
	}
	if config.Connection.AutoJoin {
		if err := r.send(cache.Join(protocol.BroadcastSession, false)); err != nil {
			return err
		}
	}

	done := make(chan error, 1)
	go func() {
		for msg := range conn.Incoming() {
			r.handleIncoming(msg)
		}
	}()
	go func() {
		for err := range conn.Errors() {
			if errors.Is(err, client.ErrDisconnected) {
				done <- err
				return
			}
			r.printf("-- %v", err)
		}
	}()
	go func() {
		done <- r.readInput(os.Stdin)
	}()

	err = <-done
	if errors.Is(err, client.ErrDisconnected) {
		r.printf("-- disconnected from server")
		return nil
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	// Give the EXIT frame a moment to leave before tearing down
	time.Sleep(100 * time.Millisecond)
	return nil
}
