package main

import (
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/aeolun/relaychat/pkg/database"
	"github.com/aeolun/relaychat/pkg/protocol"
	"github.com/aeolun/relaychat/pkg/server"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRelay(t *testing.T) string {
	t.Helper()

	tmpDir := t.TempDir()
	store, err := database.Open(filepath.Join(tmpDir, "server.db"), zerolog.Nop())
	require.NoError(t, err)

	cfg := server.DefaultConfig()
	cfg.TCPPort = 0
	cfg.HTTPPort = 0
	cfg.SSHPort = 0
	cfg.MetricsPort = 0
	cfg.SSHHostKeyPath = filepath.Join(tmpDir, "ssh_host_key")

	srv := server.NewServer(cfg, store, zerolog.Nop())
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	return fmt.Sprintf("127.0.0.1:%d", srv.Addr().(*net.TCPAddr).Port)
}

func TestBotNamesAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		name := botName(1)
		assert.False(t, seen[name], name)
		seen[name] = true
	}
}

func TestBotPostsAndSeesEcho(t *testing.T) {
	addr := startRelay(t)
	stats := &Stats{}

	bot, err := NewBotClient(1, addr, protocol.BroadcastSession, stats)
	require.NoError(t, err)
	defer bot.conn.Close()

	require.NoError(t, bot.Connect())
	require.NoError(t, bot.PostRandomMessage())

	posted, _, failed, _, _ := stats.snapshot()
	assert.Equal(t, int64(1), posted)
	assert.Equal(t, int64(0), failed)
}

func TestBotJoinUnknownSessionFails(t *testing.T) {
	addr := startRelay(t)

	bot, err := NewBotClient(1, addr, "nowhere", &Stats{})
	require.NoError(t, err)
	defer bot.conn.Close()

	err = bot.Connect()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "join rejected")
}

func TestRunLoad(t *testing.T) {
	addr := startRelay(t)

	opts := &options{
		serverAddr: addr,
		numClients: 3,
		duration:   300 * time.Millisecond,
		rampUp:     30 * time.Millisecond,
		minDelay:   20 * time.Millisecond,
		maxDelay:   40 * time.Millisecond,
		sessions:   []string{protocol.BroadcastSession, "general"},
	}

	stats := runLoad(opts, zerolog.Nop(), make(chan struct{}))

	posted, received, failed, connErrors, _ := stats.snapshot()
	assert.Equal(t, int64(0), connErrors)
	assert.Equal(t, int64(0), failed)
	assert.Greater(t, posted, int64(3))
	assert.GreaterOrEqual(t, received, int64(0))
}
