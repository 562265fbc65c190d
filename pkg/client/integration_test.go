package client

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"
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

// testClient pairs a live connection with its cache
type testClient struct {
	conn  *Connection
	cache *Cache
}

func newTestClient(t *testing.T, addr, name string) *testClient {
	t.Helper()

	conn, err := NewConnection(addr)
	require.NoError(t, err)
	require.NoError(t, conn.Connect())
	t.Cleanup(conn.Close)

	cache, _ := newTestCache(t, name)
	return &testClient{conn: conn, cache: cache}
}

// next applies the next incoming message to the cache
func (c *testClient) next(t *testing.T) Update {
	t.Helper()
	select {
	case msg, ok := <-c.conn.Incoming():
		require.True(t, ok, "connection closed")
		return c.cache.Apply(msg)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
		return Update{}
	}
}

func (c *testClient) send(t *testing.T, msg protocol.Message, err error) {
	t.Helper()
	require.NoError(t, err)
	require.NoError(t, c.conn.Send(msg))
}

func TestClientAgainstRelay(t *testing.T) {
	addr := startRelay(t)

	alice := newTestClient(t, addr, "alice")
	alice.send(t, alice.cache.Connect(), nil)
	welcome := alice.next(t)
	assert.True(t, strings.HasPrefix(welcome.Message.Body, "Welcome alice!"))

	join, err := alice.cache.Join(protocol.BroadcastSession, false)
	alice.send(t, join, err)
	u := alice.next(t)
	require.True(t, u.Joined)
	assert.Equal(t, protocol.BroadcastSession, alice.cache.Current())

	bob := newTestClient(t, addr, "bob")
	bob.send(t, bob.cache.Connect(), nil)
	bob.next(t)
	join, err = bob.cache.Join(protocol.BroadcastSession, false)
	bob.send(t, join, err)
	bob.next(t)

	u = alice.next(t)
	assert.Equal(t, protocol.KindNotify, u.Message.Kind)

	msg, err := bob.cache.Chat("hello alice")
	bob.send(t, msg, err)

	u = alice.next(t)
	assert.Equal(t, protocol.KindChat, u.Message.Kind)
	assert.Equal(t, "hello alice", u.Message.Body)
	assert.True(t, u.Current)

	// Bob sees his own echo and stores it
	u = bob.next(t)
	assert.Equal(t, "bob", u.Message.Sender)
	history, err := bob.cache.History(protocol.BroadcastSession, 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	// Private session resolved by user name
	join, err = alice.cache.Join("bob", false)
	alice.send(t, join, err)
	u = alice.next(t)
	require.True(t, u.Joined)
	assert.Equal(t, "alicebob", u.SessionID)
	assert.Equal(t, "alicebob", alice.cache.Current())

	msg, err = alice.cache.Chat("just us")
	alice.send(t, msg, err)
	u = alice.next(t)
	assert.Equal(t, "alicebob", u.SessionID)

	// Both participants are members of a new private session
	u = bob.next(t)
	assert.Equal(t, protocol.KindNotify, u.Message.Kind)
	assert.Equal(t, "alicebob", u.SessionID)
	u = bob.next(t)
	assert.Equal(t, "just us", u.Message.Body)
	assert.False(t, u.Current)

	alice.send(t, alice.cache.Exit(), nil)
	u = bob.next(t)
	assert.Equal(t, "alice left the chat", u.Message.Body)

	unread := map[string]int{}
	for _, s := range bob.cache.Sessions() {
		unread[s.ID] = s.Unread
	}
	assert.Equal(t, 1, unread["alicebob"])
}
