package client

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/aeolun/relaychat/pkg/database"
	"github.com/aeolun/relaychat/pkg/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, name string) (*Cache, *database.Store) {
	t.Helper()

	store, err := database.Open(filepath.Join(t.TempDir(), "client.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return NewCache(name, store, zerolog.Nop()), store
}

func chat(sender, session, body string) protocol.Message {
	return protocol.Message{Kind: protocol.KindChat, Sender: sender, Target: session, Body: body}
}

func joined(kind protocol.SessionKind, id string) protocol.Message {
	return protocol.NewSystem("alice", protocol.JoinedBody(kind, id))
}

func TestCacheApplyChatPersists(t *testing.T) {
	c, store := newTestCache(t, "alice")

	u := c.Apply(chat("bob", protocol.BroadcastSession, "hi"))
	assert.Equal(t, protocol.BroadcastSession, u.SessionID)
	assert.False(t, u.Current)
	assert.NotZero(t, u.Message.Timestamp)

	history, err := store.Recent(protocol.BroadcastSession, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hi", history[0].Body)

	kind, err := store.SessionKindOf(protocol.BroadcastSession)
	require.NoError(t, err)
	assert.Equal(t, protocol.SessionBroadcast, kind)
}

func TestCacheInfersPrivateKindForUnknownSessions(t *testing.T) {
	c, _ := newTestCache(t, "alice")

	c.Apply(chat("bob", "alicebob", "psst"))

	sessions := c.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, protocol.SessionPrivate, sessions[0].Kind)
}

func TestCacheJoinedReplyRegistersSession(t *testing.T) {
	c, store := newTestCache(t, "alice")

	u := c.Apply(joined(protocol.SessionGroup, "lobby"))
	assert.True(t, u.Joined)
	assert.Equal(t, "lobby", u.SessionID)
	assert.Equal(t, "lobby", c.Current())

	// Saved even without messages so Restore finds it
	ids, err := store.ListKnownSessions()
	require.NoError(t, err)
	assert.Equal(t, []string{"lobby"}, ids)

	sessions := c.Sessions()
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Joined)
	assert.True(t, sessions[0].Current)
	assert.Equal(t, protocol.SessionGroup, sessions[0].Kind)
}

func TestCacheLeftReplyForgetsCurrent(t *testing.T) {
	c, _ := newTestCache(t, "alice")

	c.Apply(joined(protocol.SessionBroadcast, protocol.BroadcastSession))
	c.Apply(joined(protocol.SessionGroup, "lobby"))
	require.Equal(t, "lobby", c.Current())

	// Leaving a session that is not current keeps the current one
	u := c.Apply(protocol.NewSystem("alice", protocol.LeftBody(protocol.BroadcastSession)))
	assert.True(t, u.Left)
	assert.Equal(t, "lobby", c.Current())

	c.Apply(protocol.NewSystem("alice", protocol.LeftBody("lobby")))
	assert.Equal(t, "", c.Current())

	// The session stays known locally
	assert.Len(t, c.Sessions(), 2)
}

func TestCacheNotifyAndSystemOnlySurface(t *testing.T) {
	c, store := newTestCache(t, "alice")
	c.Apply(joined(protocol.SessionGroup, "lobby"))

	u := c.Apply(protocol.NewNotify("lobby", "bob joined lobby"))
	assert.Equal(t, "lobby", u.SessionID)
	assert.True(t, u.Current)

	u = c.Apply(protocol.NewSystem("alice", "Error: user carol is offline"))
	assert.Empty(t, u.SessionID)

	history, err := store.Recent("lobby", 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestCacheCurrentSessionStaysRead(t *testing.T) {
	c, _ := newTestCache(t, "alice")

	c.Apply(joined(protocol.SessionGroup, "lobby"))
	c.Apply(chat("bob", "lobby", "one"))
	c.Apply(chat("bob", protocol.BroadcastSession, "two"))
	c.Apply(chat("bob", protocol.BroadcastSession, "three"))

	unread := map[string]int{}
	for _, s := range c.Sessions() {
		unread[s.ID] = s.Unread
	}
	assert.Equal(t, 0, unread["lobby"])
	assert.Equal(t, 2, unread[protocol.BroadcastSession])

	require.NoError(t, c.Switch(protocol.BroadcastSession))
	for _, s := range c.Sessions() {
		if s.ID == protocol.BroadcastSession {
			assert.True(t, s.Current)
		}
		if s.ID == "lobby" {
			assert.Equal(t, 0, s.Unread)
		}
	}

	// Switching away and back leaves nothing unread
	require.NoError(t, c.Switch("lobby"))
	for _, s := range c.Sessions() {
		assert.Equal(t, 0, s.Unread, s.ID)
	}
}

func TestCacheSwitchUnknown(t *testing.T) {
	c, _ := newTestCache(t, "alice")

	err := c.Switch("nowhere")
	assert.ErrorIs(t, err, ErrUnknownSession)
	assert.Equal(t, "", c.Current())
}

func TestCacheBuilders(t *testing.T) {
	c, _ := newTestCache(t, "alice")

	assert.Equal(t, protocol.Message{Kind: protocol.KindConnect, Sender: "alice"}, c.Connect())
	assert.Equal(t, protocol.Message{Kind: protocol.KindDisconnect, Sender: "alice"}, c.Exit())

	msg, err := c.Join("bob", false)
	require.NoError(t, err)
	assert.Equal(t, protocol.Message{Kind: protocol.KindJoin, Sender: "alice", Target: "bob"}, msg)

	msg, err = c.Join(" lobby ", true)
	require.NoError(t, err)
	assert.Equal(t, "lobby", msg.Target)
	assert.Equal(t, protocol.CreateFlag, msg.Body)

	_, err = c.Join("", false)
	assert.Error(t, err)

	// Chat and Leave need a current session
	_, err = c.Chat("hello")
	assert.ErrorIs(t, err, ErrNoCurrentSession)
	_, err = c.Leave("")
	assert.ErrorIs(t, err, ErrNoCurrentSession)

	c.Apply(joined(protocol.SessionBroadcast, protocol.BroadcastSession))

	msg, err = c.Chat("hello")
	require.NoError(t, err)
	assert.Equal(t, chat("alice", protocol.BroadcastSession, "hello"), msg)

	_, err = c.Chat("   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	msg, err = c.Leave("")
	require.NoError(t, err)
	assert.Equal(t, protocol.Message{Kind: protocol.KindLeave, Sender: "alice", Target: protocol.BroadcastSession}, msg)

	msg, err = c.Leave("lobby")
	require.NoError(t, err)
	assert.Equal(t, "lobby", msg.Target)
}

func TestCacheSentMessagesNotStoredUntilEcho(t *testing.T) {
	c, store := newTestCache(t, "alice")
	c.Apply(joined(protocol.SessionBroadcast, protocol.BroadcastSession))

	msg, err := c.Chat("hello")
	require.NoError(t, err)

	history, err := store.Recent(protocol.BroadcastSession, 10)
	require.NoError(t, err)
	assert.Empty(t, history)

	// The server echo is the one stored copy
	c.Apply(msg)
	history, err = store.Recent(protocol.BroadcastSession, 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestCacheTimestampsStrictlyIncrease(t *testing.T) {
	c, _ := newTestCache(t, "alice")
	c.now = func() int64 { return 1000 }

	var last int64
	for i := 0; i < 20; i++ {
		u := c.Apply(chat("bob", protocol.BroadcastSession, fmt.Sprint(i)))
		assert.Greater(t, u.Message.Timestamp, last)
		last = u.Message.Timestamp
	}
}

func TestCacheRestore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.db")

	store, err := database.Open(path, zerolog.Nop())
	require.NoError(t, err)

	c := NewCache("alice", store, zerolog.Nop())
	c.Apply(joined(protocol.SessionGroup, "lobby"))
	for i := 0; i < 15; i++ {
		c.Apply(chat("bob", "lobby", fmt.Sprintf("lobby %d", i)))
	}
	c.Apply(chat("bob", "alicebob", "private"))
	require.NoError(t, store.Close())

	store, err = database.Open(path, zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	restored := NewCache("alice", store, zerolog.Nop())
	require.NoError(t, restored.Restore())

	sessions := restored.Sessions()
	require.Len(t, sessions, 2)
	assert.Equal(t, "alicebob", sessions[0].ID)
	assert.Equal(t, protocol.SessionPrivate, sessions[0].Kind)
	assert.Equal(t, "lobby", sessions[1].ID)
	assert.Equal(t, protocol.SessionGroup, sessions[1].Kind)

	// Memberships are not known until the server confirms them again
	assert.False(t, sessions[1].Joined)
	assert.Equal(t, "", restored.Current())

	recent := restored.Recent("lobby")
	require.Len(t, recent, restoreLimit)
	assert.Equal(t, "lobby 5", recent[0].Body)
	assert.Equal(t, "lobby 14", recent[len(recent)-1].Body)

	// New local timestamps continue after the restored ones
	u := restored.Apply(chat("bob", "lobby", "after restart"))
	assert.Greater(t, u.Message.Timestamp, sessions[0].LastMessageAt)

	history, err := restored.History("lobby", 100)
	require.NoError(t, err)
	assert.Len(t, history, 16)
}

func TestCacheClear(t *testing.T) {
	c, store := newTestCache(t, "alice")
	c.Apply(joined(protocol.SessionGroup, "lobby"))
	c.Apply(chat("bob", "lobby", "hi"))

	require.NoError(t, c.Clear())
	assert.Empty(t, c.Sessions())
	assert.Equal(t, "", c.Current())

	ids, err := store.ListKnownSessions()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

// failingStore fails every write and reports nothing known
type failingStore struct{}

var errDiskFull = errors.New("disk full")

func (failingStore) Append(protocol.Message, string, protocol.SessionKind) error { return errDiskFull }
func (failingStore) Recent(string, int) ([]protocol.Message, error)             { return nil, errDiskFull }
func (failingStore) ListKnownSessions() ([]string, error)                        { return nil, errDiskFull }
func (failingStore) SessionKindOf(string) (protocol.SessionKind, error) {
	return protocol.SessionPrivate, errDiskFull
}
func (failingStore) SaveSession(string, protocol.SessionKind) error { return errDiskFull }
func (failingStore) SetLastSyncTime(string, int64) error            { return errDiskFull }
func (failingStore) LastMessageTime(string) (int64, error)          { return 0, errDiskFull }
func (failingStore) UnreadCount(string) (int, error)                { return 0, errDiskFull }
func (failingStore) ClearAll() error                                { return errDiskFull }

func TestCacheSurvivesStoreFailures(t *testing.T) {
	c := NewCache("alice", failingStore{}, zerolog.Nop())

	assert.Error(t, c.Restore())

	c.Apply(joined(protocol.SessionGroup, "lobby"))
	u := c.Apply(chat("bob", "lobby", "still shown"))
	assert.True(t, u.Current)
	assert.Equal(t, "still shown", u.Message.Body)

	require.Len(t, c.Recent("lobby"), 1)
	assert.Len(t, c.Sessions(), 1)
	assert.Error(t, c.Clear())
}
