package client

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aeolun/relaychat/pkg/protocol"
	"github.com/rs/zerolog"
)

const (
	// restoreLimit is how many messages per session Restore loads
	restoreLimit = 10

	// recentWindow caps the in-memory tail kept per session
	recentWindow = 100
)

var (
	ErrNoCurrentSession = errors.New("no current session; /join one first")
	ErrUnknownSession   = errors.New("unknown session")
	ErrEmptyMessage     = errors.New("message is empty")
)

// SessionInfo summarises one locally known session
type SessionInfo struct {
	ID            string
	Kind          protocol.SessionKind
	LastMessageAt int64
	Unread        int
	Joined        bool
	Current       bool
}

// Update describes what Apply did with an incoming message
type Update struct {
	Message protocol.Message

	// SessionID is the session the message concerns, empty for plain
	// server notices
	SessionID string

	// Current reports whether SessionID is the current session
	Current bool

	Joined bool
	Left   bool
}

type sessionState struct {
	kind          protocol.SessionKind
	recent        []protocol.Message
	lastMessageAt int64
	joined        bool
}

// Cache mirrors the server-side state of one user: the sessions they know,
// which one is current, and their local history.
type Cache struct {
	name   string
	store  Store
	logger zerolog.Logger

	// now returns microseconds, replaced in tests
	now func() int64

	mu       sync.Mutex
	sessions map[string]*sessionState
	current  string
	lastTS   int64
}

// NewCache creates an empty cache for the given user name
func NewCache(name string, store Store, logger zerolog.Logger) *Cache {
	return &Cache{
		name:     name,
		store:    store,
		logger:   logger,
		now:      func() int64 { return time.Now().UnixMicro() },
		sessions: make(map[string]*sessionState),
	}
}

// Name returns the user name the cache belongs to
func (c *Cache) Name() string {
	return c.name
}

// Restore loads known sessions from the store, most recently active first
func (c *Cache) Restore() error {
	ids, err := c.store.ListKnownSessions()
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range ids {
		kind, err := c.store.SessionKindOf(id)
		if err != nil {
			c.logger.Warn().Err(err).Str("session", id).Msg("Failed to read session kind")
		}

		recent, err := c.store.Recent(id, restoreLimit)
		if err != nil {
			return fmt.Errorf("failed to load history of %s: %w", id, err)
		}

		last, err := c.store.LastMessageTime(id)
		if err != nil {
			return fmt.Errorf("failed to load last message time of %s: %w", id, err)
		}

		c.sessions[id] = &sessionState{
			kind:          kind,
			recent:        recent,
			lastMessageAt: last,
		}
		if last > c.lastTS {
			c.lastTS = last
		}
	}

	c.logger.Debug().Int("sessions", len(ids)).Msg("Restored local sessions")
	return nil
}

// stamp returns a local receive timestamp, strictly after the previous one
func (c *Cache) stamp() int64 {
	ts := c.now()
	if ts <= c.lastTS {
		ts = c.lastTS + 1
	}
	c.lastTS = ts
	return ts
}

// session returns the state of id, creating it if needed. Caller holds mu.
func (c *Cache) session(id string) *sessionState {
	if s, ok := c.sessions[id]; ok {
		return s
	}

	kind := protocol.SessionPrivate
	if id == protocol.BroadcastSession {
		kind = protocol.SessionBroadcast
	} else if stored, err := c.store.SessionKindOf(id); err == nil {
		kind = stored
	}

	s := &sessionState{kind: kind}
	c.sessions[id] = s
	return s
}

// markRead advances the last sync time of id. Caller holds mu.
func (c *Cache) markRead(id string, ts int64) {
	if ts == 0 {
		return
	}
	if err := c.store.SetLastSyncTime(id, ts); err != nil {
		c.logger.Warn().Err(err).Str("session", id).Msg("Failed to update sync time")
	}
}

// Apply folds a message received from the server into the cache
func (c *Cache) Apply(msg protocol.Message) Update {
	c.mu.Lock()
	defer c.mu.Unlock()

	if msg.Timestamp == 0 {
		msg.Timestamp = c.stamp()
	}

	switch msg.Kind {
	case protocol.KindChat:
		return c.applyChat(msg)

	case protocol.KindSystem:
		if kind, id, ok := protocol.ParseJoined(msg.Body); ok {
			s := c.session(id)
			s.kind = kind
			s.joined = true
			c.current = id
			if err := c.store.SaveSession(id, kind); err != nil {
				c.logger.Warn().Err(err).Str("session", id).Msg("Failed to save session")
			}
			c.markRead(id, s.lastMessageAt)
			return Update{Message: msg, SessionID: id, Current: true, Joined: true}
		}

		if id, ok := protocol.ParseLeft(msg.Body); ok {
			if s, known := c.sessions[id]; known {
				s.joined = false
			}
			if c.current == id {
				c.current = ""
			}
			return Update{Message: msg, SessionID: id, Left: true}
		}

		return Update{Message: msg}

	case protocol.KindNotify:
		return Update{Message: msg, SessionID: msg.Target, Current: msg.Target == c.current}

	default:
		return Update{Message: msg}
	}
}

func (c *Cache) applyChat(msg protocol.Message) Update {
	id := msg.Target
	s := c.session(id)

	if err := c.store.Append(msg, id, s.kind); err != nil {
		c.logger.Warn().Err(err).Str("session", id).Msg("Failed to persist message")
	}

	s.recent = append(s.recent, msg)
	if len(s.recent) > recentWindow {
		s.recent = append([]protocol.Message(nil), s.recent[len(s.recent)-recentWindow:]...)
	}
	s.lastMessageAt = msg.Timestamp

	current := id == c.current
	if current {
		c.markRead(id, msg.Timestamp)
	}

	return Update{Message: msg, SessionID: id, Current: current}
}

// Connect builds the CONNECT message announcing the user
func (c *Cache) Connect() protocol.Message {
	return protocol.Message{Kind: protocol.KindConnect, Sender: c.name}
}

// Join builds a JOIN for a session id or a user name. With create set a
// new group session named target is requested.
func (c *Cache) Join(target string, create bool) (protocol.Message, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return protocol.Message{}, fmt.Errorf("join needs a session or user")
	}

	msg := protocol.Message{Kind: protocol.KindJoin, Sender: c.name, Target: target}
	if create {
		msg.Body = protocol.CreateFlag
	}
	return msg, nil
}

// Leave builds a LEAVE for id, or for the current session when id is empty
func (c *Cache) Leave(id string) (protocol.Message, error) {
	if id == "" {
		c.mu.Lock()
		id = c.current
		c.mu.Unlock()
	}
	if id == "" {
		return protocol.Message{}, ErrNoCurrentSession
	}
	return protocol.Message{Kind: protocol.KindLeave, Sender: c.name, Target: id}, nil
}

// Chat builds a CHAT to the current session. The message is stored once
// the server echoes it back.
func (c *Cache) Chat(body string) (protocol.Message, error) {
	if strings.TrimSpace(body) == "" {
		return protocol.Message{}, ErrEmptyMessage
	}

	c.mu.Lock()
	current := c.current
	c.mu.Unlock()

	if current == "" {
		return protocol.Message{}, ErrNoCurrentSession
	}
	return protocol.Message{Kind: protocol.KindChat, Sender: c.name, Target: current, Body: body}, nil
}

// Exit builds the EXIT message
func (c *Cache) Exit() protocol.Message {
	return protocol.Message{Kind: protocol.KindDisconnect, Sender: c.name}
}

// Switch makes a known session current without telling the server
func (c *Cache) Switch(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}

	c.current = id
	c.markRead(id, s.lastMessageAt)
	return nil
}

// Current returns the current session id, empty if none
func (c *Cache) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Sessions summarises known sessions, most recently active first
func (c *Cache) Sessions() []SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	infos := make([]SessionInfo, 0, len(c.sessions))
	for id, s := range c.sessions {
		info := SessionInfo{
			ID:            id,
			Kind:          s.kind,
			LastMessageAt: s.lastMessageAt,
			Joined:        s.joined,
			Current:       id == c.current,
		}
		if !info.Current {
			unread, err := c.store.UnreadCount(id)
			if err != nil {
				c.logger.Warn().Err(err).Str("session", id).Msg("Failed to count unread messages")
			}
			info.Unread = unread
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].LastMessageAt != infos[j].LastMessageAt {
			return infos[i].LastMessageAt > infos[j].LastMessageAt
		}
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// Recent returns the in-memory tail of a session
func (c *Cache) Recent(id string) []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[id]
	if !ok {
		return nil
	}
	return append([]protocol.Message(nil), s.recent...)
}

// History reads up to limit messages of a session from the store
func (c *Cache) History(id string, limit int) ([]protocol.Message, error) {
	return c.store.Recent(id, limit)
}

// Clear drops all local history
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.ClearAll(); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	c.sessions = make(map[string]*sessionState)
	c.current = ""
	return nil
}
