package server

import (
	"errors"
	"sort"
	"sync"

	"github.com/aeolun/relaychat/pkg/protocol"
)

var errStoreDown = errors.New("store unavailable")

// memStore is an in-memory Store for tests. Set fail to make every call
// return errStoreDown.
type memStore struct {
	mu       sync.Mutex
	fail     bool
	closed   bool
	messages map[string][]protocol.Message
	kinds    map[string]protocol.SessionKind
	activity map[string]int64
	synced   map[string]int64
}

func newMemStore() *memStore {
	return &memStore{
		messages: make(map[string][]protocol.Message),
		kinds:    make(map[string]protocol.SessionKind),
		activity: make(map[string]int64),
		synced:   make(map[string]int64),
	}
}

func (m *memStore) setFail(fail bool) {
	m.mu.Lock()
	m.fail = fail
	m.mu.Unlock()
}

func (m *memStore) Append(msg protocol.Message, sessionID string, kind protocol.SessionKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errStoreDown
	}
	m.messages[sessionID] = append(m.messages[sessionID], msg)
	m.kinds[sessionID] = kind
	m.activity[sessionID] = max(m.activity[sessionID], msg.Timestamp)
	return nil
}

func (m *memStore) Recent(sessionID string, limit int) ([]protocol.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, errStoreDown
	}
	msgs := m.messages[sessionID]
	if limit <= 0 {
		return nil, nil
	}
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]protocol.Message(nil), msgs...), nil
}

func (m *memStore) After(sessionID string, timestamp int64) ([]protocol.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, errStoreDown
	}
	var out []protocol.Message
	for _, msg := range m.messages[sessionID] {
		if msg.Timestamp > timestamp {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *memStore) ListKnownSessions() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, errStoreDown
	}
	ids := make([]string, 0, len(m.kinds))
	for id := range m.kinds {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if m.activity[ids[i]] != m.activity[ids[j]] {
			return m.activity[ids[i]] > m.activity[ids[j]]
		}
		return ids[i] < ids[j]
	})
	return ids, nil
}

func (m *memStore) SessionKindOf(sessionID string) (protocol.SessionKind, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return "", errStoreDown
	}
	if kind, ok := m.kinds[sessionID]; ok {
		return kind, nil
	}
	if sessionID == protocol.BroadcastSession {
		return protocol.SessionBroadcast, nil
	}
	return protocol.SessionPrivate, nil
}

func (m *memStore) SetLastSyncTime(sessionID string, timestamp int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errStoreDown
	}
	m.synced[sessionID] = timestamp
	return nil
}

func (m *memStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memStore) history(sessionID string) []protocol.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.Message(nil), m.messages[sessionID]...)
}
