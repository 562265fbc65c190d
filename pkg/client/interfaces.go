package client

import (
	"github.com/aeolun/relaychat/pkg/protocol"
)

// ConnectionInterface defines the interface for client connections
// This allows for mocking in tests while the real Connection implements all these methods
type ConnectionInterface interface {
	Connect() error
	Close()
	IsConnected() bool
	GetAddress() string

	Send(msg protocol.Message) error

	Incoming() <-chan protocol.Message
	Errors() <-chan error
}

// Store is the local history the cache persists into. *database.Store
// implements it.
type Store interface {
	Append(msg protocol.Message, sessionID string, kind protocol.SessionKind) error
	Recent(sessionID string, limit int) ([]protocol.Message, error)
	ListKnownSessions() ([]string, error)
	SessionKindOf(sessionID string) (protocol.SessionKind, error)
	SaveSession(sessionID string, kind protocol.SessionKind) error
	SetLastSyncTime(sessionID string, timestamp int64) error
	LastMessageTime(sessionID string) (int64, error)
	UnreadCount(sessionID string) (int, error)
	ClearAll() error
}
