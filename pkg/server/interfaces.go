package server

import "github.com/aeolun/relaychat/pkg/protocol"

// Store is the persistence port the server writes history to and reads it
// back from. database.Store and database.WriteBuffer both implement it.
// Failures never stop delivery; they are logged and counted.
type Store interface {
	Append(msg protocol.Message, sessionID string, kind protocol.SessionKind) error
	Recent(sessionID string, limit int) ([]protocol.Message, error)
	After(sessionID string, timestamp int64) ([]protocol.Message, error)
	ListKnownSessions() ([]string, error)
	SessionKindOf(sessionID string) (protocol.SessionKind, error)
	SetLastSyncTime(sessionID string, timestamp int64) error

	Close() error
}
