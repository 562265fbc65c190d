package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aeolun/relaychat/pkg/protocol"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("store is closed")

// Entry is one message queued for persistence together with the session it
// belongs to
type Entry struct {
	Message     protocol.Message
	SessionID   string
	SessionKind protocol.SessionKind
}

// Store persists chat history and session metadata in SQLite
type Store struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
	logger    zerolog.Logger
}

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	// Wait and retry instead of failing immediately with SQLITE_BUSY
	"PRAGMA busy_timeout = 5000",
	"PRAGMA synchronous = NORMAL",
}

func openPool(path string, maxOpen int) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)
	if maxOpen == 1 {
		db.SetConnMaxLifetime(0)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	return db, nil
}

// Open opens the SQLite database at path and migrates it to the current schema
func Open(path string, logger zerolog.Logger) (*Store, error) {
	conn, err := openPool(path, 8)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	writeConn, err := openPool(path, 1)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}

	if err := runMigrations(writeConn, path, logger); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{
		conn:      conn,
		writeConn: writeConn,
		logger:    logger,
	}, nil
}

// Close closes both connection pools
func (s *Store) Close() error {
	werr := s.writeConn.Close()
	if err := s.conn.Close(); err != nil {
		return err
	}
	return werr
}

func nowMicros() int64 {
	return time.Now().UnixMicro()
}

// Append records a message in the history of sessionID, creating the
// session row on first use
func (s *Store) Append(msg protocol.Message, sessionID string, kind protocol.SessionKind) error {
	return s.AppendBatch([]Entry{{Message: msg, SessionID: sessionID, SessionKind: kind}})
}

// AppendBatch records several messages in one transaction
func (s *Store) AppendBatch(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.writeConn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	sessStmt, err := tx.Prepare(`
		INSERT INTO sessions (session_id, session_kind, created_at, last_activity)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET last_activity = MAX(last_activity, excluded.last_activity)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare session upsert: %w", err)
	}
	defer sessStmt.Close()

	msgStmt, err := tx.Prepare(`
		INSERT INTO messages (session_id, session_kind, kind, sender, target, body, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare message insert: %w", err)
	}
	defer msgStmt.Close()

	for _, e := range entries {
		ts := e.Message.Timestamp
		if ts == 0 {
			ts = nowMicros()
		}

		if _, err := sessStmt.Exec(e.SessionID, string(e.SessionKind), ts, ts); err != nil {
			return fmt.Errorf("failed to upsert session %s: %w", e.SessionID, err)
		}

		_, err := msgStmt.Exec(
			e.SessionID, string(e.SessionKind),
			string(e.Message.Kind), e.Message.Sender, e.Message.Target, e.Message.Body,
			ts,
		)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}

	return tx.Commit()
}

func scanMessages(rows *sql.Rows) ([]protocol.Message, error) {
	defer rows.Close()

	var messages []protocol.Message
	for rows.Next() {
		var m protocol.Message
		var kind string
		if err := rows.Scan(&kind, &m.Sender, &m.Target, &m.Body, &m.Timestamp); err != nil {
			return nil, err
		}
		m.Kind = protocol.Kind(kind)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// Recent returns up to limit of the newest messages of a session, oldest first
func (s *Store) Recent(sessionID string, limit int) ([]protocol.Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.conn.Query(`
		SELECT kind, sender, target, body, timestamp FROM (
			SELECT id, kind, sender, target, body, timestamp
			FROM messages
			WHERE session_id = ?
			ORDER BY timestamp DESC, id DESC
			LIMIT ?
		) ORDER BY timestamp ASC, id ASC
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}

	return scanMessages(rows)
}

// After returns every message of a session newer than timestamp, oldest first
func (s *Store) After(sessionID string, timestamp int64) ([]protocol.Message, error) {
	rows, err := s.conn.Query(`
		SELECT kind, sender, target, body, timestamp
		FROM messages
		WHERE session_id = ? AND timestamp > ?
		ORDER BY timestamp ASC, id ASC
	`, sessionID, timestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to query new messages: %w", err)
	}

	return scanMessages(rows)
}

// ListKnownSessions returns all session ids, most recently active first
func (s *Store) ListKnownSessions() ([]string, error) {
	rows, err := s.conn.Query(`
		SELECT session_id FROM sessions
		ORDER BY last_activity DESC, session_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SessionKindOf returns the stored kind of a session. Sessions the store has
// never seen are inferred from their id: the broadcast id is broadcast,
// anything else private.
func (s *Store) SessionKindOf(sessionID string) (protocol.SessionKind, error) {
	var stored string
	err := s.conn.QueryRow("SELECT session_kind FROM sessions WHERE session_id = ?", sessionID).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return inferKind(sessionID), nil
	}
	if err != nil {
		return inferKind(sessionID), fmt.Errorf("failed to get session kind: %w", err)
	}

	kind, ok := protocol.ParseSessionKind(stored)
	if !ok {
		return inferKind(sessionID), nil
	}
	return kind, nil
}

func inferKind(sessionID string) protocol.SessionKind {
	if sessionID == protocol.BroadcastSession {
		return protocol.SessionBroadcast
	}
	return protocol.SessionPrivate
}

// SaveSession records session metadata without a message. Existing rows are
// left untouched.
func (s *Store) SaveSession(sessionID string, kind protocol.SessionKind) error {
	now := nowMicros()
	_, err := s.writeConn.Exec(`
		INSERT OR IGNORE INTO sessions (session_id, session_kind, created_at, last_activity)
		VALUES (?, ?, ?, ?)
	`, sessionID, string(kind), now, now)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// SetLastSyncTime records the time up to which a session has been read
func (s *Store) SetLastSyncTime(sessionID string, timestamp int64) error {
	_, err := s.writeConn.Exec(
		"UPDATE sessions SET last_sync_time = ? WHERE session_id = ?",
		timestamp, sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to update sync time: %w", err)
	}
	return nil
}

// LastSyncTime returns the time up to which a session has been read
func (s *Store) LastSyncTime(sessionID string) (int64, error) {
	var ts int64
	err := s.conn.QueryRow("SELECT last_sync_time FROM sessions WHERE session_id = ?", sessionID).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return ts, err
}

// LastMessageTime returns the timestamp of the newest message in a session, 0 if none
func (s *Store) LastMessageTime(sessionID string) (int64, error) {
	var ts sql.NullInt64
	err := s.conn.QueryRow("SELECT MAX(timestamp) FROM messages WHERE session_id = ?", sessionID).Scan(&ts)
	if err != nil {
		return 0, fmt.Errorf("failed to query last message time: %w", err)
	}
	return ts.Int64, nil
}

// UnreadCount returns how many messages arrived after the last sync time
func (s *Store) UnreadCount(sessionID string) (int, error) {
	var count int
	err := s.conn.QueryRow(`
		SELECT COUNT(*) FROM messages m
		LEFT JOIN sessions s ON s.session_id = m.session_id
		WHERE m.session_id = ? AND m.timestamp > COALESCE(s.last_sync_time, 0)
	`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread messages: %w", err)
	}
	return count, nil
}

// ClearAll deletes every message and session
func (s *Store) ClearAll() error {
	tx, err := s.writeConn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM messages"); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM sessions"); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.logger.Info().Msg("cleared all stored history")
	return nil
}
