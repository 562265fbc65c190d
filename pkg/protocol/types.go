package protocol

import (
	"encoding/binary"
	"io"
)

// Kind identifies what a message means. The set is closed: the wire strings
// below are the only valid kinds.
type Kind string

const (
	KindSystem     Kind = "SYS"
	KindConnect    Kind = "CONNECT"
	KindChat       Kind = "MSG"
	KindDisconnect Kind = "EXIT"
	KindJoin       Kind = "JOIN_SESSION"
	KindLeave      Kind = "LEAVE_SESSION"
	KindNotify     Kind = "NOTIFY"
)

// Kinds lists every valid kind in wire order.
var Kinds = []Kind{KindSystem, KindConnect, KindChat, KindDisconnect, KindJoin, KindLeave, KindNotify}

// Valid reports whether k is one of the known kinds
func (k Kind) Valid() bool {
	switch k {
	case KindSystem, KindConnect, KindChat, KindDisconnect, KindJoin, KindLeave, KindNotify:
		return true
	}
	return false
}

// String returns the wire representation
func (k Kind) String() string {
	return string(k)
}

// Reserved names
const (
	// BroadcastSession is the id of the global session every user can join
	BroadcastSession = "ALL"

	// ServerName is the sender of every server-synthesized message
	ServerName = "Server"

	// CreateFlag in the body of a JOIN_SESSION asks the server to create a group
	CreateFlag = "CREATE"
)

// Message is one protocol message. Messages are values and are never
// modified after construction.
type Message struct {
	Kind   Kind
	Sender string
	Target string
	Body   string

	// Timestamp is the server-observed time in microseconds. It is not part
	// of the wire tuple.
	Timestamp int64
}

// NewSystem builds a SYS message addressed to a single user
func NewSystem(recipient, body string) Message {
	return Message{Kind: KindSystem, Sender: ServerName, Target: recipient, Body: body}
}

// NewNotify builds a NOTIFY message about a session
func NewNotify(sessionID, body string) Message {
	return Message{Kind: KindNotify, Sender: ServerName, Target: sessionID, Body: body}
}

// WriteUint32 writes a 32-bit unsigned integer in big-endian
func WriteUint32(w io.Writer, v uint32) error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	_, err := w.Write(buf)
	return err
}

// ReadUint32 reads a 32-bit unsigned integer in big-endian
func ReadUint32(r io.Reader) (uint32, error) {
	buf := make([]byte, 4)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf), nil
}
