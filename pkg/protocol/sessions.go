package protocol

import (
	"fmt"
	"strings"
)

// SessionKind classifies a session
type SessionKind string

const (
	SessionBroadcast SessionKind = "broadcast"
	SessionGroup     SessionKind = "group"
	SessionPrivate   SessionKind = "private"
)

// Valid reports whether k is a known session kind
func (k SessionKind) Valid() bool {
	switch k {
	case SessionBroadcast, SessionGroup, SessionPrivate:
		return true
	}
	return false
}

// ParseSessionKind parses the stored representation of a kind
func ParseSessionKind(s string) (SessionKind, bool) {
	k := SessionKind(strings.ToLower(s))
	return k, k.Valid()
}

// PrivateSessionID returns the canonical id of the private session between
// two users: the two names sorted and concatenated. The result does not
// depend on argument order.
func PrivateSessionID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + b
}

const joinedSuffix = " session "

// JoinedBody is the body of the SYS reply confirming a join. Clients parse
// it with ParseJoined to learn the resolved session id.
func JoinedBody(kind SessionKind, sessionID string) string {
	return fmt.Sprintf("Joined %s%s%s", kind, joinedSuffix, sessionID)
}

// ParseJoined extracts the kind and session id from a JoinedBody
func ParseJoined(body string) (SessionKind, string, bool) {
	rest, ok := strings.CutPrefix(body, "Joined ")
	if !ok {
		return "", "", false
	}
	kindStr, id, ok := strings.Cut(rest, joinedSuffix)
	if !ok || id == "" {
		return "", "", false
	}
	kind := SessionKind(kindStr)
	if !kind.Valid() {
		return "", "", false
	}
	return kind, id, true
}

// LeftBody is the body of the SYS reply confirming a leave
func LeftBody(sessionID string) string {
	return "Left session " + sessionID
}

// ParseLeft extracts the session id from a LeftBody
func ParseLeft(body string) (string, bool) {
	id, ok := strings.CutPrefix(body, "Left session ")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
