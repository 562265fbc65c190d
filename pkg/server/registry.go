package server

import (
	"sort"
	"sync"

	"github.com/aeolun/relaychat/pkg/protocol"
)

// JoinResult is the outcome of Registry.Join
type JoinResult int

const (
	Joined JoinResult = iota
	AlreadyMember
	NoSuchSession
)

func (r JoinResult) String() string {
	switch r {
	case Joined:
		return "joined"
	case AlreadyMember:
		return "already member"
	case NoSuchSession:
		return "no such session"
	default:
		return "unknown"
	}
}

type session struct {
	kind    protocol.SessionKind
	members map[string]struct{}

	// The two users a private session belongs to
	participants [2]string
}

// Registry holds every session and its member set. Sessions are never
// dissolved: an empty session keeps its id so history can be reattached.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*session),
	}
}

func (r *Registry) create(id string, kind protocol.SessionKind) (*session, bool) {
	if s, ok := r.sessions[id]; ok {
		return s, false
	}
	s := &session{kind: kind, members: make(map[string]struct{})}
	r.sessions[id] = s
	return s, true
}

// EnsureBroadcast creates the broadcast session if it does not exist yet
func (r *Registry) EnsureBroadcast() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.create(protocol.BroadcastSession, protocol.SessionBroadcast)
}

// CreateGroup creates an empty group session. It reports false if id
// already exists, whatever its kind.
func (r *Registry) CreateGroup(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, created := r.create(id, protocol.SessionGroup)
	return created
}

// PrivateSessionID returns the canonical id of the private session between a and b
func (r *Registry) PrivateSessionID(a, b string) string {
	return protocol.PrivateSessionID(a, b)
}

// EnsurePrivate creates the private session between a and b with both as
// members. It returns the canonical id and whether the session was created
// by this call. If a group already holds the id it fails with
// ErrSessionIDTaken and nothing changes.
func (r *Registry) EnsurePrivate(a, b string) (string, bool, error) {
	id := protocol.PrivateSessionID(a, b)

	r.mu.Lock()
	defer r.mu.Unlock()

	s, created := r.create(id, protocol.SessionPrivate)
	if !created && s.kind != protocol.SessionPrivate {
		return id, false, ErrSessionIDTaken
	}
	if created {
		s.members[a] = struct{}{}
		s.members[b] = struct{}{}
		s.participants = [2]string{a, b}
	}
	return id, created, nil
}

// MayJoin reports whether name is allowed into id. Private sessions only
// admit their two participants; every other session admits anyone.
func (r *Registry) MayJoin(id, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	if s.kind != protocol.SessionPrivate {
		return true
	}
	return s.participants[0] == name || s.participants[1] == name
}

// Join adds name to the members of id. Join never creates sessions.
func (r *Registry) Join(id, name string) JoinResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return NoSuchSession
	}
	if _, ok := s.members[name]; ok {
		return AlreadyMember
	}
	s.members[name] = struct{}{}
	return Joined
}

// Leave removes name from the members of id and reports whether it was a member
func (r *Registry) Leave(id, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	if _, ok := s.members[name]; !ok {
		return false
	}
	delete(s.members, name)
	return true
}

// Members returns a sorted copy of the member set of id
func (r *Registry) Members(id string) []string {
	r.mu.RLock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.RUnlock()
		return nil
	}
	members := make([]string, 0, len(s.members))
	for name := range s.members {
		members = append(members, name)
	}
	r.mu.RUnlock()

	sort.Strings(members)
	return members
}

// IsMember reports whether name is in the member set of id
func (r *Registry) IsMember(id, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	_, ok = s.members[name]
	return ok
}

// SessionKind returns the kind of id
func (r *Registry) SessionKind(id string) (protocol.SessionKind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return "", false
	}
	return s.kind, true
}

// Exists reports whether id is a known session
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[id]
	return ok
}

// Len returns the number of sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
