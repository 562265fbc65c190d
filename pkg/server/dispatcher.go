package server

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/aeolun/relaychat/pkg/protocol"
	"github.com/rs/zerolog"
)

// Dispatcher applies inbound messages to the Directory and Registry and
// decides who receives what. All state changes for a message finish before
// any of its sends start.
type Dispatcher struct {
	dir     *Directory
	reg     *Registry
	store   Store
	clock   *Clock
	metrics *Metrics
	logger  zerolog.Logger

	maxMessageLength int
	maxNameLength    int
}

// NewDispatcher creates a dispatcher. store and metrics may be nil.
func NewDispatcher(dir *Directory, reg *Registry, store Store, cfg ServerConfig, metrics *Metrics, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		dir:              dir,
		reg:              reg,
		store:            store,
		clock:            NewClock(),
		metrics:          metrics,
		logger:           logger,
		maxMessageLength: cfg.MaxMessageLength,
		maxNameLength:    cfg.MaxNameLength,
	}
}

// Handle processes one inbound message from conn. The returned error is the
// validation failure already reported to the client, if any; it is for
// logging and never means the connection should be dropped.
func (d *Dispatcher) Handle(conn *Conn, msg protocol.Message) error {
	start := time.Now()

	kindLabel := string(msg.Kind)
	if !msg.Kind.Valid() {
		kindLabel = "INVALID"
	}
	d.metrics.RecordMessageReceived(kindLabel)

	var out outbox
	err := d.route(conn, msg, &out)
	if err != nil {
		d.metrics.RecordRejected(rejectReason(err))
		d.logger.Debug().
			Str("conn", conn.ID).
			Str("kind", kindLabel).
			Err(err).
			Msg("rejected message")
	}

	d.deliver(conn, &out)

	if msg.Kind == protocol.KindDisconnect {
		conn.Close()
	}

	d.metrics.RecordDispatchDuration(kindLabel, time.Since(start).Seconds())
	return err
}

// Disconnect tears down conn's identity and tells the broadcast session.
// It is idempotent, so the worker can call it after an explicit EXIT.
func (d *Dispatcher) Disconnect(conn *Conn) {
	var out outbox
	d.disconnect(conn, &out)
	d.deliver(conn, &out)
}

func (d *Dispatcher) route(conn *Conn, msg protocol.Message, out *outbox) error {
	switch msg.Kind {
	case protocol.KindConnect:
		return d.handleConnect(conn, msg, out)
	case protocol.KindJoin:
		return d.authorized(conn, msg, out, d.handleJoin)
	case protocol.KindLeave:
		return d.authorized(conn, msg, out, d.handleLeave)
	case protocol.KindChat:
		return d.authorized(conn, msg, out, d.handleChat)
	case protocol.KindDisconnect:
		d.disconnect(conn, out)
		return nil
	case protocol.KindSystem, protocol.KindNotify:
		return d.reject(conn, d.replyTo(conn), out, ErrMalformedMessage,
			fmt.Sprintf("%s messages are only sent by the server", msg.Kind))
	default:
		return d.reject(conn, d.replyTo(conn), out, ErrMalformedMessage,
			fmt.Sprintf("unknown message kind %q", msg.Kind))
	}
}

// replyTo is the TARGET for replies to conn: its bound name, or empty
// before CONNECT succeeds. A requested name is never echoed back since it
// has not been validated.
func (d *Dispatcher) replyTo(conn *Conn) string {
	name, _ := d.dir.WhoIs(conn)
	return name
}

// reject queues a SYS error for conn and returns err annotated with text
func (d *Dispatcher) reject(conn *Conn, recipient string, out *outbox, err error, text string) error {
	out.add(conn, protocol.NewSystem(recipient, "Error: "+text))
	return fmt.Errorf("%w: %s", err, text)
}

type handlerFunc func(conn *Conn, name string, msg protocol.Message, out *outbox) error

// authorized resolves the bound name for conn and checks it against the
// message sender before calling h
func (d *Dispatcher) authorized(conn *Conn, msg protocol.Message, out *outbox, h handlerFunc) error {
	name, ok := d.dir.WhoIs(conn)
	if !ok {
		return d.reject(conn, "", out, ErrNotConnected, "connect first")
	}
	if msg.Sender != "" && msg.Sender != name {
		return d.reject(conn, name, out, ErrMalformedMessage,
			fmt.Sprintf("sender %s does not match connected name %s", msg.Sender, name))
	}
	if msg.Target == "" {
		return d.reject(conn, name, out, ErrMalformedMessage, "missing session id")
	}

	msg.Sender = name
	return h(conn, name, msg, out)
}

func (d *Dispatcher) handleConnect(conn *Conn, msg protocol.Message, out *outbox) error {
	if bound, ok := d.dir.WhoIs(conn); ok {
		return d.reject(conn, bound, out, ErrAlreadyConnected, "already connected as "+bound)
	}

	name := msg.Sender
	if reason := d.checkName(name); reason != "" {
		return d.reject(conn, "", out, ErrInvalidName, reason)
	}

	if err := d.dir.Bind(name, conn); err != nil {
		if errors.Is(err, ErrNameInUse) {
			return d.reject(conn, "", out, ErrNameInUse, fmt.Sprintf("name %s is already in use", name))
		}
		return d.reject(conn, "", out, err, err.Error())
	}
	d.reg.EnsureBroadcast()

	online := d.dir.Snapshot()
	out.add(conn, protocol.NewSystem(name,
		fmt.Sprintf("Welcome %s! Online: %s", name, strings.Join(online, ", "))))

	d.logger.Info().Str("conn", conn.ID).Str("name", name).Str("transport", conn.Transport).Msg("user connected")
	d.recordPresence()
	return nil
}

func (d *Dispatcher) handleJoin(conn *Conn, name string, msg protocol.Message, out *outbox) error {
	target := msg.Target
	created := false

	var id string
	switch {
	case target == protocol.BroadcastSession:
		d.reg.EnsureBroadcast()
		id = target

	case msg.Body == protocol.CreateFlag:
		if reason := d.checkName(target); reason != "" {
			return d.reject(conn, name, out, ErrInvalidName, "invalid session id: "+reason)
		}
		if _, ok := d.dir.Lookup(target); ok {
			return d.reject(conn, name, out, ErrInvalidName,
				fmt.Sprintf("%s is a user name and cannot be used as a group id", target))
		}
		if a, b, ok := d.privatePair(target); ok && !d.reg.Exists(target) {
			return d.reject(conn, name, out, ErrSessionIDTaken,
				fmt.Sprintf("%s is reserved for the private session of %s and %s", target, a, b))
		}
		if d.reg.CreateGroup(target) {
			d.logger.Info().Str("session", target).Str("name", name).Msg("group created")
		}
		id = target

	case d.reg.Exists(target):
		id = target

	case target == name:
		return d.reject(conn, name, out, ErrInvalidName, "cannot open a private session with yourself")

	default:
		if _, online := d.dir.Lookup(target); !online {
			return d.reject(conn, name, out, ErrRecipientOffline, fmt.Sprintf("user %s is offline", target))
		}

		var err error
		id, created, err = d.reg.EnsurePrivate(name, target)
		if err != nil {
			return d.reject(conn, name, out, err,
				fmt.Sprintf("cannot open a private session with %s: group %s already exists", target, id))
		}
	}

	if !created && !d.reg.MayJoin(id, name) {
		return d.reject(conn, name, out, ErrNotAMember, fmt.Sprintf("session %s is private", id))
	}

	if !created {
		switch d.reg.Join(id, name) {
		case AlreadyMember:
			out.add(conn, protocol.NewSystem(name, "Already joined session "+id))
			return nil
		case NoSuchSession:
			return d.reject(conn, name, out, ErrNoSuchSession, "no such session "+id)
		}
	}

	kind, _ := d.reg.SessionKind(id)
	out.add(conn, protocol.NewSystem(name, protocol.JoinedBody(kind, id)))

	notice := protocol.NewNotify(id, fmt.Sprintf("%s joined %s", name, id))
	d.addMembers(out, id, name, notice)

	d.logger.Debug().Str("name", name).Str("session", id).Bool("created", created).Msg("joined session")
	d.recordPresence()
	return nil
}

func (d *Dispatcher) handleLeave(conn *Conn, name string, msg protocol.Message, out *outbox) error {
	id := msg.Target
	removed := d.reg.Leave(id, name)

	out.add(conn, protocol.NewSystem(name, protocol.LeftBody(id)))

	if removed {
		notice := protocol.NewNotify(id, fmt.Sprintf("%s left %s", name, id))
		d.addMembers(out, id, name, notice)
		d.logger.Debug().Str("name", name).Str("session", id).Msg("left session")
	}
	return nil
}

func (d *Dispatcher) handleChat(conn *Conn, name string, msg protocol.Message, out *outbox) error {
	id := msg.Target

	kind, ok := d.reg.SessionKind(id)
	if !ok {
		return d.reject(conn, name, out, ErrNoSuchSession, "no such session "+id)
	}
	if !d.reg.IsMember(id, name) {
		return d.reject(conn, name, out, ErrNotAMember, fmt.Sprintf("join %s before sending to it", id))
	}
	if d.maxMessageLength > 0 && len(msg.Body) > d.maxMessageLength {
		return d.reject(conn, name, out, ErrMalformedMessage,
			fmt.Sprintf("message longer than %d bytes", d.maxMessageLength))
	}

	chat := protocol.Message{
		Kind:      protocol.KindChat,
		Sender:    name,
		Target:    id,
		Body:      msg.Body,
		Timestamp: d.clock.Now(),
	}

	var offline []string
	for _, member := range d.reg.Members(id) {
		c, ok := d.dir.Lookup(member)
		if !ok {
			offline = append(offline, member)
			continue
		}
		out.add(c, chat)
	}

	if kind == protocol.SessionPrivate && len(offline) > 0 {
		out.add(conn, protocol.NewSystem(name,
			fmt.Sprintf("Delivered, but %s is offline", strings.Join(offline, ", "))))
	}

	d.persist(chat, id, kind)
	return nil
}

func (d *Dispatcher) disconnect(conn *Conn, out *outbox) {
	// Only the broadcast session is pruned; group and private memberships
	// stay for history attribution. The prune happens under the directory
	// lock so a reconnect under the same name cannot be undone by it.
	name, ok := d.dir.UnbindWith(conn, func(name string) {
		d.reg.Leave(protocol.BroadcastSession, name)
	})
	if !ok {
		return
	}

	notice := protocol.Message{
		Kind:   protocol.KindSystem,
		Sender: protocol.ServerName,
		Target: protocol.BroadcastSession,
		Body:   name + " left the chat",
	}
	d.addMembers(out, protocol.BroadcastSession, name, notice)

	d.logger.Info().Str("conn", conn.ID).Str("name", name).Msg("user disconnected")
	d.recordPresence()
}

// addMembers queues msg for every live member of id except skip
func (d *Dispatcher) addMembers(out *outbox, id, skip string, msg protocol.Message) {
	for _, member := range d.reg.Members(id) {
		if member == skip {
			continue
		}
		if c, ok := d.dir.Lookup(member); ok {
			out.add(c, msg)
		}
	}
}

func (d *Dispatcher) persist(msg protocol.Message, id string, kind protocol.SessionKind) {
	if d.store == nil {
		return
	}
	if err := d.store.Append(msg, id, kind); err != nil {
		d.metrics.RecordPersistenceFailure(1)
		d.logger.Warn().
			Err(fmt.Errorf("%w: %v", ErrPersistenceFailure, err)).
			Str("session", id).
			Msg("message delivered but not persisted")
	}
}

func (d *Dispatcher) deliver(origin *Conn, out *outbox) {
	n := out.recipients()
	if n == 0 {
		return
	}

	out.flush(origin,
		func(m protocol.Message) {
			d.metrics.RecordMessageSent(string(m.Kind))
		},
		func(c *Conn, err error) {
			d.metrics.RecordDeliveryFailure()
			d.logger.Warn().Str("conn", c.ID).Err(err).Msg("send failed, closing connection")
			// The worker's read fails next and runs the disconnect
			c.Close()
		},
	)
	d.metrics.RecordFanout(n)
}

func (d *Dispatcher) recordPresence() {
	d.metrics.RecordPresence(d.dir.Len(), d.reg.Len())
}

// privatePair reports whether id is the private session id of two users
// that are online right now
func (d *Dispatcher) privatePair(id string) (string, string, bool) {
	for _, a := range d.dir.Snapshot() {
		rest, ok := strings.CutPrefix(id, a)
		if !ok || rest == "" || rest == a {
			continue
		}
		if _, online := d.dir.Lookup(rest); online && d.reg.PrivateSessionID(a, rest) == id {
			return a, rest, true
		}
	}
	return "", "", false
}

// checkName returns why s cannot be used as a user name or session id, or
// "" if it can
func (d *Dispatcher) checkName(s string) string {
	if s == "" {
		return "name must not be empty"
	}
	if d.maxNameLength > 0 && utf8.RuneCountInString(s) > d.maxNameLength {
		return fmt.Sprintf("name longer than %d characters", d.maxNameLength)
	}
	if s == protocol.ServerName || s == protocol.BroadcastSession {
		return s + " is reserved"
	}
	for _, r := range s {
		switch {
		case r == '|' || r == ',':
			return fmt.Sprintf("name must not contain %q", r)
		case unicode.IsSpace(r) || unicode.IsControl(r):
			return "name must not contain whitespace or control characters"
		}
	}
	return ""
}

func rejectReason(err error) string {
	for _, e := range []error{
		ErrNameInUse, ErrInvalidName, ErrNoSuchSession, ErrNotAMember,
		ErrRecipientOffline, ErrSessionIDTaken, ErrNotConnected, ErrAlreadyConnected,
	} {
		if errors.Is(err, e) {
			return e.Error()
		}
	}
	return "malformed"
}
