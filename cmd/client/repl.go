package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/aeolun/relaychat/pkg/client"
	"github.com/aeolun/relaychat/pkg/protocol"
)

const defaultHistoryLimit = 20

var errUnknownCommand = errors.New("unknown command, try /help")

const helpText = `Commands:
  /join <session|user> [create]  join a session, open a private chat, or create a group
  /leave [session]               leave a session (default: current)
  /switch <session>              make a known session current
  /sessions                      list known sessions
  /history [n]                   show the last n messages of the current session
  /stats                         show traffic counters
  /clear                         delete local history
  /exit                          disconnect and quit
Anything else is sent to the current session.`

// traffic is implemented by connections that count bytes
type traffic interface {
	GetBytesSent() uint64
	GetBytesReceived() uint64
}

// repl reads commands from the user and renders server traffic
type repl struct {
	conn  client.ConnectionInterface
	cache *client.Cache

	// notify raises a desktop notification, nil disables it
	notify func(title, body string) error

	outMu sync.Mutex
	out   io.Writer
}

func (r *repl) printf(format string, args ...any) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	fmt.Fprintf(r.out, format+"\n", args...)
}

func (r *repl) print(lines ...string) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	for _, line := range lines {
		fmt.Fprintln(r.out, line)
	}
}

// handleIncoming applies a server message to the cache and shows it
func (r *repl) handleIncoming(msg protocol.Message) {
	u := r.cache.Apply(msg)
	r.print(client.FormatMessage(u.Message, r.cache.Name()))

	if r.notify == nil || u.Current || u.Message.Kind != protocol.KindChat || u.Message.Sender == r.cache.Name() {
		return
	}
	title := fmt.Sprintf("%s in %s", u.Message.Sender, u.SessionID)
	if err := r.notify(title, u.Message.Body); err != nil {
		r.printf("-- notification failed: %v", err)
	}
}

func (r *repl) send(msg protocol.Message, err error) error {
	if err != nil {
		return err
	}
	return r.conn.Send(msg)
}

// handleLine runs one line of user input. It reports whether the user asked
// to quit.
func (r *repl) handleLine(line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}

	if !strings.HasPrefix(line, "/") {
		return false, r.send(r.cache.Chat(line))
	}

	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/join":
		if len(args) == 0 || len(args) > 2 || (len(args) == 2 && args[1] != "create") {
			return false, fmt.Errorf("usage: /join <session|user> [create]")
		}
		return false, r.send(r.cache.Join(args[0], len(args) == 2))

	case "/leave":
		id := ""
		if len(args) > 0 {
			id = args[0]
		}
		return false, r.send(r.cache.Leave(id))

	case "/switch":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: /switch <session>")
		}
		if err := r.cache.Switch(args[0]); err != nil {
			return false, err
		}
		r.printf("-- now in %s", args[0])
		for _, msg := range r.cache.Recent(args[0]) {
			r.print(client.FormatMessage(msg, r.cache.Name()))
		}
		return false, nil

	case "/sessions":
		sessions := r.cache.Sessions()
		if len(sessions) == 0 {
			r.printf("-- no sessions yet")
			return false, nil
		}
		for _, s := range sessions {
			r.print(client.FormatSession(s))
		}
		return false, nil

	case "/history":
		limit := defaultHistoryLimit
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n <= 0 {
				return false, fmt.Errorf("usage: /history [n]")
			}
			limit = n
		}
		current := r.cache.Current()
		if current == "" {
			return false, client.ErrNoCurrentSession
		}
		history, err := r.cache.History(current, limit)
		if err != nil {
			return false, err
		}
		for _, msg := range history {
			r.print(client.FormatMessage(msg, r.cache.Name()))
		}
		return false, nil

	case "/stats":
		t, ok := r.conn.(traffic)
		if !ok {
			return false, fmt.Errorf("traffic counters not available")
		}
		r.printf("-- %s: %s", r.conn.GetAddress(), client.FormatTraffic(t.GetBytesSent(), t.GetBytesReceived()))
		return false, nil

	case "/clear":
		if err := r.cache.Clear(); err != nil {
			return false, err
		}
		r.printf("-- local history cleared")
		return false, nil

	case "/exit", "/quit":
		return true, r.conn.Send(r.cache.Exit())

	case "/help":
		r.print(helpText)
		return false, nil

	default:
		return false, errUnknownCommand
	}
}

// readInput feeds lines from in to handleLine until EOF or /exit
func (r *repl) readInput(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		quit, err := r.handleLine(scanner.Text())
		if err != nil {
			r.printf("-- %v", err)
		}
		if quit {
			return nil
		}
	}
	return scanner.Err()
}
