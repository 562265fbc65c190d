package client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/relaychat/pkg/protocol"
	"github.com/rs/zerolog"
)

var (
	// ErrDisconnected is reported on Errors when the server goes away
	ErrDisconnected = errors.New("disconnected from server")

	// ErrConnectionClosed is returned by Send after Close
	ErrConnectionClosed = errors.New("connection closed")
)

// Connection represents a client connection to the server
type Connection struct {
	addr    string
	dial    func() (net.Conn, error)
	warning string

	mu        sync.RWMutex
	conn      net.Conn
	connected bool

	// Channels for communication
	incoming chan protocol.Message
	outgoing chan protocol.Message
	errors   chan error

	// Traffic counters (bytes on the wire)
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	logger zerolog.Logger

	// Shutdown
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewConnection creates a new client connection. addr is host:port for
// plain TCP, or a ws://, wss:// or ssh:// URL.
func NewConnection(addr string) (*Connection, error) {
	dialConfig, err := parseServerAddress(addr)
	if err != nil {
		return nil, err
	}

	return &Connection{
		addr:     dialConfig.display,
		dial:     dialConfig.dial,
		warning:  dialConfig.warning,
		incoming: make(chan protocol.Message, 100),
		outgoing: make(chan protocol.Message, 100),
		errors:   make(chan error, 10),
		logger:   zerolog.Nop(),
		shutdown: make(chan struct{}),
	}, nil
}

// SetLogger sets a logger for connection events
func (c *Connection) SetLogger(logger zerolog.Logger) {
	c.logger = logger
}

// Connect establishes connection to the server
func (c *Connection) Connect() error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	c.mu.Unlock()

	c.logger.Debug().Str("addr", c.addr).Msg("connecting")

	conn, err := c.dial()
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.logger.Debug().Str("addr", c.addr).Msg("connected")
	if c.warning != "" {
		c.logger.Warn().Msg(c.warning)
	}

	// Start reader and writer goroutines
	c.wg.Add(2)
	go c.readLoop(conn)
	go c.writeLoop(conn)

	return nil
}

// Disconnect closes the connection
func (c *Connection) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return
	}
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
	}
}

// Close shuts down the connection permanently
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.shutdown)
		c.Disconnect()
		c.wg.Wait()
		close(c.incoming)
		close(c.errors)
	})
}

// Send queues a message for the server
func (c *Connection) Send(msg protocol.Message) error {
	select {
	case <-c.shutdown:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.outgoing <- msg:
		return nil
	case <-c.shutdown:
		return ErrConnectionClosed
	default:
		return fmt.Errorf("outgoing queue full")
	}
}

// Incoming returns the channel for receiving messages from the server
func (c *Connection) Incoming() <-chan protocol.Message {
	return c.incoming
}

// Errors returns the channel for connection errors
func (c *Connection) Errors() <-chan error {
	return c.errors
}

// IsConnected returns whether the connection is active
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// GetAddress returns the server address
func (c *Connection) GetAddress() string {
	return c.addr
}

// GetBytesSent returns the total bytes sent
func (c *Connection) GetBytesSent() uint64 {
	return c.bytesSent.Load()
}

// GetBytesReceived returns the total bytes received
func (c *Connection) GetBytesReceived() uint64 {
	return c.bytesReceived.Load()
}

func (c *Connection) reportError(err error) {
	select {
	case c.errors <- err:
	default:
		c.logger.Debug().Err(err).Msg("error channel full, dropping error")
	}
}

// readLoop reads messages from the connection
func (c *Connection) readLoop(conn net.Conn) {
	defer c.wg.Done()

	reader := &countingReader{r: conn, counter: &c.bytesReceived}

	for {
		msg, err := protocol.ReadMessage(reader)
		if errors.Is(err, protocol.ErrEmptyFrame) {
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && c.IsConnected() {
				c.reportError(fmt.Errorf("read error: %w", err))
			}
			c.handleDisconnect()
			return
		}

		c.logger.Debug().
			Str("kind", string(msg.Kind)).
			Str("target", msg.Target).
			Int("body_len", len(msg.Body)).
			Msg("RECV")

		select {
		case c.incoming <- msg:
		case <-c.shutdown:
			return
		}
	}
}

// writeLoop sends queued messages to the connection
func (c *Connection) writeLoop(conn net.Conn) {
	defer c.wg.Done()

	writer := &countingWriter{w: conn, counter: &c.bytesSent}

	for {
		select {
		case msg := <-c.outgoing:
			// Encode first so a bad message never leaves a partial frame
			data, err := protocol.EncodeMessage(msg)
			if err != nil {
				c.reportError(fmt.Errorf("encode error: %w", err))
				continue
			}

			if _, err := writer.Write(data); err != nil {
				c.reportError(fmt.Errorf("write error: %w", err))
				c.handleDisconnect()
				return
			}

			c.logger.Debug().
				Str("kind", string(msg.Kind)).
				Str("target", msg.Target).
				Int("body_len", len(msg.Body)).
				Msg("SEND")

		case <-c.shutdown:
			return
		}
	}
}

// handleDisconnect handles unexpected disconnection
func (c *Connection) handleDisconnect() {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()

	if !wasConnected {
		return
	}

	c.logger.Debug().Str("addr", c.addr).Msg("disconnected from server")
	c.reportError(ErrDisconnected)
}

// countingReader wraps an io.Reader and counts bytes read using atomic counter
type countingReader struct {
	r       io.Reader
	counter *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (n int, err error) {
	n, err = cr.r.Read(p)
	if n > 0 && cr.counter != nil {
		cr.counter.Add(uint64(n))
	}
	return n, err
}

// countingWriter wraps an io.Writer and counts bytes written using atomic counter
type countingWriter struct {
	w       io.Writer
	counter *atomic.Uint64
}

func (cw *countingWriter) Write(p []byte) (n int, err error) {
	n, err = cw.w.Write(p)
	if n > 0 && cw.counter != nil {
		cw.counter.Add(uint64(n))
	}
	return n, err
}

type dialConfig struct {
	display string
	dial    func() (net.Conn, error)
	warning string
}

const (
	defaultTCPPort  = "8888"
	defaultHTTPPort = "8080"
	defaultSSHPort  = "6466"
)

func parseServerAddress(raw string) (*dialConfig, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}

	scheme := "tcp"
	user := ""
	path := ""
	hostPort := trimmed
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
		}

		if u.Scheme != "" {
			scheme = strings.ToLower(u.Scheme)
		}

		if u.User != nil {
			user = u.User.Username()
		}

		hostPort = u.Host
		path = u.Path
	}

	switch scheme {
	case "tcp", "":
		host, port, err := splitHostPortWithDefault(hostPort, defaultTCPPort)
		if err != nil {
			return nil, err
		}

		address := net.JoinHostPort(host, port)
		dial := func() (net.Conn, error) {
			return net.DialTimeout("tcp", address, 10*time.Second)
		}

		return &dialConfig{
			display: address,
			dial:    dial,
		}, nil

	case "ws", "wss":
		host, port, err := splitHostPortWithDefault(hostPort, defaultHTTPPort)
		if err != nil {
			return nil, err
		}
		if path == "" {
			path = "/ws"
		}

		u := url.URL{Scheme: scheme, Host: net.JoinHostPort(host, port), Path: path}
		dial := func() (net.Conn, error) {
			return DialWebSocket(u.String())
		}

		return &dialConfig{
			display: u.String(),
			dial:    dial,
		}, nil

	case "ssh":
		host, port, err := splitHostPortWithDefault(hostPort, defaultSSHPort)
		if err != nil {
			return nil, err
		}

		if user == "" {
			user = defaultSSHUser()
		}

		verifier := newHostKeyVerifier(host, port)
		address := net.JoinHostPort(host, port)

		dial := func() (net.Conn, error) {
			return dialSSH(user, host, port, verifier)
		}

		return &dialConfig{
			display: fmt.Sprintf("ssh://%s@%s", user, address),
			dial:    dial,
			warning: verifier.warning,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported server scheme %q", scheme)
	}
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host, port, nil
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = hostPort
		if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
			host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
		}
		return host, defaultPort, nil
	}

	return "", "", err
}
