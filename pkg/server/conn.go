package server

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/aeolun/relaychat/pkg/protocol"
	"github.com/google/uuid"
)

// Conn wraps a client connection. Writes are serialised so frames from
// concurrent deliveries never interleave, and each write is bounded by a
// deadline so a stalled peer cannot hold up the sender.
type Conn struct {
	ID        string
	Transport string // tcp, websocket or ssh

	conn         net.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn wraps c. A zero writeTimeout disables write deadlines.
func NewConn(c net.Conn, transport string, writeTimeout time.Duration) *Conn {
	return &Conn{
		ID:           uuid.NewString(),
		Transport:    transport,
		conn:         c,
		writeTimeout: writeTimeout,
		closed:       make(chan struct{}),
	}
}

// Send frames and writes one message
func (c *Conn) Send(m protocol.Message) error {
	data, err := protocol.EncodeMessage(m)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.IsClosed() {
		return fmt.Errorf("%w: %v", ErrIOFailure, net.ErrClosed)
	}

	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}

	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	return nil
}

// ReadMessage reads the next framed message. Only the connection's worker
// reads, so no lock is taken.
func (c *Conn) ReadMessage() (protocol.Message, error) {
	return protocol.ReadMessage(c.conn)
}

// Close closes the underlying connection. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// IsClosed reports whether Close has been called
func (c *Conn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// RemoteAddr returns the peer address
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
