package server

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/aeolun/relaychat/pkg/protocol"
)

// runWorker owns raw until it closes. It reads framed messages and hands
// them to the dispatcher, and on any read failure runs the disconnect.
func (s *Server) runWorker(raw net.Conn, transport string) {
	conn := NewConn(raw, transport, s.config.WriteTimeout)

	s.connsMu.Lock()
	if s.closing {
		s.connsMu.Unlock()
		raw.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.workers.Add(1)
	s.connsMu.Unlock()

	defer func() {
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
		s.workers.Done()
	}()

	s.serveConn(conn)
}

func (s *Server) serveConn(conn *Conn) {
	defer conn.Close()

	s.metrics.RecordConnectionOpened(conn.Transport)
	defer s.metrics.RecordConnectionClosed()

	log := s.logger.With().Str("conn", conn.ID).Str("transport", conn.Transport).Logger()
	log.Debug().Stringer("remote", conn.RemoteAddr()).Msg("connection opened")

	for {
		msg, err := conn.ReadMessage()
		if errors.Is(err, protocol.ErrEmptyFrame) {
			// The stream is still aligned, so the connection survives
			name, _ := s.dir.WhoIs(conn)
			conn.Send(protocol.NewSystem(name, "Error: empty message"))
			s.metrics.RecordRejected("malformed")
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, io.EOF) || conn.IsClosed():
				log.Debug().Msg("connection closed")
			case errors.Is(err, protocol.ErrFrameTooLarge):
				log.Warn().Err(err).Msg("dropping connection")
			default:
				log.Warn().Err(fmt.Errorf("%w: %v", ErrIOFailure, err)).Msg("read failed")
			}
			break
		}

		log.Debug().
			Str("kind", string(msg.Kind)).
			Str("target", msg.Target).
			Int("body_len", len(msg.Body)).
			Msg("RECV")

		s.dispatcher.Handle(conn, msg)
	}

	if s.shuttingDown() {
		// Everyone is being disconnected; skip the departure broadcast
		s.dir.Unbind(conn)
		return
	}
	s.dispatcher.Disconnect(conn)
}
