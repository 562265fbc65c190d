package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/aeolun/relaychat/pkg/protocol"
	"github.com/rs/zerolog"
)

// Server accepts client connections and relays messages between them
type Server struct {
	config     ServerConfig
	configPath string
	logger     zerolog.Logger

	store      Store
	dir        *Directory
	reg        *Registry
	dispatcher *Dispatcher
	metrics    *Metrics

	listener      net.Listener
	sshListener   net.Listener
	httpServer    *http.Server
	httpListener  net.Listener
	metricsServer *http.Server

	connsMu sync.Mutex
	conns   map[*Conn]struct{}
	closing bool

	startTime time.Time
	shutdown  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup // accept loops and background tasks
	workers   sync.WaitGroup // one per connection
}

// NewServer creates a server. store may be nil, in which case nothing is
// persisted.
func NewServer(config ServerConfig, store Store, logger zerolog.Logger) *Server {
	dir := NewDirectory()
	reg := NewRegistry()
	metrics := NewMetrics()

	return &Server{
		config:     config,
		logger:     logger,
		store:      store,
		dir:        dir,
		reg:        reg,
		dispatcher: NewDispatcher(dir, reg, store, config, metrics, logger),
		metrics:    metrics,
		conns:      make(map[*Conn]struct{}),
		shutdown:   make(chan struct{}),
	}
}

// SetConfigPath records where the config was loaded from, for error messages
func (s *Server) SetConfigPath(path string) {
	s.configPath = path
}

// Metrics returns the server's metrics
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// seedSessions creates the broadcast session and the configured groups
func (s *Server) seedSessions() {
	s.reg.EnsureBroadcast()
	for _, g := range s.config.Groups {
		if g == "" || g == protocol.BroadcastSession {
			continue
		}
		if s.reg.CreateGroup(g) {
			s.logger.Debug().Str("session", g).Msg("seeded group session")
		}
	}
	s.metrics.RecordPresence(s.dir.Len(), s.reg.Len())
}

// Start starts the TCP listener and any enabled HTTP, SSH and metrics listeners
func (s *Server) Start() error {
	s.startTime = time.Now()
	s.seedSessions()

	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := listen(addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	logListenBacklog(s.logger, listener.Addr().String())

	if s.config.HTTPPort > 0 {
		httpAddr := fmt.Sprintf(":%d", s.config.HTTPPort)
		l, err := listen(httpAddr)
		if err != nil {
			s.listener.Close()
			return fmt.Errorf("failed to listen on %s: %w", httpAddr, err)
		}
		s.startHTTP(l)
	}

	if err := s.startSSHServer(); err != nil {
		s.closeListeners()
		return fmt.Errorf("failed to start SSH server: %w", err)
	}

	if s.config.MetricsPort > 0 {
		if err := s.startMetricsServer(fmt.Sprintf(":%d", s.config.MetricsPort)); err != nil {
			s.closeListeners()
			return err
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitorListenOverflows()
	}()

	s.wg.Add(1)
	go s.acceptLoop(listener)

	return nil
}

// Addr returns the TCP listener address
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// HTTPAddr returns the HTTP listener address, nil if disabled
func (s *Server) HTTPAddr() net.Addr {
	if s.httpListener == nil {
		return nil
	}
	return s.httpListener.Addr()
}

func (s *Server) closeListeners() {
	if s.listener != nil {
		s.listener.Close()
	}
	if s.sshListener != nil {
		s.sshListener.Close()
	}
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.httpServer.Shutdown(ctx)
		cancel()
	}
	if s.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.metricsServer.Shutdown(ctx)
		cancel()
	}
}

// Stop closes the listeners, tells every connected user the server is going
// away, closes all connections, waits for their workers and closes the store.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.shutdown)
		s.closeListeners()

		s.connsMu.Lock()
		s.closing = true
		conns := make([]*Conn, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
		s.connsMu.Unlock()

		for _, c := range s.dir.Conns() {
			if name, ok := s.dir.WhoIs(c); ok {
				c.Send(protocol.NewSystem(name, "server shutting down"))
			}
		}
		for _, c := range conns {
			c.Close()
		}

		s.workers.Wait()
		s.wg.Wait()

		if s.store != nil {
			err = s.store.Close()
		}
		s.logger.Info().Msg("server stopped")
	})
	return err
}

func (s *Server) shuttingDown() bool {
	select {
	case <-s.shutdown:
		return true
	default:
		return false
	}
}

// acceptLoop accepts incoming TCP connections
func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.shuttingDown() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error().Err(err).Msg("accept error")
			continue
		}

		// Disable Nagle's algorithm for immediate sends
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		go s.runWorker(conn, "tcp")
	}
}
