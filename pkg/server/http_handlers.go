package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/aeolun/relaychat/pkg/protocol"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Router returns the HTTP routes served on the HTTP port
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter().StrictSlash(true)
	r.HandleFunc("/ws", s.HandleWebSocket)
	r.HandleFunc("/health", s.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/sessions", s.SessionsHandler).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/history", s.HistoryHandler).Methods(http.MethodGet)
	return r
}

// startHTTP serves the router on l until shutdown
func (s *Server) startHTTP(l net.Listener) {
	s.httpListener = l
	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", l.Addr().String()).Msg("HTTP server listening (WebSocket at /ws)")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()
}

// startMetricsServer serves /metrics from the server's own registry
func (s *Server) startMetricsServer(addr string) error {
	l, err := listen(addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	s.metricsServer = &http.Server{
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", l.Addr().String()).Msg("metrics server listening")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.metricsServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug().Err(err).Msg("error encoding JSON response")
	}
}

// HealthHandler serves health check status
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"online_users":   s.dir.Len(),
		"sessions":       s.reg.Len(),
		"persistence":    s.store != nil,
	})
}

type sessionInfo struct {
	ID   string               `json:"id"`
	Kind protocol.SessionKind `json:"kind"`
}

// SessionsHandler lists the non-private sessions the store has history for
func (s *Server) SessionsHandler(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"sessions": []sessionInfo{}})
		return
	}

	ids, err := s.store.ListKnownSessions()
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to list sessions")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	sessions := make([]sessionInfo, 0, len(ids))
	for _, id := range ids {
		kind, err := s.store.SessionKindOf(id)
		if err != nil || kind == protocol.SessionPrivate {
			continue
		}
		sessions = append(sessions, sessionInfo{ID: id, Kind: kind})
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

type historyEntry struct {
	Sender    string `json:"sender"`
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp"`
}

// HistoryHandler returns the recent history of a non-private session.
// ?limit=N bounds the result, ?after=<micros> returns everything newer.
func (s *Server) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if s.store == nil {
		http.NotFound(w, r)
		return
	}

	kind, err := s.store.SessionKindOf(id)
	if err != nil || kind == protocol.SessionPrivate {
		http.NotFound(w, r)
		return
	}

	query := r.URL.Query()
	var msgs []protocol.Message
	if after := query.Get("after"); after != "" {
		ts, perr := strconv.ParseInt(after, 10, 64)
		if perr != nil {
			http.Error(w, "after must be a timestamp in microseconds", http.StatusBadRequest)
			return
		}
		msgs, err = s.store.After(id, ts)
	} else {
		limit := defaultHistoryLimit
		if l := query.Get("limit"); l != "" {
			n, perr := strconv.Atoi(l)
			if perr != nil || n <= 0 {
				http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
				return
			}
			limit = min(n, maxHistoryLimit)
		}
		msgs, err = s.store.Recent(id, limit)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("session", id).Msg("failed to load history")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	entries := make([]historyEntry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, historyEntry{Sender: m.Sender, Body: m.Body, Timestamp: m.Timestamp})
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"session":  id,
		"kind":     kind,
		"messages": entries,
	})
}
