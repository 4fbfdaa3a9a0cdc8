// Package server implements the reference peer for the muxlink protocol:
// it accepts one WebSocket per client, authenticates it, maintains the
// per-connection session registry (including temporary-id promotion), and
// hands session traffic to a pluggable Backend.
package server

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/muxlink/muxlink/internal/config"
	"github.com/muxlink/muxlink/internal/database"
	"github.com/muxlink/muxlink/internal/logging"
	"github.com/muxlink/muxlink/internal/metrics"
	"github.com/muxlink/muxlink/internal/middleware"
)

// Server holds the shared pieces every connection uses.
type Server struct {
	backend  Backend
	metrics  *metrics.Set
	tokenTTL time.Duration
}

// New builds a server. A nil backend gets the echo backend; a nil metrics
// set disables metrics.
func New(backend Backend, m *metrics.Set) *Server {
	if backend == nil {
		backend = NewEchoBackend()
	}
	return &Server{
		backend:  backend,
		metrics:  m,
		tokenTTL: config.Duration(config.Cfg.AuthTokenTTL, 720*time.Hour),
	}
}

// Router returns the HTTP surface: the WebSocket endpoint plus a small
// observability API.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWS)
	r.Handle("/metrics", s.metrics.Handler())

	// Observability API, gated on the same tokens the handshake uses.
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireToken(s.tokenTTL))
		r.Get("/api/sessions", s.handleListSessions)
		r.Get("/api/logs", s.handleLogs)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // clients authenticate in-band with a token
	})
	if err != nil {
		log.Printf("ws accept: %v", err)
		return
	}

	c := newConnection(s, conn)
	c.run(r.Context())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	sessions, err := database.ListSessions(status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list sessions failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	lines := 100
	if v := r.URL.Query().Get("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid lines parameter")
			return
		}
		lines = n
	}
	tail, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read logs failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": tail})
}
