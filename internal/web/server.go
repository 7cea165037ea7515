// Package web exposes the panel over HTTP: a JSON API for status, commands,
// and the access-event journal, plus a WebSocket event stream.
package web

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"osdp-acu/internal/panel"
	"osdp-acu/internal/store"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication on /api/ routes.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket/CORS origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the version string reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP server for the panel API.
type Server struct {
	panel          *panel.ControlPanel
	journal        store.Store
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string
	unsubEvents    func()
}

// NewServer creates the server and subscribes it to panel events. journal
// may be nil when the daemon runs without persistence.
func NewServer(p *panel.ControlPanel, journal store.Store, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		panel:   p,
		journal: journal,
		logger:  logger.With("component", "web"),
		mux:     http.NewServeMux(),
		wsHub:   NewWSHub(logger),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)
	s.mux.HandleFunc("GET /api/events", s.handleAPIEvents)
	s.mux.HandleFunc("GET /api/devices/{bus}/{addr}", s.handleAPIDevice)
	s.mux.HandleFunc("POST /api/devices/{bus}/{addr}/id", s.handleAPIIDReport)
	s.mux.HandleFunc("POST /api/devices/{bus}/{addr}/output", s.handleAPIOutput)
	s.mux.HandleFunc("POST /api/devices/{bus}/{addr}/buzzer", s.handleAPIBuzzer)
	s.mux.HandleFunc("POST /api/devices/{bus}/{addr}/text", s.handleAPIText)
	s.mux.HandleFunc("POST /api/devices/{bus}/{addr}/reset", s.handleAPIReset)
	s.mux.HandleFunc("GET /ws", s.handleWS)

	go s.wsHub.Run()
	s.unsubEvents = p.Events().OnAll(func(ev panel.Event) {
		s.wsHub.Broadcast(ev)
	})

	return s
}

// Stop unsubscribes from panel events and shuts down the WebSocket hub.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" && r.Method != http.MethodGet {
			if !s.isOriginAllowed(origin) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
	}

	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write json response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
