// Package server is a small read-only HTTP + websocket server for
// observing sessions from outside cmd/forge's own TUI process, adapted
// from the teacher's pkg/server/{server,handlers}.go: the route table,
// CORS middleware, and jsonResponse/errorResponse helpers are kept almost
// verbatim, but the agent/session write routes (create/update/delete) are
// dropped — this server only ever reads store.Manager, it never mutates a
// session, matching spec.md §4.2's read-side Subscribe contract rather
// than the teacher's full CRUD API. There is no embedded SPA to serve
// either (the teacher's handleStatic/distFS asset pipeline has no
// equivalent component in this module, since cmd/forge is a terminal UI,
// not a web client); see DESIGN.md.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/wilbur182/forge-agent/pkg/store"
)

// Server serves read-only session/agent inspection endpoints plus a
// websocket stream of session updates, over a store.Manager.
type Server struct {
	mgr store.Manager
	srv *http.Server
}

// New creates a Server over mgr.
func New(mgr store.Manager) *Server {
	return &Server{mgr: mgr}
}

// Handler builds the full route table as an http.Handler, exposed
// separately from Start so tests can drive it with httptest without
// binding a real socket.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("GET /api/agents/{id}", s.handleGetAgent)

	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /api/sessions/{id}/tree", s.handleGetSessionTree)

	mux.HandleFunc("/api/sessions/{id}/events", s.handleSessionEvents)

	return s.corsMiddleware(mux)
}

// Start blocks serving on addr until the server errors or is shut down.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	slog.Info("starting session inspection server", "addr", addr)
	return s.srv.ListenAndServe()
}

// Close shuts the HTTP server down, if it was started.
func (s *Server) Close() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Close()
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, err error) {
	slog.Error("session inspection API error", "error", err)
	s.jsonResponse(w, status, map[string]string{"error": err.Error()})
}
