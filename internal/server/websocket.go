package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleSessionEvents pushes newly appended entries for one session to a
// websocket client as they're written, adapted from the teacher's
// operative/pkg/server/websocket.go handleChatWebSocket: the
// subscribe-then-syncStream push loop is kept, but this endpoint never
// reads a chat message back off the socket (this server is read-only
// inspection, not a chat client — spec.md's Subscribe contract is
// push-only).
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	if _, err := s.mgr.LoadSession(sessionID); err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("failed to upgrade websocket", "error", err)
		return
	}
	defer ws.Close()

	updates := s.mgr.Subscribe()
	sentIDs := make(map[string]bool)

	if err := s.syncSessionEvents(ws, sessionID, sentIDs); err != nil {
		slog.Error("failed initial session sync", "error", err)
		return
	}

	// Discard anything the client sends; its only purpose is letting us
	// detect when it disconnects.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case id, ok := <-updates:
			if !ok {
				return
			}
			if id != sessionID {
				continue
			}
			if err := s.syncSessionEvents(ws, sessionID, sentIDs); err != nil {
				slog.Error("failed session sync", "error", err)
				return
			}
		case <-ticker.C:
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) syncSessionEvents(ws *websocket.Conn, sessionID string, sentIDs map[string]bool) error {
	sess, err := s.mgr.LoadSession(sessionID)
	if err != nil {
		return err
	}
	defer sess.Close()

	entries := sess.GetEntries()
	for _, e := range entries {
		if sentIDs[e.ID] {
			continue
		}
		if err := ws.WriteJSON(e); err != nil {
			return err
		}
		sentIDs[e.ID] = true
	}
	return nil
}
