package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wilbur182/forge-agent/internal/server"
	"github.com/wilbur182/forge-agent/pkg/store"
	"github.com/wilbur182/forge-agent/pkg/store/jsonl"
)

func newTestManager(t *testing.T) *jsonl.Manager {
	t.Helper()
	mgr, err := jsonl.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return mgr
}

func TestHandleListSessionsEmpty(t *testing.T) {
	mgr := newTestManager(t)
	s := server.New(mgr)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var sessions []store.SessionMeta
	if err := json.NewDecoder(w.Body).Decode(&sessions); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("expected no sessions, got %d", len(sessions))
	}
}

func TestHandleGetSessionRoundTrips(t *testing.T) {
	mgr := newTestManager(t)
	sess, err := mgr.NewSession("", "")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	wantID := sess.ID()
	sess.Close()

	s := server.New(mgr)
	req := httptest.NewRequest(http.MethodGet, "/api/sessions/"+wantID, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var payload struct {
		Header  store.Header  `json:"header"`
		Entries []store.Entry `json:"entries"`
	}
	if err := json.NewDecoder(w.Body).Decode(&payload); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if payload.Header.ID != wantID {
		t.Errorf("header.id = %q, want %q", payload.Header.ID, wantID)
	}
}

func TestHandleGetSessionMissingReturns404(t *testing.T) {
	mgr := newTestManager(t)
	s := server.New(mgr)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/does-not-exist", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}
