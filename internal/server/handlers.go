package server

import (
	"net/http"
)

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.mgr.ListAgents()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, agents)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ag, err := s.mgr.GetAgent(id)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, ag)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.mgr.ListSessions()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.mgr.LoadSession(id)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err)
		return
	}
	defer sess.Close()

	s.jsonResponse(w, http.StatusOK, map[string]any{
		"header":  sess.Header(),
		"entries": sess.GetEntries(),
	})
}

func (s *Server) handleGetSessionTree(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.mgr.LoadSession(id)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err)
		return
	}
	defer sess.Close()

	tree, err := sess.GetTree()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, tree)
}
