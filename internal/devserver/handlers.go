package devserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/flowdeck/flowdeck/internal/agentapi"
	"github.com/flowdeck/flowdeck/internal/flow"
	"github.com/flowdeck/flowdeck/internal/sse"
)

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")

	var req agentapi.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Prompt == "" {
		s.writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	var sess *stubSession
	var err error
	if req.SessionID == "" {
		sess, err = s.agents.create(agent, agentapi.KindInteractive)
		if errors.Is(err, errPoolFull) {
			s.writeError(w, http.StatusTooManyRequests, "session limit reached")
			return
		}
	} else {
		sess, err = s.agents.get(agent, req.SessionID)
		if errors.Is(err, errNoSession) {
			s.writeError(w, http.StatusNotFound, "session not found")
			return
		}
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := sess.beginTurn(req.Prompt, s.agents.script, s.agents.delay); err != nil {
		s.writeError(w, http.StatusConflict, "previous message still processing")
		return
	}

	s.streamSession(w, r, sess)
}

func (s *Server) handleReconnectStream(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	s.streamSession(w, r, sess)
}

// streamSession writes the session's replay buffer, then live frames until
// the turn ends or the client goes away. The turn itself keeps running
// server-side when the client disconnects.
func (s *Server) streamSession(w http.ResponseWriter, r *http.Request, sess *stubSession) {
	replay, live := sess.subscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	enc := sse.NewEncoder(w)
	for _, f := range replay {
		if err := enc.Write(f); err != nil {
			return
		}
	}
	if live == nil {
		return
	}

	for {
		select {
		case f, ok := <-live:
			if !ok {
				return
			}
			if err := enc.Write(f); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, active := s.agents.list(chi.URLParam(r, "agent"))
	respondJSON(w, http.StatusOK, agentapi.SessionListResponse{Sessions: sessions, ActiveID: active})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind agentapi.SessionKind `json:"kind"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Kind == "" {
		req.Kind = agentapi.KindInteractive
	}

	sess, err := s.agents.create(chi.URLParam(r, "agent"), req.Kind)
	if errors.Is(err, errPoolFull) {
		s.writeError(w, http.StatusTooManyRequests, "session limit reached")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, sess.snapshot())
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, sess.snapshot())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")
	sessionID := chi.URLParam(r, "session_id")
	if err := s.agents.delete(agent, sessionID); errors.Is(err, errNoSession) {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	// The stub has no real backend process; stopping just ends the turn.
	sess.mu.Lock()
	sess.info.Busy = false
	for id, ch := range sess.subs {
		close(ch)
		delete(sess.subs, id)
	}
	sess.mu.Unlock()
	respondJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleKillSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	sess.mu.Lock()
	sess.info.Busy = false
	sess.info.ProcessAlive = true
	for id, ch := range sess.subs {
		close(ch)
		delete(sess.subs, id)
	}
	sess.mu.Unlock()
	respondJSON(w, http.StatusOK, map[string]string{"status": "killed"})
}

func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request) (*stubSession, bool) {
	agent := chi.URLParam(r, "agent")
	sessionID := chi.URLParam(r, "session_id")
	sess, err := s.agents.get(agent, sessionID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return sess, true
}

func (s *Server) handleCreateFlow(w http.ResponseWriter, r *http.Request) {
	var f flow.Flow
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if err := flow.Validate(&f); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.flows.put(f)
	respondJSON(w, http.StatusCreated, f)
}

func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	f, ok := s.flows.get(chi.URLParam(r, "flow_id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "flow not found")
		return
	}
	respondJSON(w, http.StatusOK, f)
}

func (s *Server) handleSaveFlow(w http.ResponseWriter, r *http.Request) {
	var f flow.Flow
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	f.ID = chi.URLParam(r, "flow_id")
	if err := flow.Validate(&f); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	saved := s.flows.put(f)
	respondJSON(w, http.StatusOK, saved)
}

func (s *Server) handleDeleteFlow(w http.ResponseWriter, r *http.Request) {
	if !s.flows.delete(chi.URLParam(r, "flow_id")) {
		s.writeError(w, http.StatusNotFound, "flow not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
