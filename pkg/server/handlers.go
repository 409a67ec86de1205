package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gabrielmiguelok/watchsync/pkg/identity"
	"github.com/gabrielmiguelok/watchsync/pkg/protocol"
	"github.com/gabrielmiguelok/watchsync/pkg/session"
)

type eventResponse struct {
	OK    bool              `json:"ok"`
	State *session.Snapshot `json:"state,omitempty"`
}

// handleState answers GET /session-state?sessionId=<id>.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("sessionId"))
	if id == "" {
		writeError(w, session.Invalid("sessionId", "required"))
		return
	}
	snap, err := s.snapshots.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleEvent answers POST /session-event. It goes through the same engine
// path as a push frame, broadcasts included.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Transport.MaxMessageSize)

	var env protocol.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, session.Invalid("body", "too large"))
			return
		}
		writeError(w, session.Invalid("body", err.Error()))
		return
	}

	intent, err := protocol.ParseIntent(env)
	if err != nil {
		writeError(w, err)
		return
	}

	actor, _ := identity.FromContext(r.Context())
	sess, err := s.engine.Apply(r.Context(), actor, env.SessionID, intent)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := eventResponse{OK: true}
	if sess != nil {
		snap := sess.Snapshot()
		resp.State = &snap
	}
	writeJSON(w, http.StatusOK, resp)
}
