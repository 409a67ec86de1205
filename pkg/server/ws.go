package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gabrielmiguelok/watchsync/pkg/identity"
	"github.com/gabrielmiguelok/watchsync/pkg/logging"
	"github.com/gabrielmiguelok/watchsync/pkg/protocol"
	"github.com/gabrielmiguelok/watchsync/pkg/session"
	"github.com/gabrielmiguelok/watchsync/pkg/transport"
)

// handleWS upgrades GET /ws. Each connection is one hub subscriber; a
// join puts it in that session's group. Closing the connection does not
// remove the viewer, the presence sweep does once heartbeats stop.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.conns.Acquire() {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "too many connections", Code: CodeUnavailable})
		return
	}
	defer s.conns.Release()

	wsConfig := &transport.WebSocketConfig{AllowedOrigins: s.cfg.AllowedOrigins, InsecureDevMode: s.cfg.DevMode}
	conn, err := transport.Accept(w, r, s.cfg.Transport, wsConfig)
	if err != nil {
		if !errors.Is(err, transport.ErrOriginNotAllowed) {
			logging.L(r.Context()).Warn("websocket accept failed", logging.Err(err))
		}
		return
	}
	defer conn.Close()

	actor, _ := identity.FromContext(r.Context())
	log := logging.L(r.Context()).With(
		logging.String("conn_id", conn.ID()),
		logging.String("viewer_id", actor.ViewerID),
	)

	s.hub.Register(conn)
	defer s.hub.Unregister(conn)
	if s.metrics != nil {
		s.metrics.ConnectionsTotal.Inc()
		s.metrics.ConnectionsActive.Inc()
		defer s.metrics.ConnectionsActive.Dec()
	}
	log.Debug("push connection opened")

	ctx := context.WithoutCancel(r.Context())
	for {
		select {
		case frame := <-conn.Receive():
			s.handleFrame(ctx, conn, actor, frame)
		case <-conn.Done():
			// A leave sent just before the close is still queued.
			for drained := false; !drained; {
				select {
				case frame := <-conn.Receive():
					s.handleFrame(ctx, conn, actor, frame)
				default:
					drained = true
				}
			}
			if err := conn.Err(); err != nil {
				log.Debug("push connection ended", logging.Err(err))
			} else {
				log.Debug("push connection closed")
			}
			return
		}
	}
}

func (s *Server) handleFrame(ctx context.Context, conn *transport.Conn, actor identity.Principal, frame []byte) {
	env, err := s.codec.Decode(frame)
	if err != nil {
		s.reply(conn, "", "", session.Invalid("frame", err.Error()))
		return
	}
	intent, err := protocol.ParseIntent(*env)
	if err != nil {
		s.reply(conn, env.SessionID, env.Event, err)
		return
	}

	// Join the group first so the joiner receives its own sync.
	_, joining := intent.(protocol.Join)
	if joining {
		s.hub.Join(conn, env.SessionID)
	}

	if _, err := s.engine.Apply(ctx, actor, env.SessionID, intent); err != nil {
		if joining {
			s.hub.Leave(conn, env.SessionID)
		}
		s.reply(conn, env.SessionID, env.Event, err)
		return
	}

	if _, leaving := intent.(protocol.Leave); leaving {
		s.hub.Leave(conn, env.SessionID)
	}
}

// reply answers a rejected frame to its sender only.
func (s *Server) reply(conn *transport.Conn, sessionID string, kind protocol.EventType, err error) {
	_, code := classify(err)
	env, encErr := protocol.EncodeEvent(protocol.ErrorEvent{
		Header:  protocol.Header{SessionID: sessionID},
		Code:    code,
		Message: message(err, code),
		Intent:  kind,
	})
	if encErr != nil {
		return
	}
	frame, encErr := s.codec.Encode(&env)
	if encErr != nil {
		return
	}
	conn.Send(frame)
}
