package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/registry"
)

var upgrader = websocket.Upgrader{}

// inboundFrame is the client-to-server wire envelope. Data is decoded per
// Type once the frame is routed.
type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type joinRideFrame struct {
	RideID string `json:"ride_id"`
}

// handleWS authenticates the token, upgrades the connection and runs the
// read loop until the peer goes away. Authentication happens before the
// upgrade: a bad token never reaches the registry.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, fmt.Errorf("token query parameter required: %w", models.ErrForbidden))
		return
	}
	user, err := s.accounts.Authenticate(r.Context(), token)
	if err != nil {
		writeError(w, fmt.Errorf("authentication: %w", models.ErrForbidden))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "user_id", user.ID, "error", err)
		return
	}

	session := s.registry.Add(user.ID, conn)
	observability.WSConnections.Inc()
	s.logger.Info("websocket connected", "user_id", user.ID, "role", user.Role)

	defer func() {
		s.registry.Remove(session)
		observability.WSConnections.Dec()
		conn.Close()
		s.logger.Info("websocket disconnected", "user_id", user.ID)
	}()

	for {
		var frame inboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		s.handleFrame(r, session, frame)
	}
}

func (s *Server) handleFrame(r *http.Request, session *registry.Session, frame inboundFrame) {
	switch frame.Type {
	case models.EventDriverRideResponse:
		var resp models.DriverRideResponse
		if err := json.Unmarshal(frame.Data, &resp); err != nil || resp.RideID == "" {
			s.sendWSError(session, "malformed driver-ride-response")
			return
		}
		if err := s.channel.HandleDriverResponse(r.Context(), session, resp); err != nil {
			// The channel already told the sender; log for the operator.
			s.logger.Info("driver response rejected",
				"user_id", session.UserID, "ride_id", resp.RideID, "error", err)
		}

	case "join-ride":
		var join joinRideFrame
		if err := json.Unmarshal(frame.Data, &join); err != nil || join.RideID == "" {
			s.sendWSError(session, "malformed join-ride")
			return
		}
		s.registry.JoinRoom(session, "ride:"+join.RideID)

	default:
		s.sendWSError(session, fmt.Sprintf("unknown event type %q", frame.Type))
	}
}

func (s *Server) sendWSError(session *registry.Session, msg string) {
	if err := session.Send(models.Event{Type: models.EventError, Data: models.ErrorEvent{Message: msg}}); err != nil {
		s.logger.Debug("error event not delivered", "user_id", session.UserID, "error", err)
	}
}
