package httpserver

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/corveehq/corvee/pkg/log"
)

// closeInvalidToken is sent when the presented task token matches no
// live lease. Clients treat it as "stop working on this unit".
const closeInvalidToken = 4001

var upgrader = websocket.Upgrader{
	ReadBufferSize:  512,
	WriteBufferSize: 512,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleHeartbeat runs the liveness channel for one task token. The
// client pings at the advertised interval; a connection silent for the
// whole grace window fails its read and the disconnect arms the
// lease's reclaim deadline.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if _, err := s.dist.ValidateToken(token); err != nil {
		s.closeWith(conn, closeInvalidToken, "invalid task token")
		return
	}
	if err := s.dist.HeartbeatConnected(token, true); err != nil {
		s.closeWith(conn, closeInvalidToken, "invalid task token")
		return
	}
	// Disconnect arms the reclaim deadline. If the lease is already
	// gone this is a no-op.
	defer func() { _ = s.dist.HeartbeatConnected(token, false) }()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.heartbeatGrace)); err != nil {
			return
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := s.dist.HeartbeatPing(token); err != nil {
			// The lease was evicted while connected, likely by a
			// stale-lock reclaim. Tell the client to stop.
			s.closeWith(conn, closeInvalidToken, "lease evicted")
			return
		}
		if string(msg) == "ping" {
			if err := conn.WriteMessage(websocket.TextMessage, []byte("pong")); err != nil {
				return
			}
		}
	}
}

func (s *Server) closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		s.logger.Debug("heartbeat close failed", log.Err(err))
	}
}
