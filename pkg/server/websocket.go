package server

import (
	"net/http"

	"github.com/aeolun/reverb/pkg/transport"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Clients are native apps, not browsers on other origins
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWebSocket upgrades the request and runs a protocol session over
// binary WebSocket messages. It returns when the session ends.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.shutdown:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()
	s.handleConnection(transport.NewWebSocketConn(ws), "websocket", nil)
}
