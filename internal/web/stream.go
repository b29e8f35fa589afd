package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// handleStream upgrades to a WebSocket and pushes a [State] snapshot every
// streamInterval until the client goes away or the server shuts down. The
// first snapshot is sent immediately. Messages from the client are ignored.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.origins,
	})
	if err != nil {
		slog.Debug("web: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()

	slog.Debug("web: vad stream opened", "remote", r.RemoteAddr)
	for {
		if err := s.push(ctx, conn); err != nil {
			if !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) == -1 {
				slog.Debug("web: vad stream write failed", "err", err)
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-s.base.Done():
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) push(ctx context.Context, conn *websocket.Conn) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, s.snapshot())
}
