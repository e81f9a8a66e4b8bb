package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentland/a2a-gateway/internal/core"
	"github.com/agentland/a2a-gateway/internal/router"
)

const wsWriteWait = 10 * time.Second

// wsConn serializes writes; gorilla connections allow one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(v)
}

// handleWebSocket reads Messages from the client and writes each reply.
// When a message is queued the client gets the acknowledgement first and
// the final reply once the drain loop has dispatched it.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[API] websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.deps.MaxBodyBytes)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &wsConn{conn: conn}
	var pushes sync.WaitGroup
	defer pushes.Wait()

	slog.Info("[API] websocket client connected", "remote", r.RemoteAddr)
	for {
		var msg core.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("[API] websocket read failed", "error", err)
			}
			cancel()
			return
		}

		resp := s.deps.Router.SendMessage(ctx, &msg)
		if err := c.send(resp); err != nil {
			cancel()
			return
		}

		if resp.Task == router.TaskQueued {
			pushes.Add(1)
			go func(convID string) {
				defer pushes.Done()
				final, err := s.deps.Router.Await(ctx, convID)
				if err != nil {
					return
				}
				c.send(final)
			}(resp.ConversationID)
		}
	}
}
