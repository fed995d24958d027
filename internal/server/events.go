package server

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// handleEvents streams a task's event feed over a WebSocket. The first
// message is a full-state resync snapshot, so a reconnecting dashboard
// catches up on everything it missed; live events follow in per-task
// order.
func (s *Server) handleEvents(c *gin.Context) {
	taskID := c.Param("id")
	if _, _, err := s.ex.Task(taskID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown task"})
		return
	}

	sub, err := s.bus.Subscribe(taskID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer sub.Close()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "task_id", taskID, "error", err)
		return
	}
	defer ws.Close()
	slog.Info("event stream subscriber connected", "task_id", taskID)

	// Reader goroutine: detects client disconnect and unblocks the
	// write loop by closing the subscription.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			slog.Info("event stream subscriber disconnected", "task_id", taskID)
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := ws.WriteJSON(ev); err != nil {
				slog.Warn("event stream write failed", "task_id", taskID, "error", err)
				return
			}
		}
	}
}
