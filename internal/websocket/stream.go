package websocket

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"bidforge-engine/internal/models"
)

// Subscriber hands out per-workflow progress channels
type Subscriber interface {
	Subscribe(key string) (<-chan models.ProgressEvent, func())
}

// StreamWorkflow forwards one workflow's progress events to conn. The first
// frame is always a connected sentinel. The stream closes after a terminal
// event or when the peer disconnects.
func StreamWorkflow(conn *websocket.Conn, key string, sub Subscriber, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	defer conn.Close()

	events, unsubscribe := sub.Subscribe(key)
	defer unsubscribe()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(ev models.ProgressEvent) bool {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ev); err != nil {
			logger.Debug("progress stream write failed", "workflow_key", key, "error", err)
			return false
		}
		return true
	}

	if !write(models.ProgressEvent{
		Type:        models.ProgressConnected,
		WorkflowKey: key,
		Message:     "subscribed to workflow progress",
		Timestamp:   time.Now().UTC(),
	}) {
		return
	}
	logger.Info("progress stream opened", "workflow_key", key)

	for {
		select {
		case <-gone:
			logger.Info("progress stream closed by client", "workflow_key", key)
			return
		case ev, ok := <-events:
			if !ok || !write(ev) {
				return
			}
			if ev.Type.Terminal() {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(ev.Type)))
				logger.Info("progress stream finished", "workflow_key", key, "type", ev.Type)
				return
			}
		}
	}
}
