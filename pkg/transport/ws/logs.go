// Package ws pushes channel log batches to browser observers over WebSocket.
package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/modoterra/onair/pkg/core"
)

const (
	writeWait  = 5 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // observers are served from other local origins
	},
}

// Message is the frame written for every batch.
type Message struct {
	Type    string        `json:"type"`
	Handle  string        `json:"handle"`
	Payload core.LogBatch `json:"payload"`
}

// LogsHandler serves GET /ws/logs?channel=<name>. Each socket is one
// subscriber of the channel; closing the socket unsubscribes it.
type LogsHandler struct {
	logs   core.LogProvider
	logger *slog.Logger
}

// NewLogsHandler creates a handler backed by logs.
func NewLogsHandler(logs core.LogProvider, logger *slog.Logger) *LogsHandler {
	return &LogsHandler{logs: logs, logger: logger}
}

// Mux returns a mux with the handler mounted at /ws/logs.
func (h *LogsHandler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /ws/logs", h)
	return mux
}

func (h *LogsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	if err := core.ValidateChannel(channel); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "channel", channel, "err", err)
		return
	}
	defer conn.Close()

	handle, batches, err := h.logs.Subscribe(r.Context(), channel)
	if err != nil {
		h.logger.Error("websocket subscribe failed", "channel", channel, "err", err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()),
			time.Now().Add(writeWait))
		return
	}
	h.logger.Debug("websocket observer connected", "channel", channel, "handle", handle)

	// The read side only watches for the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Debug("websocket read error", "handle", handle, "err", err)
				}
				return
			}
		}
	}()

	h.stream(conn, handle, batches, gone)

	if err := h.logs.Unsubscribe(handle); err != nil {
		h.logger.Debug("websocket unsubscribe", "handle", handle, "err", err)
	}
	h.logger.Debug("websocket observer disconnected", "channel", channel, "handle", handle)
}

func (h *LogsHandler) stream(conn *websocket.Conn, handle string, batches <-chan core.LogBatch, gone <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			return
		case batch, ok := <-batches:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				return
			}
			data, err := json.Marshal(Message{Type: "logs.batch", Handle: handle, Payload: batch})
			if err != nil {
				h.logger.Error("encode log batch", "handle", handle, "err", err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
