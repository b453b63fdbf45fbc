package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"excursion-sync-service/internal/events"
	"excursion-sync-service/internal/logger"
)

const (
	eventBuffer = 64
	writeWait   = 10 * time.Second
	pingPeriod  = 30 * time.Second
)

// StreamEvents upgrades to a websocket and forwards every published event
// as JSON. A client that falls behind loses events rather than stalling
// the publisher.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || h.allowOrigin(origin)
		},
	}

	// Subscribe before the handshake completes so nothing published after
	// the client sees the upgrade is missed.
	ch := make(chan events.Event, eventBuffer)
	unsubscribe := h.bus.SubscribeAll(func(e events.Event) {
		select {
		case ch <- e:
		default:
			logger.Log.Warn("Event stream client lagging, dropping event", zap.String("type", string(e.Type)))
		}
	})
	defer unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	logger.Log.Debug("Event stream client connected", zap.String("remote", r.RemoteAddr))
	for {
		select {
		case e := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			logger.Log.Debug("Event stream client disconnected", zap.String("remote", r.RemoteAddr))
			return
		case <-r.Context().Done():
			return
		}
	}
}
