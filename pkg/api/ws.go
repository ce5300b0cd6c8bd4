// pkg/api/ws.go
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/shadowsync/shadowd/pkg/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer; subscribers only send control
	// frames.
	maxMessageSize = 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin checks belong to the fronting auth/session layer.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Watch handles GET /shadows/{deviceId}/ws: upgrades to a websocket,
// delivers an initial full-state snapshot, then streams change and command
// events until the peer disconnects. Watching a device with no shadow
// document is legal; the stream stays quiet until one is created.
func (a *API) Watch(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.WithError(err).WithField("deviceId", deviceID).Warn("websocket upgrade failed")
		return
	}

	handle, events := a.hub.Subscribe(deviceID)
	logger := a.log.WithField("deviceId", deviceID)
	logger.Debug("websocket subscriber connected")

	cleanup := func() {
		a.hub.Unsubscribe(handle)
		conn.Close()
	}

	doc, err := a.shadows.Get(r.Context(), deviceID)
	switch {
	case err == nil:
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(model.NewSnapshotEvent(doc)); err != nil {
			logger.WithError(err).Debug("failed to write snapshot")
			cleanup()
			return
		}
	case errors.Is(err, model.ErrNotFound):
		// No snapshot yet; events start flowing once the shadow exists.
	default:
		logger.WithError(err).Error("failed to load snapshot for subscriber")
		cleanup()
		return
	}

	// Reader: consumes control frames and detects the peer going away.
	// Unsubscribing closes the events channel, which ends the write loop.
	go func() {
		conn.SetReadLimit(maxMessageSize)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				a.hub.Unsubscribe(handle)
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cleanup()
		logger.Debug("websocket subscriber disconnected")
	}()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				logger.WithError(err).Debug("failed to write event")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
