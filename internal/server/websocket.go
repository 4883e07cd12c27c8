package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"dagline/internal/fanout"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// registerWebsocket streams task updates of one workspace to each connected
// client until it disconnects. Client messages are read and ignored.
func registerWebsocket(r chi.Router, cfg Config) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		key := chi.URLParam(req, "key")
		if _, err := cfg.Repo.GetWorkspace(req.Context(), key); err != nil {
			writeError(w, handleError(err))
			return
		}
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			cfg.Logger.Debug("websocket upgrade failed", "workspace", key, "err", err)
			return
		}
		sub := cfg.Hub.Subscribe(key)
		cfg.Logger.Info("websocket connected", "workspace", key, "remote", req.RemoteAddr)
		streamUpdates(conn, sub, cfg.Logger)
		cfg.Logger.Info("websocket disconnected", "workspace", key, "remote", req.RemoteAddr)
	}
	r.Get("/ws/workspace/{key}", handler)
	r.Get("/ws/workspace/{key}/", handler)
}

func streamUpdates(conn *websocket.Conn, sub *fanout.Subscription, logger *slog.Logger) {
	defer conn.Close()
	defer sub.Close()
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case update, ok := <-sub.Events():
			if !ok {
				conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(wsWriteWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(update); err != nil {
				logger.Debug("websocket write failed", "workspace", sub.Workspace(), "err", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
