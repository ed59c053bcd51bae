package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/mlago/chatsync/internal/engine"
	"go.uber.org/zap"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// wsHandler streams chat views over a websocket, one connection per chat.
type wsHandler struct {
	engine   *engine.Engine
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func newWSHandler(e *engine.Engine, logger *zap.Logger) *wsHandler {
	return &wsHandler{
		engine: e,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The gateway binds to loopback only; origin checks add nothing.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// handleObserve upgrades the connection, opens the chat and streams a fresh
// view after every change until the client disconnects. Closing the last
// socket for a chat does not close the chat: explicit open/close owns that.
func (h *wsHandler) handleObserve(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	limit := queryInt(r, "limit", 50)

	if err := h.engine.OpenChat(chatID); err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	views, err := h.engine.Observe(r.Context(), chatID, limit)
	if err != nil {
		h.logger.Error("failed to observe chat", zap.String("chat_id", chatID), zap.Error(err))
		return
	}

	// Reader goroutine: we never expect client frames, but reading is what
	// surfaces close frames and ping replies.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case view, ok := <-views:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(view); err != nil {
				h.logger.Debug("websocket write failed", zap.String("chat_id", chatID), zap.Error(err))
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
