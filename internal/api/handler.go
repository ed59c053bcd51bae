// Package api exposes the engine over a local HTTP gateway: JSON endpoints
// for commands and queries, a websocket per chat for live view streaming.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mlago/chatsync/internal/engine"
	"github.com/mlago/chatsync/internal/store"
	"go.uber.org/zap"
)

// Handler serves the engine's HTTP surface.
type Handler struct {
	engine *engine.Engine
	logger *zap.Logger
}

// NewRouter wires the HTTP routes to the engine.
func NewRouter(e *engine.Engine, logger *zap.Logger) http.Handler {
	h := &Handler{engine: e, logger: logger}
	ws := newWSHandler(e, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(api chi.Router) {
		api.Get("/status", h.handleStatus)
		api.Get("/chats", h.handleListChats)
		api.Route("/chats/{chatID}", func(c chi.Router) {
			c.Post("/open", h.handleOpenChat)
			c.Post("/close", h.handleCloseChat)
			c.Get("/messages", h.handleListMessages)
			c.Post("/messages", h.handleSend)
			c.Post("/older", h.handleLoadOlder)
			c.Post("/typing", h.handleTyping)
			c.Post("/read", h.handleMarkRead)
			c.Get("/unread", h.handleUnread)
		})
		api.Post("/messages/{token}/retry", h.handleRetry)
		api.Get("/ws/chats/{chatID}", ws.handleObserve)
	})
	return r
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": string(h.engine.Status())})
}

func (h *Handler) handleListChats(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	chats, err := h.engine.Chats(limit, offset)
	if err != nil {
		h.logger.Error("failed to list chats", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to list chats")
		return
	}
	respondJSON(w, http.StatusOK, chats)
}

func (h *Handler) handleOpenChat(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.OpenChat(chi.URLParam(r, "chatID")); err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "open"})
}

func (h *Handler) handleCloseChat(w http.ResponseWriter, r *http.Request) {
	h.engine.CloseChat(chi.URLParam(r, "chatID"))
	respondJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Kind    string `json:"kind"`
		Payload string `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.Kind == "" {
		respondError(w, http.StatusBadRequest, "kind is required")
		return
	}

	token, err := h.engine.Send(r.Context(), chi.URLParam(r, "chatID"), payload.Kind, payload.Payload)
	if err != nil {
		h.logger.Error("failed to queue send", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to queue message")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"clientToken": token})
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	before := store.Cursor{
		SortTs: int64(queryInt(r, "before_ts", 0)),
		MsgID:  r.URL.Query().Get("before_id"),
	}
	msgs, err := h.engine.Messages(chi.URLParam(r, "chatID"), before, queryInt(r, "limit", 50))
	if err != nil {
		h.logger.Error("failed to list messages", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	respondJSON(w, http.StatusOK, msgs)
}

func (h *Handler) handleLoadOlder(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.LoadOlder(chi.URLParam(r, "chatID")); err != nil {
		h.logger.Error("failed to load history", zap.Error(err))
		respondError(w, http.StatusBadGateway, "failed to load history")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "loaded"})
}

func (h *Handler) handleTyping(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.SetTyping(r.Context(), chi.URLParam(r, "chatID")); err != nil {
		respondError(w, http.StatusBadGateway, "failed to signal typing")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "signaled"})
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		MsgID string `json:"msgId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.MsgID == "" {
		respondError(w, http.StatusBadRequest, "msgId is required")
		return
	}
	if err := h.engine.MarkRead(r.Context(), chi.URLParam(r, "chatID"), payload.MsgID); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "read"})
}

func (h *Handler) handleUnread(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.UnreadCount(chi.URLParam(r, "chatID"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to count unread")
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"unread": n})
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Retry(chi.URLParam(r, "token")); err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
