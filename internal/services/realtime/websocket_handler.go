package realtime

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocketHandler serves the generic realtime channel. Anonymous clients
// are accepted and may authenticate later with an authenticate message.
type WebSocketHandler struct {
	registry       *Registry
	dispatcher     *Dispatcher
	upgrader       *websocket.Upgrader
	maxMessageSize int64
	logger         *zap.Logger
}

func NewWebSocketHandler(registry *Registry, dispatcher *Dispatcher, upgrader *websocket.Upgrader, maxMessageSize int64, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		registry:       registry,
		dispatcher:     dispatcher,
		upgrader:       upgrader,
		maxMessageSize: maxMessageSize,
		logger:         logger,
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn, err := h.registry.Connect(r.Context(), NewWebSocketTransport(ws, h.maxMessageSize), TokenFromRequest(r))
	if err != nil {
		h.logger.Warn("connection not established", zap.Error(err))
		return
	}

	if err := h.dispatcher.Serve(r.Context(), conn); err != nil {
		h.logger.Warn("connection ended with error", zap.String("connection_id", conn.ID), zap.Error(err))
	}
}

// TokenFromRequest reads the bearer credential from the token query
// parameter or the Authorization header
func TokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}
