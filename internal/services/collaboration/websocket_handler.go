package collaboration

import (
	"context"
	"net/http"

	"realtime-collab/internal/middleware"
	"realtime-collab/internal/models"
	"realtime-collab/internal/services/realtime"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

/*
LEARNING: JOINING A SESSION OVER WEBSOCKET

  1. upgrade the HTTP request
  2. register the connection, a valid token is mandatory (else close 4001)
  3. join the session, peers get participant_joined
  4. send session_state so the newcomer sees content, peers and cursors
  5. hand the connection to the dispatcher until it closes

Leaving needs no code here: the registry's disconnect hook removes the
participant when its last connection goes away.
*/

// WebSocketHandler serves the collaboration channel
type WebSocketHandler struct {
	registry       *realtime.Registry
	dispatcher     *realtime.Dispatcher
	sessions       *SessionRegistry
	upgrader       *websocket.Upgrader
	maxMessageSize int64
	logger         *zap.Logger
}

func NewWebSocketHandler(
	registry *realtime.Registry,
	dispatcher *realtime.Dispatcher,
	sessions *SessionRegistry,
	upgrader *websocket.Upgrader,
	maxMessageSize int64,
	logger *zap.Logger,
) *WebSocketHandler {
	return &WebSocketHandler{
		registry:       registry,
		dispatcher:     dispatcher,
		sessions:       sessions,
		upgrader:       upgrader,
		maxMessageSize: maxMessageSize,
		logger:         logger,
	}
}

// HandleSessionConnection serves GET /ws/collab/{session_id}
func (h *WebSocketHandler) HandleSessionConnection(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]

	ctx, span := middleware.StartSpan(r.Context(), "Collaboration.Connect",
		attribute.String("session.id", sessionID),
	)

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("session_id", sessionID), zap.Error(err))
		middleware.AddSpanError(ctx, err)
		span.End()
		return
	}

	conn, err := h.registry.Connect(ctx,
		realtime.NewWebSocketTransport(ws, h.maxMessageSize),
		realtime.TokenFromRequest(r),
		realtime.RequireIdentity(),
		realtime.BindSession(sessionID),
	)
	if err != nil {
		h.logger.Info("collaboration connection refused", zap.String("session_id", sessionID), zap.Error(err))
		middleware.AddSpanError(ctx, err)
		span.End()
		return
	}
	span.SetAttributes(attribute.String("user.id", conn.UserID()), attribute.String("connection.id", conn.ID))

	if err := h.join(ctx, sessionID, conn); err != nil {
		h.logger.Warn("join failed", zap.String("session_id", sessionID), zap.Error(err))
		middleware.AddSpanError(ctx, err)
		span.End()
		h.registry.Disconnect(conn.ID)
		return
	}
	span.End()

	if err := h.dispatcher.Serve(r.Context(), conn); err != nil {
		h.logger.Warn("collaboration connection ended with error",
			zap.String("session_id", sessionID),
			zap.String("connection_id", conn.ID),
			zap.Error(err),
		)
	}
}

func (h *WebSocketHandler) join(ctx context.Context, sessionID string, conn *realtime.Connection) error {
	if err := h.sessions.JoinSession(ctx, sessionID, conn.UserID(), conn.ID); err != nil {
		return err
	}
	// the connection may have dropped while joining; its hook already ran
	if !h.registry.IsRegistered(conn.ID) {
		h.sessions.HandleDisconnect(conn.ID)
		return realtime.ErrConnectionClosed
	}

	state, err := h.sessions.State(ctx, sessionID)
	if err != nil {
		return err
	}

	env := models.NewEnvelope(models.MessageTypeSessionState, state.Payload()).WithSession(sessionID)
	return h.registry.SendPersonalMessage(conn.ID, env)
}
