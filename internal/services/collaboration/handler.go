package collaboration

import (
	"context"
	"errors"

	"realtime-collab/internal/middleware"
	"realtime-collab/internal/models"
	"realtime-collab/internal/services/realtime"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Handler applies editing events from a realtime connection to its session
type Handler struct {
	sessions *SessionRegistry
	logger   *zap.Logger
}

func NewHandler(sessions *SessionRegistry, logger *zap.Logger) *Handler {
	return &Handler{
		sessions: sessions,
		logger:   logger,
	}
}

// identify resolves who is editing which session. The author is always the
// connection's owner, never a client-supplied user id.
func (h *Handler) identify(conn *realtime.Connection, env *models.Envelope) (sessionID, userID string, err error) {
	userID = conn.UserID()
	if userID == "" {
		return "", "", realtime.NewClientError("authentication required", realtime.ErrAuthenticationFailed)
	}

	sessionID = conn.SessionID()
	if sessionID == "" {
		sessionID = env.SessionID
	}
	if sessionID == "" {
		return "", "", realtime.NewClientError("session_id is required", ErrSessionNotFound)
	}
	return sessionID, userID, nil
}

func (h *Handler) HandleTextChange(ctx context.Context, conn *realtime.Connection, env *models.Envelope) error {
	sessionID, userID, err := h.identify(conn, env)
	if err != nil {
		return err
	}

	var p models.TextChangePayload
	if err := env.Bind(&p); err != nil {
		return realtime.NewClientError("invalid text_change payload", err)
	}
	p.Change.UserID = userID

	change, err := h.sessions.BroadcastChange(ctx, sessionID, p.Change)
	if err != nil {
		return clientError(err)
	}

	middleware.AddSpanEvent(ctx, "change.broadcast",
		attribute.String("session.id", sessionID),
		attribute.Int64("change.sequence", int64(change.Sequence)),
	)
	h.logger.Debug("change broadcast",
		zap.String("session_id", sessionID),
		zap.String("user_id", userID),
		zap.Uint64("sequence", change.Sequence),
	)
	return nil
}

func (h *Handler) HandleCursorPosition(_ context.Context, conn *realtime.Connection, env *models.Envelope) error {
	sessionID, userID, err := h.identify(conn, env)
	if err != nil {
		return err
	}

	var p models.CursorPayload
	if err := env.Bind(&p); err != nil {
		return realtime.NewClientError("invalid cursor_position payload", err)
	}

	if _, err := h.sessions.UpdateCursorPosition(sessionID, userID, p.Line, p.Column); err != nil {
		return clientError(err)
	}
	return nil
}

func (h *Handler) HandleTextSelection(_ context.Context, conn *realtime.Connection, env *models.Envelope) error {
	sessionID, userID, err := h.identify(conn, env)
	if err != nil {
		return err
	}

	var p models.SelectionPayload
	if err := env.Bind(&p); err != nil {
		return realtime.NewClientError("invalid text_selection payload", err)
	}

	sel := models.TextSelection{
		StartLine:   p.StartLine,
		StartColumn: p.StartColumn,
		EndLine:     p.EndLine,
		EndColumn:   p.EndColumn,
	}
	if _, err := h.sessions.UpdateTextSelection(sessionID, userID, sel); err != nil {
		return clientError(err)
	}
	return nil
}

// clientError maps session and validation failures to client-facing messages.
// Anything else stays internal.
func clientError(err error) error {
	switch {
	case errors.Is(err, models.ErrInvalidPosition),
		errors.Is(err, models.ErrInvalidChangeType),
		errors.Is(err, models.ErrChangeTextMismatch):
		return realtime.NewClientError("invalid change: "+err.Error(), err)
	case errors.Is(err, ErrNotParticipant):
		return realtime.NewClientError("not a participant of this session", err)
	case errors.Is(err, ErrSessionNotFound):
		return realtime.NewClientError("session not found", err)
	default:
		return err
	}
}
