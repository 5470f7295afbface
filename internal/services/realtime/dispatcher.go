package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"realtime-collab/internal/middleware"
	"realtime-collab/internal/models"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

/*
LEARNING: PAIRED RECEIVE AND HEARTBEAT LOOPS

Each connection runs two loops that must live and die together:
  - the receive loop blocks on the transport and routes every frame
  - the heartbeat loop writes a heartbeat envelope on a fixed interval

errgroup.WithContext ties them: whichever loop returns first cancels the
group context. A third goroutine waits on that context and disconnects
the connection, which closes the transport and unblocks the reader.
*/

const invalidFormatMessage = "invalid message format"

var (
	errReceiveClosed    = errors.New("realtime: receive loop ended")
	errHeartbeatStopped = errors.New("realtime: heartbeat loop ended")
)

// CollaborationHandler handles the editing events of a collaboration session
type CollaborationHandler interface {
	HandleTextChange(ctx context.Context, conn *Connection, env *models.Envelope) error
	HandleCursorPosition(ctx context.Context, conn *Connection, env *models.Envelope) error
	HandleTextSelection(ctx context.Context, conn *Connection, env *models.Envelope) error
}

// Dispatcher routes inbound envelopes and keeps connections alive
type Dispatcher struct {
	registry          *Registry
	collab            CollaborationHandler
	heartbeatInterval time.Duration
	logger            *zap.Logger
}

type DispatcherOption func(*Dispatcher)

func WithHeartbeatInterval(interval time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.heartbeatInterval = interval
	}
}

func WithDispatcherLogger(logger *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher creates a dispatcher. A nil collab handler answers editing
// events with an error envelope.
func NewDispatcher(registry *Registry, collab CollaborationHandler, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry:          registry,
		collab:            collab,
		heartbeatInterval: 30 * time.Second,
		logger:            zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Serve runs the connection until the client leaves, a write fails or ctx
// is cancelled. The connection is always disconnected on return.
func (d *Dispatcher) Serve(ctx context.Context, conn *Connection) error {
	defer d.registry.Disconnect(conn.ID)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.receiveLoop(gctx, conn)
	})
	g.Go(func() error {
		return d.heartbeatLoop(gctx, conn)
	})
	g.Go(func() error {
		<-gctx.Done()
		d.registry.Disconnect(conn.ID)
		return nil
	})

	err := g.Wait()
	if errors.Is(err, errReceiveClosed) || errors.Is(err, errHeartbeatStopped) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Dispatcher) receiveLoop(ctx context.Context, conn *Connection) error {
	for {
		data, err := conn.transport.ReadMessage()
		if err != nil {
			d.logger.Debug("receive loop ended",
				zap.String("connection_id", conn.ID),
				zap.Error(err),
			)
			return fmt.Errorf("%w: %v", errReceiveClosed, err)
		}

		d.registry.Touch(conn.ID)
		d.dispatch(ctx, conn, data)
	}
}

func (d *Dispatcher) heartbeatLoop(ctx context.Context, conn *Connection) error {
	if d.heartbeatInterval <= 0 {
		<-ctx.Done()
		return fmt.Errorf("%w: %v", errHeartbeatStopped, ctx.Err())
	}

	ticker := time.NewTicker(d.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", errHeartbeatStopped, ctx.Err())
		case <-ticker.C:
			env := models.NewEnvelope(models.MessageTypeHeartbeat, nil)
			if err := d.registry.SendPersonalMessage(conn.ID, env); err != nil {
				return fmt.Errorf("%w: %v", errHeartbeatStopped, err)
			}
		}
	}
}

// dispatch decodes one frame and routes it. Errors are reported to the
// client and never end the connection.
func (d *Dispatcher) dispatch(ctx context.Context, conn *Connection, data []byte) {
	env, err := decodeEnvelope(data)
	if err != nil {
		d.logger.Debug("malformed frame", zap.String("connection_id", conn.ID), zap.Error(err))
		d.reply(conn, models.NewErrorEnvelope(clientMessage(err)))
		return
	}

	ctx, span := middleware.StartSpan(ctx, "Realtime.Dispatch",
		attribute.String("message.type", string(env.Type)),
		attribute.String("connection.id", conn.ID),
	)
	defer span.End()

	d.registry.metrics.MessageReceived(metricLabel(env.Type))

	if err := d.route(ctx, conn, env); err != nil {
		middleware.AddSpanError(ctx, err)

		d.logger.Debug("message rejected",
			zap.String("connection_id", conn.ID),
			zap.String("type", string(env.Type)),
			zap.Error(err),
		)
		d.reply(conn, models.NewErrorEnvelope(clientMessage(err)))
	}
}

// decodeEnvelope parses one inbound frame; a frame without a type is malformed
func decodeEnvelope(data []byte) (*models.Envelope, error) {
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, NewClientError(invalidFormatMessage, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err))
	}
	if env.Type == "" {
		return nil, NewClientError(invalidFormatMessage, ErrMalformedEnvelope)
	}
	return &env, nil
}

func (d *Dispatcher) route(ctx context.Context, conn *Connection, env *models.Envelope) error {
	switch env.Type {
	case models.MessageTypePing:
		d.reply(conn, models.NewEnvelope(models.MessageTypePong, nil))
		return nil

	case models.MessageTypePong:
		// heartbeat acknowledgement, activity already recorded
		return nil

	case models.MessageTypeSubscribe, models.MessageTypeUnsubscribe:
		return d.handleSubscription(conn, env)

	case models.MessageTypeChat:
		return d.handleChat(conn, env)

	case models.MessageTypeAuthenticate:
		return d.handleAuthenticate(ctx, conn, env)

	case models.MessageTypeTextChange, models.MessageTypeCursorPosition, models.MessageTypeTextSelection:
		if d.collab == nil {
			return NewClientError("collaboration is not available on this connection", nil)
		}
		switch env.Type {
		case models.MessageTypeTextChange:
			return d.collab.HandleTextChange(ctx, conn, env)
		case models.MessageTypeCursorPosition:
			return d.collab.HandleCursorPosition(ctx, conn, env)
		default:
			return d.collab.HandleTextSelection(ctx, conn, env)
		}

	default:
		return NewClientError(fmt.Sprintf("unknown message type: %s", env.Type), ErrUnknownMessageType)
	}
}

func (d *Dispatcher) handleSubscription(conn *Connection, env *models.Envelope) error {
	var p models.ChannelPayload
	if err := env.Bind(&p); err != nil || p.Channel == "" {
		return NewClientError("channel is required", err)
	}

	ack := models.MessageTypeSubscribed
	if env.Type == models.MessageTypeSubscribe {
		conn.Subscribe(p.Channel)
	} else {
		conn.Unsubscribe(p.Channel)
		ack = models.MessageTypeUnsubscribed
	}

	d.reply(conn, models.NewEnvelope(ack, map[string]any{"channel": p.Channel}))
	return nil
}

func (d *Dispatcher) handleChat(conn *Connection, env *models.Envelope) error {
	var p models.ChatPayload
	if err := env.Bind(&p); err != nil {
		return NewClientError("invalid chat message", err)
	}

	out := models.NewEnvelope(models.MessageTypeChat, map[string]any{
		"message":       p.Message,
		"user_id":       conn.UserID(),
		"connection_id": conn.ID,
	})
	d.registry.Broadcast(out, conn.ID)
	return nil
}

func (d *Dispatcher) handleAuthenticate(ctx context.Context, conn *Connection, env *models.Envelope) error {
	var p models.AuthenticatePayload
	if err := env.Bind(&p); err != nil || p.Token == "" {
		return NewClientError("token is required", err)
	}

	userID, err := d.registry.Authenticate(ctx, conn.ID, p.Token)
	if errors.Is(err, ErrIdentityBound) {
		return NewClientError("identity cannot change on a session connection", err)
	}
	if err != nil {
		return NewClientError("authentication failed", err)
	}

	d.reply(conn, models.NewEnvelope(models.MessageTypeAuthenticated, map[string]any{"user_id": userID}))
	return nil
}

func (d *Dispatcher) reply(conn *Connection, env *models.Envelope) {
	if err := d.registry.SendPersonalMessage(conn.ID, env); err != nil {
		d.logger.Debug("reply failed",
			zap.String("connection_id", conn.ID),
			zap.String("type", string(env.Type)),
			zap.Error(err),
		)
	}
}

// clientMessage picks the text a client may see for err
func clientMessage(err error) string {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Message
	}
	return "internal error"
}

// metricLabel bounds label cardinality to the known message types
func metricLabel(t models.MessageType) string {
	switch t {
	case models.MessageTypePing, models.MessageTypePong, models.MessageTypeSubscribe,
		models.MessageTypeUnsubscribe, models.MessageTypeChat, models.MessageTypeAuthenticate,
		models.MessageTypeTextChange, models.MessageTypeCursorPosition, models.MessageTypeTextSelection:
		return string(t)
	default:
		return "unknown"
	}
}
