package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"realtime-collab/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

/*
LEARNING: CONNECTION REGISTRY

One map holds every accepted connection and a second map indexes them by
owner (the presence index). Both live behind the same RWMutex so a reader
never sees a connection without its presence entry or the other way round.

Fan-out follows one rule: never hold the registry lock while writing to a
socket. Senders take a snapshot of the recipients, write outside the lock,
collect the ids that failed and evict them only after the sweep is done.
*/

// TokenVerifier resolves a bearer credential to a user id
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (string, error)
}

// ProjectMembership resolves the users that belong to a project
type ProjectMembership interface {
	UsersInProject(ctx context.Context, projectID string) ([]string, error)
}

// Metrics receives connection lifecycle events
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	MessageReceived(msgType string)
	BroadcastFailed()
	AuthFailed()
	IdleEvicted(n int)
}

// NoopMetrics discards everything (default)
type NoopMetrics struct{}

func (NoopMetrics) ConnectionOpened()      {}
func (NoopMetrics) ConnectionClosed()      {}
func (NoopMetrics) MessageReceived(string) {}
func (NoopMetrics) BroadcastFailed()       {}
func (NoopMetrics) AuthFailed()            {}
func (NoopMetrics) IdleEvicted(int)        {}

// DisconnectHook runs after a connection has left the registry
type DisconnectHook func(conn *Connection)

// Registry tracks every live connection and who owns it
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	presence    map[string]map[string]struct{} // userID -> connection ids
	hooks       []DisconnectHook

	verifier   TokenVerifier
	membership ProjectMembership
	logger     *zap.Logger
	metrics    Metrics
	now        func() time.Time
	newID      func() string
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

func WithLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

func WithMetrics(m Metrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithMembership replaces the default project resolver
func WithMembership(m ProjectMembership) RegistryOption {
	return func(r *Registry) {
		r.membership = m
	}
}

// WithClock overrides time.Now, used by idle sweep tests
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// WithIDGenerator replaces uuid connection ids, used for stable ids in tests
func WithIDGenerator(newID func() string) RegistryOption {
	return func(r *Registry) {
		r.newID = newID
	}
}

// NewRegistry creates an empty registry. A nil verifier rejects every token.
func NewRegistry(verifier TokenVerifier, opts ...RegistryOption) *Registry {
	r := &Registry{
		connections: make(map[string]*Connection),
		presence:    make(map[string]map[string]struct{}),
		verifier:    verifier,
		logger:      zap.NewNop(),
		metrics:     NoopMetrics{},
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.membership == nil {
		r.membership = AllAuthenticatedUsers{registry: r}
	}
	return r
}

// AllAuthenticatedUsers treats every present user as a member of every project.
// Used until a real membership source is wired in.
type AllAuthenticatedUsers struct {
	registry *Registry
}

func (a AllAuthenticatedUsers) UsersInProject(_ context.Context, _ string) ([]string, error) {
	return a.registry.OnlineUsers(), nil
}

// ConnectOption tunes a single Connect call
type ConnectOption func(*connectOptions)

type connectOptions struct {
	requireIdentity bool
	sessionID       string
}

// RequireIdentity rejects connections without a valid token (close code 4001)
func RequireIdentity() ConnectOption {
	return func(o *connectOptions) {
		o.requireIdentity = true
	}
}

// BindSession records the collaboration session the connection belongs to
func BindSession(sessionID string) ConnectOption {
	return func(o *connectOptions) {
		o.sessionID = sessionID
	}
}

// Connect accepts a transport, optionally authenticates it and registers it.
// On a credential failure with RequireIdentity the transport is closed with
// CloseUnauthorized and the connection is never registered.
func (r *Registry) Connect(ctx context.Context, t Transport, token string, opts ...ConnectOption) (*Connection, error) {
	var o connectOptions
	for _, opt := range opts {
		opt(&o)
	}

	conn := newConnection(r.newID(), t, r.now())
	conn.sessionID = o.sessionID

	if token != "" {
		userID, err := r.verify(ctx, token)
		switch {
		case err == nil:
			conn.userID = userID
		case o.requireIdentity:
			return nil, r.reject(conn, err)
		default:
			r.metrics.AuthFailed()
			r.logger.Warn("token rejected, continuing anonymously",
				zap.String("connection_id", conn.ID),
				zap.Error(err),
			)
		}
	} else if o.requireIdentity {
		return nil, r.reject(conn, fmt.Errorf("missing token"))
	}

	// Learning: The greeting is written before the connection becomes visible
	// to broadcasts, so it is always the first frame the client reads
	payload := map[string]any{"connection_id": conn.ID}
	if conn.userID != "" {
		payload["user_id"] = conn.userID
	}
	data, err := json.Marshal(models.NewEnvelope(models.MessageTypeConnectionEstablished, payload))
	if err != nil {
		return nil, fmt.Errorf("failed to encode connection_established: %w", err)
	}
	if err := conn.send(data); err != nil {
		conn.setState(StateClosed)
		_ = conn.transport.Close(CloseNormal, "")
		return nil, err
	}

	r.mu.Lock()
	r.connections[conn.ID] = conn
	r.addPresence(conn.userID, conn.ID)
	r.mu.Unlock()

	conn.setState(StateOpen)
	r.metrics.ConnectionOpened()

	r.logger.Info("connection registered",
		zap.String("connection_id", conn.ID),
		zap.String("user_id", conn.userID),
		zap.String("session_id", conn.sessionID),
		zap.String("remote_addr", conn.RemoteAddr),
	)

	return conn, nil
}

func (r *Registry) reject(conn *Connection, cause error) error {
	r.metrics.AuthFailed()
	r.logger.Warn("connection rejected",
		zap.String("connection_id", conn.ID),
		zap.Error(cause),
	)
	conn.setState(StateClosed)
	_ = conn.transport.Close(CloseUnauthorized, "unauthorized")
	return fmt.Errorf("%w: %v", ErrAuthenticationFailed, cause)
}

func (r *Registry) verify(ctx context.Context, token string) (string, error) {
	if r.verifier == nil {
		return "", fmt.Errorf("no token verifier configured")
	}
	return r.verifier.VerifyToken(ctx, token)
}

// Authenticate attaches an identity to an already registered connection.
// A connection bound to a collaboration session may only re-authenticate as
// its current user; any other identity returns ErrIdentityBound.
func (r *Registry) Authenticate(ctx context.Context, connectionID, token string) (string, error) {
	if _, ok := r.Get(connectionID); !ok {
		return "", ErrConnectionNotFound
	}

	userID, err := r.verify(ctx, token)
	if err != nil {
		r.metrics.AuthFailed()
		return "", fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[connectionID]
	if !ok {
		return "", ErrConnectionNotFound
	}
	previous := conn.UserID()
	// session participants are indexed by user; a bound connection keeps its owner
	if previous != userID && conn.SessionID() != "" {
		return "", ErrIdentityBound
	}
	if previous != userID {
		r.removePresence(previous, connectionID)
		conn.setUser(userID)
		r.addPresence(userID, connectionID)
	}

	return userID, nil
}

// Disconnect closes and forgets a connection. Safe to call repeatedly;
// only the first call returns true and fires the disconnect hooks.
func (r *Registry) Disconnect(connectionID string) bool {
	r.mu.Lock()
	conn, ok := r.connections[connectionID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.connections, connectionID)
	r.removePresence(conn.UserID(), connectionID)
	hooks := append([]DisconnectHook(nil), r.hooks...)
	r.mu.Unlock()

	conn.setState(StateClosing)
	if err := conn.transport.Close(CloseNormal, ""); err != nil {
		r.logger.Debug("transport close failed",
			zap.String("connection_id", connectionID),
			zap.Error(err),
		)
	}
	conn.setState(StateClosed)
	r.metrics.ConnectionClosed()

	for _, hook := range hooks {
		hook(conn)
	}

	r.logger.Info("connection closed",
		zap.String("connection_id", connectionID),
		zap.String("user_id", conn.UserID()),
	)
	return true
}

// OnDisconnect registers a hook that runs after every disconnect
func (r *Registry) OnDisconnect(hook DisconnectHook) {
	r.mu.Lock()
	r.hooks = append(r.hooks, hook)
	r.mu.Unlock()
}

// SendPersonalMessage writes to one connection. A failed write disconnects it.
func (r *Registry) SendPersonalMessage(connectionID string, env *models.Envelope) error {
	conn, ok := r.Get(connectionID)
	if !ok {
		return ErrConnectionNotFound
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode %s envelope: %w", env.Type, err)
	}

	if err := conn.send(data); err != nil {
		r.logger.Debug("personal message failed",
			zap.String("connection_id", connectionID),
			zap.String("type", string(env.Type)),
			zap.Error(err),
		)
		r.Disconnect(connectionID)
		return err
	}
	return nil
}

// Deliver writes env to each listed connection and returns the ids whose
// write failed. Nothing is evicted; callers holding their own locks evict
// after releasing them.
func (r *Registry) Deliver(connectionIDs []string, env *models.Envelope) []string {
	if len(connectionIDs) == 0 {
		return nil
	}

	data, err := json.Marshal(env)
	if err != nil {
		r.logger.Error("failed to encode envelope", zap.String("type", string(env.Type)), zap.Error(err))
		return nil
	}

	var failed []string
	for _, id := range connectionIDs {
		conn, ok := r.Get(id)
		if !ok {
			continue
		}
		if err := conn.send(data); err != nil {
			r.metrics.BroadcastFailed()
			failed = append(failed, id)
		}
	}
	return failed
}

// Evict disconnects every listed connection
func (r *Registry) Evict(connectionIDs []string) {
	for _, id := range connectionIDs {
		r.Disconnect(id)
	}
}

// Broadcast writes env to every connection except exclude and returns the
// number of successful deliveries. Failed recipients are evicted after the sweep.
func (r *Registry) Broadcast(env *models.Envelope, exclude string) int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.connections))
	for id := range r.connections {
		if id != exclude {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	failed := r.Deliver(ids, env)
	if len(failed) > 0 {
		r.logger.Warn("broadcast evicting failed connections", zap.Strings("connection_ids", failed))
		r.Evict(failed)
	}
	return len(ids) - len(failed)
}

// SendToUser writes to every connection the user owns and returns the delivered count
func (r *Registry) SendToUser(userID string, env *models.Envelope) int {
	delivered := 0
	for _, id := range r.UserConnections(userID) {
		if err := r.SendPersonalMessage(id, env); err == nil {
			delivered++
		}
	}
	return delivered
}

// SendToProject writes to every connection of every project member
func (r *Registry) SendToProject(ctx context.Context, projectID string, env *models.Envelope) (int, error) {
	users, err := r.membership.UsersInProject(ctx, projectID)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve members of project %s: %w", projectID, err)
	}

	delivered := 0
	for _, userID := range users {
		delivered += r.SendToUser(userID, env)
	}
	return delivered, nil
}

// Touch records inbound activity on a connection
func (r *Registry) Touch(connectionID string) {
	if conn, ok := r.Get(connectionID); ok {
		conn.touch(r.now())
	}
}

// CleanupInactive disconnects connections idle for longer than threshold
// and returns how many were removed
func (r *Registry) CleanupInactive(threshold time.Duration) int {
	cutoff := r.now().Add(-threshold)

	r.mu.RLock()
	var stale []string
	for id, conn := range r.connections {
		if conn.LastActivity().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	removed := 0
	for _, id := range stale {
		if r.Disconnect(id) {
			removed++
		}
	}

	if removed > 0 {
		r.metrics.IdleEvicted(removed)
		r.logger.Info("idle connections removed", zap.Int("count", removed))
	}
	return removed
}

// RunIdleSweep calls CleanupInactive every interval until ctx is done
func (r *Registry) RunIdleSweep(ctx context.Context, interval, threshold time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CleanupInactive(threshold)
		}
	}
}

// CloseAll disconnects every connection, used on shutdown
func (r *Registry) CloseAll() int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.connections))
	for id := range r.connections {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	closed := 0
	for _, id := range ids {
		if r.Disconnect(id) {
			closed++
		}
	}
	return closed
}

func (r *Registry) Get(connectionID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[connectionID]
	return conn, ok
}

func (r *Registry) IsRegistered(connectionID string) bool {
	_, ok := r.Get(connectionID)
	return ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// UserConnections returns the user's connection ids in sorted order
func (r *Registry) UserConnections(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.presence[userID]))
	for id := range r.presence[userID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// OnlineUsers returns every user with at least one connection, sorted
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]string, 0, len(r.presence))
	for userID := range r.presence {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

// addPresence and removePresence require r.mu held for writing

func (r *Registry) addPresence(userID, connectionID string) {
	if userID == "" {
		return
	}
	if r.presence[userID] == nil {
		r.presence[userID] = make(map[string]struct{})
	}
	r.presence[userID][connectionID] = struct{}{}
}

func (r *Registry) removePresence(userID, connectionID string) {
	if userID == "" {
		return
	}
	conns, ok := r.presence[userID]
	if !ok {
		return
	}
	delete(conns, connectionID)
	if len(conns) == 0 {
		delete(r.presence, userID)
	}
}
