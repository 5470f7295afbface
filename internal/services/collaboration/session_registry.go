package collaboration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"realtime-collab/internal/models"

	"go.uber.org/zap"
)

/*
LEARNING: SESSION REGISTRY AND ORDERED FAN-OUT

A session is one shared document. Each session has its own mutex, held
while a change gets its sequence number AND while the change is written
to every peer. Two concurrent changes therefore reach every peer in the
same order as their sequence numbers.

Lock order:
  - the registry mutex guards the session map and the connection index
  - a session mutex guards that session's participants
  - only the cleanup sweep holds both, always registry first

Writes that fail are collected while the session is locked and evicted
after it is released, because eviction re-enters the registry through
the disconnect hook.
*/

var (
	ErrSessionNotFound = errors.New("collaboration: session not found")
	ErrNotParticipant  = errors.New("collaboration: user is not a participant")
	ErrInvalidJoin     = errors.New("collaboration: session, user and connection are required")
)

// Broadcaster writes envelopes to connections and evicts the ones that failed
type Broadcaster interface {
	Deliver(connectionIDs []string, env *models.Envelope) []string
	Evict(connectionIDs []string)
}

// ChangeRecorder persists broadcast changes
type ChangeRecorder interface {
	Record(ctx context.Context, change models.TextChange) error
}

// SequenceSource returns the last persisted sequence of a session
type SequenceSource interface {
	LatestSequence(ctx context.Context, sessionID string) (uint64, error)
}

// ContentStore returns the stored document content of a session
type ContentStore interface {
	LoadContent(ctx context.Context, sessionID string) (string, error)
}

// Metrics receives session events
type Metrics interface {
	SessionCreated()
	SessionRemoved()
	ChangeBroadcast()
}

type noopMetrics struct{}

func (noopMetrics) SessionCreated()  {}
func (noopMetrics) SessionRemoved()  {}
func (noopMetrics) ChangeBroadcast() {}

// Participant is one user inside a session. A user may be connected
// through several connections (tabs) at once.
type Participant struct {
	UserID      string
	JoinedAt    time.Time
	Cursor      models.CursorPosition
	Selection   *models.TextSelection
	connections map[string]struct{}
}

// Session is the shared editing state of one document
type Session struct {
	ID        string
	CreatedAt time.Time

	mu           sync.Mutex
	participants map[string]*Participant
	sequence     uint64
	lastActivity time.Time
	emptySince   time.Time
	removed      bool
}

// recipientsExcept lists every connection of every participant other than userID.
// Requires s.mu.
func (s *Session) recipientsExcept(userID string) []string {
	var ids []string
	for uid, p := range s.participants {
		if uid == userID {
			continue
		}
		for id := range p.connections {
			ids = append(ids, id)
		}
	}
	return ids
}

type membership struct {
	sessionID string
	userID    string
}

// SessionRegistry owns every collaboration session in this process
type SessionRegistry struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	connIndex map[string]membership

	broadcaster Broadcaster
	recorder    ChangeRecorder
	sequences   SequenceSource
	content     ContentStore
	logger      *zap.Logger
	metrics     Metrics
	now         func() time.Time
}

type Option func(*SessionRegistry)

func WithRecorder(recorder ChangeRecorder) Option {
	return func(r *SessionRegistry) {
		r.recorder = recorder
	}
}

// WithSequenceSource resumes sequence numbers from persisted changes
func WithSequenceSource(source SequenceSource) Option {
	return func(r *SessionRegistry) {
		r.sequences = source
	}
}

func WithContentStore(store ContentStore) Option {
	return func(r *SessionRegistry) {
		r.content = store
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *SessionRegistry) {
		r.logger = logger
	}
}

func WithMetrics(m Metrics) Option {
	return func(r *SessionRegistry) {
		r.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *SessionRegistry) {
		r.now = now
	}
}

func NewSessionRegistry(broadcaster Broadcaster, opts ...Option) *SessionRegistry {
	r := &SessionRegistry{
		sessions:    make(map[string]*Session),
		connIndex:   make(map[string]membership),
		broadcaster: broadcaster,
		logger:      zap.NewNop(),
		metrics:     noopMetrics{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *SessionRegistry) get(sessionID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sessionID]
}

// getOrCreate returns the session, creating it on first use. The persisted
// sequence is loaded before the registry lock is taken.
func (r *SessionRegistry) getOrCreate(ctx context.Context, sessionID string) *Session {
	if s := r.get(sessionID); s != nil {
		return s
	}

	var sequence uint64
	if r.sequences != nil {
		latest, err := r.sequences.LatestSequence(ctx, sessionID)
		if err != nil {
			r.logger.Warn("could not resume sequence, starting at zero",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
		} else {
			sequence = latest
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[sessionID]; ok {
		return s
	}

	now := r.now()
	s := &Session{
		ID:           sessionID,
		CreatedAt:    now,
		participants: make(map[string]*Participant),
		sequence:     sequence,
		lastActivity: now,
		emptySince:   now,
	}
	r.sessions[sessionID] = s
	r.metrics.SessionCreated()

	r.logger.Info("session created",
		zap.String("session_id", sessionID),
		zap.Uint64("sequence", sequence),
	)
	return s
}

// JoinSession adds the user's connection to the session, creating the session
// if needed. Other participants are told about a new user; joining again with
// the same session, user and connection changes nothing.
func (r *SessionRegistry) JoinSession(ctx context.Context, sessionID, userID, connectionID string) error {
	if sessionID == "" || userID == "" || connectionID == "" {
		return ErrInvalidJoin
	}

	for {
		s := r.getOrCreate(ctx, sessionID)

		s.mu.Lock()
		if s.removed {
			// collected by the cleanup sweep between lookup and lock
			s.mu.Unlock()
			continue
		}

		now := r.now()
		p, known := s.participants[userID]
		if known {
			if _, ok := p.connections[connectionID]; ok {
				s.mu.Unlock()
				return nil
			}
		} else {
			p = &Participant{
				UserID:      userID,
				JoinedAt:    now,
				Cursor:      models.CursorPosition{Line: 0, Column: 0, Timestamp: now},
				connections: make(map[string]struct{}),
			}
			s.participants[userID] = p
		}
		p.connections[connectionID] = struct{}{}
		s.lastActivity = now
		s.emptySince = time.Time{}

		var failed []string
		if !known {
			env := models.NewEnvelope(models.MessageTypeParticipantJoined, map[string]any{
				"user_id": userID,
			}).WithSession(sessionID)
			failed = r.broadcaster.Deliver(s.recipientsExcept(userID), env)
		}
		s.mu.Unlock()

		r.mu.Lock()
		r.connIndex[connectionID] = membership{sessionID: sessionID, userID: userID}
		r.mu.Unlock()

		r.logger.Info("participant joined",
			zap.String("session_id", sessionID),
			zap.String("user_id", userID),
			zap.String("connection_id", connectionID),
			zap.Bool("new_participant", !known),
		)

		r.broadcaster.Evict(failed)
		return nil
	}
}

// LeaveSession removes the user and all of the user's connections from the
// session. The session itself is kept until the cleanup sweep collects it.
func (r *SessionRegistry) LeaveSession(sessionID, userID string) bool {
	s := r.get(sessionID)
	if s == nil {
		return false
	}

	s.mu.Lock()
	conns, failed, ok := r.removeParticipantLocked(s, userID)
	s.mu.Unlock()
	if !ok {
		return false
	}

	r.unindex(sessionID, conns)
	r.broadcaster.Evict(failed)
	return true
}

// HandleDisconnect drops a closed connection. When it was the user's last
// connection in the session the user leaves the session.
func (r *SessionRegistry) HandleDisconnect(connectionID string) {
	r.mu.Lock()
	m, ok := r.connIndex[connectionID]
	delete(r.connIndex, connectionID)
	s := r.sessions[m.sessionID]
	r.mu.Unlock()

	if !ok || s == nil {
		return
	}

	s.mu.Lock()
	p, ok := s.participants[m.userID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(p.connections, connectionID)
	if len(p.connections) > 0 {
		s.mu.Unlock()
		return
	}
	conns, failed, _ := r.removeParticipantLocked(s, m.userID)
	s.mu.Unlock()

	r.unindex(m.sessionID, conns)
	r.broadcaster.Evict(failed)
}

// removeParticipantLocked deletes the participant and tells the others.
// Requires s.mu.
func (r *SessionRegistry) removeParticipantLocked(s *Session, userID string) (conns, failed []string, ok bool) {
	p, ok := s.participants[userID]
	if !ok {
		return nil, nil, false
	}
	delete(s.participants, userID)

	for id := range p.connections {
		conns = append(conns, id)
	}

	now := r.now()
	s.lastActivity = now
	if len(s.participants) == 0 {
		s.emptySince = now
	}

	env := models.NewEnvelope(models.MessageTypeParticipantLeft, map[string]any{
		"user_id": userID,
	}).WithSession(s.ID)
	failed = r.broadcaster.Deliver(s.recipientsExcept(userID), env)

	r.logger.Info("participant left",
		zap.String("session_id", s.ID),
		zap.String("user_id", userID),
		zap.Int("remaining", len(s.participants)),
	)
	return conns, failed, true
}

func (r *SessionRegistry) unindex(sessionID string, connectionIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range connectionIDs {
		if m, ok := r.connIndex[id]; ok && m.sessionID == sessionID {
			delete(r.connIndex, id)
		}
	}
}

// BroadcastChange sequences a change and sends it to every other participant.
// The author's own connections never receive it. Content is not merged.
func (r *SessionRegistry) BroadcastChange(ctx context.Context, sessionID string, change models.TextChange) (models.TextChange, error) {
	change.SessionID = sessionID
	if err := change.Validate(); err != nil {
		return change, err
	}

	s := r.get(sessionID)
	if s == nil {
		return change, ErrSessionNotFound
	}

	s.mu.Lock()
	if _, ok := s.participants[change.UserID]; !ok || s.removed {
		s.mu.Unlock()
		return change, ErrNotParticipant
	}

	s.sequence++
	change.Sequence = s.sequence
	change.Timestamp = r.now().UTC()
	s.lastActivity = change.Timestamp

	env := models.NewEnvelope(models.MessageTypeTextChange, map[string]any{
		"change": change,
	}).WithSession(sessionID)
	failed := r.broadcaster.Deliver(s.recipientsExcept(change.UserID), env)
	s.mu.Unlock()

	r.metrics.ChangeBroadcast()
	r.broadcaster.Evict(failed)

	if r.recorder != nil {
		if err := r.recorder.Record(ctx, change); err != nil {
			r.logger.Warn("change not recorded",
				zap.String("session_id", sessionID),
				zap.Uint64("sequence", change.Sequence),
				zap.Error(err),
			)
		}
	}

	return change, nil
}

// UpdateCursorPosition stores the user's cursor and shows it to the others
func (r *SessionRegistry) UpdateCursorPosition(sessionID, userID string, line, column int) (models.CursorPosition, error) {
	if line < 0 || column < 0 {
		return models.CursorPosition{}, fmt.Errorf("%w: cursor line and column", models.ErrInvalidPosition)
	}

	s := r.get(sessionID)
	if s == nil {
		return models.CursorPosition{}, ErrSessionNotFound
	}

	s.mu.Lock()
	p, ok := s.participants[userID]
	if !ok {
		s.mu.Unlock()
		return models.CursorPosition{}, ErrNotParticipant
	}

	cursor := models.CursorPosition{Line: line, Column: column, Timestamp: r.now().UTC()}
	p.Cursor = cursor
	s.lastActivity = cursor.Timestamp

	env := models.NewEnvelope(models.MessageTypeCursorPosition, map[string]any{
		"user_id": userID,
		"line":    line,
		"column":  column,
	}).WithSession(sessionID)
	failed := r.broadcaster.Deliver(s.recipientsExcept(userID), env)
	s.mu.Unlock()

	r.broadcaster.Evict(failed)
	return cursor, nil
}

// UpdateTextSelection stores the user's selection and shows it to the others
func (r *SessionRegistry) UpdateTextSelection(sessionID, userID string, sel models.TextSelection) (models.TextSelection, error) {
	if sel.StartLine < 0 || sel.StartColumn < 0 || sel.EndLine < 0 || sel.EndColumn < 0 {
		return models.TextSelection{}, fmt.Errorf("%w: selection bounds", models.ErrInvalidPosition)
	}

	s := r.get(sessionID)
	if s == nil {
		return models.TextSelection{}, ErrSessionNotFound
	}

	s.mu.Lock()
	p, ok := s.participants[userID]
	if !ok {
		s.mu.Unlock()
		return models.TextSelection{}, ErrNotParticipant
	}

	sel.Timestamp = r.now().UTC()
	p.Selection = &sel
	s.lastActivity = sel.Timestamp

	env := models.NewEnvelope(models.MessageTypeTextSelection, map[string]any{
		"user_id":      userID,
		"start_line":   sel.StartLine,
		"start_column": sel.StartColumn,
		"end_line":     sel.EndLine,
		"end_column":   sel.EndColumn,
	}).WithSession(sessionID)
	failed := r.broadcaster.Deliver(s.recipientsExcept(userID), env)
	s.mu.Unlock()

	r.broadcaster.Evict(failed)
	return sel, nil
}

// GetCursorPositions returns a copy of every participant's cursor
func (r *SessionRegistry) GetCursorPositions(sessionID string) map[string]models.CursorPosition {
	out := make(map[string]models.CursorPosition)
	s := r.get(sessionID)
	if s == nil {
		return out
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for uid, p := range s.participants {
		out[uid] = p.Cursor
	}
	return out
}

// GetSelections returns a copy of every participant's selection
func (r *SessionRegistry) GetSelections(sessionID string) map[string]models.TextSelection {
	out := make(map[string]models.TextSelection)
	s := r.get(sessionID)
	if s == nil {
		return out
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for uid, p := range s.participants {
		if p.Selection != nil {
			out[uid] = *p.Selection
		}
	}
	return out
}

// Participants returns the session's user ids in sorted order
func (r *SessionRegistry) Participants(sessionID string) []string {
	s := r.get(sessionID)
	if s == nil {
		return []string{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedParticipants(s)
}

func sortedParticipants(s *Session) []string {
	users := make([]string, 0, len(s.participants))
	for uid := range s.participants {
		users = append(users, uid)
	}
	sort.Strings(users)
	return users
}

// State builds the snapshot sent to a joining participant
func (r *SessionRegistry) State(ctx context.Context, sessionID string) (*models.SessionState, error) {
	s := r.get(sessionID)
	if s == nil {
		return nil, ErrSessionNotFound
	}

	state := &models.SessionState{
		SessionID:       sessionID,
		CursorPositions: make(map[string]models.CursorPosition),
		Selections:      make(map[string]models.TextSelection),
	}

	s.mu.Lock()
	state.Participants = sortedParticipants(s)
	state.Sequence = s.sequence
	for uid, p := range s.participants {
		state.CursorPositions[uid] = p.Cursor
		if p.Selection != nil {
			state.Selections[uid] = *p.Selection
		}
	}
	s.mu.Unlock()

	if r.content != nil {
		content, err := r.content.LoadContent(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to load content for session %s: %w", sessionID, err)
		}
		state.Content = content
	}

	return state, nil
}

// CleanupEmptySessions forgets sessions that have had no participants for
// at least ttl. A ttl of zero or less keeps every session.
func (r *SessionRegistry) CleanupEmptySessions(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}

	now := r.now()
	removed := 0

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, s := range r.sessions {
		s.mu.Lock()
		if len(s.participants) == 0 && !s.emptySince.IsZero() && now.Sub(s.emptySince) >= ttl {
			s.removed = true
			delete(r.sessions, id)
			removed++
			r.metrics.SessionRemoved()
		}
		s.mu.Unlock()
	}

	if removed > 0 {
		r.logger.Info("empty sessions collected", zap.Int("count", removed))
	}
	return removed
}

// RunCleanup calls CleanupEmptySessions every interval until ctx is done
func (r *SessionRegistry) RunCleanup(ctx context.Context, interval, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CleanupEmptySessions(ttl)
		}
	}
}

func (r *SessionRegistry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sessions returns the ids of every session held in memory, sorted
func (r *SessionRegistry) Sessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
