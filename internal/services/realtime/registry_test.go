package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"realtime-collab/internal/models"
	"realtime-collab/internal/services/realtime/realtimetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubVerifier map[string]string

func (s stubVerifier) VerifyToken(_ context.Context, token string) (string, error) {
	if user, ok := s[token]; ok {
		return user, nil
	}
	return "", errors.New("unknown token")
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(opts ...RegistryOption) *Registry {
	return NewRegistry(stubVerifier{"tok-alice": "alice", "tok-bob": "bob"}, opts...)
}

func connect(t *testing.T, r *Registry, token string, opts ...ConnectOption) (*Connection, *realtimetest.Transport) {
	t.Helper()
	tr := realtimetest.NewTransport()
	conn, err := r.Connect(context.Background(), tr, token, opts...)
	require.NoError(t, err)
	return conn, tr
}

// assertConsistent checks that presence and the connection map agree
func assertConsistent(t *testing.T, r *Registry) {
	t.Helper()
	r.mu.RLock()
	defer r.mu.RUnlock()

	for userID, ids := range r.presence {
		assert.NotEmpty(t, ids, "presence entry for %s should be removed once empty", userID)
		for id := range ids {
			conn, ok := r.connections[id]
			if assert.True(t, ok, "presence lists unknown connection %s", id) {
				assert.Equal(t, userID, conn.UserID())
			}
		}
	}
	for id, conn := range r.connections {
		if user := conn.UserID(); user != "" {
			_, ok := r.presence[user][id]
			assert.True(t, ok, "connection %s missing from presence of %s", id, user)
		}
	}
}

func TestConnectAnonymous(t *testing.T) {
	r := newTestRegistry()
	conn, tr := connect(t, r, "")

	assert.True(t, r.IsRegistered(conn.ID))
	assert.Equal(t, StateOpen, conn.State())
	assert.Empty(t, conn.UserID())
	assert.Empty(t, r.OnlineUsers())

	msgs := tr.MessagesOfType(string(models.MessageTypeConnectionEstablished))
	require.Len(t, msgs, 1)
	assert.Equal(t, conn.ID, msgs[0]["connection_id"])
	assert.NotEmpty(t, msgs[0]["timestamp"])
}

func TestConnectUsesIDGenerator(t *testing.T) {
	var n int
	r := newTestRegistry(WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("conn-%d", n)
	}))

	first, _ := connect(t, r, "")
	second, tr := connect(t, r, "tok-bob")

	assert.Equal(t, "conn-1", first.ID)
	assert.Equal(t, "conn-2", second.ID)
	msgs := tr.MessagesOfType(string(models.MessageTypeConnectionEstablished))
	require.Len(t, msgs, 1)
	assert.Equal(t, "conn-2", msgs[0]["connection_id"])
	assert.Equal(t, "bob", msgs[0]["user_id"])
}

func TestConnectAuthenticated(t *testing.T) {
	r := newTestRegistry()
	conn, _ := connect(t, r, "tok-alice")

	assert.Equal(t, "alice", conn.UserID())
	assert.Equal(t, []string{conn.ID}, r.UserConnections("alice"))
	assert.Equal(t, []string{"alice"}, r.OnlineUsers())
	assertConsistent(t, r)
}

func TestConnectInvalidTokenStaysAnonymous(t *testing.T) {
	r := newTestRegistry()
	conn, tr := connect(t, r, "forged")

	assert.Empty(t, conn.UserID())
	assert.True(t, r.IsRegistered(conn.ID))
	assert.False(t, tr.Closed())
}

type authCounter struct {
	NoopMetrics
	mu       sync.Mutex
	failures int
}

func (c *authCounter) AuthFailed() {
	c.mu.Lock()
	c.failures++
	c.mu.Unlock()
}

func (c *authCounter) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

func TestConnectCountsRejectedTokens(t *testing.T) {
	counter := &authCounter{}
	r := newTestRegistry(WithMetrics(counter))

	connect(t, r, "forged")
	assert.Equal(t, 1, counter.Failures(), "anonymous fallback still counts the failure")

	connect(t, r, "tok-alice")
	assert.Equal(t, 1, counter.Failures())

	_, err := r.Connect(context.Background(), realtimetest.NewTransport(), "forged", RequireIdentity())
	require.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.Equal(t, 2, counter.Failures())
}

func TestConnectGreetingFailureLeavesNoTrace(t *testing.T) {
	r := newTestRegistry()
	var hookCalls int
	r.OnDisconnect(func(*Connection) { hookCalls++ })

	tr := realtimetest.NewTransport()
	tr.FailWrites(true)

	conn, err := r.Connect(context.Background(), tr, "tok-alice")
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.Nil(t, conn)
	assert.Zero(t, r.Count())
	assert.Empty(t, r.OnlineUsers())
	assert.True(t, tr.Closed())
	assert.Zero(t, hookCalls)
}

func TestConnectGreetingPrecedesBroadcasts(t *testing.T) {
	r := newTestRegistry()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				r.Broadcast(models.NewEnvelope(models.MessageTypeChat, map[string]any{"message": "noise"}), "")
			}
		}
	}()

	transports := make([]*realtimetest.Transport, 0, 50)
	for i := 0; i < 50; i++ {
		_, tr := connect(t, r, "")
		transports = append(transports, tr)
	}
	close(stop)
	wg.Wait()

	for _, tr := range transports {
		msgs := tr.Messages()
		require.NotEmpty(t, msgs)
		assert.Equal(t, string(models.MessageTypeConnectionEstablished), msgs[0]["type"])
	}
}

func TestConnectRequireIdentityRejects(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{name: "invalid token", token: "forged"},
		{name: "missing token", token: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry()
			tr := realtimetest.NewTransport()

			conn, err := r.Connect(context.Background(), tr, tt.token, RequireIdentity())
			assert.ErrorIs(t, err, ErrAuthenticationFailed)
			assert.Nil(t, conn)
			assert.True(t, tr.Closed())
			assert.Equal(t, CloseUnauthorized, tr.CloseCode())
			assert.Zero(t, r.Count())
			assert.Empty(t, tr.Messages(), "rejected connections receive no envelopes")
		})
	}
}

func TestConnectBindsSession(t *testing.T) {
	r := newTestRegistry()
	conn, _ := connect(t, r, "tok-bob", RequireIdentity(), BindSession("doc-1"))

	assert.Equal(t, "bob", conn.UserID())
	assert.Equal(t, "doc-1", conn.SessionID())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	r := newTestRegistry()
	conn, tr := connect(t, r, "tok-alice")

	var hookCalls int
	r.OnDisconnect(func(c *Connection) {
		hookCalls++
		assert.Equal(t, conn.ID, c.ID)
	})

	assert.True(t, r.Disconnect(conn.ID))
	assert.False(t, r.Disconnect(conn.ID))
	assert.False(t, r.Disconnect("never-existed"))

	assert.Equal(t, 1, hookCalls)
	assert.Equal(t, CloseNormal, tr.CloseCode())
	assert.Equal(t, StateClosed, conn.State())
	assert.False(t, r.IsRegistered(conn.ID))
	assert.Empty(t, r.OnlineUsers())
	assertConsistent(t, r)
}

func TestAuthenticateMovesPresence(t *testing.T) {
	r := newTestRegistry()
	conn, _ := connect(t, r, "")

	user, err := r.Authenticate(context.Background(), conn.ID, "tok-bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", user)
	assert.Equal(t, []string{conn.ID}, r.UserConnections("bob"))

	_, err = r.Authenticate(context.Background(), conn.ID, "tok-alice")
	require.NoError(t, err)
	assert.Empty(t, r.UserConnections("bob"))
	assert.Equal(t, []string{"alice"}, r.OnlineUsers())
	assertConsistent(t, r)

	_, err = r.Authenticate(context.Background(), conn.ID, "forged")
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.Equal(t, "alice", conn.UserID(), "failed authentication keeps the previous identity")

	_, err = r.Authenticate(context.Background(), "missing", "tok-bob")
	assert.ErrorIs(t, err, ErrConnectionNotFound)
}

func TestAuthenticateKeepsBoundIdentity(t *testing.T) {
	r := newTestRegistry()
	conn, _ := connect(t, r, "tok-alice", RequireIdentity(), BindSession("doc-1"))

	_, err := r.Authenticate(context.Background(), conn.ID, "tok-bob")
	assert.ErrorIs(t, err, ErrIdentityBound)
	assert.Equal(t, "alice", conn.UserID())
	assert.Equal(t, []string{"alice"}, r.OnlineUsers())

	user, err := r.Authenticate(context.Background(), conn.ID, "tok-alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
	assertConsistent(t, r)
}

func TestSendPersonalMessage(t *testing.T) {
	r := newTestRegistry()
	conn, tr := connect(t, r, "tok-alice")
	tr.Reset()

	err := r.SendPersonalMessage(conn.ID, models.NewEnvelope(models.MessageTypeNotification, map[string]any{"title": "hi"}))
	require.NoError(t, err)
	msgs := tr.MessagesOfType("notification")
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0]["title"])

	assert.ErrorIs(t, r.SendPersonalMessage("missing", models.NewEnvelope(models.MessageTypePong, nil)), ErrConnectionNotFound)
}

func TestSendPersonalMessageFailureDisconnects(t *testing.T) {
	r := newTestRegistry()
	conn, tr := connect(t, r, "tok-alice")
	tr.FailWrites(true)

	err := r.SendPersonalMessage(conn.ID, models.NewEnvelope(models.MessageTypePong, nil))
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.False(t, r.IsRegistered(conn.ID))
	assert.Empty(t, r.UserConnections("alice"))
}

func TestBroadcastExcludesAndEvicts(t *testing.T) {
	r := newTestRegistry()
	sender, senderTr := connect(t, r, "tok-alice")
	_, okTr := connect(t, r, "tok-bob")
	broken, brokenTr := connect(t, r, "")
	senderTr.Reset()
	okTr.Reset()
	brokenTr.FailWrites(true)

	delivered := r.Broadcast(models.NewEnvelope(models.MessageTypeChat, map[string]any{"message": "hello"}), sender.ID)

	assert.Equal(t, 1, delivered)
	assert.Empty(t, senderTr.Messages())
	assert.Len(t, okTr.MessagesOfType("chat"), 1)
	assert.False(t, r.IsRegistered(broken.ID))
	assert.True(t, r.IsRegistered(sender.ID))
	assert.Equal(t, 2, r.Count())
}

func TestDeliverDoesNotEvict(t *testing.T) {
	r := newTestRegistry()
	conn, tr := connect(t, r, "")
	tr.FailWrites(true)

	failed := r.Deliver([]string{conn.ID, "missing"}, models.NewEnvelope(models.MessageTypeHeartbeat, nil))
	assert.Equal(t, []string{conn.ID}, failed)
	assert.True(t, r.IsRegistered(conn.ID))

	r.Evict(failed)
	assert.False(t, r.IsRegistered(conn.ID))
}

func TestSendToUser(t *testing.T) {
	r := newTestRegistry()
	_, tab1 := connect(t, r, "tok-alice")
	_, tab2 := connect(t, r, "tok-alice")
	_, other := connect(t, r, "tok-bob")

	n := r.SendToUser("alice", models.NewEnvelope(models.MessageTypeNotification, nil))
	assert.Equal(t, 2, n)
	assert.Len(t, tab1.MessagesOfType("notification"), 1)
	assert.Len(t, tab2.MessagesOfType("notification"), 1)
	assert.Empty(t, other.MessagesOfType("notification"))

	assert.Zero(t, r.SendToUser("nobody", models.NewEnvelope(models.MessageTypeNotification, nil)))
}

type staticMembership map[string][]string

func (m staticMembership) UsersInProject(_ context.Context, projectID string) ([]string, error) {
	users, ok := m[projectID]
	if !ok {
		return nil, fmt.Errorf("project %s not found", projectID)
	}
	return users, nil
}

func TestSendToProject(t *testing.T) {
	t.Run("default membership reaches every authenticated user", func(t *testing.T) {
		r := newTestRegistry()
		_, alice := connect(t, r, "tok-alice")
		_, bob := connect(t, r, "tok-bob")
		_, anon := connect(t, r, "")

		n, err := r.SendToProject(context.Background(), "proj-1", models.NewEnvelope(models.MessageTypeNotification, nil))
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Len(t, alice.MessagesOfType("notification"), 1)
		assert.Len(t, bob.MessagesOfType("notification"), 1)
		assert.Empty(t, anon.MessagesOfType("notification"))
	})

	t.Run("custom membership", func(t *testing.T) {
		r := newTestRegistry(WithMembership(staticMembership{"proj-1": {"bob"}}))
		_, alice := connect(t, r, "tok-alice")
		_, bob := connect(t, r, "tok-bob")

		n, err := r.SendToProject(context.Background(), "proj-1", models.NewEnvelope(models.MessageTypeNotification, nil))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Empty(t, alice.MessagesOfType("notification"))
		assert.Len(t, bob.MessagesOfType("notification"), 1)

		_, err = r.SendToProject(context.Background(), "proj-2", models.NewEnvelope(models.MessageTypeNotification, nil))
		assert.Error(t, err)
	})
}

func TestCleanupInactiveRemovesExactlyStaleConnections(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(WithClock(clock.Now))

	stale, staleTr := connect(t, r, "tok-alice")
	clock.Advance(2 * time.Minute)
	fresh, _ := connect(t, r, "tok-bob")
	touched, _ := connect(t, r, "")

	clock.Advance(3 * time.Minute)
	r.Touch(touched.ID)
	clock.Advance(time.Second)

	// stale: idle 5m1s, fresh: idle 3m1s, touched: idle 1s
	removed := r.CleanupInactive(3*time.Minute + time.Second)

	assert.Equal(t, 1, removed, "a connection idle for exactly the threshold is kept")
	assert.False(t, r.IsRegistered(stale.ID))
	assert.True(t, r.IsRegistered(fresh.ID))
	assert.True(t, r.IsRegistered(touched.ID))
	assert.Equal(t, CloseNormal, staleTr.CloseCode())
	assertConsistent(t, r)
}

func TestRunIdleSweepStopsWithContext(t *testing.T) {
	r := newTestRegistry()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		r.RunIdleSweep(ctx, time.Millisecond, time.Hour)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("idle sweep did not stop")
	}
}

func TestCloseAll(t *testing.T) {
	r := newTestRegistry()
	_, a := connect(t, r, "tok-alice")
	_, b := connect(t, r, "")

	assert.Equal(t, 2, r.CloseAll())
	assert.Zero(t, r.Count())
	assert.Equal(t, CloseNormal, a.CloseCode())
	assert.Equal(t, CloseNormal, b.CloseCode())
}

func TestRegistryConcurrentConsistency(t *testing.T) {
	r := newTestRegistry()
	tokens := []string{"tok-alice", "tok-bob", ""}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := r.Connect(context.Background(), realtimetest.NewTransport(), tokens[i%len(tokens)])
			if err != nil {
				return
			}
			r.Broadcast(models.NewEnvelope(models.MessageTypeChat, nil), conn.ID)
			if i%2 == 0 {
				r.Disconnect(conn.ID)
				r.Disconnect(conn.ID)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 25, r.Count())
	assertConsistent(t, r)
}
