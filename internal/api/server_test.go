package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"realtime-collab/internal/auth"
	"realtime-collab/internal/db"
	"realtime-collab/internal/metrics"
	"realtime-collab/internal/repository"
	"realtime-collab/internal/services"
	"realtime-collab/internal/services/collaboration"
	"realtime-collab/internal/services/realtime"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
)

type testServer struct {
	t        *testing.T
	srv      *httptest.Server
	verifier *auth.JWTVerifier
	wsURL    string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := zap.NewNop()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	gdb, err := db.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)))
	require.NoError(t, err)

	changes := repository.NewChangeRepository(gdb.DB)
	snapshots := repository.NewSnapshotRepository(gdb.DB)
	recorder := services.NewChangeRecorder(changes, 2, 64, log)
	recorder.Start()

	reg := prometheus.NewRegistry()
	collectors := metrics.New(metrics.WithRegistry(reg))

	verifier := auth.NewJWTVerifier("test-secret", "")
	conns := realtime.NewRegistry(verifier, realtime.WithMetrics(collectors))
	sessions := collaboration.NewSessionRegistry(conns,
		collaboration.WithRecorder(recorder),
		collaboration.WithSequenceSource(changes),
		collaboration.WithContentStore(snapshots),
		collaboration.WithMetrics(collectors),
	)
	conns.OnDisconnect(func(c *realtime.Connection) {
		sessions.HandleDisconnect(c.ID)
	})

	dispatcher := realtime.NewDispatcher(conns, collaboration.NewHandler(sessions, log),
		realtime.WithHeartbeatInterval(time.Hour),
	)
	upgrader := realtime.NewUpgrader(nil)

	router := SetupRoutes(Routes{
		API:           NewHandler(conns, sessions, changes, snapshots, recorder, log),
		Realtime:      realtime.NewWebSocketHandler(conns, dispatcher, upgrader, 64*1024, log),
		Collaboration: collaboration.NewWebSocketHandler(conns, dispatcher, sessions, upgrader, 64*1024, log).HandleSessionConnection,
		Metrics:       promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}, log, []string{"*"})

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		conns.CloseAll()
		srv.Close()
		_ = recorder.Shutdown(context.Background())
		_ = gdb.Close()
	})

	return &testServer{
		t:        t,
		srv:      srv,
		verifier: verifier,
		wsURL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (s *testServer) token(user string) string {
	s.t.Helper()
	tok, err := s.verifier.SignToken(user, time.Minute)
	require.NoError(s.t, err)
	return tok
}

func (s *testServer) dial(path string, header http.Header) *websocket.Conn {
	s.t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(s.wsURL+path, header)
	require.NoError(s.t, err)
	s.t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// joinSession connects user to the session and consumes the greeting frames
func (s *testServer) joinSession(sessionID, user string) (*websocket.Conn, map[string]any) {
	s.t.Helper()
	ws := s.dial("/ws/collab/"+sessionID+"?token="+s.token(user), nil)
	readUntil(s.t, ws, "connection_established")
	state, _ := readUntil(s.t, ws, "session_state")
	return ws, state
}

func (s *testServer) do(method, path string, body any) (*http.Response, map[string]any) {
	s.t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(s.t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, r)
	require.NoError(s.t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(s.t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

// readUntil reads frames until one of msgType arrives and returns it with
// every frame skipped on the way
func readUntil(t *testing.T, ws *websocket.Conn, msgType string) (map[string]any, []map[string]any) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))

	var skipped []map[string]any
	for {
		var msg map[string]any
		require.NoError(t, ws.ReadJSON(&msg), "waiting for %s", msgType)
		if msg["type"] == msgType {
			return msg, skipped
		}
		skipped = append(skipped, msg)
	}
}

func TestCollaborationRejectsInvalidCredential(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/ws/collab/doc-1?token=forged", "/ws/collab/doc-1"} {
		ws := s.dial(path, nil)
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))

		_, _, err := ws.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, realtime.CloseUnauthorized), "%s: expected close 4001, got %v", path, err)
	}

	_, body := s.do(http.MethodGet, "/api/presence", nil)
	assert.Equal(t, float64(0), body["connections"])
}

func TestCollaborationAcceptsBearerHeader(t *testing.T) {
	s := newTestServer(t)

	header := http.Header{"Authorization": {"Bearer " + s.token("alice")}}
	ws := s.dial("/ws/collab/doc-1", header)

	established, _ := readUntil(t, ws, "connection_established")
	assert.Equal(t, "alice", established["user_id"])
	state, _ := readUntil(t, ws, "session_state")
	assert.Equal(t, []any{"alice"}, state["participants"])
}

func TestGenericChannelPingAndUnknownType(t *testing.T) {
	s := newTestServer(t)
	ws := s.dial("/ws", nil)
	readUntil(t, ws, "connection_established")

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "ping"}))
	pong, _ := readUntil(t, ws, "pong")
	assert.NotEmpty(t, pong["timestamp"])

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "bogus"}))
	errMsg, _ := readUntil(t, ws, "error")
	assert.Equal(t, "unknown message type: bogus", errMsg["message"])

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	errMsg, _ = readUntil(t, ws, "error")
	assert.Equal(t, "invalid message format", errMsg["message"])

	// still usable afterwards
	require.NoError(t, ws.WriteJSON(map[string]any{"type": "ping"}))
	readUntil(t, ws, "pong")
}

func TestTwoClientTextChangeWithoutEcho(t *testing.T) {
	s := newTestServer(t)

	alice, _ := s.joinSession("doc-1", "alice")
	bob, state := s.joinSession("doc-1", "bob")
	assert.Equal(t, []any{"alice", "bob"}, state["participants"])

	joined, _ := readUntil(t, alice, "participant_joined")
	assert.Equal(t, "bob", joined["user_id"])

	require.NoError(t, alice.WriteJSON(map[string]any{
		"type": "text_change",
		"change": map[string]any{
			"change_type": "insert",
			"position":    0,
			"text":        "hello",
		},
	}))

	got, _ := readUntil(t, bob, "text_change")
	change := got["change"].(map[string]any)
	assert.Equal(t, "hello", change["text"])
	assert.Equal(t, "alice", change["user_id"])
	assert.Equal(t, float64(1), change["sequence"])
	assert.Equal(t, "doc-1", got["session_id"])

	require.NoError(t, alice.WriteJSON(map[string]any{"type": "ping"}))
	_, skipped := readUntil(t, alice, "pong")
	for _, msg := range skipped {
		assert.NotEqual(t, "text_change", msg["type"], "author received its own change")
	}

	// cursor moves are visible to the peer
	require.NoError(t, bob.WriteJSON(map[string]any{"type": "cursor_position", "line": 2, "column": 5}))
	cursor, _ := readUntil(t, alice, "cursor_position")
	assert.Equal(t, "bob", cursor["user_id"])
	assert.Equal(t, float64(2), cursor["line"])

	// the recorder persists the change asynchronously
	require.Eventually(t, func() bool {
		_, body := s.do(http.MethodGet, "/api/sessions/doc-1/changes", nil)
		changes, _ := body["changes"].([]any)
		return len(changes) == 1
	}, 2*time.Second, 20*time.Millisecond)

	// closing bob's socket removes him from the session
	require.NoError(t, bob.Close())
	left, _ := readUntil(t, alice, "participant_left")
	assert.Equal(t, "bob", left["user_id"])

	_, session := s.do(http.MethodGet, "/api/sessions/doc-1", nil)
	assert.Equal(t, []any{"alice"}, session["participants"])
}

func TestSessionStateCarriesStoredContent(t *testing.T) {
	s := newTestServer(t)

	resp, snapshot := s.do(http.MethodPut, "/api/sessions/doc-2/content", map[string]any{"content": "package main\n"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "doc-2", snapshot["session_id"])

	_, state := s.joinSession("doc-2", "carol")
	assert.Equal(t, "package main\n", state["content"])
	assert.Equal(t, float64(0), state["sequence"])

	resp, _ = s.do(http.MethodGet, "/api/sessions/doc-unknown", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNotifyUserAndProject(t *testing.T) {
	s := newTestServer(t)

	alice := s.dial("/ws?token="+s.token("alice"), nil)
	readUntil(t, alice, "connection_established")
	anon := s.dial("/ws", nil)
	readUntil(t, anon, "connection_established")

	resp, body := s.do(http.MethodPost, "/api/users/alice/notify", map[string]any{"title": "scan finished"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, float64(1), body["delivered"])

	note, _ := readUntil(t, alice, "notification")
	assert.Equal(t, "scan finished", note["title"])

	resp, body = s.do(http.MethodPost, "/api/projects/proj-1/notify", map[string]any{"title": "budget alert"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, float64(1), body["delivered"], "anonymous connections belong to no project")

	resp, _ = s.do(http.MethodPost, "/api/users/alice/notify", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, presence := s.do(http.MethodGet, "/api/presence", nil)
	assert.Equal(t, []any{"alice"}, presence["online_users"])
	assert.Equal(t, float64(2), presence["connections"])
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)
	ws := s.dial("/ws", nil)
	readUntil(t, ws, "connection_established")

	resp, body := s.do(http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["connections"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	metricsResp, err := http.Get(s.srv.URL + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	raw, err := io.ReadAll(metricsResp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "collab_active_connections 1")
}

func TestListChangesValidation(t *testing.T) {
	s := newTestServer(t)

	resp, _ := s.do(http.MethodGet, "/api/sessions/doc-1/changes?after=-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(http.MethodGet, "/api/sessions/doc-1/changes?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := s.do(http.MethodDelete, "/api/sessions/doc-1/changes?keep=10", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["deleted"])
}

func TestPruneChangesKeepsNewest(t *testing.T) {
	s := newTestServer(t)
	alice, _ := s.joinSession("doc-1", "alice")

	for i, text := range []string{"a", "b", "c"} {
		require.NoError(t, alice.WriteJSON(map[string]any{
			"type":   "text_change",
			"change": map[string]any{"change_type": "insert", "position": i, "text": text},
		}))
	}

	countChanges := func() int {
		_, body := s.do(http.MethodGet, "/api/sessions/doc-1/changes", nil)
		changes, _ := body["changes"].([]any)
		return len(changes)
	}
	require.Eventually(t, func() bool { return countChanges() == 3 }, 2*time.Second, 20*time.Millisecond)

	// a keep count beyond the int range keeps the whole log
	resp, body := s.do(http.MethodDelete, "/api/sessions/doc-1/changes?keep=18446744073709551615", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["deleted"])
	assert.Equal(t, 3, countChanges())

	resp, body = s.do(http.MethodDelete, "/api/sessions/doc-1/changes?keep=1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["deleted"])

	_, listed := s.do(http.MethodGet, "/api/sessions/doc-1/changes", nil)
	changes := listed["changes"].([]any)
	require.Len(t, changes, 1)
	assert.Equal(t, float64(3), changes[0].(map[string]any)["sequence"])
}
