package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EthanQC/fieldsync/pkg/protocol"
	"github.com/EthanQC/fieldsync/services/site_hub/internal/domain/entity"
	"github.com/EthanQC/fieldsync/services/site_hub/pkg/jwt"
)

type fakePresence struct {
	mu     sync.Mutex
	active map[string][]entity.ActiveUser
	asked  []string
}

func (f *fakePresence) UpdateLocation(context.Context, entity.Principal, protocol.LocationUpdateRequest) error {
	return nil
}

func (f *fakePresence) ActiveUsers(_ context.Context, projectID string) ([]entity.ActiveUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asked = append(f.asked, projectID)
	return f.active[projectID], nil
}

func (f *fakePresence) Leave(context.Context, string, string) error { return nil }

type testEnv struct {
	hub    *Hub
	tokens *jwt.Manager
	srv    *httptest.Server
	reg    *prometheus.Registry
}

func newEnv(t *testing.T, presence *fakePresence) *testEnv {
	t.Helper()
	tokens := jwt.NewManager("secret", "site-hub")
	reg := prometheus.NewRegistry()
	hub := NewHub(tokens, reg)
	if presence != nil {
		hub.SetPresence(presence)
	}
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &testEnv{hub: hub, tokens: tokens, srv: srv, reg: reg}
}

func (e *testEnv) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	tok, err := e.tokens.Generate(userID, "name-"+userID, protocol.RoleLabour, time.Hour)
	require.NoError(t, err)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+tok)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(e.srv.URL, "http"), header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func recv(t *testing.T, conn *websocket.Conn) any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	return msg
}

func waitSubscribed(t *testing.T, h *Hub, userID string, want ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		got := h.Subscriptions(userID)
		if len(got) != len(want) {
			return false
		}
		for _, w := range want {
			if !contains(got, w) {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
}

func threadMembers(h *Hub, threadID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.threads[threadID])
}

func gaugeValue(t *testing.T, reg *prometheus.Registry) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == "fieldsync_hub_connections" {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatal("gauge not registered")
	return 0
}

func TestRejectsMissingOrBadToken(t *testing.T) {
	env := newEnv(t, nil)
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+"?token=garbage", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestQueryTokenAccepted(t *testing.T) {
	env := newEnv(t, nil)
	tok, err := env.tokens.Generate("u1", "", protocol.RoleForeman, time.Hour)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(env.srv.URL, "http")+"?token="+tok, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return env.hub.Stats()["connections"] == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, gaugeValue(t, env.reg))
}

func TestSubscribeSendsActiveUsers(t *testing.T) {
	presence := &fakePresence{active: map[string][]entity.ActiveUser{
		"p1": {{UserID: "a", Role: protocol.RoleManager, Coordinates: protocol.Coordinates{Lat: 1, Lng: 2}, LastUpdated: time.Now().UTC()}},
	}}
	env := newEnv(t, presence)
	conn := env.dial(t, "u1")

	send(t, conn, `{"type":"subscribe","userId":"u1","projectIds":["p1","p2"]}`)

	got := map[string]int{}
	for i := 0; i < 2; i++ {
		m, ok := recv(t, conn).(protocol.Users)
		require.True(t, ok)
		assert.Equal(t, protocol.TypeActiveUsers, m.Type)
		got[m.ProjectID] = len(m.Users)
	}
	assert.Equal(t, map[string]int{"p1": 1, "p2": 0}, got)
	assert.ElementsMatch(t, []string{"p1", "p2"}, env.hub.Subscriptions("u1"))
}

func TestSingleSubscriptionReplacesPrevious(t *testing.T) {
	env := newEnv(t, nil)
	conn := env.dial(t, "u1")

	send(t, conn, `{"type":"subscribe","userId":"u1","projectIds":["base"]}`)
	send(t, conn, `{"type":"subscribe","projectId":"a"}`)
	waitSubscribed(t, env.hub, "u1", "base", "a")

	send(t, conn, `{"type":"subscribe","projectId":"b"}`)
	waitSubscribed(t, env.hub, "u1", "base", "b")

	env.hub.ToProject("a", protocol.UserLeft{UserID: "x", ProjectID: "a"})
	env.hub.ToProject("b", protocol.UserLeft{UserID: "y", ProjectID: "b"})

	m, ok := recv(t, conn).(protocol.UserLeft)
	require.True(t, ok)
	assert.Equal(t, "y", m.UserID)
}

func TestTypingRelayedToOtherThreadMembers(t *testing.T) {
	env := newEnv(t, nil)
	alice := env.dial(t, "alice")
	bob := env.dial(t, "bob")

	send(t, alice, `{"type":"join-thread","threadId":"t1"}`)
	send(t, bob, `{"type":"join-thread","threadId":"t1"}`)
	require.Eventually(t, func() bool { return threadMembers(env.hub, "t1") == 2 }, 2*time.Second, 5*time.Millisecond)

	send(t, alice, `{"type":"message:typing","threadId":"t1","userId":"spoofed"}`)

	m, ok := recv(t, bob).(protocol.Typing)
	require.True(t, ok)
	assert.Equal(t, "t1", m.ThreadID)
	assert.Equal(t, "alice", m.UserID)
	assert.Equal(t, "name-alice", m.UserName)

	env.hub.ToThread("t1", protocol.ThreadMessage{ThreadID: "t1", Message: []byte(`{"text":"hi"}`)}, "")
	tm, ok := recv(t, alice).(protocol.ThreadMessage)
	require.True(t, ok)
	assert.JSONEq(t, `{"text":"hi"}`, string(tm.Message))
}

func TestTypingWithoutJoinIsRejected(t *testing.T) {
	env := newEnv(t, nil)
	conn := env.dial(t, "u1")

	send(t, conn, `{"type":"message:typing","threadId":"t9"}`)
	m, ok := recv(t, conn).(protocol.ErrorMessage)
	require.True(t, ok)
	assert.Contains(t, m.Error, "join")
}

func TestMalformedFramesKeepConnection(t *testing.T) {
	env := newEnv(t, nil)
	conn := env.dial(t, "u1")

	send(t, conn, `{not json`)
	_, ok := recv(t, conn).(protocol.ErrorMessage)
	require.True(t, ok)

	send(t, conn, `{"type":"weather"}`)
	_, ok = recv(t, conn).(protocol.ErrorMessage)
	require.True(t, ok)

	send(t, conn, `{"type":"location_update","users":[]}`)
	_, ok = recv(t, conn).(protocol.ErrorMessage)
	require.True(t, ok)

	send(t, conn, `{"type":"subscribe","projectId":"p1"}`)
	waitSubscribed(t, env.hub, "u1", "p1")
}

func TestDisconnectCleansIndexes(t *testing.T) {
	env := newEnv(t, nil)
	conn := env.dial(t, "u1")

	send(t, conn, `{"type":"subscribe","projectId":"p1"}`)
	send(t, conn, `{"type":"join-thread","threadId":"t1"}`)
	require.Eventually(t, func() bool { return env.hub.Stats()["threads"] == 1 }, 2*time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool {
		s := env.hub.Stats()
		return s["connections"] == 0 && s["projects"] == 0 && s["threads"] == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, env.hub.Subscriptions("u1"))
	assert.Equal(t, 0.0, gaugeValue(t, env.reg))
}
