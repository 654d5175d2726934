package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/users"
)

func newTestServer(t *testing.T) (*Server, *registry.Registry) {
	t.Helper()
	store := users.NewStore(4)
	require.NoError(t, store.SeedAdmin("admin", "admin123"))
	_, err := store.Register("alice", "pw", "customer")
	require.NoError(t, err)
	reg := registry.New(store, registry.WithLogger(logging.Discard()))
	return NewServer(reg, store, logging.Discard()), reg
}

func TestHealthAndReady(t *testing.T) {
	s, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	s.Ready = func(context.Context) error { return errors.New("postgres down") }
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatsRequiresAdmin(t *testing.T) {
	s, _ := newTestServer(t)

	cases := []struct {
		name       string
		user, pass string
		want       int
	}{
		{"no credentials", "", "", http.StatusUnauthorized},
		{"wrong secret", "admin", "nope", http.StatusUnauthorized},
		{"customer", "alice", "pw", http.StatusForbidden},
		{"admin", "admin", "admin123", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
			if tc.user != "" {
				req.SetBasicAuth(tc.user, tc.pass)
			}
			rec := httptest.NewRecorder()
			s.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestStatsBody(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	req.SetBasicAuth("admin", "admin123")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var st models.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 2, st.Users)
	assert.Equal(t, 1, st.Customers)
	assert.Equal(t, 1, st.Admins)
}

type nopPeer struct{}

func (nopPeer) Send(string) error { return nil }

func TestRideLookup(t *testing.T) {
	s, reg := newTestServer(t)
	_, err := reg.Login("alice", "pw", nopPeer{})
	require.NoError(t, err)
	rd, _, err := reg.RequestRide("alice", "A", "B")
	require.NoError(t, err)

	get := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.SetBasicAuth("admin", "admin123")
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)
		return rec
	}

	rec := get("/api/v1/rides/1")
	require.Equal(t, http.StatusOK, rec.Code)
	var got models.Ride
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, rd.ID, got.ID)
	assert.Equal(t, models.StatusRequested, got.Status)

	assert.Equal(t, http.StatusNotFound, get("/api/v1/rides/99").Code)
}

func TestWebsocketSession(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	say := func(line string) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(line)))
	}
	hear := func() string {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		return string(msg)
	}

	say("VIEW")
	assert.Equal(t, "ERROR:AUTHENTICATION:please LOGIN or REGISTER first", hear())
	say("LOGIN:alice:pw")
	assert.Equal(t, "LOGGEDIN:alice:customer", hear())
	say("DISCONNECT")
	assert.Equal(t, "DISCONNECTING", hear())
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestAccessLogNamesAdminAndSession(t *testing.T) {
	store := users.NewStore(4)
	require.NoError(t, store.SeedAdmin("admin", "admin123"))
	_, err := store.Register("alice", "pw", "customer")
	require.NoError(t, err)
	logs := &lockedBuffer{}
	s := NewServer(registry.New(store), store, logging.NewLoggerTo(logs, "debug"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	req.Header.Set("X-Request-ID", "req-42")
	req.SetBasicAuth("admin", "admin123")
	s.ServeHTTP(httptest.NewRecorder(), req)
	assert.Contains(t, logs.String(), `"admin":"admin"`)
	assert.Contains(t, logs.String(), `"request_id":"req-42"`)

	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("LOGIN:alice:pw")))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "websocket session finished")
	}, 2*time.Second, 10*time.Millisecond)

	var sessionID string
	for _, line := range strings.Split(logs.String(), "\n") {
		if !strings.Contains(line, "websocket session finished") {
			continue
		}
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		sessionID, _ = rec["session_id"].(string)
	}
	require.NotEmpty(t, sessionID)
	assert.Contains(t, logs.String(), `"session_id":"`+sessionID+`"`)
	assert.Contains(t, logs.String(), `"msg":"user logged in"`)
}
