package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-bot/parley/pkg/agent"
)

func setupTestGateway(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := NewServer(Config{Host: "127.0.0.1", Port: 18080, AuthToken: "secret"}, zerolog.Nop())
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func dialTestGateway(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) EventMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg EventMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func waitForClients(t *testing.T, srv *Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return srv.clients.Count() == n
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNewServer(t *testing.T) {
	t.Run("should require a valid port", func(t *testing.T) {
		_, err := NewServer(Config{AuthToken: "secret"}, zerolog.Nop())
		assert.ErrorContains(t, err, "invalid port")
	})

	t.Run("should require an auth token", func(t *testing.T) {
		_, err := NewServer(Config{Port: 8080}, zerolog.Nop())
		assert.ErrorContains(t, err, "auth token is required")
	})
}

func TestWebSocketAuth(t *testing.T) {
	t.Run("should reject missing token", func(t *testing.T) {
		_, ts := setupTestGateway(t)
		_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("should reject wrong token", func(t *testing.T) {
		_, ts := setupTestGateway(t)
		_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"?token=wrong", nil)
		require.Error(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("should accept token as query parameter", func(t *testing.T) {
		srv, ts := setupTestGateway(t)
		dialTestGateway(t, ts, "?token=secret")
		waitForClients(t, srv, 1)
	})

	t.Run("should accept bearer header", func(t *testing.T) {
		srv, ts := setupTestGateway(t)
		header := http.Header{"Authorization": []string{"Bearer secret"}}
		conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), header)
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		waitForClients(t, srv, 1)
	})
}

func TestBroadcast(t *testing.T) {
	t.Run("should fan out events with monotonic sequence numbers", func(t *testing.T) {
		srv, ts := setupTestGateway(t)
		c1 := dialTestGateway(t, ts, "?token=secret")
		c2 := dialTestGateway(t, ts, "?token=secret")
		waitForClients(t, srv, 2)

		srv.Broadcaster().Broadcast("task.completed", map[string]interface{}{"id": 1})
		srv.Broadcaster().Broadcast("task.completed", map[string]interface{}{"id": 2})

		first := readEvent(t, c1)
		second := readEvent(t, c1)
		assert.Equal(t, "event", first.Type)
		assert.Equal(t, "task.completed", first.Event)
		assert.Equal(t, int64(1), first.Seq)
		assert.Equal(t, int64(2), second.Seq)
		assert.NotZero(t, first.Timestamp)

		other := readEvent(t, c2)
		assert.Equal(t, int64(1), other.Seq)
	})

	t.Run("should drop disconnected clients from the registry", func(t *testing.T) {
		srv, ts := setupTestGateway(t)
		conn := dialTestGateway(t, ts, "?token=secret")
		waitForClients(t, srv, 1)

		conn.Close()
		waitForClients(t, srv, 0)
	})
}

func TestSink(t *testing.T) {
	t.Run("should forward agent events tagged with their chat", func(t *testing.T) {
		srv, ts := setupTestGateway(t)
		conn := dialTestGateway(t, ts, "?token=secret")
		waitForClients(t, srv, 1)

		sink := NewSink(srv.Broadcaster(), 16)
		defer sink.Close()

		chat := sink.ForChat("telegram", "c42")
		chat.Emit(agent.Event{Type: agent.EventIteration, Iteration: 3})

		msg := readEvent(t, conn)
		assert.Equal(t, "agent.iteration", msg.Event)

		data, ok := msg.Data.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "telegram", data["channel"])
		assert.Equal(t, "c42", data["chat_id"])
	})

	t.Run("should never block the emitter when the queue is full", func(t *testing.T) {
		srv, _ := setupTestGateway(t)
		sink := NewSink(srv.Broadcaster(), 1)
		defer sink.Close()

		chat := sink.ForChat("telegram", "c1")
		done := make(chan struct{})
		go func() {
			for i := 0; i < 1000; i++ {
				chat.Emit(agent.Event{Type: agent.EventTextDelta, Text: "x"})
			}
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("emit blocked")
		}
	})
}
