package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/OzzMkl/backend-serverless-chat/internal/config"
	"github.com/OzzMkl/backend-serverless-chat/internal/msglog"
	"github.com/OzzMkl/backend-serverless-chat/internal/protocol"
	"github.com/OzzMkl/backend-serverless-chat/internal/registry"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.Config {
	return config.Config{
		Port:                 "0",
		Env:                  "dev",
		RegistryBackend:      config.BackendMemory,
		LogBackend:           config.BackendMemory,
		CursorSecret:         "secret",
		RequestTimeout:       2 * time.Second,
		PushTimeout:          time.Second,
		BroadcastParallelism: 4,
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *App) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := testConfig()
	app := NewApp(cfg, registry.NewMemory(), msglog.NewMemory())
	srv := httptest.NewServer(SetupRouter(cfg, app))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { app.Hub.CloseAll(time.Second) })
	return srv, app
}

func dial(t *testing.T, srv *httptest.Server, nickname string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?nickname=" + nickname
	return websocket.DefaultDialer.Dial(url, nil)
}

func mustDial(t *testing.T, srv *httptest.Server, nickname string) *websocket.Conn {
	t.Helper()
	conn, _, err := dial(t, srv, nickname)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readType 读取帧直到出现指定 type，其余事件（名单、探测）跳过。
func readType(t *testing.T, conn *websocket.Conn, typ string) json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var env struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Type == typ {
			return data
		}
	}
}

func roster(t *testing.T, srv *httptest.Server) protocol.ClientsValue {
	t.Helper()
	resp, err := http.Get(srv.URL + "/api/v1/clients")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var v protocol.ClientsValue
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func idOf(t *testing.T, srv *httptest.Server, nickname string) string {
	t.Helper()
	for _, c := range roster(t, srv).Clients {
		if c.Nickname == nickname {
			return c.ConnectionID
		}
	}
	t.Fatalf("%s is not in the roster", nickname)
	return ""
}

func TestHealthz(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := testConfig()
	engine := SetupRouter(cfg, NewApp(cfg, registry.NewMemory(), msglog.NewMemory()))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestWebSocket_DirectMessageRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)
	alice := mustDial(t, srv, "alice")
	bob := mustDial(t, srv, "bob")

	var joined struct {
		Value protocol.ClientsValue `json:"value"`
	}
	require.NoError(t, json.Unmarshal(readType(t, alice, protocol.TypeClients), &joined))
	assert.Len(t, joined.Value.Clients, 2)

	require.NoError(t, alice.WriteJSON(map[string]interface{}{
		"action": "sendMessage",
		"body":   map[string]string{"message": "hi", "recipientNickname": "bob"},
	}))
	var got struct {
		Value protocol.MessageValue `json:"value"`
	}
	require.NoError(t, json.Unmarshal(readType(t, bob, protocol.TypeMessage), &got))
	assert.Equal(t, "alice", got.Value.Message.Sender)
	assert.Equal(t, "alice#bob", got.Value.Message.ConversationKey)
	assert.Equal(t, "hi", got.Value.Message.Body)

	require.NoError(t, bob.WriteJSON(map[string]interface{}{
		"action": "getHistory",
		"body":   map[string]interface{}{"targetNickname": "alice", "limit": 10},
	}))
	var history struct {
		Value protocol.MessagesValue `json:"value"`
	}
	require.NoError(t, json.Unmarshal(readType(t, bob, protocol.TypeMessages), &history))
	require.Len(t, history.Value.Messages, 1)
	assert.Equal(t, got.Value.Message.MessageID, history.Value.Messages[0].MessageID)
}

func TestWebSocket_TakenNicknameIsForbidden(t *testing.T) {
	srv, _ := newTestServer(t)
	mustDial(t, srv, "alice")

	_, resp, err := dial(t, srv, "alice")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, resp, err = dial(t, srv, "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWebSocket_RefusedAfterCloseAll(t *testing.T) {
	srv, app := newTestServer(t)
	app.Hub.CloseAll(time.Second)

	_, resp, err := dial(t, srv, "alice")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Empty(t, roster(t, srv).Clients)
}

func TestWebSocket_MalformedFrameGetsErrorEvent(t *testing.T) {
	srv, _ := newTestServer(t)
	alice := mustDial(t, srv, "alice")

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("not json")))
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(readType(t, alice, protocol.TypeError), &env))
	assert.Contains(t, env.Message, "malformed frame")
}

func TestWebSocket_UnknownActionGetsFault(t *testing.T) {
	srv, _ := newTestServer(t)
	alice := mustDial(t, srv, "alice")

	require.NoError(t, alice.WriteJSON(map[string]string{"action": "dance"}))
	require.NoError(t, alice.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := alice.ReadMessage()
	require.NoError(t, err)
	var fault protocol.Fault
	require.NoError(t, json.Unmarshal(data, &fault))
	assert.Equal(t, http.StatusInternalServerError, fault.Status)
}

func TestWebSocket_DisconnectUpdatesRoster(t *testing.T) {
	srv, _ := newTestServer(t)
	alice := mustDial(t, srv, "alice")
	bob := mustDial(t, srv, "bob")
	readType(t, alice, protocol.TypeClients)

	require.NoError(t, bob.Close())

	var left struct {
		Value protocol.ClientsValue `json:"value"`
	}
	require.NoError(t, json.Unmarshal(readType(t, alice, protocol.TypeClients), &left))
	require.Len(t, left.Value.Clients, 1)
	assert.Equal(t, "alice", left.Value.Clients[0].Nickname)

	// 昵称释放后可以重新占用
	mustDial(t, srv, "bob")
}

func TestManagementAPI(t *testing.T) {
	srv, app := newTestServer(t)
	alice := mustDial(t, srv, "alice")
	aliceID := idOf(t, srv, "alice")

	resp, err := http.Post(srv.URL+"/api/v1/connections/"+aliceID, "application/json", strings.NewReader(`{"type":"notice"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	readType(t, alice, "notice")

	resp, err = http.Post(srv.URL+"/api/v1/connections/"+aliceID, "application/json", strings.NewReader(`{`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/v1/connections/missing", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusGone, resp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/connections/"+aliceID, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	assert.Eventually(t, func() bool {
		return len(roster(t, srv).Clients) == 0 && app.Hub.Online() == 0
	}, 3*time.Second, 20*time.Millisecond)
}
