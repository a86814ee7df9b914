package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zhouzirui/yuexia/internal/model/message"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestGatewayForwardsAllowedKinds(t *testing.T) {
	forwarded := make(chan message.Envelope, 4)
	hub := NewHub(func(_ context.Context, env message.Envelope) { forwarded <- env }, zap.NewNop())
	srv := httptest.NewServer(hub.Routes())
	defer srv.Close()
	defer hub.Close()

	conn := dial(t, srv)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"kind":"tts_done","payload":{"path":"x"}}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{not json`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"kind":"user_text_input","source":"evil","payload":{"text":"hello"}}`)))

	select {
	case env := <-forwarded:
		assert.Equal(t, message.UserTextInput, env.Kind)
		assert.Equal(t, "face", env.Source)
		assert.Equal(t, "brain", env.Target)
		assert.Equal(t, "hello", env.String("text", ""))
		assert.Len(t, env.ID, 12)
	case <-time.After(2 * time.Second):
		t.Fatal("user_text_input was not forwarded")
	}

	select {
	case env := <-forwarded:
		t.Fatalf("unexpected forward of %s", env.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGatewayForwardsShutdown(t *testing.T) {
	forwarded := make(chan message.Envelope, 1)
	hub := NewHub(func(_ context.Context, env message.Envelope) { forwarded <- env }, zap.NewNop())
	srv := httptest.NewServer(hub.Routes())
	defer srv.Close()
	defer hub.Close()

	conn := dial(t, srv)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"kind":"shutdown"}`)))

	select {
	case env := <-forwarded:
		assert.Equal(t, message.Shutdown, env.Kind)
		assert.Equal(t, "brain", env.Target)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown was not forwarded")
	}
}

func TestGatewayBroadcastsToAllClients(t *testing.T) {
	hub := NewHub(func(context.Context, message.Envelope) {}, zap.NewNop())
	srv := httptest.NewServer(hub.Routes())
	defer srv.Close()

	a := dial(t, srv)
	defer a.Close()
	b := dial(t, srv)
	defer b.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 2 }, time.Second, 5*time.Millisecond)

	hub.Broadcast(message.New(message.LLMStreamChunk, "brain", "face", map[string]any{"text": "hi"}))

	for _, conn := range []*websocket.Conn{a, b} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		env, err := message.Decode(data)
		require.NoError(t, err)
		assert.Equal(t, message.LLMStreamChunk, env.Kind)
		assert.Equal(t, "hi", env.String("text", ""))
	}

	hub.Close()
	assert.Zero(t, hub.Clients())
	a.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := a.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "expected normal close, got %v", err)
}

func TestGatewayHealthz(t *testing.T) {
	hub := NewHub(func(context.Context, message.Envelope) {}, zap.NewNop())
	srv := httptest.NewServer(hub.Routes())
	defer srv.Close()
	defer hub.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
