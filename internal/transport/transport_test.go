package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// receivedCall records one decoded request a fakeRelay connection saw,
// tagged with which connection (by dial order) it arrived on, so a test
// can tell a fresh post-reconnect connection's traffic apart from the
// original connection's.
type receivedCall struct {
	connID int
	method string
	topic  string
}

// fakeRelay is a minimal waku_publish/subscribe/unsubscribe echo server
// that also lets the test push a waku_subscription notification on
// demand, enough to exercise the transport's correlation and inbound
// dispatch without a real relay.
type fakeRelay struct {
	upgrader websocket.Upgrader
	connCh   chan *websocket.Conn
	received chan receivedCall

	mu         sync.Mutex
	nextConnID int
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{
		connCh:   make(chan *websocket.Conn, 4),
		received: make(chan receivedCall, 16),
	}
}

func (f *fakeRelay) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	connID := f.nextConnID
	f.nextConnID++
	f.mu.Unlock()
	f.connCh <- conn
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req struct {
			ID     int64  `json:"id"`
			Method string `json:"method"`
			Params struct {
				Topic string `json:"topic"`
			} `json:"params"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		resp := map[string]interface{}{"id": req.ID, "jsonrpc": "2.0", "result": true}
		out, _ := json.Marshal(resp)
		_ = conn.WriteMessage(websocket.TextMessage, out)
		f.received <- receivedCall{connID: connID, method: req.Method, topic: req.Params.Topic}
	}
}

func dialURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestPublishSubscribeUnsubscribeRoundTrip(t *testing.T) {
	relay := newFakeRelay()
	server := httptest.NewServer(http.HandlerFunc(relay.handler))
	defer server.Close()

	client := New(dialURL(server), Config{})
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, client.Subscribe(ctx, "topic-a"))
	require.NoError(t, client.Publish(ctx, "topic-a", "deadbeef", time.Minute))
	require.NoError(t, client.Unsubscribe(ctx, "topic-a"))
}

func TestInboundSubscriptionNotificationIsDelivered(t *testing.T) {
	relay := newFakeRelay()
	server := httptest.NewServer(http.HandlerFunc(relay.handler))
	defer server.Close()

	client := New(dialURL(server), Config{})
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	conn := <-relay.connCh
	notif := map[string]interface{}{
		"id":      "server-push",
		"jsonrpc": "2.0",
		"method":  "waku_subscription",
		"params": map[string]interface{}{
			"id": "sub-1",
			"data": map[string]interface{}{
				"topic":   "topic-b",
				"message": "cafebabe",
			},
		},
	}
	out, _ := json.Marshal(notif)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, out))

	select {
	case msg := <-client.Inbound:
		require.Equal(t, "topic-b", msg.Topic)
		require.Equal(t, "cafebabe", msg.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound message")
	}
}

func TestPublishAfterCloseFails(t *testing.T) {
	relay := newFakeRelay()
	server := httptest.NewServer(http.HandlerFunc(relay.handler))
	defer server.Close()

	client := New(dialURL(server), Config{})
	require.NoError(t, client.Connect(context.Background()))

	require.NoError(t, client.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := client.Publish(ctx, "topic-a", "beef", time.Minute)
	require.Error(t, err)
}

func TestReconnectReplaysSubscriptions(t *testing.T) {
	relay := newFakeRelay()
	server := httptest.NewServer(http.HandlerFunc(relay.handler))
	defer server.Close()

	client := New(dialURL(server), Config{
		ReconnectBackoff:    10 * time.Millisecond,
		MaxReconnectBackoff: 50 * time.Millisecond,
	})
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	firstConn := <-relay.connCh

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Subscribe(ctx, "topic-a"))

	initial := <-relay.received
	require.Equal(t, 0, initial.connID)
	require.Equal(t, "waku_subscribe", initial.method)
	require.Equal(t, "topic-a", initial.topic)

	require.NoError(t, firstConn.Close())

	select {
	case secondConn := <-relay.connCh:
		require.NotNil(t, secondConn)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reconnect")
	}

	select {
	case replay := <-relay.received:
		require.Equal(t, 1, replay.connID)
		require.Equal(t, "waku_subscribe", replay.method)
		require.Equal(t, "topic-a", replay.topic)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for resubscribe after reconnect")
	}
}
