package pairing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/walletconnect-go/wcrelay/internal/crypto"
	"github.com/walletconnect-go/wcrelay/internal/relay"
	"github.com/walletconnect-go/wcrelay/internal/serializer"
	"github.com/walletconnect-go/wcrelay/internal/store"
	"github.com/walletconnect-go/wcrelay/internal/subscriber"
	"github.com/walletconnect-go/wcrelay/internal/transport"
	"github.com/walletconnect-go/wcrelay/internal/wire"
)

// loopbackRelay acks every frame it reads and hands each accepted
// connection to the test on connCh, so the test can write its own
// waku_subscription notification to simulate the counterparty's message.
type loopbackRelay struct {
	connCh chan *websocket.Conn
}

func (l *loopbackRelay) handler(w http.ResponseWriter, r *http.Request) {
	var upgrader websocket.Upgrader
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	l.connCh <- conn
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req struct {
			ID int64 `json:"id"`
		}
		_ = json.Unmarshal(data, &req)
		resp := map[string]interface{}{"id": req.ID, "jsonrpc": "2.0", "result": true}
		out, _ := json.Marshal(resp)
		_ = conn.WriteMessage(websocket.TextMessage, out)
	}
}

func dialURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

type recordingDelegate struct {
	settled []Settled
}

func (d *recordingDelegate) OnPairingSettled(p Settled) { d.settled = append(d.settled, p) }

func newHarness(t *testing.T, isController bool) (*Engine, *subscriber.Subscriber, *relay.Facade, *crypto.Store, *websocket.Conn, *recordingDelegate) {
	lr := &loopbackRelay{connCh: make(chan *websocket.Conn, 1)}
	server := httptest.NewServer(http.HandlerFunc(lr.handler))
	t.Cleanup(server.Close)

	tr := transport.New(dialURL(server), transport.Config{})
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { tr.Close() })

	keys := crypto.NewStore()
	s := serializer.New(keys)
	f := relay.New(tr, s, time.Second)
	go f.Run()
	sub := subscriber.New(f)
	go sub.Run()

	conn := <-lr.connCh

	delegate := &recordingDelegate{}
	eng := New(keys, f, sub, store.NewMemoryStore(), "waku", isController, time.Minute, delegate)
	return eng, sub, f, keys, conn, delegate
}

func TestProposeReturnsWellFormedURI(t *testing.T) {
	eng, _, _, _, _, _ := newHarness(t, true)

	uri, err := eng.Propose(context.Background())
	require.NoError(t, err)

	parsed, err := wire.ParseURI(uri)
	require.NoError(t, err)
	require.True(t, parsed.Controller)
	require.Len(t, parsed.PublicKey, 64)
}

func TestPairRejectsMatchingController(t *testing.T) {
	eng, _, _, _, _, _ := newHarness(t, true)

	proposerURI, err := wire.FormatURI(wire.PairingURI{
		Topic:      "deadbeef",
		Controller: true,
		PublicKey:  strings.Repeat("ab", 32),
		Relay:      wire.RelayProtocol{Protocol: "waku"},
	})
	require.NoError(t, err)

	_, err = eng.Pair(context.Background(), proposerURI)
	require.ErrorIs(t, err, ErrControllerConflict)
}

func TestProposeAndPairSettleWithMatchingTopic(t *testing.T) {
	proposerEng, _, _, proposerKeys, proposerConn, proposerDelegate := newHarness(t, true)
	responderEng, _, _, _, _, responderDelegate := newHarness(t, false)

	uri, err := proposerEng.Propose(context.Background())
	require.NoError(t, err)

	settledResponder, err := responderEng.Pair(context.Background(), uri)
	require.NoError(t, err)
	require.Len(t, responderDelegate.settled, 1)

	// Simulate the relay delivering the responder's pairing_approve
	// publish back to the proposer on the proposal topic.
	parsed, err := wire.ParseURI(uri)
	require.NoError(t, err)

	approveReq, err := wire.NewRequest(1, wire.MethodPairingApprove, wire.PairingApproveParams{
		Responder: wire.ResponderInfo{PublicKey: settledResponder.SelfPublicKey},
	})
	require.NoError(t, err)
	plain, _ := json.Marshal(approveReq)
	notif := map[string]interface{}{
		"id":      "push",
		"jsonrpc": "2.0",
		"method":  "waku_subscription",
		"params": map[string]interface{}{
			"id": "sub-1",
			"data": map[string]interface{}{
				"topic":   parsed.Topic,
				"message": hexEncode(plain),
			},
		},
	}
	out, _ := json.Marshal(notif)
	require.NoError(t, proposerConn.WriteMessage(websocket.TextMessage, out))

	require.Eventually(t, func() bool {
		return len(proposerDelegate.settled) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, settledResponder.Topic, proposerDelegate.settled[0].Topic)
	require.True(t, proposerKeys.HasAgreement(settledResponder.Topic))
}

func TestPairDeleteRemovesSequenceAndUnsubscribes(t *testing.T) {
	proposerEng, proposerSub, _, proposerKeys, proposerConn, proposerDelegate := newHarness(t, true)
	responderEng, _, _, _, _, responderDelegate := newHarness(t, false)

	uri, err := proposerEng.Propose(context.Background())
	require.NoError(t, err)

	settledResponder, err := responderEng.Pair(context.Background(), uri)
	require.NoError(t, err)
	require.Len(t, responderDelegate.settled, 1)

	parsed, err := wire.ParseURI(uri)
	require.NoError(t, err)

	approveReq, err := wire.NewRequest(1, wire.MethodPairingApprove, wire.PairingApproveParams{
		Responder: wire.ResponderInfo{PublicKey: settledResponder.SelfPublicKey},
	})
	require.NoError(t, err)
	plain, _ := json.Marshal(approveReq)
	notif := map[string]interface{}{
		"id":      "push",
		"jsonrpc": "2.0",
		"method":  "waku_subscription",
		"params": map[string]interface{}{
			"id": "sub-1",
			"data": map[string]interface{}{
				"topic":   parsed.Topic,
				"message": hexEncode(plain),
			},
		},
	}
	out, _ := json.Marshal(notif)
	require.NoError(t, proposerConn.WriteMessage(websocket.TextMessage, out))

	require.Eventually(t, func() bool {
		return len(proposerDelegate.settled) == 1
	}, 2*time.Second, 10*time.Millisecond)
	settledTopic := proposerDelegate.settled[0].Topic
	require.True(t, proposerKeys.HasAgreement(settledTopic))
	_, ok := proposerSub.Owner(settledTopic)
	require.True(t, ok)

	require.NoError(t, proposerEng.Delete(context.Background(), settledTopic, wire.Reason{Code: 6000, Message: "user disconnected"}))

	_, err = proposerEng.store.Get(context.Background(), settledTopic)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, ok = proposerSub.Owner(settledTopic)
	require.False(t, ok)
	require.False(t, proposerKeys.HasAgreement(settledTopic))
}

func hexEncode(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0x0f]
	}
	return string(out)
}
