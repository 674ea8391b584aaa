package session

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

func hexEncode(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0x0f]
	}
	return string(out)
}

type ackRelay struct {
	connCh chan *websocket.Conn
}

func (a *ackRelay) handler(w http.ResponseWriter, r *http.Request) {
	var upgrader websocket.Upgrader
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	a.connCh <- conn
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
	proposals []Proposal
	settled   []Settled
	rejected  []wire.Reason
	deleted   []wire.Reason
	requests  []wire.RequestParams
}

func (d *recordingDelegate) OnSessionProposal(p Proposal)  { d.proposals = append(d.proposals, p) }
func (d *recordingDelegate) OnSessionSettled(s Settled)    { d.settled = append(d.settled, s) }
func (d *recordingDelegate) OnSessionRejected(_ string, r wire.Reason) {
	d.rejected = append(d.rejected, r)
}
func (d *recordingDelegate) OnSessionDeleted(_ string, r wire.Reason) {
	d.deleted = append(d.deleted, r)
}
func (d *recordingDelegate) OnSessionRequest(_ string, _ int64, req wire.RequestParams, _ string) {
	d.requests = append(d.requests, req)
}

func samplePermissions() wire.Permissions {
	return wire.Permissions{
		Blockchains: wire.BlockchainPermissions{Chains: []string{"eip155:1"}},
		JSONRPC:     wire.JSONRPCPermissions{Methods: []string{"eth_sign"}},
		Controller:  wire.ControllerPermissions{PublicKey: "controller-key"},
	}
}

func TestHandleNestedPayloadInstallsPreSettlementKeyAndNotifies(t *testing.T) {
	keys := crypto.NewStore()
	keys.PutAgreement("pairing-topic", crypto.AgreementKeys{SharedSecret: fixedSecret()})

	lr := &ackRelay{connCh: make(chan *websocket.Conn, 1)}
	server := httptest.NewServer(http.HandlerFunc(lr.handler))
	defer server.Close()

	tr := transport.New(dialURL(server), transport.Config{})
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close()

	f := relay.New(tr, serializer.New(keys), time.Second)
	go f.Run()
	sub := subscriber.New(f)
	go sub.Run()

	delegate := &recordingDelegate{}
	eng := New(keys, f, sub, store.NewMemoryStore(), "waku", wire.AppMetadata{Name: "dapp"}, time.Minute, delegate)

	proposeParams := wire.SessionProposeParams{
		Topic:       "session-topic",
		Relay:       wire.RelayProtocol{Protocol: "waku"},
		Proposer:    wire.Participant{PublicKey: strings.Repeat("ab", 32)},
		Permissions: samplePermissions(),
	}
	nested, err := wire.NewRequest(1, wire.MethodSessionPropose, proposeParams)
	require.NoError(t, err)

	eng.HandleNestedPayload("pairing-topic", *nested)

	require.Len(t, delegate.proposals, 1)
	require.Equal(t, "session-topic", delegate.proposals[0].Topic)
	require.True(t, keys.HasAgreement("session-topic"))
}

func TestSessionPayloadValidationRejectsUnauthorizedMethod(t *testing.T) {
	keys := crypto.NewStore()
	lr := &ackRelay{connCh: make(chan *websocket.Conn, 1)}
	server := httptest.NewServer(http.HandlerFunc(lr.handler))
	defer server.Close()

	tr := transport.New(dialURL(server), transport.Config{})
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close()

	f := relay.New(tr, serializer.New(keys), time.Second)
	go f.Run()
	sub := subscriber.New(f)
	go sub.Run()
	<-lr.connCh

	delegate := &recordingDelegate{}
	seqStore := store.NewMemoryStore()
	eng := New(keys, f, sub, seqStore, "waku", wire.AppMetadata{}, time.Minute, delegate)

	require.NoError(t, seqStore.Put(context.Background(), store.Entry{
		Topic:   "settled-topic",
		Settled: &store.Settled{PeerPublic: "peer"},
	}))
	eng.registerPermissions("settled-topic", samplePermissions())

	req, err := wire.NewRequest(5, wire.MethodSessionPayload, wire.SessionPayloadParams{
		Request: wire.RequestParams{Method: "eth_sendTransaction"},
	})
	require.NoError(t, err)

	eng.handleInbound(relay.InboundRequest{Topic: "settled-topic", Request: *req})
	require.Empty(t, delegate.requests)
}

func TestSessionPayloadValidationAllowsPermittedMethod(t *testing.T) {
	keys := crypto.NewStore()
	lr := &ackRelay{connCh: make(chan *websocket.Conn, 1)}
	server := httptest.NewServer(http.HandlerFunc(lr.handler))
	defer server.Close()

	tr := transport.New(dialURL(server), transport.Config{})
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close()

	f := relay.New(tr, serializer.New(keys), time.Second)
	go f.Run()
	sub := subscriber.New(f)
	go sub.Run()
	<-lr.connCh

	delegate := &recordingDelegate{}
	seqStore := store.NewMemoryStore()
	eng := New(keys, f, sub, seqStore, "waku", wire.AppMetadata{}, time.Minute, delegate)

	require.NoError(t, seqStore.Put(context.Background(), store.Entry{
		Topic:   "settled-topic",
		Settled: &store.Settled{PeerPublic: "peer"},
	}))
	eng.registerPermissions("settled-topic", samplePermissions())

	req, err := wire.NewRequest(6, wire.MethodSessionPayload, wire.SessionPayloadParams{
		Request: wire.RequestParams{Method: "eth_sign"},
		ChainID: "eip155:1",
	})
	require.NoError(t, err)

	eng.handleInbound(relay.InboundRequest{Topic: "settled-topic", Request: *req})
	require.Len(t, delegate.requests, 1)
	require.Equal(t, "eth_sign", delegate.requests[0].Method)
}

// TestProposeApproveSettleAcrossTwoEngines exercises ProposeSession -> HandleNestedPayload ->
// Approve -> inbound session_approve end to end across two independent
// engines sharing a simulated relay, mirroring pairing's equivalent
// test.
func TestProposeApproveSettleAcrossTwoEngines(t *testing.T) {
	lr := &ackRelay{connCh: make(chan *websocket.Conn, 1)}
	server := httptest.NewServer(http.HandlerFunc(lr.handler))
	defer server.Close()

	proposerTr := transport.New(dialURL(server), transport.Config{})
	require.NoError(t, proposerTr.Connect(context.Background()))
	defer proposerTr.Close()
	proposerConn := <-lr.connCh

	proposerKeys := crypto.NewStore()
	proposerFacade := relay.New(proposerTr, serializer.New(proposerKeys), time.Second)
	go proposerFacade.Run()
	proposerSub := subscriber.New(proposerFacade)
	go proposerSub.Run()

	pairingAgreement := crypto.AgreementKeys{SharedSecret: fixedSecret()}
	proposerKeys.PutAgreement("settled-pairing", pairingAgreement)

	proposerDelegate := &recordingDelegate{}
	proposerStore := store.NewMemoryStore()
	proposerEng := New(proposerKeys, proposerFacade, proposerSub, proposerStore, "waku", wire.AppMetadata{}, time.Minute, proposerDelegate)

	sessionTopic, err := proposerEng.ProposeSession(context.Background(), "settled-pairing", samplePermissions())
	require.NoError(t, err)

	proposerEntry, err := proposerStore.Get(context.Background(), sessionTopic)
	require.NoError(t, err)
	proposerPublicKey := proposerEntry.Pending.SelfPublic

	// Responder side lives in a separate in-process engine with its own
	// key store, mirroring a different client process.
	responderKeys := crypto.NewStore()
	responderKeys.PutAgreement("settled-pairing", pairingAgreement)
	responderDelegate := &recordingDelegate{}
	responderTr := transport.New(dialURL(server), transport.Config{})
	require.NoError(t, responderTr.Connect(context.Background()))
	defer responderTr.Close()
	<-lr.connCh
	responderFacade := relay.New(responderTr, serializer.New(responderKeys), time.Second)
	go responderFacade.Run()
	responderSub := subscriber.New(responderFacade)
	go responderSub.Run()
	responderEng := New(responderKeys, responderFacade, responderSub, store.NewMemoryStore(), "waku", wire.AppMetadata{}, time.Minute, responderDelegate)

	// deliver the nested session_propose to the responder as if it came
	// through the pairing engine's OnPayload hook.
	proposeParams := wire.SessionProposeParams{
		Topic:       sessionTopic,
		Relay:       wire.RelayProtocol{Protocol: "waku"},
		Proposer:    wire.Participant{PublicKey: proposerPublicKey},
		Permissions: samplePermissions(),
	}
	nested, err := wire.NewRequest(1, wire.MethodSessionPropose, proposeParams)
	require.NoError(t, err)
	responderEng.HandleNestedPayload("settled-pairing", *nested)
	require.Len(t, responderDelegate.proposals, 1)

	settledResponder, err := responderEng.Approve(context.Background(), responderDelegate.proposals[0], nil)
	require.NoError(t, err)

	// Deliver the responder's session_approve back to the proposer over
	// the simulated relay.
	approveReq, err := wire.NewRequest(2, wire.MethodSessionApprove, wire.SessionApproveParams{
		Responder: wire.Participant{PublicKey: settledResponder.SelfPublicKey},
		Expiry:    time.Now().Add(time.Hour).Unix(),
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
				"topic":   sessionTopic,
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
}

func TestSessionDeleteRemovesSequenceAndUnsubscribes(t *testing.T) {
	lr := &ackRelay{connCh: make(chan *websocket.Conn, 1)}
	server := httptest.NewServer(http.HandlerFunc(lr.handler))
	defer server.Close()

	proposerTr := transport.New(dialURL(server), transport.Config{})
	require.NoError(t, proposerTr.Connect(context.Background()))
	defer proposerTr.Close()
	proposerConn := <-lr.connCh

	proposerKeys := crypto.NewStore()
	proposerFacade := relay.New(proposerTr, serializer.New(proposerKeys), time.Second)
	go proposerFacade.Run()
	proposerSub := subscriber.New(proposerFacade)
	go proposerSub.Run()

	pairingAgreement := crypto.AgreementKeys{SharedSecret: fixedSecret()}
	proposerKeys.PutAgreement("settled-pairing", pairingAgreement)

	proposerDelegate := &recordingDelegate{}
	proposerStore := store.NewMemoryStore()
	proposerEng := New(proposerKeys, proposerFacade, proposerSub, proposerStore, "waku", wire.AppMetadata{}, time.Minute, proposerDelegate)

	sessionTopic, err := proposerEng.ProposeSession(context.Background(), "settled-pairing", samplePermissions())
	require.NoError(t, err)

	proposerEntry, err := proposerStore.Get(context.Background(), sessionTopic)
	require.NoError(t, err)
	proposerPublicKey := proposerEntry.Pending.SelfPublic

	responderKeys := crypto.NewStore()
	responderKeys.PutAgreement("settled-pairing", pairingAgreement)
	responderDelegate := &recordingDelegate{}
	responderTr := transport.New(dialURL(server), transport.Config{})
	require.NoError(t, responderTr.Connect(context.Background()))
	defer responderTr.Close()
	<-lr.connCh
	responderFacade := relay.New(responderTr, serializer.New(responderKeys), time.Second)
	go responderFacade.Run()
	responderSub := subscriber.New(responderFacade)
	go responderSub.Run()
	responderEng := New(responderKeys, responderFacade, responderSub, store.NewMemoryStore(), "waku", wire.AppMetadata{}, time.Minute, responderDelegate)

	proposeParams := wire.SessionProposeParams{
		Topic:       sessionTopic,
		Relay:       wire.RelayProtocol{Protocol: "waku"},
		Proposer:    wire.Participant{PublicKey: proposerPublicKey},
		Permissions: samplePermissions(),
	}
	nested, err := wire.NewRequest(1, wire.MethodSessionPropose, proposeParams)
	require.NoError(t, err)
	responderEng.HandleNestedPayload("settled-pairing", *nested)
	require.Len(t, responderDelegate.proposals, 1)

	settledResponder, err := responderEng.Approve(context.Background(), responderDelegate.proposals[0], nil)
	require.NoError(t, err)

	approveReq, err := wire.NewRequest(2, wire.MethodSessionApprove, wire.SessionApproveParams{
		Responder: wire.Participant{PublicKey: settledResponder.SelfPublicKey},
		Expiry:    time.Now().Add(time.Hour).Unix(),
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
				"topic":   sessionTopic,
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

	_, err = proposerStore.Get(context.Background(), settledTopic)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, ok = proposerSub.Owner(settledTopic)
	require.False(t, ok)
	require.False(t, proposerKeys.HasAgreement(settledTopic))
}

func fixedSecret() [32]byte {
	var s [32]byte
	copy(s[:], []byte("0123456789abcdef0123456789abcde"))
	return s
}
