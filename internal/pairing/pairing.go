// Package pairing implements the §4.6 pairing engine: the
// Proposed → Responded → Settled → Deleted handshake that bootstraps a
// symmetric channel between two clients from a pairing URI. Grounded on
// the teacher's internal/walletconnect/client.go interact() state walk
// (subscribeSession → createSessionRequest → createSessionResponse) and
// model.go's session-state shape, generalized from WalletConnect v1's
// single fixed session to v2's explicit pairing/session split and from
// its AES pre-shared key to an X25519 handshake.
package pairing

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"time"

	"go.uber.org/atomic"

	"github.com/walletconnect-go/wcrelay/internal/crypto"
	"github.com/walletconnect-go/wcrelay/internal/relay"
	"github.com/walletconnect-go/wcrelay/internal/store"
	"github.com/walletconnect-go/wcrelay/internal/subscriber"
	"github.com/walletconnect-go/wcrelay/internal/wire"
	"github.com/walletconnect-go/wcrelay/pkg/common"
	"github.com/walletconnect-go/wcrelay/pkg/errors"
	"github.com/walletconnect-go/wcrelay/pkg/log"
)

// OwnerName is this engine's subscription owner key in the shared
// subscriber (§4.5).
const OwnerName = "pairing"

// ErrControllerConflict is returned by Pair when both sides claim (or
// both disclaim) the controller role (§4.6 step 1, §7
// "unauthorized_matching_controller").
var ErrControllerConflict = errors.New("unauthorized_matching_controller: pairing controller conflict")

// Settled describes a pairing that has completed its handshake,
// delivered to the delegate as on_pairing_settled (§6).
type Settled struct {
	Topic         string
	PeerPublicKey string
	SelfPublicKey string
	Controller    bool
	PendingTopic  string // the proposal topic this pairing migrated from, if any
}

// Delegate receives host-facing pairing events (§6
// "on_pairing_settled").
type Delegate interface {
	OnPairingSettled(p Settled)
}

// PayloadHandler is invoked whenever a settled pairing carries a
// wc_pairingPayload request; the session engine registers one to
// receive the nested session_propose (§4.7 "propose_session ...
// publish pairing_payload{request: session_propose} on the pairing's
// settled topic").
type PayloadHandler func(topic string, nested wire.ClientSyncJSONRPC)

// Engine is the §4.6 pairing state machine.
type Engine struct {
	keys          *crypto.Store
	facade        *relay.Facade
	subscriber    *subscriber.Subscriber
	store         store.Store
	relayProtocol string
	isController  bool
	handshakeTTL  time.Duration
	delegate      Delegate
	onPayload     PayloadHandler
	nextID        atomic.Int64
}

// New wires a pairing engine and registers it with sub as "pairing".
// isController fixes this client's role for every pairing it proposes
// or responds to; relayProtocol is embedded in every pairing URI's
// relay field.
func New(
	keys *crypto.Store,
	facade *relay.Facade,
	sub *subscriber.Subscriber,
	seqStore store.Store,
	relayProtocol string,
	isController bool,
	handshakeTTL time.Duration,
	delegate Delegate,
) *Engine {
	e := &Engine{
		keys:          keys,
		facade:        facade,
		subscriber:    sub,
		store:         seqStore,
		relayProtocol: relayProtocol,
		isController:  isController,
		handshakeTTL:  handshakeTTL,
		delegate:      delegate,
	}
	sub.Register(OwnerName, e.handleInbound)
	return e
}

// OnPayload installs the handler the session engine uses to receive
// nested session_propose requests carried over a settled pairing.
func (e *Engine) OnPayload(h PayloadHandler) { e.onPayload = h }

func (e *Engine) requestID() int64 { return e.nextID.Inc() }

// Propose generates a fresh proposal topic and ephemeral key, persists
// a Pending entry, subscribes to the proposal topic, and returns the
// pairing URI to share with the responder (§4.6 "propose").
func (e *Engine) Propose(ctx context.Context) (string, error) {
	topic, err := common.RandomHex(32)
	if err != nil {
		return "", errors.WrapAndReport(err, "pairing_proposal_generation_failed: generate proposal topic")
	}
	sk, pub, err := crypto.GeneratePrivateKey()
	if err != nil {
		return "", errors.WrapAndReport(err, "pairing_proposal_generation_failed: generate ephemeral key")
	}
	e.keys.PutPrivateKey(pub, sk)

	uri, err := wire.FormatURI(wire.PairingURI{
		Topic:      topic,
		Controller: e.isController,
		PublicKey:  pub.Hex(),
		Relay:      wire.RelayProtocol{Protocol: e.relayProtocol},
	})
	if err != nil {
		return "", errors.WrapAndReport(err, "pairing_proposal_generation_failed: format pairing uri")
	}

	entry := store.Entry{Topic: topic, Pending: &store.Pending{
		Status:     store.StatusProposed,
		SelfSecret: sk,
		SelfPublic: pub.Hex(),
		Controller: e.isController,
	}}
	if e.handshakeTTL > 0 {
		entry.Pending.ExpiresAt = time.Now().Add(e.handshakeTTL)
	}
	if err := e.store.Put(ctx, entry); err != nil {
		return "", err
	}
	if err := e.subscriber.SetSubscription(ctx, OwnerName, topic); err != nil {
		return "", err
	}
	return uri, nil
}

// Pair is the responder side of §4.6: parse the URI, reject a
// controller conflict, derive the settled agreement, and publish
// pairing_approve on the proposal topic (unencrypted, since the
// proposer has no key yet).
func (e *Engine) Pair(ctx context.Context, uri string) (Settled, error) {
	parsed, err := wire.ParseURI(uri)
	if err != nil {
		return Settled{}, err
	}
	if parsed.Controller == e.isController {
		return Settled{}, ErrControllerConflict
	}
	peerPub, err := parsePublicKeyHex(parsed.PublicKey)
	if err != nil {
		return Settled{}, errors.Wrap(err, "pairing_params_uri_init: decode proposer public key")
	}

	skR, pubR, err := crypto.GeneratePrivateKey()
	if err != nil {
		return Settled{}, errors.WrapAndReport(err, "derive responder ephemeral key")
	}
	agreement, err := crypto.DeriveAgreement(peerPub, skR, pubR)
	if err != nil {
		return Settled{}, err
	}
	settledTopic := common.SHA256HexString(agreement.SharedSecret[:])
	e.keys.PutAgreement(settledTopic, agreement)
	if err := e.subscriber.SetSubscription(ctx, OwnerName, settledTopic); err != nil {
		return Settled{}, err
	}

	expiresAt := time.Now().Add(e.handshakeTTL)
	req, err := wire.NewRequest(e.requestID(), wire.MethodPairingApprove, wire.PairingApproveParams{
		Responder: wire.ResponderInfo{PublicKey: pubR.Hex()},
		Expiry:    expiresAt.Unix(),
	})
	if err != nil {
		return Settled{}, errors.Wrap(err, "encode pairing_approve")
	}
	if err := e.facade.Send(ctx, parsed.Topic, req, e.handshakeTTL); err != nil {
		e.keys.Drop(settledTopic)
		return Settled{}, err
	}

	if err := e.store.Put(ctx, store.Entry{Topic: settledTopic, Settled: &store.Settled{
		PeerPublic:    parsed.PublicKey,
		ControllerKey: controllerKey(parsed.Controller, parsed.PublicKey, pubR.Hex()),
		ExpiresAt:     expiresAt,
	}}); err != nil {
		return Settled{}, err
	}

	settled := Settled{
		Topic:         settledTopic,
		PeerPublicKey: parsed.PublicKey,
		SelfPublicKey: pubR.Hex(),
		Controller:    e.isController,
	}
	if e.delegate != nil {
		e.delegate.OnPairingSettled(settled)
	}
	return settled, nil
}

// Delete publishes wc_pairingDelete on topic and removes the local
// sequence (§4.7 analogue applied to pairings; §6 delegate list omits a
// pairing-specific deleted event, so only the session engine's deletes
// are surfaced to the host).
func (e *Engine) Delete(ctx context.Context, topic string, reason wire.Reason) error {
	req, err := wire.NewRequest(e.requestID(), wire.MethodPairingDelete, wire.PairingDeleteParams{Reason: reason})
	if err != nil {
		return errors.Wrap(err, "encode pairing_delete")
	}
	if err := e.facade.Send(ctx, topic, req, e.handshakeTTL); err != nil {
		return err
	}
	e.cleanup(ctx, topic)
	return nil
}

// Ping sends wc_pairingPing on topic and waits only for the transport
// ack; the protocol defines no ping response payload worth surfacing.
func (e *Engine) Ping(ctx context.Context, topic string) error {
	req, err := wire.NewRequest(e.requestID(), wire.MethodPairingPing, struct{}{})
	if err != nil {
		return errors.Wrap(err, "encode pairing_ping")
	}
	return e.facade.Send(ctx, topic, req, e.handshakeTTL)
}

func (e *Engine) handleInbound(req relay.InboundRequest) {
	ctx := context.Background()
	switch req.Request.Method {
	case wire.MethodPairingApprove:
		e.handleApprove(ctx, req.Topic, req.Request)
	case wire.MethodPairingPayload:
		e.handlePayload(ctx, req.Topic, req.Request)
	case wire.MethodPairingDelete:
		e.handleDelete(ctx, req.Topic, req.Request)
	case wire.MethodPairingPing:
		// no-op: the relay has already delivered the publish ack the
		// pinging side waited on.
	default:
		log.WithTopic(req.Topic).Debugf("pairing engine ignoring unexpected method %s", req.Request.Method)
	}
}

// handleApprove is the proposer side of §4.6 step "Proposer — inbound
// pairing_approve on topic T".
func (e *Engine) handleApprove(ctx context.Context, topic string, req wire.ClientSyncJSONRPC) {
	entry, err := e.store.Get(ctx, topic)
	if err != nil || entry.Pending == nil || entry.Pending.Status != store.StatusProposed {
		log.WithTopic(topic).Debugf("no_sequence_for_topic: pairing_approve on unknown or non-proposed topic")
		return
	}
	var params wire.PairingApproveParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		log.WithTopic(topic).Warnf("deserialization_failed: decode pairing_approve params: %v", err)
		return
	}
	peerPub, err := parsePublicKeyHex(params.Responder.PublicKey)
	if err != nil {
		log.WithTopic(topic).Warnf("deserialization_failed: decode responder public key: %v", err)
		return
	}
	selfPub, err := parsePublicKeyHex(entry.Pending.SelfPublic)
	if err != nil {
		log.WithTopic(topic).Errorf("corrupt stored public key for pending pairing %s: %v", topic, err)
		return
	}
	selfPriv := crypto.PrivateKey(entry.Pending.SelfSecret)

	agreement, err := crypto.DeriveAgreement(peerPub, selfPriv, selfPub)
	if err != nil {
		log.WithTopic(topic).Errorf("pairing agreement derivation failed, deleting sequence: %v", err)
		e.cleanup(ctx, topic)
		return
	}
	settledTopic := common.SHA256HexString(agreement.SharedSecret[:])
	e.keys.PutAgreement(settledTopic, agreement)

	expiresAt := time.Unix(params.Expiry, 0)
	if params.Expiry == 0 {
		expiresAt = time.Now().Add(e.handshakeTTL)
	}
	if err := e.store.Migrate(ctx, topic, store.Entry{Topic: settledTopic, Settled: &store.Settled{
		PeerPublic:    params.Responder.PublicKey,
		ControllerKey: controllerKey(entry.Pending.Controller, selfPub.Hex(), params.Responder.PublicKey),
		ExpiresAt:     expiresAt,
	}}); err != nil {
		log.WithTopic(topic).Errorf("migrate pairing sequence to settled topic: %v", err)
		return
	}
	if err := e.subscriber.SetSubscription(ctx, OwnerName, settledTopic); err != nil {
		log.WithTopic(settledTopic).Warnf("subscribe settled pairing topic: %v", err)
	}
	if err := e.subscriber.RemoveSubscription(ctx, topic); err != nil {
		log.WithTopic(topic).Warnf("unsubscribe proposal topic: %v", err)
	}
	e.keys.DropPrivateKey(selfPub)

	if e.delegate != nil {
		e.delegate.OnPairingSettled(Settled{
			Topic:         settledTopic,
			PeerPublicKey: params.Responder.PublicKey,
			SelfPublicKey: selfPub.Hex(),
			Controller:    entry.Pending.Controller,
			PendingTopic:  topic,
		})
	}
}

func (e *Engine) handlePayload(ctx context.Context, topic string, req wire.ClientSyncJSONRPC) {
	entry, err := e.store.Get(ctx, topic)
	if err != nil || !entry.IsSettled() {
		log.WithTopic(topic).Debugf("no_sequence_for_topic: pairing_payload on unsettled topic")
		return
	}
	var params wire.PairingPayloadParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		log.WithTopic(topic).Warnf("deserialization_failed: decode pairing_payload params: %v", err)
		return
	}
	var nested wire.ClientSyncJSONRPC
	if err := json.Unmarshal(params.Request, &nested); err != nil {
		log.WithTopic(topic).Warnf("deserialization_failed: decode nested pairing_payload request: %v", err)
		return
	}
	if e.onPayload != nil {
		e.onPayload(topic, nested)
	}
}

func (e *Engine) handleDelete(ctx context.Context, topic string, req wire.ClientSyncJSONRPC) {
	e.cleanup(ctx, topic)
}

func (e *Engine) cleanup(ctx context.Context, topic string) {
	if err := e.store.Delete(ctx, topic); err != nil {
		log.WithTopic(topic).Warnf("delete pairing sequence: %v", err)
	}
	if err := e.subscriber.RemoveSubscription(ctx, topic); err != nil {
		log.WithTopic(topic).Warnf("unsubscribe deleted pairing topic: %v", err)
	}
	e.keys.Drop(topic)
}

func parsePublicKeyHex(s string) (crypto.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return crypto.PublicKey{}, err
	}
	if len(raw) != 32 {
		return crypto.PublicKey{}, errors.Errorf("public key must be 32 bytes, got %d", len(raw))
	}
	var pub crypto.PublicKey
	copy(pub[:], raw)
	return pub, nil
}

// controllerKey resolves which side's public key is the controller
// (§3 "exactly one side is controller").
func controllerKey(proposerIsController bool, proposerPub, responderPub string) string {
	if proposerIsController {
		return proposerPub
	}
	return responderPub
}
