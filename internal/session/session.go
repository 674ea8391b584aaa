package session

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sync"
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
const OwnerName = "session"

// Error codes used in JSON-RPC error responses to inbound session
// payloads that fail validation (§4.7 "Payload validation", §7).
const (
	errCodeNoSequence         = 3001
	errCodeUnauthorizedChain  = 3002
	errCodeUnauthorizedMethod = 3003
)

// Proposal is a decoded session_propose, surfaced to the host via
// Delegate.OnSessionProposal so it can decide to Approve or Reject
// (§4.7).
type Proposal struct {
	Topic       string
	Relay       wire.RelayProtocol
	Proposer    wire.Participant
	Permissions wire.Permissions
}

// Settled describes a session that has completed its handshake (§6
// "on_session_settled").
type Settled struct {
	Topic         string
	PeerPublicKey string
	SelfPublicKey string
	Controller    string
	Permissions   wire.Permissions
}

// Delegate receives every host-facing session event §6 names.
type Delegate interface {
	OnSessionProposal(p Proposal)
	OnSessionRequest(topic string, id int64, request wire.RequestParams, chainID string)
	OnSessionSettled(s Settled)
	OnSessionRejected(topic string, reason wire.Reason)
	OnSessionDeleted(topic string, reason wire.Reason)
}

// Engine is the §4.7 session state machine.
type Engine struct {
	keys          *crypto.Store
	facade        *relay.Facade
	subscriber    *subscriber.Subscriber
	store         store.Store
	relayProtocol string
	metadata      wire.AppMetadata
	sessionTTL    time.Duration
	delegate      Delegate
	nextID        atomic.Int64

	mu          sync.RWMutex
	permissions map[string]*PermissionSet
}

// New wires a session engine and registers it with sub as "session".
func New(
	keys *crypto.Store,
	facade *relay.Facade,
	sub *subscriber.Subscriber,
	seqStore store.Store,
	relayProtocol string,
	metadata wire.AppMetadata,
	sessionTTL time.Duration,
	delegate Delegate,
) *Engine {
	e := &Engine{
		keys:          keys,
		facade:        facade,
		subscriber:    sub,
		store:         seqStore,
		relayProtocol: relayProtocol,
		metadata:      metadata,
		sessionTTL:    sessionTTL,
		delegate:      delegate,
		permissions:   make(map[string]*PermissionSet),
	}
	sub.Register(OwnerName, e.handleInbound)
	return e
}

func (e *Engine) requestID() int64 { return e.nextID.Inc() }

func (e *Engine) registerPermissions(topic string, perm wire.Permissions) {
	e.mu.Lock()
	e.permissions[topic] = NewPermissionSet(perm)
	e.mu.Unlock()
}

func (e *Engine) getPermissions(topic string) *PermissionSet {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.permissions[topic]
}

func (e *Engine) dropPermissions(topic string) {
	e.mu.Lock()
	delete(e.permissions, topic)
	e.mu.Unlock()
}

// HandleNestedPayload is the pairing engine's PayloadHandler: a
// session_propose arriving wrapped in wc_pairingPayload on a settled
// pairing topic (§4.7 "propose_session ... publish pairing_payload on
// the pairing's settled topic"). It installs the pairing's agreement
// under the fresh session topic so the pre-settlement exchange (the
// eventual session_approve) can be decrypted, then surfaces the
// proposal to the delegate.
func (e *Engine) HandleNestedPayload(pairingTopic string, nested wire.ClientSyncJSONRPC) {
	if nested.Method != wire.MethodSessionPropose {
		log.WithTopic(pairingTopic).Debugf("pairing payload carried unexpected method %s", nested.Method)
		return
	}
	var params wire.SessionProposeParams
	if err := json.Unmarshal(nested.Params, &params); err != nil {
		log.WithTopic(pairingTopic).Warnf("deserialization_failed: decode session_propose params: %v", err)
		return
	}
	pairingAgreement, err := e.keys.GetAgreement(pairingTopic)
	if err != nil {
		log.WithTopic(pairingTopic).Warnf("key_not_found: no pairing agreement for session_propose carrier: %v", err)
		return
	}
	e.keys.PutAgreement(params.Topic, pairingAgreement)

	if e.delegate != nil {
		e.delegate.OnSessionProposal(Proposal{
			Topic:       params.Topic,
			Relay:       params.Relay,
			Proposer:    params.Proposer,
			Permissions: params.Permissions,
		})
	}
}

// ProposeSession is the proposer side of §4.7: generate a session
// ephemeral key and topic, install the pairing's agreement under it,
// and publish the wrapped session_propose on the pairing's settled
// topic.
func (e *Engine) ProposeSession(ctx context.Context, pairingTopic string, permissions wire.Permissions) (string, error) {
	pairingAgreement, err := e.keys.GetAgreement(pairingTopic)
	if err != nil {
		return "", errors.Wrap(err, "key_not_found: pairing topic has no settled agreement")
	}

	topic, err := common.RandomHex(32)
	if err != nil {
		return "", errors.WrapAndReport(err, "generate session proposal topic")
	}
	sk, pub, err := crypto.GeneratePrivateKey()
	if err != nil {
		return "", errors.WrapAndReport(err, "generate session ephemeral key")
	}
	e.keys.PutPrivateKey(pub, sk)
	e.keys.PutAgreement(topic, pairingAgreement)

	permJSON, err := json.Marshal(permissions)
	if err != nil {
		return "", errors.Wrap(err, "encode session permissions")
	}
	entry := store.Entry{Topic: topic, Pending: &store.Pending{
		Status:       store.StatusProposed,
		SelfSecret:   sk,
		SelfPublic:   pub.Hex(),
		ProposalData: permJSON,
	}}
	if e.sessionTTL > 0 {
		entry.Pending.ExpiresAt = time.Now().Add(e.sessionTTL)
	}
	if err := e.store.Put(ctx, entry); err != nil {
		return "", err
	}
	if err := e.subscriber.SetSubscription(ctx, OwnerName, topic); err != nil {
		return "", err
	}

	proposeReq, err := wire.NewRequest(e.requestID(), wire.MethodSessionPropose, wire.SessionProposeParams{
		Topic:       topic,
		Relay:       wire.RelayProtocol{Protocol: e.relayProtocol},
		Proposer:    wire.Participant{PublicKey: pub.Hex(), Metadata: e.metadata},
		Permissions: permissions,
		TTL:         int64(e.sessionTTL.Seconds()),
	})
	if err != nil {
		return "", errors.Wrap(err, "encode session_propose")
	}
	rawPropose, err := json.Marshal(proposeReq)
	if err != nil {
		return "", errors.Wrap(err, "encode nested session_propose request")
	}
	payloadReq, err := wire.NewRequest(e.requestID(), wire.MethodPairingPayload, wire.PairingPayloadParams{Request: rawPropose})
	if err != nil {
		return "", errors.Wrap(err, "encode pairing_payload carrier")
	}
	if err := e.facade.Send(ctx, pairingTopic, payloadReq, e.sessionTTL); err != nil {
		return "", err
	}
	return topic, nil
}

// Approve is the responder side of §4.7: derive the settled agreement,
// publish session_approve on the proposal topic (encrypted under the
// pairing agreement installed there by HandleNestedPayload), and on ack
// migrate to the settled topic.
func (e *Engine) Approve(ctx context.Context, proposal Proposal, accounts []string) (Settled, error) {
	peerPub, err := parsePublicKeyHex(proposal.Proposer.PublicKey)
	if err != nil {
		return Settled{}, errors.Wrap(err, "decode proposer public key")
	}
	skR, pubR, err := crypto.GeneratePrivateKey()
	if err != nil {
		return Settled{}, errors.WrapAndReport(err, "generate responder ephemeral key")
	}
	agreement, err := crypto.DeriveAgreement(peerPub, skR, pubR)
	if err != nil {
		return Settled{}, err
	}
	settledTopic := common.SHA256HexString(agreement.SharedSecret[:])
	expiresAt := time.Now().Add(e.sessionTTL)

	req, err := wire.NewRequest(e.requestID(), wire.MethodSessionApprove, wire.SessionApproveParams{
		Responder: wire.Participant{PublicKey: pubR.Hex(), Metadata: e.metadata},
		Expiry:    expiresAt.Unix(),
	})
	if err != nil {
		return Settled{}, errors.Wrap(err, "encode session_approve")
	}
	if err := e.facade.Send(ctx, proposal.Topic, req, e.sessionTTL); err != nil {
		e.keys.Drop(proposal.Topic)
		return Settled{}, err
	}

	e.keys.PutAgreement(settledTopic, agreement)
	settledEntry := store.Entry{Topic: settledTopic, Settled: &store.Settled{
		PeerPublic:    proposal.Proposer.PublicKey,
		ControllerKey: proposal.Permissions.Controller.PublicKey,
		ExpiresAt:     expiresAt,
	}}
	if err := e.store.Migrate(ctx, proposal.Topic, settledEntry); err != nil {
		return Settled{}, err
	}
	if err := e.subscriber.SetSubscription(ctx, OwnerName, settledTopic); err != nil {
		log.WithTopic(settledTopic).Warnf("subscribe settled session topic: %v", err)
	}
	e.keys.Drop(proposal.Topic)
	e.registerPermissions(settledTopic, proposal.Permissions)

	settled := Settled{
		Topic:         settledTopic,
		PeerPublicKey: proposal.Proposer.PublicKey,
		SelfPublicKey: pubR.Hex(),
		Controller:    proposal.Permissions.Controller.PublicKey,
		Permissions:   proposal.Permissions,
	}
	if e.delegate != nil {
		e.delegate.OnSessionSettled(settled)
	}
	return settled, nil
}

// Reject publishes session_reject on the proposal topic (§4.7
// "reject"); no state is persisted since none was created for a
// proposal the host declines.
func (e *Engine) Reject(ctx context.Context, proposal Proposal, reason wire.Reason) error {
	req, err := wire.NewRequest(e.requestID(), wire.MethodSessionReject, wire.SessionRejectParams{Reason: reason})
	if err != nil {
		return errors.Wrap(err, "encode session_reject")
	}
	err = e.facade.Send(ctx, proposal.Topic, req, e.sessionTTL)
	e.keys.Drop(proposal.Topic)
	return err
}

// Request publishes session_payload on topic and correlates the
// response by the outer JSON-RPC id (§4.7 "request").
func (e *Engine) Request(ctx context.Context, topic, method string, params interface{}, chainID string) (*wire.Response, error) {
	if entry, err := e.store.Get(ctx, topic); err != nil || !entry.IsSettled() {
		return nil, errors.Wrap(store.ErrNotFound, "session_payload request on unsettled topic")
	}
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrap(err, "encode session_payload inner params")
	}
	id := e.requestID()
	req, err := wire.NewRequest(id, wire.MethodSessionPayload, wire.SessionPayloadParams{
		Request: wire.RequestParams{Method: method, Params: rawParams},
		ChainID: chainID,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode session_payload")
	}
	return e.facade.Request(ctx, topic, req, id, e.sessionTTL)
}

// Respond publishes a JSON-RPC response correlated by id on topic
// (§4.7 "respond").
func (e *Engine) Respond(ctx context.Context, topic string, resp *wire.Response) error {
	return e.facade.Respond(ctx, topic, resp, e.sessionTTL)
}

// Delete publishes session_delete on topic and removes the local
// sequence; the delegate is not notified of a delete the host itself
// initiated (§4.7: "delete also publishes the notification; inbound
// does not").
func (e *Engine) Delete(ctx context.Context, topic string, reason wire.Reason) error {
	req, err := wire.NewRequest(e.requestID(), wire.MethodSessionDelete, wire.SessionDeleteParams{Reason: reason})
	if err != nil {
		return errors.Wrap(err, "encode session_delete")
	}
	if err := e.facade.Send(ctx, topic, req, e.sessionTTL); err != nil {
		return err
	}
	e.cleanup(ctx, topic)
	return nil
}

// Ping publishes session_ping and waits only for the transport ack.
func (e *Engine) Ping(ctx context.Context, topic string) error {
	req, err := wire.NewRequest(e.requestID(), wire.MethodSessionPing, struct{}{})
	if err != nil {
		return errors.Wrap(err, "encode session_ping")
	}
	return e.facade.Send(ctx, topic, req, e.sessionTTL)
}

// Update publishes session_update. Per the design note accompanying
// §4.7's update/upgrade extension points, this engine forwards the
// call but never mutates local permission state from it.
func (e *Engine) Update(ctx context.Context, topic string, permissions wire.Permissions) error {
	req, err := wire.NewRequest(e.requestID(), wire.MethodSessionUpdate, wire.SessionUpdateParams{Permissions: permissions})
	if err != nil {
		return errors.Wrap(err, "encode session_update")
	}
	return e.facade.Send(ctx, topic, req, e.sessionTTL)
}

// Upgrade mirrors Update for the upgrade extension point.
func (e *Engine) Upgrade(ctx context.Context, topic string, permissions wire.Permissions) error {
	req, err := wire.NewRequest(e.requestID(), wire.MethodSessionUpgrade, wire.SessionUpgradeParams{Permissions: permissions})
	if err != nil {
		return errors.Wrap(err, "encode session_upgrade")
	}
	return e.facade.Send(ctx, topic, req, e.sessionTTL)
}

func (e *Engine) handleInbound(req relay.InboundRequest) {
	ctx := context.Background()
	switch req.Request.Method {
	case wire.MethodSessionApprove:
		e.handleApprove(ctx, req.Topic, req.Request)
	case wire.MethodSessionReject:
		e.handleReject(ctx, req.Topic, req.Request)
	case wire.MethodSessionPayload:
		e.handlePayload(ctx, req.Topic, req.Request)
	case wire.MethodSessionDelete:
		e.handleDelete(ctx, req.Topic, req.Request)
	case wire.MethodSessionUpdate, wire.MethodSessionUpgrade:
		log.WithTopic(req.Topic).Debugf("ignoring stubbed %s", req.Request.Method)
	case wire.MethodSessionPing:
	default:
		log.WithTopic(req.Topic).Debugf("session engine ignoring unexpected method %s", req.Request.Method)
	}
}

// handleApprove is the proposer side of §4.7's "Inbound session_approve
// on T_s", mirroring pairing's handleApprove.
func (e *Engine) handleApprove(ctx context.Context, topic string, req wire.ClientSyncJSONRPC) {
	entry, err := e.store.Get(ctx, topic)
	if err != nil || entry.Pending == nil || entry.Pending.Status != store.StatusProposed {
		log.WithTopic(topic).Debugf("no_sequence_for_topic: session_approve on unknown or non-proposed topic")
		return
	}
	var params wire.SessionApproveParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		log.WithTopic(topic).Warnf("deserialization_failed: decode session_approve params: %v", err)
		return
	}
	var permissions wire.Permissions
	if err := json.Unmarshal(entry.Pending.ProposalData, &permissions); err != nil {
		log.WithTopic(topic).Errorf("corrupt stored permissions for pending session %s: %v", topic, err)
		return
	}
	peerPub, err := parsePublicKeyHex(params.Responder.PublicKey)
	if err != nil {
		log.WithTopic(topic).Warnf("deserialization_failed: decode responder public key: %v", err)
		return
	}
	selfPub, err := parsePublicKeyHex(entry.Pending.SelfPublic)
	if err != nil {
		log.WithTopic(topic).Errorf("corrupt stored public key for pending session %s: %v", topic, err)
		return
	}
	selfPriv := crypto.PrivateKey(entry.Pending.SelfSecret)

	agreement, err := crypto.DeriveAgreement(peerPub, selfPriv, selfPub)
	if err != nil {
		log.WithTopic(topic).Errorf("session agreement derivation failed, deleting sequence: %v", err)
		e.cleanup(ctx, topic)
		return
	}
	settledTopic := common.SHA256HexString(agreement.SharedSecret[:])
	e.keys.PutAgreement(settledTopic, agreement)

	expiresAt := time.Unix(params.Expiry, 0)
	if params.Expiry == 0 {
		expiresAt = time.Now().Add(e.sessionTTL)
	}
	if err := e.store.Migrate(ctx, topic, store.Entry{Topic: settledTopic, Settled: &store.Settled{
		PeerPublic:    params.Responder.PublicKey,
		ControllerKey: permissions.Controller.PublicKey,
		ExpiresAt:     expiresAt,
	}}); err != nil {
		log.WithTopic(topic).Errorf("migrate session sequence to settled topic: %v", err)
		return
	}
	if err := e.subscriber.SetSubscription(ctx, OwnerName, settledTopic); err != nil {
		log.WithTopic(settledTopic).Warnf("subscribe settled session topic: %v", err)
	}
	if err := e.subscriber.RemoveSubscription(ctx, topic); err != nil {
		log.WithTopic(topic).Warnf("unsubscribe session proposal topic: %v", err)
	}
	e.keys.DropPrivateKey(selfPub)
	e.keys.Drop(topic)
	e.registerPermissions(settledTopic, permissions)

	if e.delegate != nil {
		e.delegate.OnSessionSettled(Settled{
			Topic:         settledTopic,
			PeerPublicKey: params.Responder.PublicKey,
			SelfPublicKey: selfPub.Hex(),
			Controller:    permissions.Controller.PublicKey,
			Permissions:   permissions,
		})
	}
}

func (e *Engine) handleReject(ctx context.Context, topic string, req wire.ClientSyncJSONRPC) {
	var params wire.SessionRejectParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		log.WithTopic(topic).Warnf("deserialization_failed: decode session_reject params: %v", err)
		return
	}
	e.cleanup(ctx, topic)
	if e.delegate != nil {
		e.delegate.OnSessionRejected(topic, params.Reason)
	}
}

// handlePayload implements §4.7's "Payload validation" exactly as the
// three numbered rules require.
func (e *Engine) handlePayload(ctx context.Context, topic string, req wire.ClientSyncJSONRPC) {
	entry, err := e.store.Get(ctx, topic)
	if err != nil || !entry.IsSettled() {
		e.respondError(ctx, topic, req.ID, errCodeNoSequence, "no_sequence_for_topic")
		return
	}
	var params wire.SessionPayloadParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		log.WithTopic(topic).Warnf("deserialization_failed: decode session_payload params: %v", err)
		return
	}
	perms := e.getPermissions(topic)
	if perms == nil {
		e.respondError(ctx, topic, req.ID, errCodeNoSequence, "no_sequence_for_topic")
		return
	}
	if !perms.AllowsChain(params.ChainID) {
		e.respondError(ctx, topic, req.ID, errCodeUnauthorizedChain, "unauthorized_target_chain")
		return
	}
	if !perms.AllowsMethod(params.Request.Method) {
		e.respondError(ctx, topic, req.ID, errCodeUnauthorizedMethod, "unauthorized_jsonrpc_method")
		return
	}
	if e.delegate != nil {
		e.delegate.OnSessionRequest(topic, req.ID, params.Request, params.ChainID)
	}
}

func (e *Engine) respondError(ctx context.Context, topic string, id int64, code int, message string) {
	resp := wire.NewErrorResponse(id, code, message)
	if err := e.Respond(ctx, topic, resp); err != nil {
		log.WithTopic(topic).Warnf("publish session_payload validation error: %v", err)
	}
}

func (e *Engine) handleDelete(ctx context.Context, topic string, req wire.ClientSyncJSONRPC) {
	var params wire.SessionDeleteParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		log.WithTopic(topic).Warnf("deserialization_failed: decode session_delete params: %v", err)
		return
	}
	e.cleanup(ctx, topic)
	if e.delegate != nil {
		e.delegate.OnSessionDeleted(topic, params.Reason)
	}
}

func (e *Engine) cleanup(ctx context.Context, topic string) {
	if err := e.store.Delete(ctx, topic); err != nil {
		log.WithTopic(topic).Warnf("delete session sequence: %v", err)
	}
	if err := e.subscriber.RemoveSubscription(ctx, topic); err != nil {
		log.WithTopic(topic).Warnf("unsubscribe deleted session topic: %v", err)
	}
	e.keys.Drop(topic)
	e.dropPermissions(topic)
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
