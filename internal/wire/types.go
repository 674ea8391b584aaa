// Package wire defines the protocol's wire types: the pairing/session
// participant and permission shapes (§3), the JSON-RPC envelope
// exchanged over a topic (ClientSyncJSONRPC), and the methods that
// envelope can carry. Shaped after the teacher's model.go
// (jsonRpcRequest, peer, clientMeta) generalized from WalletConnect v1's
// untyped params to v2's discriminated method/params pairing.
package wire

import "encoding/json"

// Method names a protocol operation carried by a ClientSyncJSONRPC
// request (§3).
type Method string

const (
	MethodPairingApprove  Method = "wc_pairingApprove"
	MethodPairingReject   Method = "wc_pairingReject"
	MethodPairingPayload  Method = "wc_pairingPayload"
	MethodPairingDelete   Method = "wc_pairingDelete"
	MethodPairingPing     Method = "wc_pairingPing"
	MethodSessionPropose  Method = "wc_sessionPropose"
	MethodSessionApprove  Method = "wc_sessionApprove"
	MethodSessionReject   Method = "wc_sessionReject"
	MethodSessionPayload  Method = "wc_sessionPayload"
	MethodSessionDelete   Method = "wc_sessionDelete"
	MethodSessionUpdate   Method = "wc_sessionUpdate"
	MethodSessionUpgrade  Method = "wc_sessionUpgrade"
	MethodSessionPing     Method = "wc_sessionPing"
)

// AppMetadata is opaque to the protocol (§3); it is only ever stored and
// echoed back to the host delegate.
type AppMetadata struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	URL         string   `json:"url"`
	Icons       []string `json:"icons"`
}

// Participant is one side of a pairing or session (§3).
type Participant struct {
	PublicKey string      `json:"publicKey"`
	Metadata  AppMetadata `json:"metadata"`
}

// RelayProtocol identifies the relay sub-protocol a sequence runs over,
// embedded in the pairing URI's relay field (§6).
type RelayProtocol struct {
	Protocol string `json:"protocol"`
}

// BlockchainPermissions restricts which CAIP-2 chains a session may be
// targeted against (§3).
type BlockchainPermissions struct {
	Chains []string `json:"chains"`
}

// JSONRPCPermissions restricts which methods a session may carry (§3).
type JSONRPCPermissions struct {
	Methods []string `json:"methods"`
}

// ControllerPermissions names the participant authorized to mutate a
// sequence post-settlement (§3); exactly one side is controller.
type ControllerPermissions struct {
	PublicKey string `json:"publicKey"`
}

// Permissions is a session's full permission set (§3).
type Permissions struct {
	Blockchains BlockchainPermissions `json:"blockchains"`
	JSONRPC     JSONRPCPermissions    `json:"jsonrpc"`
	Controller  ControllerPermissions `json:"controller"`
}

// PairingProposal is the payload encoded into a pairing URI and
// delivered implicitly (not over the wire) to the responder (§4.6).
type PairingProposal struct {
	Topic     string        `json:"topic"`
	Relay     RelayProtocol `json:"relay"`
	Proposer  ProposerInfo  `json:"proposer"`
}

// ProposerInfo is the proposer-side half of a pairing proposal.
type ProposerInfo struct {
	PublicKey  string `json:"publicKey"`
	Controller bool   `json:"controller"`
}

// PairingApproveParams is wc_pairingApprove's params (§4.6 step 4).
type PairingApproveParams struct {
	Responder ResponderInfo `json:"responder"`
	Expiry    int64         `json:"expiry"`
	State     *PairingState `json:"state,omitempty"`
}

// ResponderInfo is the responder-side half of a pairing/session
// handshake response.
type ResponderInfo struct {
	PublicKey string `json:"publicKey"`
}

// PairingState is reserved for post-settlement pairing metadata; left
// empty by this engine.
type PairingState struct{}

// PairingPayloadParams carries a nested ClientSyncJSONRPC request over
// an already-settled pairing (§4.7); used to bootstrap session_propose.
type PairingPayloadParams struct {
	Request json.RawMessage `json:"request"`
}

// PairingDeleteParams is wc_pairingDelete's params.
type PairingDeleteParams struct {
	Reason Reason `json:"reason"`
}

// Reason is a JSON-RPC-flavoured disconnect/reject reason (§4.7,
// "disconnect(topic, reason={code, message})").
type Reason struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// SessionProposeParams is wc_sessionPropose's params (§4.7).
type SessionProposeParams struct {
	Topic       string      `json:"topic"`
	Relay       RelayProtocol `json:"relay"`
	Proposer    Participant `json:"proposer"`
	Permissions Permissions `json:"permissions"`
	TTL         int64       `json:"ttl"`
}

// SessionApproveParams is wc_sessionApprove's params (§4.7).
type SessionApproveParams struct {
	Responder Participant `json:"responder"`
	Expiry    int64       `json:"expiry"`
	State     *PairingState `json:"state,omitempty"`
}

// SessionRejectParams is wc_sessionReject's params (§4.7).
type SessionRejectParams struct {
	Reason Reason `json:"reason"`
}

// RequestParams is the inner JSON-RPC method/params carried by
// session_payload (§3, §4.7).
type RequestParams struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// SessionPayloadParams is wc_sessionPayload's params (§4.7).
type SessionPayloadParams struct {
	Request RequestParams `json:"request"`
	ChainID string        `json:"chainId,omitempty"`
}

// SessionDeleteParams is wc_sessionDelete's params (§4.7).
type SessionDeleteParams struct {
	Reason Reason `json:"reason"`
}

// SessionUpdateParams is reserved per §9's "session update is stubbed"
// design note; this engine publishes it but never mutates local state
// from it.
type SessionUpdateParams struct {
	Permissions Permissions `json:"permissions"`
}

// SessionUpgradeParams mirrors SessionUpdateParams for the upgrade
// extension point (§9).
type SessionUpgradeParams struct {
	Permissions Permissions `json:"permissions"`
}

// ClientSyncJSONRPC is the discriminated request envelope exchanged on
// every topic (§3). Params is left as json.RawMessage so the serializer
// can decode the envelope before knowing which concrete params type
// Method implies.
type ClientSyncJSONRPC struct {
	ID      int64           `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Method  Method          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// NewRequest builds a ClientSyncJSONRPC envelope, marshalling params.
func NewRequest(id int64, method Method, params interface{}) (*ClientSyncJSONRPC, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &ClientSyncJSONRPC{ID: id, JSONRPC: "2.0", Method: method, Params: raw}, nil
}

// Response is a JSON-RPC 2.0 response: either a Result or an Error, never
// both (§3).
type Response struct {
	ID      int64           `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return e.Message }

// IsError reports whether r carries an error rather than a result.
func (r *Response) IsError() bool { return r.Error != nil }

// NewResultResponse builds a successful Response.
func NewResultResponse(id int64, result interface{}) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Response{ID: id, JSONRPC: "2.0", Result: raw}, nil
}

// NewErrorResponse builds an error Response.
func NewErrorResponse(id int64, code int, message string) *Response {
	return &Response{ID: id, JSONRPC: "2.0", Error: &RPCError{Code: code, Message: message}}
}
