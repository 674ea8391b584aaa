package client

import (
	"github.com/walletconnect-go/wcrelay/internal/pairing"
	"github.com/walletconnect-go/wcrelay/internal/session"
	"github.com/walletconnect-go/wcrelay/internal/wire"
)

// Delegate is the full set of host-facing events §6 names, combining
// pairing.Delegate and session.Delegate into the one interface a host
// application implements.
type Delegate interface {
	// OnPairingSettled fires once a pairing completes its handshake,
	// from either the proposer or responder side.
	OnPairingSettled(p pairing.Settled)
	// OnSessionProposal fires when a session_propose arrives over a
	// settled pairing; the host decides whether to call
	// Client.Session.Approve or Client.Session.Reject.
	OnSessionProposal(p session.Proposal)
	// OnSessionRequest fires when a settled session's counterparty
	// sends a session_payload request that passed permission
	// validation; the host responds with Client.Session.Respond.
	OnSessionRequest(topic string, id int64, request wire.RequestParams, chainID string)
	// OnSessionSettled fires once a session completes its handshake.
	OnSessionSettled(s session.Settled)
	// OnSessionRejected fires when the responder declines a session
	// proposal this client made.
	OnSessionRejected(topic string, reason wire.Reason)
	// OnSessionDeleted fires when the counterparty tears a settled
	// session down, or the expiry sweep does (§9 "synthetic expired
	// reason").
	OnSessionDeleted(topic string, reason wire.Reason)
}

// NoopDelegate implements Delegate with no-ops, so a host that only
// cares about a subset of events can embed it and override the rest.
type NoopDelegate struct{}

func (NoopDelegate) OnPairingSettled(pairing.Settled)                          {}
func (NoopDelegate) OnSessionProposal(session.Proposal)                        {}
func (NoopDelegate) OnSessionRequest(string, int64, wire.RequestParams, string) {}
func (NoopDelegate) OnSessionSettled(session.Settled)                          {}
func (NoopDelegate) OnSessionRejected(string, wire.Reason)                     {}
func (NoopDelegate) OnSessionDeleted(string, wire.Reason)                      {}
