package commands

import (
	"fmt"
	"sync"

	"github.com/walletconnect-go/wcrelay/internal/client"
	"github.com/walletconnect-go/wcrelay/internal/pairing"
	"github.com/walletconnect-go/wcrelay/internal/session"
	"github.com/walletconnect-go/wcrelay/internal/wire"
)

// cliDelegate prints every §6 event to stdout as it arrives and keeps
// every session proposal received so far (approved or rejected ones are
// not removed), so the REPL can refer to one by a small integer instead
// of its full topic.
type cliDelegate struct {
	client.NoopDelegate

	mu        sync.Mutex
	proposals []session.Proposal
}

func (d *cliDelegate) OnPairingSettled(p pairing.Settled) {
	fmt.Printf("[pairing settled] topic=%s peer=%s controller=%v\n", p.Topic, p.PeerPublicKey, p.Controller)
}

func (d *cliDelegate) OnSessionProposal(p session.Proposal) {
	d.mu.Lock()
	idx := len(d.proposals)
	d.proposals = append(d.proposals, p)
	d.mu.Unlock()
	fmt.Printf("[session proposal #%d] pairing=%s chains=%v methods=%v\n",
		idx, p.Topic, p.Permissions.Blockchains.Chains, p.Permissions.JSONRPC.Methods)
}

func (d *cliDelegate) OnSessionRequest(topic string, id int64, req wire.RequestParams, chainID string) {
	fmt.Printf("[session request] topic=%s id=%d chain=%s method=%s params=%s\n", topic, id, chainID, req.Method, string(req.Params))
}

func (d *cliDelegate) OnSessionSettled(s session.Settled) {
	fmt.Printf("[session settled] topic=%s peer=%s controller=%s\n", s.Topic, s.PeerPublicKey, s.Controller)
}

func (d *cliDelegate) OnSessionRejected(topic string, reason wire.Reason) {
	fmt.Printf("[session rejected] topic=%s reason=%s\n", topic, reason.Message)
}

func (d *cliDelegate) OnSessionDeleted(topic string, reason wire.Reason) {
	fmt.Printf("[session deleted] topic=%s reason=%s\n", topic, reason.Message)
}

// proposalByIndex returns the proposal the REPL session previously
// printed as #idx.
func (d *cliDelegate) proposalByIndex(idx int) (session.Proposal, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if idx < 0 || idx >= len(d.proposals) {
		return session.Proposal{}, false
	}
	return d.proposals[idx], true
}

func (d *cliDelegate) listProposals() []session.Proposal {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]session.Proposal, len(d.proposals))
	copy(out, d.proposals)
	return out
}
