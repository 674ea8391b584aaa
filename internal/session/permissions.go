// Package session implements the §4.7 session engine: session
// proposal/approval over an already-settled pairing, payload
// request/response, and the permission checks that gate inbound
// payloads. Grounded on the teacher's internal/walletconnect session
// shape, generalized to v2's explicit permission sets.
package session

import (
	"github.com/emirpasic/gods/sets/hashset"

	"github.com/walletconnect-go/wcrelay/internal/wire"
)

// PermissionSet indexes a session's blockchains/jsonrpc permissions as
// sets for O(1) membership checks on every inbound session_payload
// (§4.7 "Payload validation").
type PermissionSet struct {
	chains      *hashset.Set
	methods     *hashset.Set
	controller  string
	permissions wire.Permissions
}

// NewPermissionSet builds a PermissionSet from the wire permissions a
// session settled with.
func NewPermissionSet(perm wire.Permissions) *PermissionSet {
	chains := hashset.New()
	for _, c := range perm.Blockchains.Chains {
		chains.Add(c)
	}
	methods := hashset.New()
	for _, m := range perm.JSONRPC.Methods {
		methods.Add(m)
	}
	return &PermissionSet{
		chains:      chains,
		methods:     methods,
		controller:  perm.Controller.PublicKey,
		permissions: perm,
	}
}

// AllowsChain reports whether chainID is permitted. An empty chainID
// (the request carries none) is always allowed (§4.7 rule 2: "If
// request carries chainId, it must be in permissions.blockchains").
func (p *PermissionSet) AllowsChain(chainID string) bool {
	if chainID == "" {
		return true
	}
	return p.chains.Contains(chainID)
}

// AllowsMethod reports whether method is in the session's permitted
// JSON-RPC method set (§4.7 rule 3).
func (p *PermissionSet) AllowsMethod(method string) bool {
	return p.methods.Contains(method)
}

// Controller returns the public key authorized to mutate this session
// post-settlement (§3).
func (p *PermissionSet) Controller() string { return p.controller }

// Raw returns the wire permissions this set was built from.
func (p *PermissionSet) Raw() wire.Permissions { return p.permissions }
