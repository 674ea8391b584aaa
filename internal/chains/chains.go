// Package chains is a small CAIP-2 chain id registry. The protocol
// treats permissions.blockchains.chains as opaque strings (§3); this
// package only gives the CLI a well-known namespace
// table to validate shapes and print friendly names against, mirroring
// the teacher's numeric-chain-id lookup table but keyed by CAIP-2 id
// instead of an EVM chain id.
package chains

import "strings"

// Blockchain describes one well-known CAIP-2 chain.
type Blockchain struct {
	// ID is the full CAIP-2 identifier, e.g. "eip155:1".
	ID string
	// Namespace is the part before the colon, e.g. "eip155".
	Namespace string
	// Reference is the part after the colon, e.g. "1".
	Reference string
	Name      string
}

var (
	Array = []*Blockchain{
		{ID: "eip155:1", Namespace: "eip155", Reference: "1", Name: "Ethereum"},
		{ID: "eip155:3", Namespace: "eip155", Reference: "3", Name: "Ropsten"},
		{ID: "eip155:4", Namespace: "eip155", Reference: "4", Name: "Rinkeby"},
		{ID: "eip155:5", Namespace: "eip155", Reference: "5", Name: "Goerli"},
		{ID: "eip155:137", Namespace: "eip155", Reference: "137", Name: "Polygon"},
		{ID: "eip155:80001", Namespace: "eip155", Reference: "80001", Name: "Mumbai"},
		{ID: "eip155:56", Namespace: "eip155", Reference: "56", Name: "BNB Smart Chain"},
		{ID: "eip155:43114", Namespace: "eip155", Reference: "43114", Name: "Avalanche"},
		{ID: "eip155:250", Namespace: "eip155", Reference: "250", Name: "Fantom"},
	}

	Mapping = func() map[string]*Blockchain {
		m := make(map[string]*Blockchain, len(Array))
		for _, b := range Array {
			m[b.ID] = b
		}
		return m
	}()
)

// Valid reports whether id has the CAIP-2 shape "namespace:reference".
// It does not require the chain to be in the well-known registry —
// permissions may legitimately name chains this build has never heard
// of.
func Valid(id string) bool {
	namespace, reference, ok := strings.Cut(id, ":")
	return ok && namespace != "" && reference != ""
}

// Name returns the friendly name for a well-known chain id, or the id
// itself if it is not in the registry.
func Name(id string) string {
	if b, ok := Mapping[id]; ok {
		return b.Name
	}
	return id
}
