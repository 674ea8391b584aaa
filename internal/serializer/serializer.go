// Package serializer implements §4.2: pure functions over (topic,
// payload) that JSON-encode, optionally AEAD-encrypt under the topic's
// symmetric key, and hex-frame for the wire. Grounded on the teacher's
// client.go encryptJSONRpc/decryptJSONRpc, generalized from its fixed
// AES-CBC+HMAC envelope to a keyed/unkeyed branch driven by whether the
// crypto store holds an agreement for the topic.
package serializer

import (
	"encoding/hex"
	"encoding/json"

	"github.com/walletconnect-go/wcrelay/internal/crypto"
	"github.com/walletconnect-go/wcrelay/pkg/errors"
)

// Serializer binds the wire encode/decode functions to a crypto store.
type Serializer struct {
	keys *crypto.Store
}

// New returns a Serializer backed by keys.
func New(keys *crypto.Store) *Serializer {
	return &Serializer{keys: keys}
}

// Serialize JSON-encodes payload and, if topic has an installed
// agreement key, encrypts it; otherwise it hex-encodes the raw UTF-8
// JSON bytes. The latter path exists only for the key-less messages
// §4.2 calls out: pairing_approve arriving on the proposal topic before
// the proposer has a key to install.
func (s *Serializer) Serialize(topic string, payload interface{}) (string, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, "json-encode payload")
	}
	agreement, err := s.keys.GetAgreement(topic)
	if err != nil {
		return hex.EncodeToString(plaintext), nil
	}
	wire, err := crypto.Seal(agreement.SharedSecret, plaintext)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(wire), nil
}

// Decrypt reverses Serialize's framing (hex-decode, then AEAD-open if
// topic has an installed agreement) without assuming the plaintext's
// shape, so a caller can cheaply inspect it before picking a decode
// target (§4.4 "decode in order").
func (s *Serializer) Decrypt(topic, hexMessage string) ([]byte, error) {
	raw, err := hex.DecodeString(hexMessage)
	if err != nil {
		return nil, errors.Wrap(err, "deserialization_failed: hex-decode message")
	}
	agreement, err := s.keys.GetAgreement(topic)
	if err != nil {
		return raw, nil
	}
	return crypto.Open(agreement.SharedSecret, raw)
}

// Deserialize reverses Serialize into out, a pointer to the expected
// payload shape.
func (s *Serializer) Deserialize(topic, hexMessage string, out interface{}) error {
	plaintext, err := s.Decrypt(topic, hexMessage)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		return errors.Wrap(err, "deserialization_failed: unmarshal plaintext")
	}
	return nil
}
