// Package common holds the small hashing/id helpers shared by the
// pairing and session engines.
package common

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/walletconnect-go/wcrelay/pkg/log"
)

// SHA256 returns the SHA-256 hash of buf.
func SHA256(buf []byte) []byte {
	h := sha256.New()
	h.Write(buf)
	return h.Sum(nil)
}

// SHA256HexString returns the lower-case hex-encoded SHA-256 hash of buf.
// Used to derive a sequence's settled topic from its shared secret.
func SHA256HexString(buf []byte) string {
	return hex.EncodeToString(SHA256(buf))
}

// RandomHex returns n random bytes, hex-encoded. Used to mint topics
// outside the AEAD layer, which generates its own nonces.
func RandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// MustGetJSONString marshals m to JSON for logging, swallowing the error
// and falling back to an empty object literal.
func MustGetJSONString(m interface{}) string {
	if m == nil {
		return "{}"
	}
	data, err := json.Marshal(m)
	if err != nil {
		log.Error(err)
		return "{}"
	}
	return string(data)
}
