// Package crypto is the §4.1 crypto store: it holds private keys and
// per-topic symmetric agreement keys, and performs the X25519 key
// agreement and AEAD encryption the rest of the engine needs. Grounded
// on the teacher's pkg/wallectconnect/encrypt_utils.go (legacy
// AES-256-CBC + HMAC) for the store/encrypt-decrypt split, reworked to
// v2's X25519 + AEAD per the pack's crypto teachers
// (wbd2023-UNSW-COMP6841-Ciphera's internal/crypto/key.go,
// w3nat65otr7w-sonr's crypto module) since WalletConnect v1's
// pre-shared symmetric key has no agreement step to model.
package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"

	"github.com/walletconnect-go/wcrelay/pkg/errors"
)

// ErrKeyNotFound is returned when no private key or agreement exists
// for the requested identifier (§7 "key_not_found").
var ErrKeyNotFound = errors.New("key_not_found")

// PrivateKey is a clamped X25519 scalar.
type PrivateKey [32]byte

// PublicKey is an X25519 public key.
type PublicKey [32]byte

// Hex returns the lower-case hex encoding of a public key, the wire
// representation used throughout §3/§6.
func (p PublicKey) Hex() string { return hex.EncodeToString(p[:]) }

// AgreementKeys is the result of an X25519 key agreement for one topic
// (§4.1). SharedSecret doubles as the topic's AEAD key.
type AgreementKeys struct {
	SharedSecret [32]byte
	SelfPublic   PublicKey
	PeerPublic   PublicKey
}

// Store owns all key material for a client. No key ever leaves the
// store except as a hex-encoded public key or as ciphertext (§3
// "Ownership").
type Store struct {
	mu          sync.RWMutex
	privateKeys map[PublicKey]PrivateKey
	agreements  map[string]AgreementKeys // keyed by topic
}

// NewStore returns an empty crypto store.
func NewStore() *Store {
	return &Store{
		privateKeys: make(map[PublicKey]PrivateKey),
		agreements:  make(map[string]AgreementKeys),
	}
}

// GeneratePrivateKey mints a fresh ephemeral X25519 secret key, per
// sequence as §4.1 requires. The key is not yet stored; callers that
// intend to derive an agreement from it later should PutPrivateKey it
// first.
func GeneratePrivateKey() (PrivateKey, PublicKey, error) {
	var priv PrivateKey
	if _, err := rand.Read(priv[:]); err != nil {
		return priv, PublicKey{}, errors.Wrap(err, "read random bytes for x25519 private key")
	}
	clamp(&priv)
	pub, err := scalarBaseMult(priv)
	if err != nil {
		return priv, PublicKey{}, err
	}
	return priv, pub, nil
}

func clamp(k *PrivateKey) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

func scalarBaseMult(priv PrivateKey) (PublicKey, error) {
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return PublicKey{}, errors.Wrap(err, "derive x25519 public key")
	}
	var out PublicKey
	copy(out[:], pub)
	return out, nil
}

// PutPrivateKey stores sk, indexed by its own public key so
// DeriveAgreement can later be given just the public key of "self".
func (s *Store) PutPrivateKey(pub PublicKey, sk PrivateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.privateKeys[pub] = sk
}

// GetPrivateKey returns the private key for a known public key, or
// ErrKeyNotFound.
func (s *Store) GetPrivateKey(pub PublicKey) (PrivateKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sk, ok := s.privateKeys[pub]
	if !ok {
		return PrivateKey{}, ErrKeyNotFound
	}
	return sk, nil
}

// DropPrivateKey removes a private key once its sequence settles or is
// abandoned; agreement keys carry the session forward from there.
func (s *Store) DropPrivateKey(pub PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.privateKeys, pub)
}

// DeriveAgreement performs X25519 with selfPriv against peerPub and
// returns the resulting shared secret and both public keys (§4.1).
func DeriveAgreement(peerPub PublicKey, selfPriv PrivateKey, selfPub PublicKey) (AgreementKeys, error) {
	secret, err := curve25519.X25519(selfPriv[:], peerPub[:])
	if err != nil {
		return AgreementKeys{}, errors.WrapAndReport(err, "x25519 key agreement")
	}
	var shared [32]byte
	copy(shared[:], secret)
	return AgreementKeys{SharedSecret: shared, SelfPublic: selfPub, PeerPublic: peerPub}, nil
}

// PutAgreement installs the agreement keys for topic. §3's invariant
// requires this to happen before the corresponding settled-topic
// subscription goes live; callers are responsible for that ordering.
func (s *Store) PutAgreement(topic string, keys AgreementKeys) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agreements[topic] = keys
}

// GetAgreement returns the agreement keys for topic, or ErrKeyNotFound
// if the topic carries no symmetric key (an unencrypted bootstrap
// topic, or one that was already dropped).
func (s *Store) GetAgreement(topic string) (AgreementKeys, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys, ok := s.agreements[topic]
	if !ok {
		return AgreementKeys{}, ErrKeyNotFound
	}
	return keys, nil
}

// HasAgreement reports whether topic has a symmetric key installed,
// without allocating an error for the common "check first" path.
func (s *Store) HasAgreement(topic string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.agreements[topic]
	return ok
}

// Drop removes the agreement for topic. §3's invariant: keys for topic
// T exist only as long as a sequence references T.
func (s *Store) Drop(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agreements, topic)
}

// Seal authenticates and encrypts plaintext under topic's agreement key
// using a fresh random nonce, returning nonce||ciphertext||tag (§4.1).
func Seal(sharedSecret [32]byte, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(sharedSecret[:])
	if err != nil {
		return nil, errors.Wrap(err, "construct aead cipher")
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "read random nonce")
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	return append(nonce, sealed...), nil
}

// Open reverses Seal.
func Open(sharedSecret [32]byte, wire []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(sharedSecret[:])
	if err != nil {
		return nil, errors.Wrap(err, "construct aead cipher")
	}
	if len(wire) < chacha20poly1305.NonceSize {
		return nil, errors.New("deserialization_failed: ciphertext shorter than nonce")
	}
	nonce, sealed := wire[:chacha20poly1305.NonceSize], wire[chacha20poly1305.NonceSize:]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, errors.Wrap(err, "deserialization_failed: aead open")
	}
	return plaintext, nil
}
