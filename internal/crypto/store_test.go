package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveAgreementIsSymmetric(t *testing.T) {
	aPriv, aPub, err := GeneratePrivateKey()
	require.NoError(t, err)
	bPriv, bPub, err := GeneratePrivateKey()
	require.NoError(t, err)

	aAgree, err := DeriveAgreement(bPub, aPriv, aPub)
	require.NoError(t, err)
	bAgree, err := DeriveAgreement(aPub, bPriv, bPub)
	require.NoError(t, err)

	require.Equal(t, aAgree.SharedSecret, bAgree.SharedSecret)
}

func TestSealOpenRoundTrip(t *testing.T) {
	_, _, err := GeneratePrivateKey()
	require.NoError(t, err)

	var secret [32]byte
	copy(secret[:], []byte("0123456789abcdef0123456789abcde"))

	plaintext := []byte(`{"method":"wc_sessionPayload"}`)
	sealed, err := Seal(secret, plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, sealed)

	opened, err := Open(secret, sealed)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	var secret [32]byte
	copy(secret[:], []byte("0123456789abcdef0123456789abcde"))

	sealed, err := Seal(secret, []byte("hello"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xFF

	_, err = Open(secret, sealed)
	require.Error(t, err)
}

func TestStorePrivateKeyLifecycle(t *testing.T) {
	s := NewStore()
	priv, pub, err := GeneratePrivateKey()
	require.NoError(t, err)

	_, err = s.GetPrivateKey(pub)
	require.ErrorIs(t, err, ErrKeyNotFound)

	s.PutPrivateKey(pub, priv)
	got, err := s.GetPrivateKey(pub)
	require.NoError(t, err)
	require.Equal(t, priv, got)

	s.DropPrivateKey(pub)
	_, err = s.GetPrivateKey(pub)
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestStoreAgreementLifecycle(t *testing.T) {
	s := NewStore()
	require.False(t, s.HasAgreement("topic-a"))

	keys := AgreementKeys{}
	s.PutAgreement("topic-a", keys)
	require.True(t, s.HasAgreement("topic-a"))

	s.Drop("topic-a")
	require.False(t, s.HasAgreement("topic-a"))
}
