package serializer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/walletconnect-go/wcrelay/internal/crypto"
)

type samplePayload struct {
	Method string `json:"method"`
	ID     int64  `json:"id"`
}

func TestSerializeDeserializeRoundTripEncrypted(t *testing.T) {
	keys := crypto.NewStore()
	keys.PutAgreement("topic-a", crypto.AgreementKeys{SharedSecret: fixedSecret()})
	s := New(keys)

	payload := samplePayload{Method: "wc_sessionPayload", ID: 42}
	wire, err := s.Serialize("topic-a", payload)
	require.NoError(t, err)

	var got samplePayload
	require.NoError(t, s.Deserialize("topic-a", wire, &got))
	require.Equal(t, payload, got)
}

func TestSerializeFallsBackToPlaintextWithoutAgreement(t *testing.T) {
	keys := crypto.NewStore()
	s := New(keys)

	payload := samplePayload{Method: "wc_pairingApprove", ID: 1}
	wire, err := s.Serialize("topic-b", payload)
	require.NoError(t, err)

	var got samplePayload
	require.NoError(t, s.Deserialize("topic-b", wire, &got))
	require.Equal(t, payload, got)
}

func TestDeserializeFailsOnKeyedTopicWithoutKeyedSender(t *testing.T) {
	keys := crypto.NewStore()
	s := New(keys)

	payload := samplePayload{Method: "wc_pairingApprove", ID: 1}
	wire, err := s.Serialize("topic-c", payload)
	require.NoError(t, err)

	keys.PutAgreement("topic-c", crypto.AgreementKeys{SharedSecret: fixedSecret()})
	var got samplePayload
	err = s.Deserialize("topic-c", wire, &got)
	require.Error(t, err)
}

func fixedSecret() [32]byte {
	var s [32]byte
	copy(s[:], []byte("0123456789abcdef0123456789abcde"))
	return s
}
