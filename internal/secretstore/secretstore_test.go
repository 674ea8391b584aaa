package secretstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStaticStoreReturnsConfiguredSecret(t *testing.T) {
	s := StaticStore{"relay-api-key": "abc123"}
	v, err := s.GetSecret(context.Background(), "relay-api-key")
	require.NoError(t, err)
	require.Equal(t, "abc123", v)
}

func TestStaticStoreMissingSecret(t *testing.T) {
	s := StaticStore{}
	_, err := s.GetSecret(context.Background(), "missing")
	require.Error(t, err)
}
