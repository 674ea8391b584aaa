// Package secretstore implements §6's "OS-provided secret store" for
// the relay API key: an SSM Parameter Store-backed lookup. Grounded on
// the teacher's internal/aws GetParameterFromSSM/MustGetSSMParameter,
// generalized from a package-level singleton Clients holding S3, SSM,
// and SQS clients to a narrow interface holding only what the relay
// client needs.
package secretstore

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/walletconnect-go/wcrelay/pkg/errors"
)

// SecretStore resolves named secrets at runtime so an API key never has
// to live in a config file or environment variable.
type SecretStore interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SSMStore is a SecretStore backed by AWS Systems Manager Parameter
// Store, with decryption for SecureString parameters.
type SSMStore struct {
	client *ssm.Client
}

// NewSSMStore loads the default AWS SDK config for region and returns a
// SecretStore over SSM Parameter Store.
func NewSSMStore(ctx context.Context, region string) (*SSMStore, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, errors.Wrap(err, "load aws sdk config")
	}
	return &SSMStore{client: ssm.NewFromConfig(cfg)}, nil
}

// GetSecret fetches name from Parameter Store, decrypting it if it is a
// SecureString.
func (s *SSMStore) GetSecret(ctx context.Context, name string) (string, error) {
	out, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: true,
	})
	if err != nil {
		return "", errors.Wrap(err, "query parameter from ssm")
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", errors.New("ssm parameter has no value")
	}
	return *out.Parameter.Value, nil
}

// StaticStore is a SecretStore over a fixed map, used in tests and for
// local development where no SSM access is configured.
type StaticStore map[string]string

func (s StaticStore) GetSecret(_ context.Context, name string) (string, error) {
	v, ok := s[name]
	if !ok {
		return "", errors.Errorf("secret %q not found", name)
	}
	return v, nil
}
