package keystore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/TheMichaelB/tresor/internal/models"
)

// SecretsClient is the part of the Secrets Manager API the source uses.
type SecretsClient interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerSource reads all system keys from one JSON secret:
//
//	{"keypair-auth": "<base64>", "password-auth": "<base64>", ...}
//
// Keys are never created here; a missing key is a configuration error.
type SecretsManagerSource struct {
	client   SecretsClient
	secretID string

	once sync.Once
	keys map[string]string
	err  error
}

// NewSecretsManagerSource uses the default AWS credential chain.
func NewSecretsManagerSource(ctx context.Context, secretID string) (*SecretsManagerSource, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	return NewSecretsManagerSourceWithClient(secretsmanager.NewFromConfig(cfg), secretID), nil
}

// NewSecretsManagerSourceWithClient uses an existing client.
func NewSecretsManagerSourceWithClient(client SecretsClient, secretID string) *SecretsManagerSource {
	return &SecretsManagerSource{client: client, secretID: secretID}
}

func (s *SecretsManagerSource) Load(ctx context.Context, name Name) ([]byte, error) {
	s.once.Do(func() { s.keys, s.err = s.fetch(ctx) })
	if s.err != nil {
		return nil, s.err
	}

	encoded, ok := s.keys[string(name)]
	if !ok {
		return nil, &models.ConfigurationError{Setting: "keys.secret_id", Value: s.secretID, Err: fmt.Errorf("secret has no %q key", name)}
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return key, nil
}

func (s *SecretsManagerSource) fetch(ctx context.Context) (map[string]string, error) {
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &s.secretID})
	if err != nil {
		return nil, fmt.Errorf("get secret value: %w", err)
	}
	if out.SecretString == nil {
		return nil, fmt.Errorf("secret has no string payload")
	}

	var keys map[string]string
	if err := json.Unmarshal([]byte(*out.SecretString), &keys); err != nil {
		return nil, fmt.Errorf("parse secret: %w", err)
	}
	return keys, nil
}
