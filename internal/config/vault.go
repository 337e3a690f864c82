package config

import (
	"fmt"
	"strings"

	"github.com/hashicorp/vault/api"
)

// SecretManager reads the service's secret material (connection URLs,
// the feeder token map) from Vault. Webhook signing secrets live in
// Postgres per subscription, not here.
type SecretManager struct {
	client *api.Client
}

// NewSecretManager connects to Vault at address using token auth.
func NewSecretManager(address, token string) (*SecretManager, error) {
	cfg := api.DefaultConfig()
	cfg.Address = address

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	client.SetToken(token)

	return &SecretManager{client: client}, nil
}

// GetSecret reads the raw secret data at path. KV v2 responses keep
// their outer envelope; use GetKV2 to unwrap it.
func (s *SecretManager) GetSecret(path string) (map[string]any, error) {
	secret, err := s.client.Logical().Read(path)
	if err != nil {
		return nil, fmt.Errorf("read vault secret %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("vault secret %s is empty", path)
	}
	return secret.Data, nil
}

// GetKV2 reads from a KV v2 backend and returns the inner "data" map,
// stripping the version envelope.
func (s *SecretManager) GetKV2(path string) (map[string]any, error) {
	raw, err := s.GetSecret(path)
	if err != nil {
		return nil, err
	}
	data, ok := raw["data"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("vault secret %s is not a KV v2 payload", path)
	}
	return data, nil
}

// KV2Path builds the read path for a KV v2 secret: the mount, the
// backend's "data" segment, then the secret's own path.
func KV2Path(mount, secretPath string) string {
	return strings.TrimSuffix(mount, "/") + "/data/" + strings.TrimPrefix(secretPath, "/")
}
