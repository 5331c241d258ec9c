package secret

import (
	"context"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// VaultConfig holds connection settings for the Vault provider. Empty
// Address and Token fall back to the standard VAULT_ADDR and VAULT_TOKEN
// environment variables.
type VaultConfig struct {
	Address string
	Token   string
}

// VaultProvider reads secrets from HashiCorp Vault.
// Path format: "mount/path/to/secret#field"; #field defaults to "value".
type VaultProvider struct {
	client *vault.Client
}

// NewVaultProvider creates a Vault-backed provider.
func NewVaultProvider(cfg VaultConfig) (*VaultProvider, error) {
	vConfig := vault.DefaultConfig()
	if cfg.Address != "" {
		vConfig.Address = cfg.Address
	}

	client, err := vault.NewClient(vConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	if client.Token() == "" {
		return nil, fmt.Errorf("no vault token configured")
	}

	return &VaultProvider{client: client}, nil
}

// Get retrieves a secret from Vault, unwrapping the KV v2 "data" envelope.
func (p *VaultProvider) Get(ctx context.Context, path string) (string, error) {
	secretPath := path
	key := "value"
	if idx := strings.LastIndex(path, "#"); idx != -1 {
		secretPath = path[:idx]
		key = path[idx+1:]
	}

	secret, err := p.client.Logical().ReadWithContext(ctx, secretPath)
	if err != nil {
		return "", fmt.Errorf("read vault secret %q: %w", secretPath, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("secret %q not found", secretPath)
	}

	data := secret.Data
	if v, ok := data["data"]; ok {
		if nested, ok := v.(map[string]interface{}); ok {
			data = nested
		}
	}

	val, ok := data[key]
	if !ok {
		return "", fmt.Errorf("key %q not found in secret %q", key, secretPath)
	}
	return fmt.Sprintf("%v", val), nil
}

// Close releases resources held by the provider.
func (p *VaultProvider) Close() error { return nil }
