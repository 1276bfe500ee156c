package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// VaultConfig holds configuration for HashiCorp Vault.
type VaultConfig struct {
	Address   string `koanf:"address"`
	Token     string `koanf:"token"`
	MountPath string `koanf:"mount_path"`
	Namespace string `koanf:"namespace"`
}

// kvReader is the KV v2 read used by VaultProvider.
type kvReader interface {
	Get(ctx context.Context, secretPath string) (*vault.KVSecret, error)
}

// VaultProvider reads secrets from a KV v2 mount. Keys are "path" or
// "path#field"; without a field the whole secret is returned as JSON.
type VaultProvider struct {
	kv kvReader
}

func NewVaultProvider(cfg VaultConfig) (*VaultProvider, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("%w: vault address is required", ErrProviderInit)
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("%w: vault token is required", ErrProviderInit)
	}
	if cfg.MountPath == "" {
		cfg.MountPath = "secret"
	}
	vc := vault.DefaultConfig()
	vc.Address = strings.TrimRight(cfg.Address, "/")
	client, err := vault.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderInit, err)
	}
	client.SetToken(cfg.Token)
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}
	return &VaultProvider{kv: client.KVv2(cfg.MountPath)}, nil
}

func (p *VaultProvider) Name() string { return "vault" }

func (p *VaultProvider) Get(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}
	path, field := parseVaultKey(key)
	secret, err := p.kv.Get(ctx, path)
	if err != nil {
		if errors.Is(err, vault.ErrSecretNotFound) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return "", fmt.Errorf("credentials: vault read %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("%w: no data at %s", ErrNotFound, path)
	}
	if field != "" {
		val, ok := secret.Data[field]
		if !ok {
			return "", fmt.Errorf("%w: field %q not found at %s", ErrNotFound, field, path)
		}
		return fmt.Sprintf("%v", val), nil
	}
	data, err := json.Marshal(secret.Data)
	if err != nil {
		return "", fmt.Errorf("credentials: failed to marshal vault data: %w", err)
	}
	return string(data), nil
}

// parseVaultKey splits "path#field" into (path, field).
func parseVaultKey(key string) (path, field string) {
	if idx := strings.LastIndex(key, "#"); idx >= 0 {
		return key[:idx], key[idx+1:]
	}
	return key, ""
}
