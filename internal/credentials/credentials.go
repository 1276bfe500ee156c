// Package credentials resolves credential identifiers used in pipeline
// definitions to secret values from Vault, environment variables or files.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"pipewarden/internal/core"
)

var (
	ErrNotFound     = errors.New("credentials: secret not found")
	ErrInvalidKey   = errors.New("credentials: invalid key")
	ErrProviderInit = errors.New("credentials: provider initialization failed")
)

// Provider is one secret backend.
type Provider interface {
	Name() string
	Get(ctx context.Context, key string) (string, error)
}

// EnvProvider reads secrets from environment variables. Keys are upper-cased
// with dots, slashes and dashes replaced by underscores, then prefixed.
type EnvProvider struct {
	prefix string
}

func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix}
}

func (p *EnvProvider) Name() string { return "env" }

func (p *EnvProvider) Get(_ context.Context, key string) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}
	envKey := p.envKey(key)
	val, ok := os.LookupEnv(envKey)
	if !ok {
		return "", fmt.Errorf("%w: env var %s", ErrNotFound, envKey)
	}
	return val, nil
}

func (p *EnvProvider) envKey(key string) string {
	k := strings.ToUpper(strings.NewReplacer(".", "_", "/", "_", "-", "_", "#", "_").Replace(key))
	return strings.ToUpper(p.prefix) + k
}

// FileProvider reads secrets from files in a directory, one secret per file.
// This matches Kubernetes and Docker secret mounts.
type FileProvider struct {
	dir string
}

func NewFileProvider(dir string) *FileProvider {
	return &FileProvider{dir: dir}
}

func (p *FileProvider) Name() string { return "file" }

func (p *FileProvider) Get(_ context.Context, key string) (string, error) {
	if key == "" || strings.Contains(key, "..") {
		return "", ErrInvalidKey
	}
	data, err := os.ReadFile(filepath.Join(p.dir, filepath.FromSlash(key)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return "", fmt.Errorf("credentials: failed to read %s: %w", key, err)
	}
	return strings.TrimRight(string(data), "\n\r"), nil
}

// Store routes an identifier of the form "scheme:key" to the provider
// registered for scheme. Identifiers without a known scheme go to the
// default provider.
type Store struct {
	mu        sync.RWMutex
	providers map[string]Provider
	fallback  string
}

var _ core.CredentialStore = (*Store)(nil)

// NewStore creates a store whose default scheme is fallback.
func NewStore(fallback string) *Store {
	return &Store{providers: map[string]Provider{}, fallback: fallback}
}

// Register adds or replaces the provider for scheme.
func (s *Store) Register(scheme string, p Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[scheme] = p
}

// Schemes lists the registered schemes.
func (s *Store) Schemes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.providers))
	for k := range s.providers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Resolve returns the secret for id. The error never contains the value.
func (s *Store) Resolve(ctx context.Context, id string) (string, error) {
	scheme, key := s.split(id)
	s.mu.RLock()
	p, ok := s.providers[scheme]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("credentials: no provider for scheme %q", scheme)
	}
	return p.Get(ctx, key)
}

func (s *Store) split(id string) (scheme, key string) {
	if before, after, found := strings.Cut(id, ":"); found {
		s.mu.RLock()
		_, known := s.providers[before]
		s.mu.RUnlock()
		if known {
			return before, after
		}
	}
	return s.fallback, id
}
