// Package secret resolves credential references in model route definitions.
// A reference is a URI-style string such as "env://OPENAI_KEY" or
// "vault://secret/data/openai#api_key"; a string without a scheme is used
// literally. Resolution happens when a registry snapshot is built, never on
// the request path.
package secret

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Provider retrieves secret values for one reference scheme.
type Provider interface {
	// Get retrieves the secret value at path (the part after "scheme://").
	Get(ctx context.Context, path string) (string, error)

	// Close releases any resources held by the provider.
	Close() error
}

// Resolver routes references to providers by scheme. Schemeless references
// resolve to themselves.
type Resolver struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewResolver returns a Resolver with the env scheme pre-registered.
func NewResolver() *Resolver {
	r := &Resolver{providers: make(map[string]Provider)}
	r.Register("env", envProvider{})
	return r
}

// Register binds a provider to a scheme, replacing any previous binding.
func (r *Resolver) Register(scheme string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[scheme] = p
}

// Resolve returns the value a reference points at.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	scheme, path, ok := strings.Cut(ref, "://")
	if !ok {
		return ref, nil
	}

	r.mu.RLock()
	p, found := r.providers[scheme]
	r.mu.RUnlock()
	if !found {
		return "", fmt.Errorf("no secret provider registered for scheme %q", scheme)
	}

	val, err := p.Get(ctx, path)
	if err != nil {
		return "", fmt.Errorf("resolve %s secret: %w", scheme, err)
	}
	return val, nil
}

// Close closes all registered providers.
func (r *Resolver) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []string
	for scheme, p := range r.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", scheme, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close secret providers: %s", strings.Join(errs, "; "))
	}
	return nil
}

// envProvider reads secrets from environment variables.
type envProvider struct{}

func (envProvider) Get(_ context.Context, path string) (string, error) {
	val, ok := os.LookupEnv(path)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", path)
	}
	return val, nil
}

func (envProvider) Close() error { return nil }
