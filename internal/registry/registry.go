package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelrelay/modelrelay/internal/secret"
)

// Source supplies model documents from a persistent store and signals when
// they may have changed.
type Source interface {
	// Name identifies the source in logs.
	Name() string

	// Load returns all model documents.
	Load(ctx context.Context) ([]*Model, error)

	// Watch starts change detection and invokes notify on each change until
	// ctx is done. It must not block the caller.
	Watch(ctx context.Context, notify func()) error
}

// Snapshot is an immutable view of the routing table. Request handlers hold
// one snapshot for the whole request so they observe a consistent document.
type Snapshot struct {
	models  map[string]*Model
	builtAt time.Time
}

// Get returns the model with the given name.
func (s *Snapshot) Get(name string) (*Model, bool) {
	m, ok := s.models[name]
	return m, ok
}

// Len returns the number of models in the snapshot.
func (s *Snapshot) Len() int { return len(s.models) }

// Models returns all models sorted by name.
func (s *Snapshot) Models() []*Model {
	out := make([]*Model, 0, len(s.models))
	for _, m := range s.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// BuiltAt returns when the snapshot was published.
func (s *Snapshot) BuiltAt() time.Time { return s.builtAt }

// Registry reconciles model documents from its sources into an atomically
// published snapshot. Reload failures keep the last good snapshot.
type Registry struct {
	snapshot atomic.Pointer[Snapshot]
	sources  []Source
	resolver *secret.Resolver
	logger   *slog.Logger

	reloadMu sync.Mutex
}

// New creates a Registry over the given sources. Sources are consulted in
// order; the first definition of a model name wins.
func New(logger *slog.Logger, resolver *secret.Resolver, sources ...Source) *Registry {
	r := &Registry{
		sources:  sources,
		resolver: resolver,
		logger:   logger,
	}
	r.snapshot.Store(&Snapshot{models: map[string]*Model{}, builtAt: time.Now()})
	return r
}

// Current returns the latest snapshot. It never returns nil.
func (r *Registry) Current() *Snapshot {
	return r.snapshot.Load()
}

// Reload loads every source, validates and resolves the result, and
// publishes a new snapshot. On error the previous snapshot stays current.
func (r *Registry) Reload(ctx context.Context) error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	models := make(map[string]*Model)
	for _, src := range r.sources {
		loaded, err := src.Load(ctx)
		if err != nil {
			return fmt.Errorf("load models from %s: %w", src.Name(), err)
		}
		for _, m := range loaded {
			if err := m.Validate(); err != nil {
				return fmt.Errorf("%s: %w", src.Name(), err)
			}
			if _, exists := models[m.Name]; exists {
				continue
			}
			if err := r.resolveSecrets(ctx, m); err != nil {
				return fmt.Errorf("%s: model %q: %w", src.Name(), m.Name, err)
			}
			models[m.Name] = m
		}
	}

	r.snapshot.Store(&Snapshot{models: models, builtAt: time.Now()})
	r.logger.Info("model routes reloaded", "models", len(models))
	return nil
}

// Watch starts change detection on every source. Each notification triggers
// a reload; a failed reload logs and keeps the current snapshot.
func (r *Registry) Watch(ctx context.Context) error {
	notify := func() {
		if err := r.Reload(ctx); err != nil {
			r.logger.Error("failed to reload model routes, keeping current snapshot", "error", err)
		}
	}
	for _, src := range r.sources {
		if err := src.Watch(ctx, notify); err != nil {
			return fmt.Errorf("watch %s: %w", src.Name(), err)
		}
	}
	return nil
}

// resolveSecrets replaces credential references in the model's backends with
// their resolved values.
func (r *Registry) resolveSecrets(ctx context.Context, m *Model) error {
	if r.resolver == nil {
		return nil
	}
	for _, b := range m.Backends {
		switch {
		case b.OpenAI != nil:
			key, err := r.resolver.Resolve(ctx, b.OpenAI.APIKey)
			if err != nil {
				return fmt.Errorf("backend %q: %w", b.ID, err)
			}
			b.OpenAI.APIKey = key
		case b.Bedrock != nil:
			id, err := r.resolver.Resolve(ctx, b.Bedrock.AccessKeyID)
			if err != nil {
				return fmt.Errorf("backend %q: %w", b.ID, err)
			}
			secretKey, err := r.resolver.Resolve(ctx, b.Bedrock.SecretAccessKey)
			if err != nil {
				return fmt.Errorf("backend %q: %w", b.ID, err)
			}
			b.Bedrock.AccessKeyID, b.Bedrock.SecretAccessKey = id, secretKey
		}
	}
	return nil
}
