package affinity

import (
	"context"
	"log/slog"

	"github.com/modelrelay/modelrelay/internal/registry"
)

// Manager applies routing policy on top of a Store: a mapping only counts
// when its backend still exists and is enabled in the current snapshot,
// and every store failure degrades to "no affinity" rather than an error.
type Manager struct {
	store  Store
	logger *slog.Logger
}

// NewManager creates an affinity manager over store.
func NewManager(store Store, logger *slog.Logger) *Manager {
	return &Manager{store: store, logger: logger}
}

// GetBackend returns the pinned backend for (model, sessionID), or nil
// when there is none. Mappings to vanished or disabled backends are
// deleted on sight so the session re-pins on its next request.
func (m *Manager) GetBackend(ctx context.Context, model *registry.Model, sessionID string) *registry.Backend {
	mapping, err := m.store.Get(ctx, model.Name, sessionID)
	if err != nil {
		m.logger.Warn("affinity lookup failed", "model", model.Name, "error", err)
		return nil
	}
	if mapping == nil {
		return nil
	}

	backend, ok := model.Backend(mapping.BackendID)
	if !ok || !backend.Enabled {
		if err := m.store.Delete(ctx, model.Name, sessionID); err != nil {
			m.logger.Warn("failed to delete stale affinity mapping",
				"model", model.Name, "backend", mapping.BackendID, "error", err)
		}
		return nil
	}

	if err := m.store.Touch(ctx, model.Name, sessionID); err != nil {
		m.logger.Warn("failed to touch affinity mapping", "model", model.Name, "error", err)
	}
	return backend
}

// SetBackend pins the session to backendID. Best-effort: failures are
// logged and never surface to the in-flight request.
func (m *Manager) SetBackend(ctx context.Context, model, sessionID, backendID string) {
	if err := m.store.Set(ctx, model, sessionID, backendID); err != nil {
		m.logger.Warn("failed to set affinity mapping",
			"model", model, "backend", backendID, "error", err)
	}
}

// Clear removes mappings matching the filter. Empty filters are rejected
// so an operator cannot wipe every session by accident.
func (m *Manager) Clear(ctx context.Context, f Filter) (int, error) {
	return m.store.Clear(ctx, f)
}
