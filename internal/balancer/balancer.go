// Package balancer picks the backend that serves each request. Selection
// precedence is fixed: a forced backend header wins outright, then session
// affinity, then the model's configured strategy over the eligible set
// (enabled backends with positive weight).
package balancer

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/modelrelay/modelrelay/internal/affinity"
	"github.com/modelrelay/modelrelay/internal/registry"
	"github.com/modelrelay/modelrelay/internal/stats"
)

// Selection errors. Forced-selection errors are explicit contract
// violations surfaced to the caller, never silently substituted.
var (
	// ErrNoBackend means the model has no enabled backend with positive weight.
	ErrNoBackend = errors.New("no eligible backend")

	// ErrBackendNotFound means a forced backend id names no backend of the model.
	ErrBackendNotFound = errors.New("backend not found")

	// ErrBackendDisabled means a forced backend id names a disabled backend.
	ErrBackendDisabled = errors.New("backend is disabled")

	// ErrStatsRequired means the strategy needs the metrics store and the
	// deployment runs without one.
	ErrStatsRequired = errors.New("strategy requires metrics to be enabled")
)

// lowestTTFTWindow is the trailing window the lowest-ttft strategy reads.
const lowestTTFTWindow = 15 * time.Minute

// coldStartTTFTMs is assumed for a backend with no samples when no other
// eligible backend has samples either.
const coldStartTTFTMs = 1000.0

// coldStartErrorRate is assumed for a backend below the sample floor when
// no backend has enough samples to lend its rate.
const coldStartErrorRate = 0.1

// Input carries everything one selection depends on.
type Input struct {
	Model *registry.Model

	// ForceBackendID pins the selection to one backend (X-Backend-ID).
	ForceBackendID string

	// SessionID keys affinity lookups (X-Session-ID).
	SessionID string

	// IsStream selects which TTFT population latency strategies read.
	IsStream bool
}

// Balancer selects backends. Stats may be nil when metrics are disabled;
// strategies that need them return ErrStatsRequired. Affinity may be nil
// when session pinning is not deployed.
type Balancer struct {
	stats    stats.Store
	affinity *affinity.Manager
	logger   *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Option configures a Balancer.
type Option func(*Balancer)

// WithRandSource replaces the selection RNG source, for deterministic tests.
func WithRandSource(src rand.Source) Option {
	return func(b *Balancer) {
		b.rng = rand.New(src)
	}
}

// New creates a Balancer.
func New(statsStore stats.Store, affinityMgr *affinity.Manager, logger *slog.Logger, opts ...Option) *Balancer {
	b := &Balancer{
		stats:    statsStore,
		affinity: affinityMgr,
		logger:   logger,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Pick returns the backend that should serve the request.
func (b *Balancer) Pick(ctx context.Context, in Input) (*registry.Backend, error) {
	m := in.Model

	if in.ForceBackendID != "" {
		backend, ok := m.Backend(in.ForceBackendID)
		if !ok {
			return nil, ErrBackendNotFound
		}
		if !backend.Enabled {
			return nil, ErrBackendDisabled
		}
		return backend, nil
	}

	if m.EnableAffinity && in.SessionID != "" && b.affinity != nil {
		if backend := b.affinity.GetBackend(ctx, m, in.SessionID); backend != nil {
			return backend, nil
		}
	}

	eligible := m.EligibleBackends()
	switch len(eligible) {
	case 0:
		return nil, ErrNoBackend
	case 1:
		return eligible[0], nil
	}

	switch m.Strategy {
	case registry.StrategyLowestTTFT:
		return b.pickLowestTTFT(ctx, m, eligible, in.IsStream)
	case registry.StrategyMinErrorRate:
		return b.pickMinErrorRate(ctx, m, eligible)
	default:
		return b.pickWeighted(eligible), nil
	}
}

// pickWeighted draws with probability proportional to configured weight.
func (b *Balancer) pickWeighted(eligible []*registry.Backend) *registry.Backend {
	weights := make([]float64, len(eligible))
	for i, be := range eligible {
		weights[i] = float64(be.Weight)
	}
	return b.weightedDraw(eligible, weights)
}

// weightedDraw normalizes weights and walks the cumulative distribution.
// The last element is the deterministic fallback: with well-formed weights
// the accumulator always settles first, but floating-point round-off must
// not leave the draw without a result.
func (b *Balancer) weightedDraw(backends []*registry.Backend, weights []float64) *registry.Backend {
	var total float64
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		return backends[len(backends)-1]
	}

	r := b.randFloat64()
	var cumulative float64
	for i, w := range weights {
		cumulative += w / total
		if r <= cumulative {
			return backends[i]
		}
	}
	return backends[len(backends)-1]
}

func (b *Balancer) randFloat64() float64 {
	b.rngMu.Lock()
	defer b.rngMu.Unlock()
	return b.rng.Float64()
}
