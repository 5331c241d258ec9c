package balancer

import (
	"context"
	"time"

	"github.com/modelrelay/modelrelay/internal/registry"
	"github.com/modelrelay/modelrelay/internal/stats"
)

// pickMinErrorRate draws backends with probability proportional to
// weight / (errorRate + epsilon), so failing backends shed traffic
// gradually instead of flapping between all-or-nothing.
//
// A backend with enough samples and an error rate above the circuit
// breaker threshold is excluded outright; it rejoins once the window
// slides past its failures. Backends below the sample floor borrow the
// mean error rate of the backends with sufficient data, so an idle
// backend is neither punished for silence nor trusted blindly.
func (b *Balancer) pickMinErrorRate(ctx context.Context, m *registry.Model, eligible []*registry.Backend) (*registry.Backend, error) {
	if b.stats == nil {
		return nil, ErrStatsRequired
	}

	opts := m.MinErrorRateOpts()
	window := stats.LastWindow(time.Duration(opts.TimeWindowMinutes) * time.Minute)

	type observation struct {
		errorRate  float64
		sufficient bool
	}
	observed := make([]observation, len(eligible))
	var knownSum float64
	var knownCount int

	for i, backend := range eligible {
		st, err := b.stats.GetStats(ctx, backend.ID, window)
		if err != nil {
			b.logger.Warn("error-rate stats unavailable, treating backend as cold",
				"model", m.Name, "backend", backend.ID, "error", err)
			continue
		}
		rate := st.ErrorRate()
		sufficient := st.TotalRequests >= int64(opts.MinRequests)
		observed[i] = observation{errorRate: rate, sufficient: sufficient}
		if sufficient {
			knownSum += rate
			knownCount++
		}
	}

	coldRate := coldStartErrorRate
	if knownCount > 0 {
		coldRate = knownSum / float64(knownCount)
	}

	candidates := make([]*registry.Backend, 0, len(eligible))
	weights := make([]float64, 0, len(eligible))
	for i, backend := range eligible {
		obs := observed[i]
		if obs.sufficient && obs.errorRate > opts.CircuitBreakerThreshold {
			continue
		}
		effective := coldRate
		if obs.sufficient {
			effective = obs.errorRate
		}
		candidates = append(candidates, backend)
		weights = append(weights, float64(backend.Weight)/(effective+opts.Epsilon))
	}

	if len(candidates) == 0 {
		b.logger.Warn("every eligible backend is circuit-broken, degrading to weighted selection",
			"model", m.Name, "backends", len(eligible))
		return b.pickWeighted(eligible), nil
	}

	return b.weightedDraw(candidates, weights), nil
}
