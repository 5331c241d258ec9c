package balancer

import (
	"context"

	"github.com/modelrelay/modelrelay/internal/registry"
	"github.com/modelrelay/modelrelay/internal/stats"
)

// pickLowestTTFT selects the backend with the smallest mean time-to-first-
// token over the trailing window, reading the streaming or non-streaming
// population to match the request. Backends without samples are assigned
// the mean of the backends that have them, so a cold backend is neither
// favored nor starved. Ties resolve to the earliest backend in configured
// order.
func (b *Balancer) pickLowestTTFT(ctx context.Context, m *registry.Model, eligible []*registry.Backend, isStream bool) (*registry.Backend, error) {
	if b.stats == nil {
		return nil, ErrStatsRequired
	}

	window := stats.LastWindow(lowestTTFTWindow)
	streamType := stats.StreamTypeOf(isStream)

	ttfts := make([]float64, len(eligible))
	hasData := make([]bool, len(eligible))
	var knownSum float64
	var knownCount int

	for i, backend := range eligible {
		st, err := b.stats.GetStats(ctx, backend.ID, window)
		if err != nil {
			// Stale or missing data is survivable; treat the backend as cold.
			b.logger.Warn("ttft stats unavailable, treating backend as cold",
				"model", m.Name, "backend", backend.ID, "error", err)
			continue
		}
		if avg, ok := st.AvgTTFT(streamType); ok {
			ttfts[i] = avg
			hasData[i] = true
			knownSum += avg
			knownCount++
		}
	}

	coldTTFT := coldStartTTFTMs
	if knownCount > 0 {
		coldTTFT = knownSum / float64(knownCount)
	}
	for i := range ttfts {
		if !hasData[i] {
			ttfts[i] = coldTTFT
		}
	}

	best := 0
	for i := 1; i < len(eligible); i++ {
		if ttfts[i] < ttfts[best] {
			best = i
		}
	}
	return eligible[best], nil
}
