package balancer

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/modelrelay/internal/registry"
	"github.com/modelrelay/modelrelay/internal/stats"
)

// erroringStats fails every aggregate read, simulating a metrics outage.
type erroringStats struct {
	*stats.Noop
}

func (e *erroringStats) GetStats(ctx context.Context, backendID string, w stats.Window) (*stats.Stats, error) {
	return nil, errors.New("stats store down")
}

func streamingTTFT(id string, ms float64) *stats.Stats {
	return &stats.Stats{
		BackendID:            id,
		TotalRequests:        50,
		SuccessfulRequests:   50,
		SuccessRate:          1.0,
		AvgStreamingTTFTMs:   ms,
		StreamingTTFTSamples: 50,
	}
}

func nonStreamingTTFT(id string, ms float64) *stats.Stats {
	return &stats.Stats{
		BackendID:               id,
		TotalRequests:           50,
		SuccessfulRequests:      50,
		SuccessRate:             1.0,
		AvgNonStreamingTTFTMs:   ms,
		NonStreamingTTFTSamples: 50,
	}
}

func TestLowestTTFTRequiresStats(t *testing.T) {
	b := newTestBalancer(nil, nil)
	model := testModel(registry.StrategyLowestTTFT,
		backend("a", 1, true),
		backend("b", 1, true),
	)

	_, err := b.Pick(context.Background(), Input{Model: model})
	assert.ErrorIs(t, err, ErrStatsRequired)
}

func TestLowestTTFTPicksFastest(t *testing.T) {
	store := &fakeStats{byBackend: map[string]*stats.Stats{
		"a": streamingTTFT("a", 500),
		"b": streamingTTFT("b", 120),
		"c": streamingTTFT("c", 900),
	}}
	b := newTestBalancer(store, nil)
	model := testModel(registry.StrategyLowestTTFT,
		backend("a", 1, true),
		backend("b", 1, true),
		backend("c", 1, true),
	)

	picked, err := b.Pick(context.Background(), Input{Model: model, IsStream: true})
	require.NoError(t, err)
	assert.Equal(t, "b", picked.ID)
}

// Streaming and non-streaming TTFT are separate populations: the same
// backends rank differently depending on the request's stream mode.
func TestLowestTTFTSeparatesStreamModes(t *testing.T) {
	store := &fakeStats{byBackend: map[string]*stats.Stats{
		"a": {
			BackendID:               "a",
			TotalRequests:           50,
			SuccessRate:             1.0,
			AvgStreamingTTFTMs:      100,
			StreamingTTFTSamples:    25,
			AvgNonStreamingTTFTMs:   900,
			NonStreamingTTFTSamples: 25,
		},
		"b": {
			BackendID:               "b",
			TotalRequests:           50,
			SuccessRate:             1.0,
			AvgStreamingTTFTMs:      800,
			StreamingTTFTSamples:    25,
			AvgNonStreamingTTFTMs:   150,
			NonStreamingTTFTSamples: 25,
		},
	}}
	b := newTestBalancer(store, nil)
	model := testModel(registry.StrategyLowestTTFT,
		backend("a", 1, true),
		backend("b", 1, true),
	)

	picked, err := b.Pick(context.Background(), Input{Model: model, IsStream: true})
	require.NoError(t, err)
	assert.Equal(t, "a", picked.ID)

	picked, err = b.Pick(context.Background(), Input{Model: model, IsStream: false})
	require.NoError(t, err)
	assert.Equal(t, "b", picked.ID)
}

// A backend with no samples is assumed to run at the mean of the backends
// that do have data, not at the flat default. With one known backend at
// 2000ms the cold one ties at 2000ms and configured order breaks the tie.
func TestLowestTTFTColdBackendAssumesMeanOfKnown(t *testing.T) {
	store := &fakeStats{byBackend: map[string]*stats.Stats{
		"a": nonStreamingTTFT("a", 2000),
	}}
	b := newTestBalancer(store, nil)
	model := testModel(registry.StrategyLowestTTFT,
		backend("a", 1, true),
		backend("b", 1, true),
	)

	picked, err := b.Pick(context.Background(), Input{Model: model})
	require.NoError(t, err)
	assert.Equal(t, "a", picked.ID, "cold backend at the known mean must not undercut it")
}

func TestLowestTTFTAllColdPicksFirstConfigured(t *testing.T) {
	store := &fakeStats{byBackend: map[string]*stats.Stats{}}
	b := newTestBalancer(store, nil)
	model := testModel(registry.StrategyLowestTTFT,
		backend("b", 1, true),
		backend("a", 1, true),
	)

	picked, err := b.Pick(context.Background(), Input{Model: model})
	require.NoError(t, err)
	assert.Equal(t, "b", picked.ID)
}

func TestLowestTTFTTieBreaksByConfiguredOrder(t *testing.T) {
	store := &fakeStats{byBackend: map[string]*stats.Stats{
		"a": streamingTTFT("a", 250),
		"b": streamingTTFT("b", 250),
	}}
	b := newTestBalancer(store, nil)
	model := testModel(registry.StrategyLowestTTFT,
		backend("a", 1, true),
		backend("b", 1, true),
	)

	for i := 0; i < 10; i++ {
		picked, err := b.Pick(context.Background(), Input{Model: model, IsStream: true})
		require.NoError(t, err)
		assert.Equal(t, "a", picked.ID)
	}
}

// A metrics outage must not fail routing: every backend reads as cold and
// selection still returns a backend.
func TestLowestTTFTSurvivesStatsOutage(t *testing.T) {
	b := New(&erroringStats{}, nil, discardLogger(), WithRandSource(rand.NewSource(1)))
	model := testModel(registry.StrategyLowestTTFT,
		backend("a", 1, true),
		backend("b", 1, true),
	)

	picked, err := b.Pick(context.Background(), Input{Model: model})
	require.NoError(t, err)
	assert.Equal(t, "a", picked.ID)
}
