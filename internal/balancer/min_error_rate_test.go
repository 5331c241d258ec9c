package balancer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/modelrelay/internal/registry"
	"github.com/modelrelay/modelrelay/internal/stats"
)

func errorRateStats(id string, total int64, errorRate float64) *stats.Stats {
	failed := int64(float64(total) * errorRate)
	return &stats.Stats{
		BackendID:          id,
		TotalRequests:      total,
		SuccessfulRequests: total - failed,
		FailedRequests:     failed,
		SuccessRate:        1 - errorRate,
	}
}

func TestMinErrorRateRequiresStats(t *testing.T) {
	b := newTestBalancer(nil, nil)
	model := testModel(registry.StrategyMinErrorRate,
		backend("a", 1, true),
		backend("b", 1, true),
	)

	_, err := b.Pick(context.Background(), Input{Model: model})
	assert.ErrorIs(t, err, ErrStatsRequired)
}

// A backend past the circuit-breaker threshold with enough samples gets
// zero traffic while a healthy peer exists.
func TestMinErrorRateCircuitBreaks(t *testing.T) {
	store := &fakeStats{byBackend: map[string]*stats.Stats{
		"bad":  errorRateStats("bad", 100, 0.95),
		"good": errorRateStats("good", 100, 0.05),
	}}
	b := newTestBalancer(store, nil)
	model := testModel(registry.StrategyMinErrorRate,
		backend("bad", 1, true),
		backend("good", 1, true),
	)

	counts := make(map[string]int)
	for i := 0; i < 1000; i++ {
		picked, err := b.Pick(context.Background(), Input{Model: model})
		require.NoError(t, err)
		counts[picked.ID]++
	}

	assert.Zero(t, counts["bad"])
	assert.Equal(t, 1000, counts["good"])
}

func TestMinErrorRateCustomThreshold(t *testing.T) {
	store := &fakeStats{byBackend: map[string]*stats.Stats{
		"bad":  errorRateStats("bad", 10, 0.6),
		"good": errorRateStats("good", 10, 0.1),
	}}
	b := newTestBalancer(store, nil)
	model := testModel(registry.StrategyMinErrorRate,
		backend("bad", 1, true),
		backend("good", 1, true),
	)
	model.MinErrorRate = &registry.MinErrorRateOptions{
		MinRequests:             5,
		CircuitBreakerThreshold: 0.5,
	}

	for i := 0; i < 100; i++ {
		picked, err := b.Pick(context.Background(), Input{Model: model})
		require.NoError(t, err)
		assert.Equal(t, "good", picked.ID)
	}
}

// Equal configured weights and error rates of 0.5 vs 0.1 give effective
// weights 1/0.501 and 1/0.101, so the healthier backend receives roughly
// 83% of selections.
func TestMinErrorRateFavorsHealthier(t *testing.T) {
	store := &fakeStats{byBackend: map[string]*stats.Stats{
		"a": errorRateStats("a", 100, 0.5),
		"b": errorRateStats("b", 100, 0.1),
	}}
	b := newTestBalancer(store, nil)
	model := testModel(registry.StrategyMinErrorRate,
		backend("a", 1, true),
		backend("b", 1, true),
	)

	const draws = 10000
	counts := make(map[string]int)
	for i := 0; i < draws; i++ {
		picked, err := b.Pick(context.Background(), Input{Model: model})
		require.NoError(t, err)
		counts[picked.ID]++
	}

	assert.InDelta(t, 8322, counts["b"], draws*0.05)
}

// Below min_requests a backend is never circuit-broken; it borrows the
// mean error rate of the sufficiently-sampled backends instead of its own.
func TestMinErrorRateInsufficientSamplesBorrowColdRate(t *testing.T) {
	store := &fakeStats{byBackend: map[string]*stats.Stats{
		"seasoned": errorRateStats("seasoned", 100, 0.5),
		"fresh":    errorRateStats("fresh", 5, 1.0),
	}}
	b := newTestBalancer(store, nil)
	model := testModel(registry.StrategyMinErrorRate,
		backend("seasoned", 1, true),
		backend("fresh", 1, true),
	)

	const draws = 10000
	counts := make(map[string]int)
	for i := 0; i < draws; i++ {
		picked, err := b.Pick(context.Background(), Input{Model: model})
		require.NoError(t, err)
		counts[picked.ID]++
	}

	// Both carry an effective rate of 0.5, so the split is even.
	assert.InDelta(t, draws/2, counts["fresh"], draws*0.05)
}

// With no sufficiently-sampled backend at all, every backend runs at the
// cold-start rate and selection reduces to configured weights.
func TestMinErrorRateNoDataReducesToWeights(t *testing.T) {
	store := &fakeStats{byBackend: map[string]*stats.Stats{}}
	b := newTestBalancer(store, nil)
	model := testModel(registry.StrategyMinErrorRate,
		backend("a", 1, true),
		backend("b", 3, true),
	)

	const draws = 10000
	counts := make(map[string]int)
	for i := 0; i < draws; i++ {
		picked, err := b.Pick(context.Background(), Input{Model: model})
		require.NoError(t, err)
		counts[picked.ID]++
	}

	assert.InDelta(t, draws/4, counts["a"], draws*0.05)
	assert.InDelta(t, 3*draws/4, counts["b"], draws*0.05)
}

// When every backend is circuit-broken the strategy degrades to plain
// weighted selection rather than refusing to route.
func TestMinErrorRateAllBrokenDegradesToWeighted(t *testing.T) {
	store := &fakeStats{byBackend: map[string]*stats.Stats{
		"a": errorRateStats("a", 100, 1.0),
		"b": errorRateStats("b", 100, 1.0),
	}}
	b := newTestBalancer(store, nil)
	model := testModel(registry.StrategyMinErrorRate,
		backend("a", 1, true),
		backend("b", 3, true),
	)

	const draws = 10000
	counts := make(map[string]int)
	for i := 0; i < draws; i++ {
		picked, err := b.Pick(context.Background(), Input{Model: model})
		require.NoError(t, err)
		counts[picked.ID]++
	}

	assert.InDelta(t, draws/4, counts["a"], draws*0.05)
	assert.InDelta(t, 3*draws/4, counts["b"], draws*0.05)
}

// The circuit is derived from the query window, so a broken backend
// rejoins once the window slides past its failures.
func TestMinErrorRateRecoversWhenWindowSlidesPastFailures(t *testing.T) {
	store := stats.NewMemoryStore("test-instance")
	for i := 0; i < 50; i++ {
		require.NoError(t, store.Record(context.Background(), &stats.RequestMetric{
			RequestID: fmt.Sprintf("old-%d", i),
			BackendID: "flaky",
			Timestamp: time.Now().Add(-20 * time.Minute),
			Success:   false,
			ErrorType: stats.ErrorTypeUpstreamStatus,
		}))
	}
	b := newTestBalancer(store, nil)
	model := testModel(registry.StrategyMinErrorRate,
		backend("flaky", 1, true),
		backend("steady", 1, true),
	)

	// A window that still covers the failures keeps the circuit open.
	model.MinErrorRate = &registry.MinErrorRateOptions{TimeWindowMinutes: 30}
	counts := make(map[string]int)
	for i := 0; i < 200; i++ {
		picked, err := b.Pick(context.Background(), Input{Model: model})
		require.NoError(t, err)
		counts[picked.ID]++
	}
	assert.Zero(t, counts["flaky"])

	// The default 15-minute window no longer sees them; traffic resumes.
	model.MinErrorRate = nil
	counts = make(map[string]int)
	for i := 0; i < 200; i++ {
		picked, err := b.Pick(context.Background(), Input{Model: model})
		require.NoError(t, err)
		counts[picked.ID]++
	}
	assert.Positive(t, counts["flaky"])
}
