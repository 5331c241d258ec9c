package stats

import (
	"context"
)

// Store persists request metrics and serves windowed aggregates. Reads are
// eventually consistent with writes; the balancer's cold-start rules
// tolerate empty data.
type Store interface {
	// Record appends one metric. Idempotent on RequestID.
	Record(ctx context.Context, metric *RequestMetric) error

	// GetStats aggregates one backend over the window. A backend with no
	// records yields zero counts and SuccessRate 1.0, never an error.
	GetStats(ctx context.Context, backendID string, w Window) (*Stats, error)

	// GetAllStats aggregates every backend with records in the window.
	GetAllStats(ctx context.Context, w Window) (map[string]*Stats, error)

	// GetHistoricalStats returns minute buckets matching q, most recent
	// minute first.
	GetHistoricalStats(ctx context.Context, q HistoryQuery) ([]*MinuteBucket, error)
}

// Noop satisfies Store when metrics are disabled. Writes vanish and reads
// are empty; strategies that need real data receive a nil Store instead
// and refuse to run.
type Noop struct{}

// NewNoop creates a metrics sink that discards everything.
func NewNoop() *Noop {
	return &Noop{}
}

func (n *Noop) Record(ctx context.Context, metric *RequestMetric) error {
	return nil
}

func (n *Noop) GetStats(ctx context.Context, backendID string, w Window) (*Stats, error) {
	return emptyStats(backendID), nil
}

func (n *Noop) GetAllStats(ctx context.Context, w Window) (map[string]*Stats, error) {
	return map[string]*Stats{}, nil
}

func (n *Noop) GetHistoricalStats(ctx context.Context, q HistoryQuery) ([]*MinuteBucket, error) {
	return nil, nil
}
