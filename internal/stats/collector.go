package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// recordTimeout bounds each background metric write.
const recordTimeout = 5 * time.Second

// Collector decouples metric writes from the request path. Every record is
// written on its own goroutine; Close drains in-flight writes so shutdown
// does not drop the tail of the traffic.
type Collector struct {
	store      Store
	instanceID string
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// NewCollector creates a fire-and-forget recorder stamping instanceID on
// every metric.
func NewCollector(store Store, instanceID string, logger *slog.Logger) *Collector {
	return &Collector{store: store, instanceID: instanceID, logger: logger}
}

// RecordRequestComplete appends the metric in the background. Failures are
// logged and never affect the client response.
func (c *Collector) RecordRequestComplete(metric *RequestMetric) {
	metric.InstanceID = c.instanceID
	if metric.Timestamp.IsZero() {
		metric.Timestamp = time.Now()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := c.store.Record(ctx, metric); err != nil {
			c.logger.Warn("failed to record request metric",
				"backend", metric.BackendID, "request_id", metric.RequestID, "error", err)
		}
	}()
}

// Close waits for in-flight writes until ctx expires.
func (c *Collector) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
