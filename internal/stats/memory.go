package stats

import (
	"context"
	"sort"
	"sync"
	"time"
)

// defaultRetention bounds how much bucket history the memory store keeps.
const defaultRetention = 24 * time.Hour

// bucket holds running sums for one (backend, minute) pair. Sums rather
// than means so cross-minute aggregation stays exact.
type bucket struct {
	total   int64
	success int64
	failure int64

	streamingTTFTSum    float64
	streamingTTFTCount  int64
	nonStreamTTFTSum    float64
	nonStreamTTFTCount  int64
}

func (b *bucket) add(m *RequestMetric) {
	b.total++
	if m.Success {
		b.success++
	} else {
		b.failure++
	}
	if !m.hasTTFT() {
		return
	}
	switch m.StreamType {
	case StreamTypeStreaming:
		b.streamingTTFTSum += m.TTFTMs
		b.streamingTTFTCount++
	case StreamTypeNonStreaming:
		b.nonStreamTTFTSum += m.TTFTMs
		b.nonStreamTTFTCount++
	}
}

// MemoryStore is an in-process Store. Stats are local to one instance and
// lost on restart; it backs single-node deployments and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	instanceID string
	retention  time.Duration
	buckets    map[string]map[int64]*bucket // backendID -> unix minute -> bucket
	seen       map[string]int64             // requestID -> unix minute, for replay safety
	now        func() time.Time
}

// NewMemoryStore creates an in-memory metrics store.
func NewMemoryStore(instanceID string) *MemoryStore {
	return &MemoryStore{
		instanceID: instanceID,
		retention:  defaultRetention,
		buckets:    make(map[string]map[int64]*bucket),
		seen:       make(map[string]int64),
		now:        time.Now,
	}
}

func (s *MemoryStore) Record(ctx context.Context, metric *RequestMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.seen[metric.RequestID]; dup {
		return nil
	}

	minute := metric.Timestamp.Truncate(time.Minute).Unix()
	backend := s.buckets[metric.BackendID]
	if backend == nil {
		backend = make(map[int64]*bucket)
		s.buckets[metric.BackendID] = backend
	}
	b := backend[minute]
	if b == nil {
		b = &bucket{}
		backend[minute] = b
	}
	b.add(metric)
	s.seen[metric.RequestID] = minute

	s.pruneLocked()
	return nil
}

func (s *MemoryStore) GetStats(ctx context.Context, backendID string, w Window) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.aggregateLocked(backendID, w), nil
}

func (s *MemoryStore) GetAllStats(ctx context.Context, w Window) (map[string]*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make(map[string]*Stats, len(s.buckets))
	for backendID := range s.buckets {
		st := s.aggregateLocked(backendID, w)
		if st.TotalRequests > 0 {
			all[backendID] = st
		}
	}
	return all, nil
}

func (s *MemoryStore) GetHistoricalStats(ctx context.Context, q HistoryQuery) ([]*MinuteBucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// A single-process store only ever holds its own instance's records.
	if q.InstanceID != "" && q.InstanceID != s.instanceID {
		return nil, nil
	}

	var out []*MinuteBucket
	for backendID, minutes := range s.buckets {
		if q.BackendID != "" && q.BackendID != backendID {
			continue
		}
		for minute, b := range minutes {
			ts := time.Unix(minute, 0)
			if ts.Before(q.Start.Truncate(time.Minute)) || !ts.Before(q.End) {
				continue
			}
			out = append(out, &MinuteBucket{
				BackendID:               backendID,
				Minute:                  ts,
				TotalRequests:           b.total,
				SuccessCount:            b.success,
				FailureCount:            b.failure,
				AvgStreamingTTFTMs:      mean(b.streamingTTFTSum, b.streamingTTFTCount),
				StreamingTTFTSamples:    b.streamingTTFTCount,
				AvgNonStreamingTTFTMs:   mean(b.nonStreamTTFTSum, b.nonStreamTTFTCount),
				NonStreamingTTFTSamples: b.nonStreamTTFTCount,
			})
		}
	}

	// Most recent first; equal minutes ordered by backend for stable output.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Minute.Equal(out[j].Minute) {
			return out[i].Minute.After(out[j].Minute)
		}
		return out[i].BackendID < out[j].BackendID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *MemoryStore) aggregateLocked(backendID string, w Window) *Stats {
	st := emptyStats(backendID)

	var streamSum, nonStreamSum float64
	start := w.Start.Truncate(time.Minute)
	for minute, b := range s.buckets[backendID] {
		ts := time.Unix(minute, 0)
		if ts.Before(start) || !ts.Before(w.End) {
			continue
		}
		st.TotalRequests += b.total
		st.SuccessfulRequests += b.success
		st.FailedRequests += b.failure
		streamSum += b.streamingTTFTSum
		st.StreamingTTFTSamples += b.streamingTTFTCount
		nonStreamSum += b.nonStreamTTFTSum
		st.NonStreamingTTFTSamples += b.nonStreamTTFTCount
	}

	if st.TotalRequests > 0 {
		st.SuccessRate = float64(st.SuccessfulRequests) / float64(st.TotalRequests)
	}
	st.AvgStreamingTTFTMs = mean(streamSum, st.StreamingTTFTSamples)
	st.AvgNonStreamingTTFTMs = mean(nonStreamSum, st.NonStreamingTTFTSamples)
	return st
}

func (s *MemoryStore) pruneLocked() {
	cutoff := s.now().Add(-s.retention).Truncate(time.Minute).Unix()
	for backendID, minutes := range s.buckets {
		for minute := range minutes {
			if minute < cutoff {
				delete(minutes, minute)
			}
		}
		if len(minutes) == 0 {
			delete(s.buckets, backendID)
		}
	}
	for requestID, minute := range s.seen {
		if minute < cutoff {
			delete(s.seen, requestID)
		}
	}
}

func mean(sum float64, count int64) float64 {
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}
