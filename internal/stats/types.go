// Package stats records per-request routing metrics and serves the
// windowed aggregates the load balancer and admin surface read.
package stats

import (
	"time"
)

// StreamType distinguishes TTFT populations. Streaming TTFT is
// time-to-first-byte; non-streaming TTFT equals total duration.
type StreamType string

const (
	StreamTypeStreaming    StreamType = "streaming"
	StreamTypeNonStreaming StreamType = "non-streaming"
)

// StreamTypeOf maps the request's stream flag to a StreamType.
func StreamTypeOf(isStream bool) StreamType {
	if isStream {
		return StreamTypeStreaming
	}
	return StreamTypeNonStreaming
}

// Error types recorded on failure metrics.
const (
	ErrorTypeTTFTTimeout            = "ttft_timeout"
	ErrorTypeNonStreamingProcessing = "non_streaming_processing_error"
	ErrorTypeUpstreamStatus         = "upstream_status"
	ErrorTypeNetwork                = "network_error"
	ErrorTypeStreamAborted          = "stream_aborted"
	ErrorTypeNoResponseBody         = "no_response_body"
)

// RequestMetric is one immutable record per completed attempt. RequestID
// identifies the attempt; replaying the same record must not double-count.
type RequestMetric struct {
	RequestID  string     `json:"request_id"`
	BackendID  string     `json:"backend_id"`
	InstanceID string     `json:"instance_id"`
	Model      string     `json:"model,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
	Success    bool       `json:"success"`
	DurationMs float64    `json:"duration_ms"`
	TTFTMs     float64    `json:"ttft_ms,omitempty"`
	StreamType StreamType `json:"stream_type,omitempty"`
	ErrorType  string     `json:"error_type,omitempty"`
	StatusCode int        `json:"status_code,omitempty"`
}

// hasTTFT reports whether the record contributes to TTFT means.
func (m *RequestMetric) hasTTFT() bool {
	return m.TTFTMs > 0
}

// Window bounds an aggregation query.
type Window struct {
	Start time.Time
	End   time.Time
}

// LastWindow returns the window covering the trailing duration d.
func LastWindow(d time.Duration) Window {
	now := time.Now()
	return Window{Start: now.Add(-d), End: now}
}

// Stats summarizes one backend over a window. SuccessRate is 1.0 when the
// window holds no requests: an idle backend is not a failing backend.
type Stats struct {
	BackendID               string  `json:"backend_id"`
	TotalRequests           int64   `json:"total_requests"`
	SuccessfulRequests      int64   `json:"successful_requests"`
	FailedRequests          int64   `json:"failed_requests"`
	SuccessRate             float64 `json:"success_rate"`
	AvgStreamingTTFTMs      float64 `json:"avg_streaming_ttft_ms"`
	StreamingTTFTSamples    int64   `json:"streaming_ttft_samples"`
	AvgNonStreamingTTFTMs   float64 `json:"avg_non_streaming_ttft_ms"`
	NonStreamingTTFTSamples int64   `json:"non_streaming_ttft_samples"`
}

// AvgTTFT returns the mean TTFT for the given stream mode and whether the
// window held any samples for it.
func (s *Stats) AvgTTFT(streamType StreamType) (float64, bool) {
	if streamType == StreamTypeStreaming {
		return s.AvgStreamingTTFTMs, s.StreamingTTFTSamples > 0
	}
	return s.AvgNonStreamingTTFTMs, s.NonStreamingTTFTSamples > 0
}

// ErrorRate is 1 - SuccessRate.
func (s *Stats) ErrorRate() float64 {
	return 1 - s.SuccessRate
}

// emptyStats is the zero aggregate for a backend with no traffic.
func emptyStats(backendID string) *Stats {
	return &Stats{BackendID: backendID, SuccessRate: 1.0}
}

// MinuteBucket is one backend's aggregate for one minute.
type MinuteBucket struct {
	BackendID               string    `json:"backend_id"`
	Minute                  time.Time `json:"minute"`
	TotalRequests           int64     `json:"total_requests"`
	SuccessCount            int64     `json:"success_count"`
	FailureCount            int64     `json:"failure_count"`
	AvgStreamingTTFTMs      float64   `json:"avg_streaming_ttft_ms"`
	StreamingTTFTSamples    int64     `json:"streaming_ttft_samples"`
	AvgNonStreamingTTFTMs   float64   `json:"avg_non_streaming_ttft_ms"`
	NonStreamingTTFTSamples int64     `json:"non_streaming_ttft_samples"`
}

// HistoryQuery selects minute buckets. BackendID and InstanceID are
// optional filters; Limit caps the number of buckets returned, most
// recent first.
type HistoryQuery struct {
	BackendID  string
	InstanceID string
	Start      time.Time
	End        time.Time
	Limit      int
}
