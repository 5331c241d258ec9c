// Package runner drives synthetic chat-completion traffic at a relay and
// reports end-to-end latency, time-to-first-token, and the per-backend
// split observed through X-Backend-ID response headers.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// Config holds one load run's parameters.
type Config struct {
	Target      string        // relay base URL
	Token       string        // caller api key sent as Bearer
	Model       string        // model name to request
	Requests    int           // total requests
	Concurrency int           // concurrent workers
	Stream      bool          // request SSE responses and measure TTFT
	Name        string        // label stamped on the result
}

// Result aggregates one load run.
type Result struct {
	Name        string    `json:"name"`
	Target      string    `json:"target"`
	Model       string    `json:"model"`
	Stream      bool      `json:"stream"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	Concurrency int       `json:"concurrency"`

	TotalRequests   int64   `json:"total_requests"`
	SuccessRequests int64   `json:"success_requests"`
	FailedRequests  int64   `json:"failed_requests"`
	RPS             float64 `json:"rps"`

	Latency Distribution `json:"latency"`
	// TTFT is populated only for streaming runs: elapsed until the first
	// response body byte, per request.
	TTFT Distribution `json:"ttft,omitempty"`

	// BackendSplit counts successful responses per X-Backend-ID value.
	// Against a weighted model this converges to the configured ratios.
	BackendSplit map[string]int64 `json:"backend_split"`
}

// Distribution summarizes a latency-like series.
type Distribution struct {
	Min  time.Duration `json:"min"`
	Max  time.Duration `json:"max"`
	Mean time.Duration `json:"mean"`
	P50  time.Duration `json:"p50"`
	P95  time.Duration `json:"p95"`
	P99  time.Duration `json:"p99"`
}

type sample struct {
	latency time.Duration
	ttft    time.Duration
	backend string
	failed  bool
}

// Runner executes load runs.
type Runner struct {
	client *http.Client
	config Config
}

// NewRunner creates a runner sized for the configured concurrency.
func NewRunner(cfg Config) *Runner {
	return &Runner{
		client: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        cfg.Concurrency * 2,
				MaxIdleConnsPerHost: cfg.Concurrency * 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		config: cfg,
	}
}

// Run fires the configured number of requests and aggregates the outcome.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	result := &Result{
		Name:         r.config.Name,
		Target:       r.config.Target,
		Model:        r.config.Model,
		Stream:       r.config.Stream,
		StartTime:    time.Now(),
		Concurrency:  r.config.Concurrency,
		BackendSplit: make(map[string]int64),
	}

	body, err := json.Marshal(map[string]any{
		"model": r.config.Model,
		"messages": []map[string]string{
			{"role": "user", "content": "Reply with a short greeting."},
		},
		"stream": r.config.Stream,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}

	jobs := make(chan struct{}, r.config.Requests)
	samples := make(chan sample, r.config.Requests)

	var wg sync.WaitGroup
	for i := 0; i < r.config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				samples <- r.send(ctx, body)
			}
		}()
	}

fill:
	for i := 0; i < r.config.Requests; i++ {
		select {
		case jobs <- struct{}{}:
		case <-ctx.Done():
			break fill
		}
	}
	close(jobs)
	wg.Wait()
	close(samples)

	var latencies, ttfts []time.Duration
	for s := range samples {
		result.TotalRequests++
		if s.failed {
			result.FailedRequests++
			continue
		}
		result.SuccessRequests++
		latencies = append(latencies, s.latency)
		if s.ttft > 0 {
			ttfts = append(ttfts, s.ttft)
		}
		if s.backend != "" {
			result.BackendSplit[s.backend]++
		}
	}

	result.EndTime = time.Now()
	elapsed := result.EndTime.Sub(result.StartTime)
	if elapsed > 0 {
		result.RPS = float64(result.SuccessRequests) / elapsed.Seconds()
	}
	result.Latency = summarize(latencies)
	result.TTFT = summarize(ttfts)

	return result, nil
}

// send issues one request. For streaming runs the first body byte marks
// TTFT; the rest of the stream is drained to completion either way.
func (r *Runner) send(ctx context.Context, body []byte) sample {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.config.Target+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return sample{failed: true}
	}
	req.Header.Set("Content-Type", "application/json")
	if r.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.config.Token)
	}

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		return sample{failed: true}
	}
	defer resp.Body.Close()

	s := sample{backend: resp.Header.Get("X-Backend-ID")}

	if r.config.Stream {
		var first [1]byte
		if _, err := io.ReadFull(resp.Body, first[:]); err != nil {
			s.failed = true
			return s
		}
		s.ttft = time.Since(start)
	}

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		s.failed = true
		return s
	}
	s.latency = time.Since(start)
	s.failed = resp.StatusCode >= 400
	return s
}

func summarize(series []time.Duration) Distribution {
	if len(series) == 0 {
		return Distribution{}
	}
	sort.Slice(series, func(i, j int) bool { return series[i] < series[j] })

	var total time.Duration
	for _, d := range series {
		total += d
	}

	return Distribution{
		Min:  series[0],
		Max:  series[len(series)-1],
		Mean: total / time.Duration(len(series)),
		P50:  percentile(series, 50),
		P95:  percentile(series, 95),
		P99:  percentile(series, 99),
	}
}

func percentile(sorted []time.Duration, p int) time.Duration {
	idx := (len(sorted) * p) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// PrintResult writes a human-readable report to w.
func PrintResult(w io.Writer, result *Result) {
	fmt.Fprintln(w, "========================================")
	fmt.Fprintf(w, "Load run: %s\n", result.Name)
	fmt.Fprintln(w, "========================================")
	fmt.Fprintf(w, "Target:       %s\n", result.Target)
	fmt.Fprintf(w, "Model:        %s (stream=%v)\n", result.Model, result.Stream)
	fmt.Fprintf(w, "Duration:     %v\n", result.EndTime.Sub(result.StartTime).Round(time.Millisecond))
	fmt.Fprintf(w, "Concurrency:  %d\n", result.Concurrency)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Requests:")
	fmt.Fprintf(w, "  Total:      %d\n", result.TotalRequests)
	fmt.Fprintf(w, "  Success:    %d\n", result.SuccessRequests)
	fmt.Fprintf(w, "  Failed:     %d\n", result.FailedRequests)
	fmt.Fprintf(w, "  RPS:        %.2f\n", result.RPS)
	fmt.Fprintln(w)
	printDistribution(w, "Latency", result.Latency)
	if result.Stream {
		fmt.Fprintln(w)
		printDistribution(w, "TTFT", result.TTFT)
	}
	if len(result.BackendSplit) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Backend split:")
		ids := make([]string, 0, len(result.BackendSplit))
		for id := range result.BackendSplit {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			count := result.BackendSplit[id]
			fmt.Fprintf(w, "  %-16s %d (%.1f%%)\n", id, count,
				100*float64(count)/float64(result.SuccessRequests))
		}
	}
	fmt.Fprintln(w, "========================================")
}

func printDistribution(w io.Writer, label string, d Distribution) {
	fmt.Fprintf(w, "%s:\n", label)
	fmt.Fprintf(w, "  Min:        %v\n", d.Min.Round(time.Microsecond))
	fmt.Fprintf(w, "  Max:        %v\n", d.Max.Round(time.Microsecond))
	fmt.Fprintf(w, "  Mean:       %v\n", d.Mean.Round(time.Microsecond))
	fmt.Fprintf(w, "  P50:        %v\n", d.P50.Round(time.Microsecond))
	fmt.Fprintf(w, "  P95:        %v\n", d.P95.Round(time.Microsecond))
	fmt.Fprintf(w, "  P99:        %v\n", d.P99.Round(time.Microsecond))
}
