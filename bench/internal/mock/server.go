// Package mock implements a stand-in chat-completions backend for load
// testing the relay without real provider traffic. It speaks just enough
// of the OpenAI wire shape: buffered and SSE responses, a configurable
// delay before the first streamed byte, and a failure-injection rate for
// exercising fallback.
package mock

import (
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
)

// Server is one fake backend. Run several with distinct IDs behind the
// relay to watch weighted selection and fallback from the outside.
type Server struct {
	// ID is stamped into completion ids ("chatcmpl-<id>-<n>") so a runner
	// can attribute responses without trusting headers.
	ID string

	// TTFT delays the first streamed chunk. Raise it past the relay's
	// streaming deadline to trigger ttft_timeout fallback on demand.
	TTFT time.Duration

	// Latency delays buffered responses.
	Latency time.Duration

	// ErrorRate is the probability of answering 502 (0.0 to 1.0).
	ErrorRate float64

	// Requests counts every completion call, including injected failures.
	Requests atomic.Int64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewServer creates a mock backend with mild default delays.
func NewServer(id string) *Server {
	return &Server{
		ID:      id,
		TTFT:    30 * time.Millisecond,
		Latency: 50 * time.Millisecond,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

type completionRequest struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// Handler returns the mock's route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", s.handleCompletions)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	n := s.Requests.Add(1)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request", http.StatusBadRequest)
		return
	}

	var req completionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	if s.roll() < s.ErrorRate {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprintf(w, `{"error":{"message":"injected failure from %s","type":"api_error"}}`, s.ID)
		return
	}

	if req.Stream {
		s.streamCompletion(w, r, req, n)
		return
	}
	s.bufferedCompletion(w, r, req, n, len(body))
}

func (s *Server) bufferedCompletion(w http.ResponseWriter, r *http.Request, req completionRequest, n int64, promptBytes int) {
	if !s.sleep(r, s.Latency) {
		return
	}

	resp := map[string]any{
		"id":      fmt.Sprintf("chatcmpl-%s-%d", s.ID, n),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   req.Model,
		"choices": []map[string]any{
			{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": fmt.Sprintf("canned reply from %s", s.ID),
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     promptBytes / 4,
			"completion_tokens": 5,
			"total_tokens":      promptBytes/4 + 5,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, req completionRequest, n int64) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Hold the entire response, headers included, until the TTFT delay
	// elapses so the relay's first-byte timer sees the full wait.
	if !s.sleep(r, s.TTFT) {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	chunks := []string{"canned", " streamed", " reply", " from", " " + s.ID, "."}
	for i, content := range chunks {
		var finish any
		if i == len(chunks)-1 {
			finish = "stop"
		}
		data, _ := json.Marshal(map[string]any{
			"id":      fmt.Sprintf("chatcmpl-%s-%d", s.ID, n),
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   req.Model,
			"choices": []map[string]any{
				{"index": 0, "delta": map[string]string{"content": content}, "finish_reason": finish},
			},
		})
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()

		if !s.sleep(r, 5*time.Millisecond) {
			return
		}
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"id":       s.ID,
		"requests": s.Requests.Load(),
	})
}

// sleep waits for d unless the caller goes away first.
func (s *Server) sleep(r *http.Request, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-time.After(d):
		return true
	case <-r.Context().Done():
		return false
	}
}

func (s *Server) roll() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}
