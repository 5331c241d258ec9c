package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"

	"github.com/modelrelay/modelrelay/internal/apierr"
	"github.com/modelrelay/modelrelay/internal/auth"
	"github.com/modelrelay/modelrelay/internal/balancer"
	"github.com/modelrelay/modelrelay/internal/httputil"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/observability"
	"github.com/modelrelay/modelrelay/internal/pool"
	"github.com/modelrelay/modelrelay/internal/registry"
	"github.com/modelrelay/modelrelay/internal/stats"
	"github.com/modelrelay/modelrelay/internal/upstream"
)

// chatRequest is the slice of the body the proxy reads. Everything else
// passes through to the backend opaque.
type chatRequest struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// ChatCompletions proxies one chat-completion request: pick a backend,
// reserve a concurrency slot, forward under the TTFT deadline, and fall
// back across the model's remaining backends until one delivers.
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := observability.RequestIDFromContext(r.Context())
	if requestID == "" {
		requestID = observability.GenerateRequestID()
	}
	logger := h.logger.With("request_id", requestID)

	body, err := httputil.ReadLimitedBody(r.Body, maxRequestBodyBytes)
	if err != nil {
		if errors.Is(err, httputil.ErrResponseBodyTooLarge) {
			httputil.WriteError(w, apierr.NewInvalidRequest("request body too large"))
			return
		}
		httputil.WriteError(w, apierr.NewInvalidRequest("failed to read request body"))
		return
	}

	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httputil.WriteError(w, apierr.NewInvalidRequest("request body is not valid JSON"))
		return
	}
	if req.Model == "" {
		httputil.WriteError(w, apierr.NewModelRequired())
		return
	}

	if key, ok := auth.FromContext(r.Context()); ok && !key.CanAccess(req.Model) {
		logger.Warn("model not in key allow-list",
			"model", req.Model, "key", auth.MaskKey(key.Key))
		httputil.WriteError(w, apierr.NewModelNotAllowed(req.Model))
		return
	}

	model, ok := h.registry.Current().Get(req.Model)
	if !ok {
		httputil.WriteError(w, apierr.NewNoBackend(req.Model))
		return
	}

	if req.Stream {
		if _, ok := w.(http.Flusher); !ok {
			logger.Error("response writer does not support streaming")
			httputil.WriteError(w, errors.New("streaming unsupported"))
			return
		}
	}

	forceID := r.Header.Get(HeaderBackendID)
	sessionID := r.Header.Get(HeaderSessionID)
	first, err := h.balancer.Pick(r.Context(), balancer.Input{
		Model:          model,
		ForceBackendID: forceID,
		SessionID:      sessionID,
		IsStream:       req.Stream,
	})
	if err != nil {
		httputil.WriteError(w, selectionError(err, model.Name, forceID, logger))
		return
	}

	d := &dispatch{
		h:         h,
		logger:    logger,
		model:     model,
		header:    r.Header,
		body:      body,
		stream:    req.Stream,
		requestID: requestID,
		sessionID: sessionID,
		start:     start,
		forced:    forceID != "",
		tried:     make(map[string]struct{}, len(model.Backends)),
	}
	d.run(w, r, first)
}

// selectionError maps balancer errors onto the wire envelope. Forced
// selections fail loudly; anything unrecognized becomes a generic 500.
func selectionError(err error, model, forceID string, logger *slog.Logger) error {
	switch {
	case errors.Is(err, balancer.ErrBackendNotFound):
		return apierr.NewBackendNotFound(model, forceID)
	case errors.Is(err, balancer.ErrBackendDisabled):
		return apierr.NewBackendDisabled(model, forceID)
	case errors.Is(err, balancer.ErrNoBackend):
		return apierr.NewNoBackend(model)
	default:
		logger.Error("backend selection failed", "model", model, "error", err)
		return err
	}
}

// attemptFailure captures why an attempt failed and what the upstream said,
// for the exhaustion response.
type attemptFailure struct {
	backendID   string
	errorType   string
	status      int
	body        []byte
	contentType string
}

// dispatch carries one request through the candidate loop.
type dispatch struct {
	h         *Handler
	logger    *slog.Logger
	model     *registry.Model
	header    http.Header
	body      []byte
	stream    bool
	requestID string
	sessionID string
	start     time.Time

	forced  bool
	tried   map[string]struct{}
	attempt int

	// last is the most recent attempt failure. Nil after the loop means
	// every candidate was denied a slot and nothing was ever dispatched.
	last *attemptFailure
}

// run walks candidates until one serves the client or the set is exhausted.
func (d *dispatch) run(w http.ResponseWriter, r *http.Request, first *registry.Backend) {
	for candidate := first; candidate != nil; {
		d.tried[candidate.ID] = struct{}{}
		prev := d.last
		if d.serve(w, r, candidate) {
			return
		}
		if d.forced {
			// A forced backend never falls back.
			break
		}
		next := d.next()
		if next != nil && d.last != prev {
			metrics.RecordFallback(d.model.Name, candidate.ID, d.last.errorType)
			d.logger.Warn("attempt failed, falling back",
				"backend", candidate.ID, "next", next.ID, "error_type", d.last.errorType)
		}
		candidate = next
	}
	d.exhausted(w)
}

// next returns the first enabled backend, in configured order, not yet tried.
func (d *dispatch) next() *registry.Backend {
	for _, b := range d.model.EnabledBackends() {
		if _, done := d.tried[b.ID]; !done {
			return b
		}
	}
	return nil
}

// serve runs one attempt against backend. It returns true once a response
// has been committed to the client, success or not; false means the
// candidate is spent and the caller may fall back.
func (d *dispatch) serve(w http.ResponseWriter, r *http.Request, backend *registry.Backend) bool {
	d.attempt++
	attemptID := fmt.Sprintf("%s-%d", d.requestID, d.attempt)
	logger := d.logger.With("backend", backend.ID, "attempt", d.attempt)

	ctx, span := observability.StartAttemptSpan(r.Context(), d.h.tracer,
		d.model.Name, backend.ID, d.stream, d.attempt)
	defer span.End()

	if !d.h.limiter.TryAcquire(ctx, backend.ID, attemptID, backend.MaxConcurrentRequests) {
		metrics.RecordLimiterRejection(backend.ID)
		logger.Debug("backend at capacity, trying next candidate")
		return false
	}

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		d.h.limiter.Release(releaseCtx, backend.ID, attemptID)
		metrics.ActiveRequests.WithLabelValues(backend.ID).Dec()
	}
	defer release()
	metrics.ActiveRequests.WithLabelValues(backend.ID).Inc()

	var done bool
	if d.stream {
		done = d.streamAttempt(ctx, w, backend, attemptID, logger)
	} else {
		done = d.bufferedAttempt(ctx, w, backend, attemptID, logger)
	}
	if !done && d.last != nil {
		observability.RecordSpanError(span, errors.New(d.last.errorType))
	}
	return done
}

// request assembles the upstream request input for this dispatch.
func (d *dispatch) request() *upstream.Request {
	return &upstream.Request{
		Body:   d.body,
		Header: d.header,
		Model:  d.model.Name,
		Stream: d.stream,
	}
}

// remainingTTFT returns the attempt's slice of the TTFT budget, measured
// from the global request start so fallbacks cannot extend the caller's
// wait. ok is false when the budget is already spent.
func (d *dispatch) remainingTTFT(backend *registry.Backend) (time.Duration, bool) {
	timeout := backend.TTFTTimeout(d.stream)
	if timeout <= 0 {
		return 0, true
	}
	remaining := timeout - time.Since(d.start)
	if remaining <= 0 {
		return 0, false
	}
	return remaining, true
}

// streamAttempt forwards a streaming request. The TTFT deadline covers the
// dial and the wait for the first upstream body byte; once that byte is
// relayed the backend is committed and the deadline is lifted.
func (d *dispatch) streamAttempt(ctx context.Context, w http.ResponseWriter, backend *registry.Backend, attemptID string, logger *slog.Logger) bool {
	remaining, ok := d.remainingTTFT(backend)
	if !ok {
		logger.Warn("ttft budget exhausted before dispatch")
		d.fail(backend, attemptID, stats.ErrorTypeTTFTTimeout, 0, nil, "")
		return false
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var timedOut atomic.Bool
	var ttftTimer *time.Timer
	if remaining > 0 {
		ttftTimer = time.AfterFunc(remaining, func() {
			timedOut.Store(true)
			cancel()
		})
		defer ttftTimer.Stop()
	}

	attempt, err := d.h.upstream.Build(attemptCtx, backend, d.request())
	if err != nil {
		logger.Error("failed to build upstream request", "error", err)
		d.fail(backend, attemptID, stats.ErrorTypeNetwork, 0, nil, "")
		return false
	}

	resp, err := d.h.client.Do(attempt.Request)
	if err != nil {
		errType := stats.ErrorTypeNetwork
		if timedOut.Load() {
			errType = stats.ErrorTypeTTFTTimeout
		}
		logger.Warn("upstream request failed", "error_type", errType, "error", err)
		d.fail(backend, attemptID, errType, 0, nil, "")
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := httputil.ReadLimitedBody(resp.Body, maxReplayBodyBytes)
		logger.Warn("upstream returned error status", "status", resp.StatusCode)
		d.fail(backend, attemptID, stats.ErrorTypeUpstreamStatus, resp.StatusCode,
			body, resp.Header.Get("Content-Type"))
		return false
	}

	stream := resp.Body
	if attempt.TransformBody != nil {
		stream = attempt.TransformBody(resp.Body)
		defer stream.Close()
	}

	buf := pool.GetCopyBuffer()
	defer pool.PutCopyBuffer(buf)

	// First byte decides the attempt: arrive in time and the backend is
	// committed; miss the deadline or EOF early and the candidate is spent.
	var n int
	var readErr error
	for {
		n, readErr = stream.Read(*buf)
		if n > 0 || readErr != nil {
			break
		}
	}
	if n == 0 {
		switch {
		case timedOut.Load():
			logger.Warn("no first byte before ttft deadline")
			d.fail(backend, attemptID, stats.ErrorTypeTTFTTimeout, 0, nil, "")
		case errors.Is(readErr, io.EOF):
			logger.Warn("upstream stream had no body")
			d.fail(backend, attemptID, stats.ErrorTypeNoResponseBody, 0, nil, "")
		default:
			logger.Warn("upstream stream failed before first byte", "error", readErr)
			d.fail(backend, attemptID, stats.ErrorTypeNetwork, 0, nil, "")
		}
		return false
	}

	if ttftTimer != nil {
		ttftTimer.Stop()
	}
	ttft := time.Since(d.start)

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher := w.(http.Flusher)
	for {
		if n > 0 {
			if _, werr := w.Write((*buf)[:n]); werr != nil {
				logger.Warn("client write failed mid-stream", "error", werr)
				d.recordFailure(backend, attemptID, stats.ErrorTypeStreamAborted, 0)
				return true
			}
			flusher.Flush()
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				d.recordSuccess(backend, attemptID, http.StatusOK, ttft)
				d.pinSession(backend)
			} else {
				logger.Warn("upstream stream aborted", "error", readErr)
				d.recordFailure(backend, attemptID, stats.ErrorTypeStreamAborted, 0)
			}
			return true
		}
		n, readErr = stream.Read(*buf)
	}
}

// bufferedAttempt forwards a non-streaming request. The TTFT deadline covers
// the full round trip: with no tokens to stream, time to first token and
// total duration are the same measurement.
func (d *dispatch) bufferedAttempt(ctx context.Context, w http.ResponseWriter, backend *registry.Backend, attemptID string, logger *slog.Logger) bool {
	remaining, ok := d.remainingTTFT(backend)
	if !ok {
		logger.Warn("ttft budget exhausted before dispatch")
		d.fail(backend, attemptID, stats.ErrorTypeTTFTTimeout, 0, nil, "")
		return false
	}

	attemptCtx := ctx
	if remaining > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, remaining)
		defer cancel()
	}

	attempt, err := d.h.upstream.Build(attemptCtx, backend, d.request())
	if err != nil {
		logger.Error("failed to build upstream request", "error", err)
		d.fail(backend, attemptID, stats.ErrorTypeNetwork, 0, nil, "")
		return false
	}

	resp, err := d.h.client.Do(attempt.Request)
	if err != nil {
		errType := stats.ErrorTypeNetwork
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			errType = stats.ErrorTypeTTFTTimeout
		}
		logger.Warn("upstream request failed", "error_type", errType, "error", err)
		d.fail(backend, attemptID, errType, 0, nil, "")
		return false
	}
	defer resp.Body.Close()

	body, err := httputil.ReadLimitedBody(resp.Body, httputil.DefaultMaxResponseBodyBytes)
	if err != nil {
		errType := stats.ErrorTypeNetwork
		switch {
		case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
			errType = stats.ErrorTypeTTFTTimeout
		case errors.Is(err, httputil.ErrResponseBodyTooLarge):
			errType = stats.ErrorTypeNonStreamingProcessing
		}
		logger.Warn("failed to read upstream response", "error_type", errType, "error", err)
		d.fail(backend, attemptID, errType, 0, nil, "")
		return false
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if int64(len(body)) > maxReplayBodyBytes {
			body = body[:maxReplayBodyBytes]
		}
		logger.Warn("upstream returned error status", "status", resp.StatusCode)
		d.fail(backend, attemptID, stats.ErrorTypeUpstreamStatus, resp.StatusCode,
			body, resp.Header.Get("Content-Type"))
		return false
	}

	if len(body) == 0 {
		logger.Warn("upstream response had no body")
		d.fail(backend, attemptID, stats.ErrorTypeNoResponseBody, resp.StatusCode, nil, "")
		return false
	}
	if !json.Valid(body) {
		logger.Warn("upstream response is not valid JSON")
		d.fail(backend, attemptID, stats.ErrorTypeNonStreamingProcessing, resp.StatusCode, nil, "")
		return false
	}

	ttft := time.Since(d.start)
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(body); err != nil {
		logger.Warn("failed to write response to client", "error", err)
	}

	d.recordSuccess(backend, attemptID, resp.StatusCode, ttft)
	d.pinSession(backend)
	return true
}

// exhausted writes the terminal error after every candidate has been tried.
// The last upstream HTTP response is replayed verbatim to surface its
// diagnostics; other failure kinds synthesize an envelope.
func (d *dispatch) exhausted(w http.ResponseWriter) {
	if d.last == nil {
		d.logger.Warn("every candidate at capacity", "model", d.model.Name)
		httputil.WriteError(w, apierr.NewAllBackendsAtCapacity(d.model.Name))
		return
	}

	d.logger.Error("all candidates failed",
		"model", d.model.Name, "attempts", d.attempt,
		"last_backend", d.last.backendID, "last_error_type", d.last.errorType)

	switch d.last.errorType {
	case stats.ErrorTypeUpstreamStatus:
		if d.last.contentType != "" {
			w.Header().Set("Content-Type", d.last.contentType)
		}
		w.WriteHeader(d.last.status)
		if len(d.last.body) > 0 {
			if _, err := w.Write(d.last.body); err != nil {
				d.logger.Warn("failed to replay upstream error body", "error", err)
			}
		}
	case stats.ErrorTypeTTFTTimeout:
		httputil.WriteError(w, apierr.NewTTFTTimeout(d.model.Name))
	case stats.ErrorTypeNoResponseBody:
		httputil.WriteError(w, apierr.NewNoResponseBody())
	default:
		httputil.WriteError(w, apierr.NewAllBackendsFailed(d.model.Name))
	}
}

// fail records an attempt failure and keeps it as the exhaustion candidate.
func (d *dispatch) fail(backend *registry.Backend, attemptID, errorType string, status int, body []byte, contentType string) {
	d.last = &attemptFailure{
		backendID:   backend.ID,
		errorType:   errorType,
		status:      status,
		body:        body,
		contentType: contentType,
	}
	d.recordFailure(backend, attemptID, errorType, status)
}

// recordSuccess emits the attempt's metric to both pipelines. Duration and
// TTFT are anchored at the global request start, so fallback time the
// caller actually waited through is included.
func (d *dispatch) recordSuccess(backend *registry.Backend, attemptID string, status int, ttft time.Duration) {
	duration := time.Since(d.start)
	d.h.collector.RecordRequestComplete(&stats.RequestMetric{
		RequestID:  attemptID,
		BackendID:  backend.ID,
		Model:      d.model.Name,
		Success:    true,
		DurationMs: float64(duration) / float64(time.Millisecond),
		TTFTMs:     float64(ttft) / float64(time.Millisecond),
		StreamType: stats.StreamTypeOf(d.stream),
		StatusCode: status,
	})
	metrics.RecordRequest(d.model.Name, backend.ID, status, true, duration)
	metrics.RecordTTFT(d.model.Name, backend.ID, string(stats.StreamTypeOf(d.stream)), ttft)
	d.audit(backend, attemptID, true, status, "")
}

// recordFailure emits the attempt's failure metric to both pipelines.
func (d *dispatch) recordFailure(backend *registry.Backend, attemptID, errorType string, status int) {
	duration := time.Since(d.start)
	d.h.collector.RecordRequestComplete(&stats.RequestMetric{
		RequestID:  attemptID,
		BackendID:  backend.ID,
		Model:      d.model.Name,
		Success:    false,
		DurationMs: float64(duration) / float64(time.Millisecond),
		StreamType: stats.StreamTypeOf(d.stream),
		ErrorType:  errorType,
		StatusCode: status,
	})
	metrics.RecordRequest(d.model.Name, backend.ID, status, false, duration)
	d.audit(backend, attemptID, false, status, errorType)
}

// audit emits the per-request audit record for backends that ask for one.
func (d *dispatch) audit(backend *registry.Backend, attemptID string, success bool, status int, errorType string) {
	if !backend.RecordRequests {
		return
	}
	attrs := []any{
		"backend", backend.ID,
		"model", d.model.Name,
		"attempt_id", attemptID,
		"stream", d.stream,
		"success", success,
		"status", status,
		"duration_ms", float64(time.Since(d.start)) / float64(time.Millisecond),
	}
	if errorType != "" {
		attrs = append(attrs, "error_type", errorType)
	}
	d.logger.Info("request audit", attrs...)
}

// pinSession stores the session-to-backend mapping after a successful
// dispatch, when the model's policy asks for it. Best-effort on a
// background context: the response is already on its way.
func (d *dispatch) pinSession(backend *registry.Backend) {
	if d.sessionID == "" || d.h.affinity == nil || !d.model.WriteAffinityOnSuccess() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	d.h.affinity.SetBackend(ctx, d.model.Name, d.sessionID, backend.ID)
}
