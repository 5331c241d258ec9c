package api

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/modelrelay/modelrelay/internal/affinity"
	"github.com/modelrelay/modelrelay/internal/apierr"
	"github.com/modelrelay/modelrelay/internal/httputil"
	"github.com/modelrelay/modelrelay/internal/stats"
)

// defaultStatsWindow is the trailing window admin stats cover when the
// query gives no bounds.
const defaultStatsWindow = 15 * time.Minute

// defaultHistoryLimit caps minute buckets returned without an explicit limit.
const defaultHistoryLimit = 60

// statsResponse is the /admin/stats payload.
type statsResponse struct {
	WindowStart time.Time               `json:"window_start"`
	WindowEnd   time.Time               `json:"window_end"`
	Backends    map[string]*stats.Stats `json:"backends"`
}

// AdminStats returns windowed per-backend aggregates. ?backend= narrows to
// one backend; ?start= and ?end= (RFC 3339) override the default window.
func (h *Handler) AdminStats(w http.ResponseWriter, r *http.Request) {
	window, err := parseWindow(r.URL.Query())
	if err != nil {
		httputil.WriteError(w, apierr.NewInvalidRequest(err.Error()))
		return
	}

	resp := statsResponse{
		WindowStart: window.Start,
		WindowEnd:   window.End,
		Backends:    make(map[string]*stats.Stats),
	}

	if backendID := r.URL.Query().Get("backend"); backendID != "" {
		s, err := h.stats.GetStats(r.Context(), backendID, window)
		if err != nil {
			h.logger.Error("failed to read backend stats", "backend", backendID, "error", err)
			httputil.WriteError(w, err)
			return
		}
		resp.Backends[backendID] = s
		httputil.WriteJSON(w, http.StatusOK, resp)
		return
	}

	all, err := h.stats.GetAllStats(r.Context(), window)
	if err != nil {
		h.logger.Error("failed to read stats", "error", err)
		httputil.WriteError(w, err)
		return
	}
	resp.Backends = all
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// historyResponse is the /admin/stats/history payload, most recent minute
// first.
type historyResponse struct {
	Buckets []*stats.MinuteBucket `json:"buckets"`
}

// AdminStatsHistory returns minute-bucketed series. Optional filters:
// ?backend=, ?instance=, ?start=, ?end=, ?limit=.
func (h *Handler) AdminStatsHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	window, err := parseWindow(q)
	if err != nil {
		httputil.WriteError(w, apierr.NewInvalidRequest(err.Error()))
		return
	}

	limit := defaultHistoryLimit
	if s := q.Get("limit"); s != "" {
		limit, err = strconv.Atoi(s)
		if err != nil || limit <= 0 {
			httputil.WriteError(w, apierr.NewInvalidRequest("limit must be a positive integer"))
			return
		}
	}

	buckets, err := h.stats.GetHistoricalStats(r.Context(), stats.HistoryQuery{
		BackendID:  q.Get("backend"),
		InstanceID: q.Get("instance"),
		Start:      window.Start,
		End:        window.End,
		Limit:      limit,
	})
	if err != nil {
		h.logger.Error("failed to read stats history", "error", err)
		httputil.WriteError(w, err)
		return
	}
	if buckets == nil {
		buckets = []*stats.MinuteBucket{}
	}
	httputil.WriteJSON(w, http.StatusOK, historyResponse{Buckets: buckets})
}

// activeResponse is the /admin/active payload.
type activeResponse struct {
	Backends map[string]int `json:"backends"`
}

// AdminActive returns live in-flight request counts per backend, summed
// across every proxy instance sharing the store.
func (h *Handler) AdminActive(w http.ResponseWriter, r *http.Request) {
	counts, err := h.limiter.ActiveCounts(r.Context())
	if err != nil {
		h.logger.Error("failed to read active request counts", "error", err)
		httputil.WriteError(w, apierr.NewStoreUnavailable("active request store unavailable"))
		return
	}
	if counts == nil {
		counts = map[string]int{}
	}
	httputil.WriteJSON(w, http.StatusOK, activeResponse{Backends: counts})
}

// clearAffinityResponse is the DELETE /admin/affinity payload.
type clearAffinityResponse struct {
	Cleared int `json:"cleared"`
}

// AdminClearAffinity removes session mappings matching ?model=, ?session=,
// ?backend=. At least one filter is required.
func (h *Handler) AdminClearAffinity(w http.ResponseWriter, r *http.Request) {
	if h.affinity == nil {
		httputil.WriteError(w, apierr.NewStoreUnavailable("affinity is not enabled"))
		return
	}

	q := r.URL.Query()
	filter := affinity.Filter{
		Model:     q.Get("model"),
		SessionID: q.Get("session"),
		BackendID: q.Get("backend"),
	}
	cleared, err := h.affinity.Clear(r.Context(), filter)
	if err != nil {
		if errors.Is(err, affinity.ErrEmptyFilter) {
			httputil.WriteError(w, apierr.NewInvalidRequest(err.Error()))
			return
		}
		h.logger.Error("failed to clear affinity mappings", "error", err)
		httputil.WriteError(w, err)
		return
	}

	h.logger.Info("cleared affinity mappings", "count", cleared,
		"model", filter.Model, "session", filter.SessionID, "backend", filter.BackendID)
	httputil.WriteJSON(w, http.StatusOK, clearAffinityResponse{Cleared: cleared})
}

// reloadResponse is the POST /admin/registry/reload payload.
type reloadResponse struct {
	Status  string    `json:"status"`
	Models  int       `json:"models"`
	BuiltAt time.Time `json:"built_at"`
}

// AdminReloadRegistry forces a registry reload from its sources.
func (h *Handler) AdminReloadRegistry(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Reload(r.Context()); err != nil {
		h.logger.Error("manual registry reload failed", "error", err)
		httputil.WriteError(w, err)
		return
	}

	snapshot := h.registry.Current()
	httputil.WriteJSON(w, http.StatusOK, reloadResponse{
		Status:  "ok",
		Models:  snapshot.Len(),
		BuiltAt: snapshot.BuiltAt(),
	})
}

// healthResponse is the /healthz payload.
type healthResponse struct {
	Status   string `json:"status"`
	Instance string `json:"instance"`
	Models   int    `json:"models"`
}

// Healthz is the unauthenticated liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Instance: h.instanceID,
		Models:   h.registry.Current().Len(),
	})
}

// parseWindow builds the aggregation window from ?start= and ?end=,
// defaulting to the trailing defaultStatsWindow.
func parseWindow(q url.Values) (stats.Window, error) {
	window := stats.LastWindow(defaultStatsWindow)
	if s := q.Get("start"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return window, errors.New("start must be an RFC 3339 timestamp")
		}
		window.Start = t
	}
	if s := q.Get("end"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return window, errors.New("end must be an RFC 3339 timestamp")
		}
		window.End = t
	}
	return window, nil
}
