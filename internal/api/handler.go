// Package api implements the proxy's HTTP surface: the chat-completion
// dispatcher on the hot path and the operator admin endpoints beside it.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/modelrelay/modelrelay/internal/affinity"
	"github.com/modelrelay/modelrelay/internal/balancer"
	"github.com/modelrelay/modelrelay/internal/limiter"
	"github.com/modelrelay/modelrelay/internal/observability"
	"github.com/modelrelay/modelrelay/internal/registry"
	"github.com/modelrelay/modelrelay/internal/stats"
	"github.com/modelrelay/modelrelay/internal/upstream"
)

// Request headers honored by the dispatcher.
const (
	// HeaderBackendID pins dispatch to one backend, bypassing selection
	// and fallback entirely.
	HeaderBackendID = "X-Backend-ID"

	// HeaderSessionID keys session affinity lookups.
	HeaderSessionID = "X-Session-ID"
)

const (
	// maxRequestBodyBytes caps inbound request bodies.
	maxRequestBodyBytes int64 = 10 * 1024 * 1024

	// maxReplayBodyBytes caps the buffered upstream error body kept for
	// replay when every candidate fails.
	maxReplayBodyBytes int64 = 1 * 1024 * 1024

	// releaseTimeout bounds the slot-release write after a request ends.
	// Releases run on a background context so a canceled client cannot
	// leak the slot until the stale TTL.
	releaseTimeout = 5 * time.Second
)

// Handler serves the proxy's endpoints.
type Handler struct {
	registry   *registry.Registry
	balancer   *balancer.Balancer
	limiter    *limiter.Limiter
	affinity   *affinity.Manager
	collector  *stats.Collector
	stats      stats.Store
	upstream   *upstream.Builder
	client     *http.Client
	tracer     trace.Tracer
	logger     *slog.Logger
	instanceID string
}

// Config wires a Handler's collaborators. Registry, Balancer, Limiter,
// Collector, and Stats are required; the rest default.
type Config struct {
	Registry   *registry.Registry
	Balancer   *balancer.Balancer
	Limiter    *limiter.Limiter
	Affinity   *affinity.Manager
	Collector  *stats.Collector
	Stats      stats.Store
	Upstream   *upstream.Builder
	Client     *http.Client
	Tracer     trace.Tracer
	Logger     *slog.Logger
	InstanceID string
}

// NewHandler creates a Handler.
func NewHandler(cfg Config) *Handler {
	h := &Handler{
		registry:   cfg.Registry,
		balancer:   cfg.Balancer,
		limiter:    cfg.Limiter,
		affinity:   cfg.Affinity,
		collector:  cfg.Collector,
		stats:      cfg.Stats,
		upstream:   cfg.Upstream,
		client:     cfg.Client,
		tracer:     cfg.Tracer,
		logger:     cfg.Logger,
		instanceID: cfg.InstanceID,
	}
	if h.upstream == nil {
		h.upstream = upstream.NewBuilder()
	}
	if h.client == nil {
		h.client = upstream.NewHTTPClient()
	}
	if h.tracer == nil {
		h.tracer = otel.Tracer(observability.TracerName)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}
