package api

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/modelrelay/modelrelay/internal/auth"
	"github.com/modelrelay/modelrelay/internal/observability"
)

// RouterConfig wires the route table and its middleware.
type RouterConfig struct {
	Handler    *Handler
	CallerAuth *auth.CallerAuth
	AdminAuth  *auth.AdminAuth
	Tracer     trace.Tracer
	Logger     *slog.Logger
}

// NewRouter assembles the proxy's route table. Caller auth guards the
// dispatch path, admin auth guards the operator surface, and the health
// probe stays open. The chain around the mux runs recover, request-id,
// tracing, then request logging.
func NewRouter(cfg RouterConfig) http.Handler {
	mux := http.NewServeMux()

	completions := http.Handler(http.HandlerFunc(cfg.Handler.ChatCompletions))
	if cfg.CallerAuth != nil {
		completions = cfg.CallerAuth.Authenticate(completions)
	}
	mux.Handle("POST /v1/chat/completions", completions)

	protect := func(h http.Handler) http.Handler {
		if cfg.AdminAuth == nil {
			return h
		}
		return cfg.AdminAuth.Protect(h)
	}
	mux.Handle("GET /admin/stats", protect(http.HandlerFunc(cfg.Handler.AdminStats)))
	mux.Handle("GET /admin/stats/history", protect(http.HandlerFunc(cfg.Handler.AdminStatsHistory)))
	mux.Handle("GET /admin/active", protect(http.HandlerFunc(cfg.Handler.AdminActive)))
	mux.Handle("DELETE /admin/affinity", protect(http.HandlerFunc(cfg.Handler.AdminClearAffinity)))
	mux.Handle("POST /admin/registry/reload", protect(http.HandlerFunc(cfg.Handler.AdminReloadRegistry)))
	mux.Handle("GET /metrics", protect(promhttp.Handler()))

	mux.HandleFunc("GET /healthz", cfg.Handler.Healthz)

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var handler http.Handler = mux
	handler = RequestLogger(logger)(handler)
	if cfg.Tracer != nil {
		handler = observability.TracingMiddleware(cfg.Tracer)(handler)
	}
	handler = observability.RequestIDMiddleware(handler)
	handler = Recover(logger)(handler)
	return handler
}
