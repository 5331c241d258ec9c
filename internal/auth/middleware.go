package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/modelrelay/modelrelay/internal/apierr"
	"github.com/modelrelay/modelrelay/internal/httputil"
)

// touchTimeout bounds the async last-used update so a slow store can never
// hold a goroutine hostage.
const touchTimeout = 5 * time.Second

// ParseAuthHeader extracts the API key from an Authorization header.
// Supports "Bearer <key>" and a bare "<key>".
func ParseAuthHeader(header string) (string, error) {
	if header == "" {
		return "", fmt.Errorf("authorization header is empty")
	}

	if strings.HasPrefix(header, "Bearer ") {
		key := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if key == "" {
			return "", fmt.Errorf("bearer token is empty")
		}
		return key, nil
	}

	return strings.TrimSpace(header), nil
}

// CallerAuth authenticates proxy traffic against the credential store.
type CallerAuth struct {
	store  Store
	logger *slog.Logger
}

// NewCallerAuth creates the caller-facing auth middleware.
func NewCallerAuth(store Store, logger *slog.Logger) *CallerAuth {
	return &CallerAuth{store: store, logger: logger}
}

// Authenticate resolves the bearer token and attaches the credential to the
// request context. Lookup failures are surfaced as 503 rather than 401 so
// callers can tell an outage apart from a revoked key.
func (m *CallerAuth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey, err := ParseAuthHeader(r.Header.Get("Authorization"))
		if err != nil {
			httputil.WriteError(w, apierr.NewUnauthorized(err.Error()))
			return
		}

		key, err := m.store.GetByKey(r.Context(), rawKey)
		if err != nil {
			m.logger.Error("api key lookup failed", "error", err)
			httputil.WriteError(w, apierr.NewStoreUnavailable("api key store unavailable"))
			return
		}
		if key == nil {
			m.logger.Warn("rejected unknown api key", "key", MaskKey(rawKey))
			httputil.WriteError(w, apierr.NewUnauthorized("invalid api key"))
			return
		}

		// Touch asynchronously so the hot path never waits on a write.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
			defer cancel()
			if err := m.store.TouchLastUsed(ctx, key.Key, time.Now()); err != nil {
				m.logger.Warn("failed to update api key last used",
					"key", MaskKey(key.Key), "error", err)
			}
		}()

		next.ServeHTTP(w, r.WithContext(WithAPIKey(r.Context(), key)))
	})
}
