package auth

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/modelrelay/modelrelay/internal/apierr"
	"github.com/modelrelay/modelrelay/internal/httputil"
)

// AdminAuth guards operator endpoints with a shared-secret key list.
type AdminAuth struct {
	keys   []string
	logger *slog.Logger
}

// NewAdminAuth builds the admin middleware from the configured key list.
// An empty list leaves the admin surface open and logs a warning at startup.
func NewAdminAuth(keys []string, logger *slog.Logger) *AdminAuth {
	cleaned := make([]string, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			cleaned = append(cleaned, k)
		}
	}
	if len(cleaned) == 0 {
		logger.Warn("admin authentication disabled: no admin api keys configured, admin endpoints accept unauthenticated requests")
	}
	return &AdminAuth{keys: cleaned, logger: logger}
}

// Enabled reports whether admin requests are actually checked.
func (a *AdminAuth) Enabled() bool {
	return len(a.keys) > 0
}

// Protect rejects requests whose bearer token matches no configured admin key.
func (a *AdminAuth) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		key, err := ParseAuthHeader(r.Header.Get("Authorization"))
		if err != nil {
			httputil.WriteError(w, apierr.NewUnauthorized("admin api key required"))
			return
		}
		if !a.allowed(key) {
			a.logger.Warn("rejected admin request", "key", MaskKey(key), "path", r.URL.Path)
			httputil.WriteError(w, apierr.NewUnauthorized("invalid admin api key"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *AdminAuth) allowed(key string) bool {
	match := false
	for _, k := range a.keys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			match = true
		}
	}
	return match
}
