package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name       string
		err        *Error
		wantStatus int
		wantType   string
		wantCode   string
	}{
		{"model required", NewModelRequired(), http.StatusBadRequest, TypeInvalidRequest, CodeModelRequired},
		{"invalid request", NewInvalidRequest("invalid JSON"), http.StatusBadRequest, TypeInvalidRequest, CodeInvalidRequest},
		{"backend not found", NewBackendNotFound("gpt-4", "spare"), http.StatusBadRequest, TypeInvalidRequest, CodeBackendNotFound},
		{"backend disabled", NewBackendDisabled("gpt-4", "spare"), http.StatusBadRequest, TypeInvalidRequest, CodeBackendDisabled},
		{"unauthorized", NewUnauthorized("invalid api key"), http.StatusUnauthorized, TypeAuthentication, CodeInvalidAPIKey},
		{"model not allowed", NewModelNotAllowed("gpt-4"), http.StatusForbidden, TypePermissionDenied, CodeModelNotAllowed},
		{"at capacity", NewAllBackendsAtCapacity("gpt-4"), http.StatusTooManyRequests, TypeRateLimit, CodeAllBackendsAtCap},
		{"no response body", NewNoResponseBody(), http.StatusInternalServerError, TypeInternalError, CodeNoResponseBody},
		{"no backend", NewNoBackend("gpt-4"), http.StatusServiceUnavailable, TypeServiceUnavailable, CodeNoBackend},
		{"store unavailable", NewStoreUnavailable("api key store unreachable"), http.StatusServiceUnavailable, TypeServiceUnavailable, CodeStoreUnavailable},
		{"all backends failed", NewAllBackendsFailed("gpt-4"), http.StatusServiceUnavailable, TypeServiceUnavailable, CodeAllBackendsFailed},
		{"ttft timeout", NewTTFTTimeout("gpt-4"), http.StatusGatewayTimeout, TypeTimeout, CodeTTFTTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.HTTPStatusCode(); got != tt.wantStatus {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.wantStatus)
			}
			if tt.err.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", tt.err.Type, tt.wantType)
			}
			if tt.err.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.wantCode)
			}
			if tt.err.Message == "" {
				t.Error("Message should not be empty")
			}
		})
	}
}

func TestErrorMessageFormat(t *testing.T) {
	err := NewBackendNotFound("gpt-4", "spare")
	msg := err.Error()

	for _, s := range []string{TypeInvalidRequest, CodeBackendNotFound, "gpt-4", "spare", "400"} {
		if !strings.Contains(msg, s) {
			t.Errorf("error message should contain %q, got %q", s, msg)
		}
	}
}

func TestHTTPStatusCodeDefaultsTo500(t *testing.T) {
	err := &Error{Type: TypeInternalError, Message: "boom"}
	if got := err.HTTPStatusCode(); got != http.StatusInternalServerError {
		t.Errorf("HTTPStatusCode() = %d, want %d", got, http.StatusInternalServerError)
	}
}

func TestFrom(t *testing.T) {
	t.Run("passes through api errors", func(t *testing.T) {
		orig := NewNoBackend("gpt-4")
		if got := From(orig); got != orig {
			t.Errorf("From() = %v, want the original error", got)
		}
	})

	t.Run("unwraps wrapped api errors", func(t *testing.T) {
		orig := NewTTFTTimeout("gpt-4")
		wrapped := fmt.Errorf("dispatch: %w", orig)
		if got := From(wrapped); got != orig {
			t.Errorf("From() = %v, want the wrapped original", got)
		}
	})

	t.Run("hides unknown errors behind a generic 500", func(t *testing.T) {
		got := From(errors.New("dial tcp 10.0.0.1:5432: connection refused"))

		if got.HTTPStatusCode() != http.StatusInternalServerError {
			t.Errorf("HTTPStatusCode() = %d, want %d", got.HTTPStatusCode(), http.StatusInternalServerError)
		}
		if got.Type != TypeInternalError {
			t.Errorf("Type = %q, want %q", got.Type, TypeInternalError)
		}
		if strings.Contains(got.Message, "10.0.0.1") {
			t.Errorf("message leaks internal detail: %q", got.Message)
		}
	})
}
