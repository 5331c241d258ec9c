package auth

import "context"

type contextKey string

const apiKeyContextKey contextKey = "auth_api_key"

// WithAPIKey attaches the authenticated credential to ctx.
func WithAPIKey(ctx context.Context, key *APIKey) context.Context {
	return context.WithValue(ctx, apiKeyContextKey, key)
}

// FromContext returns the credential attached by the auth middleware.
func FromContext(ctx context.Context) (*APIKey, bool) {
	key, ok := ctx.Value(apiKeyContextKey).(*APIKey)
	return key, ok
}
