package auth

import (
	"context"
	"time"
)

// Store looks up caller credentials.
type Store interface {
	// GetByKey returns the credential for key, or (nil, nil) when none exists.
	GetByKey(ctx context.Context, key string) (*APIKey, error)
	// TouchLastUsed records when key last authenticated a request.
	TouchLastUsed(ctx context.Context, key string, usedAt time.Time) error
}
