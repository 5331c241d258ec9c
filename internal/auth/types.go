// Package auth resolves caller credentials and guards the admin surface.
package auth

import (
	"time"
)

// APIKey is a caller credential. Keys are opaque bearer tokens issued out
// of band and looked up verbatim.
type APIKey struct {
	Key         string     `json:"-"`
	Description string     `json:"description,omitempty"`
	Models      []string   `json:"models,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
}

// CanAccess reports whether the key may request model. An empty allow-list
// and the "*" entry both grant every model.
func (k *APIKey) CanAccess(model string) bool {
	if len(k.Models) == 0 {
		return true
	}
	for _, m := range k.Models {
		if m == "*" || m == model {
			return true
		}
	}
	return false
}

// MaskKey returns a masked form of the key for logging.
// Example: "relay_ab...wxyz"
func MaskKey(key string) string {
	if len(key) <= 12 {
		return "***"
	}
	return key[:8] + "..." + key[len(key)-4:]
}
