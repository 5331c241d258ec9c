package secret

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// CachedProvider decorates a Provider with a TTL cache so registry reloads
// do not hammer the backing store for unchanged references.
type CachedProvider struct {
	inner Provider
	cache *cache.Cache
}

// NewCachedProvider caches inner's values for ttl.
func NewCachedProvider(inner Provider, ttl time.Duration) *CachedProvider {
	return &CachedProvider{
		inner: inner,
		cache: cache.New(ttl, 2*ttl),
	}
}

func (p *CachedProvider) Get(ctx context.Context, path string) (string, error) {
	if val, found := p.cache.Get(path); found {
		if str, ok := val.(string); ok {
			return str, nil
		}
	}

	val, err := p.inner.Get(ctx, path)
	if err != nil {
		return "", err
	}
	p.cache.Set(path, val, cache.DefaultExpiration)
	return val, nil
}

func (p *CachedProvider) Close() error {
	return p.inner.Close()
}
