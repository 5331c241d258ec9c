package upstream

import (
	"net/http"
	"time"
)

// NewHTTPClient returns the shared client for upstream dispatch. It has no
// overall timeout: streaming responses stay open as long as the upstream
// keeps sending. Per-attempt contexts bound connection setup and first-byte
// latency instead.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}
