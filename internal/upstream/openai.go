package upstream

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/modelrelay/modelrelay/internal/registry"
)

// buildOpenAI targets {url}/v1/chat/completions with bearer auth. The
// configured URL is a base; its existing path is preserved, not clobbered.
func buildOpenAI(ctx context.Context, backend *registry.Backend, req *Request, body []byte) (*Attempt, error) {
	base, err := url.Parse(backend.OpenAI.URL)
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	endpoint := base.JoinPath("v1", "chat", "completions")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header = prepareHeaders(req.Header)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+backend.OpenAI.APIKey)

	return &Attempt{Request: httpReq}, nil
}
