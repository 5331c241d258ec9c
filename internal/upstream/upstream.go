// Package upstream builds the outbound HTTP requests the dispatcher sends
// to provider backends. Each provider contributes an endpoint scheme, an
// auth mechanism, and optionally a response-body transform; everything else
// about the client's request passes through untouched.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/goccy/go-json"

	"github.com/modelrelay/modelrelay/internal/registry"
)

// Request carries the client-side material for one upstream attempt.
type Request struct {
	// Body is the client's JSON request body, already validated to parse.
	Body []byte

	// Header is the client's header set; Build takes a sanitized copy.
	Header http.Header

	// Model is the model name from the request body. Backends with a
	// model override replace it in both the body and the endpoint.
	Model string

	// Stream selects the streaming endpoint and response handling.
	Stream bool
}

// Attempt is one prepared dispatch: a signed, ready-to-send request plus an
// optional transform applied to the upstream response body before any byte
// reaches the client.
type Attempt struct {
	Request *http.Request

	// TransformBody rewraps the response body, e.g. decoding AWS
	// eventstream framing into SSE. Nil means pass through.
	TransformBody func(io.ReadCloser) io.ReadCloser
}

// Builder constructs upstream attempts. It caches the AWS default
// credential chain across requests; everything else is per-call.
type Builder struct {
	signer *v4.Signer

	awsOnce  sync.Once
	awsChain aws.CredentialsProvider
	awsErr   error
}

// NewBuilder returns a Builder ready for use by concurrent requests.
func NewBuilder() *Builder {
	return &Builder{signer: v4.NewSigner()}
}

// Build prepares the upstream attempt for backend. The returned request
// uses ctx, so per-attempt deadlines and cancellation propagate to the
// dial and the response body.
func (b *Builder) Build(ctx context.Context, backend *registry.Backend, req *Request) (*Attempt, error) {
	body := req.Body
	model := req.Model
	if backend.ModelOverride != "" {
		model = backend.ModelOverride
		rewritten, err := overrideModel(body, model)
		if err != nil {
			return nil, err
		}
		body = rewritten
	}

	switch backend.Provider {
	case registry.ProviderOpenAI:
		return buildOpenAI(ctx, backend, req, body)
	case registry.ProviderBedrock:
		return b.buildBedrock(ctx, backend, req, body, model)
	default:
		return nil, fmt.Errorf("unsupported provider %q", backend.Provider)
	}
}

// strippedHeaders never forward upstream: hop-by-hop headers plus the
// caller's proxy credentials. Content-Length is recomputed for the
// possibly rewritten body.
var strippedHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Transfer-Encoding",
	"Upgrade",
	"Host",
	"Content-Length",
	"Authorization",
}

func prepareHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	for _, h := range strippedHeaders {
		dst.Del(h)
	}
	return dst
}

// overrideModel replaces the body's model field, leaving every other field
// byte-for-byte intact.
func overrideModel(body []byte, model string) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("parse request body: %w", err)
	}

	name, err := json.Marshal(model)
	if err != nil {
		return nil, fmt.Errorf("encode model name: %w", err)
	}
	fields["model"] = name

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	return out, nil
}
