package upstream

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/goccy/go-json"

	"github.com/modelrelay/modelrelay/internal/registry"
)

// buildBedrock targets the Bedrock runtime invoke endpoints with a
// SigV4-signed request. Streaming responses arrive in AWS eventstream
// framing and are re-emitted as SSE via TransformBody.
func (b *Builder) buildBedrock(ctx context.Context, backend *registry.Backend, req *Request, body []byte, model string) (*Attempt, error) {
	cfg := backend.Bedrock

	action := "invoke"
	if req.Stream {
		action = "invoke-with-response-stream"
	}
	endpoint := fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com/model/%s/%s", cfg.Region, model, action)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header = prepareHeaders(req.Header)
	httpReq.Header.Set("Content-Type", "application/json")

	creds, err := b.credentials(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("retrieve aws credentials: %w", err)
	}

	sum := sha256.Sum256(body)
	if err := b.signer.SignHTTP(ctx, creds, httpReq, hex.EncodeToString(sum[:]), "bedrock", cfg.Region, time.Now()); err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}

	attempt := &Attempt{Request: httpReq}
	if req.Stream {
		attempt.TransformBody = eventStreamToSSE
	}
	return attempt, nil
}

// credentials resolves AWS credentials for a backend: static keys from its
// config when present, the default chain otherwise. The chain is loaded
// once and shared.
func (b *Builder) credentials(ctx context.Context, cfg *registry.BedrockConfig) (aws.Credentials, error) {
	if cfg.AccessKeyID != "" {
		return credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "").Retrieve(ctx)
	}

	b.awsOnce.Do(func() {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			b.awsErr = err
			return
		}
		b.awsChain = awsCfg.Credentials
	})
	if b.awsErr != nil {
		return aws.Credentials{}, fmt.Errorf("load aws config: %w", b.awsErr)
	}
	return b.awsChain.Retrieve(ctx)
}

// eventStreamToSSE decodes AWS eventstream framing and re-emits each chunk
// as an SSE data event. Bedrock wraps chunk payloads as {"bytes": base64};
// the decoded inner JSON is what goes on the wire. A decode failure
// mid-stream surfaces to the reader as a body error.
func eventStreamToSSE(body io.ReadCloser) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		defer body.Close()
		defer pw.Close()

		decoder := eventstream.NewDecoder()
		buf := make([]byte, 64*1024)
		for {
			msg, err := decoder.Decode(body, buf)
			if err != nil {
				if !errors.Is(err, io.EOF) {
					pw.CloseWithError(fmt.Errorf("decode event stream: %w", err))
					return
				}
				break
			}

			payload := msg.Payload
			var chunk struct {
				Bytes []byte `json:"bytes"`
			}
			if err := json.Unmarshal(payload, &chunk); err == nil && len(chunk.Bytes) > 0 {
				payload = chunk.Bytes
			}

			if _, err := fmt.Fprintf(pw, "data: %s\n\n", payload); err != nil {
				return // reader gone
			}
		}
		fmt.Fprintf(pw, "data: [DONE]\n\n")
	}()
	return pr
}
