package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const modelFileYAML = `
models:
  - model: gpt-4
    provider: openai
    strategy: weighted
    enable_affinity: true
    backends:
      - id: primary
        weight: 3
        enabled: true
        openai:
          url: https://api.openai.com
          api_key: ${RELAY_TEST_FILE_KEY}
        max_concurrent_requests: 10
      - id: fallback
        weight: 1
        enabled: true
        model_override: gpt-4-turbo
        streaming_ttft_timeout_ms: 500
        openai:
          url: https://alt.example.com
          api_key: sk-alt
`

func writeModelFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestFileSource_Load(t *testing.T) {
	t.Setenv("RELAY_TEST_FILE_KEY", "sk-from-env")
	path := writeModelFile(t, modelFileYAML)

	src := NewFileSource(path, discardLogger())
	models, err := src.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 1)

	m := models[0]
	assert.Equal(t, "gpt-4", m.Name)
	assert.Equal(t, StrategyWeighted, m.Strategy)
	assert.True(t, m.EnableAffinity)
	require.Len(t, m.Backends, 2)
	assert.Equal(t, "sk-from-env", m.Backends[0].OpenAI.APIKey)
	assert.Equal(t, 10, m.Backends[0].MaxConcurrentRequests)
	assert.Equal(t, "gpt-4-turbo", m.Backends[1].ModelOverride)
	assert.Equal(t, 500, m.Backends[1].StreamingTTFTTimeoutMs)
}

func TestFileSource_LoadErrors(t *testing.T) {
	src := NewFileSource(filepath.Join(t.TempDir(), "missing.yaml"), discardLogger())
	_, err := src.Load(context.Background())
	require.Error(t, err)

	path := writeModelFile(t, "models: [not: valid: yaml")
	src = NewFileSource(path, discardLogger())
	_, err = src.Load(context.Background())
	require.Error(t, err)
}

func TestFileSource_WatchTriggersReload(t *testing.T) {
	t.Setenv("RELAY_TEST_FILE_KEY", "sk-from-env")
	path := writeModelFile(t, modelFileYAML)

	r := New(discardLogger(), nil, NewFileSource(path, discardLogger()))
	require.NoError(t, r.Reload(context.Background()))
	require.Equal(t, 1, r.Current().Len())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Watch(ctx))

	updated := modelFileYAML + `
  - model: claude-3
    provider: bedrock
    backends:
      - id: aws
        weight: 1
        enabled: true
        bedrock:
          region: us-east-1
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	assert.Eventually(t, func() bool {
		return r.Current().Len() == 2
	}, 5*time.Second, 50*time.Millisecond, "expected the watcher to publish the added model")
}
