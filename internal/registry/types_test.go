package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validOpenAIModel() *Model {
	return &Model{
		Name:     "gpt-4",
		Provider: ProviderOpenAI,
		Strategy: StrategyWeighted,
		Backends: []*Backend{
			{
				ID:      "primary",
				Weight:  1,
				Enabled: true,
				OpenAI:  &OpenAIConfig{URL: "https://api.openai.com", APIKey: "sk-test"},
			},
		},
	}
}

func TestModelValidate_OK(t *testing.T) {
	m := validOpenAIModel()
	require.NoError(t, m.Validate())

	// Backend provider is inherited from the model when omitted.
	assert.Equal(t, ProviderOpenAI, m.Backends[0].Provider)
}

func TestModelValidate_DefaultsStrategy(t *testing.T) {
	m := validOpenAIModel()
	m.Strategy = ""
	require.NoError(t, m.Validate())
	assert.Equal(t, StrategyWeighted, m.Strategy)
}

func TestModelValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Model)
		wantErr string
	}{
		{
			name:    "missing name",
			mutate:  func(m *Model) { m.Name = "" },
			wantErr: "name is required",
		},
		{
			name:    "unknown provider",
			mutate:  func(m *Model) { m.Provider = "cohere" },
			wantErr: "unknown provider",
		},
		{
			name:    "unknown strategy",
			mutate:  func(m *Model) { m.Strategy = "round-robin" },
			wantErr: "unknown strategy",
		},
		{
			name: "duplicate backend id",
			mutate: func(m *Model) {
				dup := *m.Backends[0]
				m.Backends = append(m.Backends, &dup)
			},
			wantErr: "duplicate id",
		},
		{
			name:    "provider mismatch",
			mutate:  func(m *Model) { m.Backends[0].Provider = ProviderBedrock },
			wantErr: "does not match model provider",
		},
		{
			name:    "negative weight",
			mutate:  func(m *Model) { m.Backends[0].Weight = -1 },
			wantErr: "weight cannot be negative",
		},
		{
			name:    "missing openai config",
			mutate:  func(m *Model) { m.Backends[0].OpenAI = nil },
			wantErr: "openai config is required",
		},
		{
			name:    "bad url",
			mutate:  func(m *Model) { m.Backends[0].OpenAI.URL = "not a url" },
			wantErr: "invalid url",
		},
		{
			name:    "missing api key",
			mutate:  func(m *Model) { m.Backends[0].OpenAI.APIKey = "" },
			wantErr: "api_key is required",
		},
		{
			name: "bedrock payload on openai backend",
			mutate: func(m *Model) {
				m.Backends[0].Bedrock = &BedrockConfig{Region: "us-east-1"}
			},
			wantErr: "bedrock config present",
		},
		{
			name:    "threshold out of range",
			mutate:  func(m *Model) { m.MinErrorRate = &MinErrorRateOptions{CircuitBreakerThreshold: 1.5} },
			wantErr: "circuit_breaker_threshold",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validOpenAIModel()
			tt.mutate(m)
			err := m.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestModelValidate_Bedrock(t *testing.T) {
	m := &Model{
		Name:     "claude-3",
		Provider: ProviderBedrock,
		Backends: []*Backend{
			{
				ID:      "aws-east",
				Weight:  1,
				Enabled: true,
				Bedrock: &BedrockConfig{Region: "us-east-1"},
			},
		},
	}
	require.NoError(t, m.Validate())

	m.Backends[0].Bedrock.AccessKeyID = "AKIA123"
	err := m.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be set together")
}

func TestEligibleBackends(t *testing.T) {
	m := &Model{
		Name:     "gpt-4",
		Provider: ProviderOpenAI,
		Backends: []*Backend{
			{ID: "a", Weight: 1, Enabled: true},
			{ID: "b", Weight: 0, Enabled: true},
			{ID: "c", Weight: 5, Enabled: false},
			{ID: "d", Weight: 3, Enabled: true},
		},
	}

	eligible := m.EligibleBackends()
	require.Len(t, eligible, 2)
	assert.Equal(t, "a", eligible[0].ID)
	assert.Equal(t, "d", eligible[1].ID)

	enabled := m.EnabledBackends()
	require.Len(t, enabled, 3)
	assert.Equal(t, []string{"a", "b", "d"}, []string{enabled[0].ID, enabled[1].ID, enabled[2].ID})
}

func TestTTFTTimeout(t *testing.T) {
	b := &Backend{StreamingTTFTTimeoutMs: 50}
	assert.Equal(t, 50*time.Millisecond, b.TTFTTimeout(true))
	assert.Equal(t, time.Duration(0), b.TTFTTimeout(false))
}

func TestMinErrorRateOpts_Defaults(t *testing.T) {
	m := &Model{}
	opts := m.MinErrorRateOpts()
	assert.Equal(t, DefaultMinRequests, opts.MinRequests)
	assert.Equal(t, DefaultCircuitBreakerThreshold, opts.CircuitBreakerThreshold)
	assert.Equal(t, DefaultEpsilon, opts.Epsilon)
	assert.Equal(t, DefaultTimeWindowMinutes, opts.TimeWindowMinutes)

	m.MinErrorRate = &MinErrorRateOptions{MinRequests: 5, TimeWindowMinutes: 60}
	opts = m.MinErrorRateOpts()
	assert.Equal(t, 5, opts.MinRequests)
	assert.Equal(t, 60, opts.TimeWindowMinutes)
	assert.Equal(t, DefaultCircuitBreakerThreshold, opts.CircuitBreakerThreshold)
}

func TestWriteAffinityOnSuccess(t *testing.T) {
	m := &Model{EnableAffinity: true}
	assert.True(t, m.WriteAffinityOnSuccess())

	off := false
	m.AffinityWriteOnSuccess = &off
	assert.False(t, m.WriteAffinityOnSuccess())

	m = &Model{EnableAffinity: false}
	assert.False(t, m.WriteAffinityOnSuccess())
}
