// Package registry holds the model routing table: which backends serve each
// logical model, how they are selected, and the credentials used to reach
// them. A Registry publishes immutable snapshots reconciled from one or more
// persistent sources; the dispatch path only ever reads snapshots.
package registry

import (
	"fmt"
	"net/url"
	"time"
)

// ProviderKind discriminates the providerConfig payload of a backend.
type ProviderKind string

// Supported provider kinds.
const (
	ProviderOpenAI  ProviderKind = "openai"
	ProviderBedrock ProviderKind = "bedrock"
)

// Strategy selects how the load balancer picks among eligible backends.
type Strategy string

// Supported load-balancing strategies.
const (
	StrategyWeighted     Strategy = "weighted"
	StrategyLowestTTFT   Strategy = "lowest-ttft"
	StrategyMinErrorRate Strategy = "min-error-rate"
)

// OpenAIConfig holds credentials for an OpenAI-compatible backend.
// APIKey may be a secret reference (see internal/secret).
type OpenAIConfig struct {
	URL    string `yaml:"url" json:"url"`
	APIKey string `yaml:"api_key" json:"api_key"`
}

// BedrockConfig holds credentials for an AWS Bedrock backend. Empty key
// fields select the default AWS credential chain. Key fields may be secret
// references.
type BedrockConfig struct {
	Region          string `yaml:"region" json:"region"`
	AccessKeyID     string `yaml:"access_key_id" json:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" json:"secret_access_key"`
}

// Backend is one upstream within a model. Exactly one of OpenAI or Bedrock
// is set, matching Provider.
type Backend struct {
	ID       string       `yaml:"id" json:"id"`
	Provider ProviderKind `yaml:"provider" json:"provider"`

	OpenAI  *OpenAIConfig  `yaml:"openai,omitempty" json:"openai,omitempty"`
	Bedrock *BedrockConfig `yaml:"bedrock,omitempty" json:"bedrock,omitempty"`

	Weight  int  `yaml:"weight" json:"weight"`
	Enabled bool `yaml:"enabled" json:"enabled"`

	// ModelOverride replaces the caller's model field in the upstream
	// request body when set.
	ModelOverride string `yaml:"model_override,omitempty" json:"model_override,omitempty"`

	// TTFT deadlines in milliseconds; zero means no deadline.
	StreamingTTFTTimeoutMs    int `yaml:"streaming_ttft_timeout_ms,omitempty" json:"streaming_ttft_timeout_ms,omitempty"`
	NonStreamingTTFTTimeoutMs int `yaml:"non_streaming_ttft_timeout_ms,omitempty" json:"non_streaming_ttft_timeout_ms,omitempty"`

	// RecordRequests emits an audit log record per request; no routing effect.
	RecordRequests bool `yaml:"record_requests,omitempty" json:"record_requests,omitempty"`

	// MaxConcurrentRequests caps in-flight requests across all proxy
	// instances; zero means unlimited.
	MaxConcurrentRequests int `yaml:"max_concurrent_requests,omitempty" json:"max_concurrent_requests,omitempty"`
}

// TTFTTimeout returns the configured time-to-first-token deadline for the
// given stream mode, or zero when none is configured.
func (b *Backend) TTFTTimeout(stream bool) time.Duration {
	ms := b.NonStreamingTTFTTimeoutMs
	if stream {
		ms = b.StreamingTTFTTimeoutMs
	}
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// MinErrorRateOptions tunes the min-error-rate strategy.
type MinErrorRateOptions struct {
	MinRequests             int     `yaml:"min_requests,omitempty" json:"min_requests,omitempty"`
	CircuitBreakerThreshold float64 `yaml:"circuit_breaker_threshold,omitempty" json:"circuit_breaker_threshold,omitempty"`
	Epsilon                 float64 `yaml:"epsilon,omitempty" json:"epsilon,omitempty"`
	TimeWindowMinutes       int     `yaml:"time_window_minutes,omitempty" json:"time_window_minutes,omitempty"`
}

// Defaults for MinErrorRateOptions fields left at zero.
const (
	DefaultMinRequests             = 20
	DefaultCircuitBreakerThreshold = 0.9
	DefaultEpsilon                 = 0.001
	DefaultTimeWindowMinutes       = 15
)

// withDefaults fills unset fields. A nil receiver yields all defaults.
func (o *MinErrorRateOptions) withDefaults() MinErrorRateOptions {
	out := MinErrorRateOptions{
		MinRequests:             DefaultMinRequests,
		CircuitBreakerThreshold: DefaultCircuitBreakerThreshold,
		Epsilon:                 DefaultEpsilon,
		TimeWindowMinutes:       DefaultTimeWindowMinutes,
	}
	if o == nil {
		return out
	}
	if o.MinRequests > 0 {
		out.MinRequests = o.MinRequests
	}
	if o.CircuitBreakerThreshold > 0 {
		out.CircuitBreakerThreshold = o.CircuitBreakerThreshold
	}
	if o.Epsilon > 0 {
		out.Epsilon = o.Epsilon
	}
	if o.TimeWindowMinutes > 0 {
		out.TimeWindowMinutes = o.TimeWindowMinutes
	}
	return out
}

// Model is one routing unit: a logical model name bound to an ordered list
// of backends. Backend order is the fallback order and the tie-break order.
type Model struct {
	Name     string       `yaml:"model" json:"model"`
	Provider ProviderKind `yaml:"provider" json:"provider"`

	Backends []*Backend `yaml:"backends" json:"backends"`

	Strategy Strategy `yaml:"strategy" json:"strategy"`

	EnableAffinity bool `yaml:"enable_affinity,omitempty" json:"enable_affinity,omitempty"`

	// AffinityWriteOnSuccess controls whether a successful dispatch stores a
	// new session mapping. Nil defaults to the value of EnableAffinity.
	AffinityWriteOnSuccess *bool `yaml:"affinity_write_on_success,omitempty" json:"affinity_write_on_success,omitempty"`

	MinErrorRate *MinErrorRateOptions `yaml:"min_error_rate,omitempty" json:"min_error_rate,omitempty"`
}

// Backend returns the backend with the given id.
func (m *Model) Backend(id string) (*Backend, bool) {
	for _, b := range m.Backends {
		if b.ID == id {
			return b, true
		}
	}
	return nil, false
}

// EligibleBackends returns the backends available to strategy selection:
// enabled with a positive weight, in configured order.
func (m *Model) EligibleBackends() []*Backend {
	out := make([]*Backend, 0, len(m.Backends))
	for _, b := range m.Backends {
		if b.Enabled && b.Weight > 0 {
			out = append(out, b)
		}
	}
	return out
}

// EnabledBackends returns the enabled backends in configured order. This is
// the fallback iteration order, which ignores weight.
func (m *Model) EnabledBackends() []*Backend {
	out := make([]*Backend, 0, len(m.Backends))
	for _, b := range m.Backends {
		if b.Enabled {
			out = append(out, b)
		}
	}
	return out
}

// WriteAffinityOnSuccess reports whether a successful dispatch should store
// a session mapping for this model.
func (m *Model) WriteAffinityOnSuccess() bool {
	if m.AffinityWriteOnSuccess != nil {
		return *m.AffinityWriteOnSuccess
	}
	return m.EnableAffinity
}

// MinErrorRateOpts returns the model's min-error-rate tuning with defaults
// applied.
func (m *Model) MinErrorRateOpts() MinErrorRateOptions {
	return m.MinErrorRate.withDefaults()
}

// Validate checks the model document invariants: recognized provider and
// strategy, unique backend ids, provider agreement between model and
// backends, and a providerConfig payload matching each backend's provider.
func (m *Model) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("model name is required")
	}
	switch m.Provider {
	case ProviderOpenAI, ProviderBedrock:
	default:
		return fmt.Errorf("model %q: unknown provider %q", m.Name, m.Provider)
	}
	switch m.Strategy {
	case StrategyWeighted, StrategyLowestTTFT, StrategyMinErrorRate:
	case "":
		m.Strategy = StrategyWeighted
	default:
		return fmt.Errorf("model %q: unknown strategy %q", m.Name, m.Strategy)
	}
	if m.MinErrorRate != nil {
		o := m.MinErrorRate
		if o.CircuitBreakerThreshold < 0 || o.CircuitBreakerThreshold > 1 {
			return fmt.Errorf("model %q: min_error_rate.circuit_breaker_threshold must be within [0, 1]", m.Name)
		}
		if o.Epsilon < 0 {
			return fmt.Errorf("model %q: min_error_rate.epsilon cannot be negative", m.Name)
		}
		if o.MinRequests < 0 {
			return fmt.Errorf("model %q: min_error_rate.min_requests cannot be negative", m.Name)
		}
		if o.TimeWindowMinutes < 0 {
			return fmt.Errorf("model %q: min_error_rate.time_window_minutes cannot be negative", m.Name)
		}
	}

	seen := make(map[string]struct{}, len(m.Backends))
	for i, b := range m.Backends {
		if b.ID == "" {
			return fmt.Errorf("model %q: backend[%d]: id is required", m.Name, i)
		}
		if _, dup := seen[b.ID]; dup {
			return fmt.Errorf("model %q: backend[%d] %q: duplicate id", m.Name, i, b.ID)
		}
		seen[b.ID] = struct{}{}

		if b.Provider == "" {
			b.Provider = m.Provider
		}
		if b.Provider != m.Provider {
			return fmt.Errorf("model %q: backend[%d] %q: provider %q does not match model provider %q",
				m.Name, i, b.ID, b.Provider, m.Provider)
		}
		if b.Weight < 0 {
			return fmt.Errorf("model %q: backend[%d] %q: weight cannot be negative", m.Name, i, b.ID)
		}
		if b.StreamingTTFTTimeoutMs < 0 || b.NonStreamingTTFTTimeoutMs < 0 {
			return fmt.Errorf("model %q: backend[%d] %q: ttft timeouts cannot be negative", m.Name, i, b.ID)
		}
		if b.MaxConcurrentRequests < 0 {
			return fmt.Errorf("model %q: backend[%d] %q: max_concurrent_requests cannot be negative", m.Name, i, b.ID)
		}
		if err := b.validateProviderConfig(); err != nil {
			return fmt.Errorf("model %q: backend[%d] %q: %w", m.Name, i, b.ID, err)
		}
	}
	return nil
}

func (b *Backend) validateProviderConfig() error {
	switch b.Provider {
	case ProviderOpenAI:
		if b.OpenAI == nil {
			return fmt.Errorf("openai config is required")
		}
		if b.Bedrock != nil {
			return fmt.Errorf("bedrock config present on an openai backend")
		}
		u, err := url.Parse(b.OpenAI.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid url %q", b.OpenAI.URL)
		}
		if b.OpenAI.APIKey == "" {
			return fmt.Errorf("api_key is required")
		}
	case ProviderBedrock:
		if b.Bedrock == nil {
			return fmt.Errorf("bedrock config is required")
		}
		if b.OpenAI != nil {
			return fmt.Errorf("openai config present on a bedrock backend")
		}
		if b.Bedrock.Region == "" {
			return fmt.Errorf("region is required")
		}
		if (b.Bedrock.AccessKeyID == "") != (b.Bedrock.SecretAccessKey == "") {
			return fmt.Errorf("access_key_id and secret_access_key must be set together")
		}
	}
	return nil
}
