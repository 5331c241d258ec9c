package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func describeLabels(t *testing.T, c prometheus.Collector) []string {
	t.Helper()

	descCh := make(chan *prometheus.Desc, 8)
	c.Describe(descCh)
	close(descCh)

	var desc *prometheus.Desc
	for d := range descCh {
		desc = d
		break
	}
	if desc == nil {
		t.Fatalf("no descriptor returned")
	}

	s := desc.String()
	start := strings.Index(s, "variableLabels: {")
	if start < 0 {
		return nil
	}
	start += len("variableLabels: {")
	end := strings.Index(s[start:], "}")
	if end < 0 {
		t.Fatalf("failed to parse descriptor: %s", s)
	}
	raw := strings.TrimSpace(s[start : start+end])
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func assertLabelsEqual(t *testing.T, got, want []string) {
	t.Helper()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("labels mismatch\ngot:  %v\nwant: %v", got, want)
	}
}

func TestLabelSchema_LowCardinality(t *testing.T) {
	assertLabelsEqual(t, describeLabels(t, RequestsTotal), []string{
		"model", "backend", "status", "code",
	})
	assertLabelsEqual(t, describeLabels(t, RequestDuration), []string{
		"model", "backend",
	})
	assertLabelsEqual(t, describeLabels(t, TimeToFirstToken), []string{
		"model", "backend", "stream_type",
	})
	assertLabelsEqual(t, describeLabels(t, FallbacksTotal), []string{
		"model", "from_backend", "error_type",
	})
	assertLabelsEqual(t, describeLabels(t, LimiterRejectionsTotal), []string{
		"backend",
	})
	assertLabelsEqual(t, describeLabels(t, ActiveRequests), []string{
		"backend",
	})
}

func TestRecordRequest(t *testing.T) {
	RecordRequest("gpt-4", "primary", 200, true, 1500*time.Millisecond)

	got := testutil.ToFloat64(RequestsTotal.WithLabelValues("gpt-4", "primary", "success", "200"))
	if got != 1 {
		t.Fatalf("requests_total = %v, want 1", got)
	}

	RecordRequest("gpt-4", "primary", 504, false, 30*time.Second)
	got = testutil.ToFloat64(RequestsTotal.WithLabelValues("gpt-4", "primary", "error", "504"))
	if got != 1 {
		t.Fatalf("requests_total{status=error} = %v, want 1", got)
	}
}

func TestSanitizeModelLabel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"gpt-4", "gpt-4"},
		{"anthropic.claude-3-haiku-20240307-v1:0", "anthropic.claude-3-haiku-20240307-v1:0"},
		{"  spaced out  ", "spaced_out"},
		{"", "unknown"},
		{"///", "unknown"},
		{strings.Repeat("x", 200), strings.Repeat("x", maxModelLabelLen)},
	}
	for _, tt := range tests {
		if got := sanitizeModelLabel(tt.in); got != tt.want {
			t.Fatalf("sanitizeModelLabel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
