package instance

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestID_FromEnvironment(t *testing.T) {
	t.Setenv(EnvVar, "relay-test-7")
	assert.Equal(t, "relay-test-7", ID())
}

func TestID_GeneratedWhenUnset(t *testing.T) {
	t.Setenv(EnvVar, "")

	id := ID()
	require.True(t, strings.HasPrefix(id, "relay-"), "generated id %q should carry the relay prefix", id)
	assert.Greater(t, len(id), len("relay-"))

	// Each call without a configured identity produces a fresh value.
	assert.NotEqual(t, id, ID())
}
