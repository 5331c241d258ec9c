// Package instance provides the stable identity of this proxy process.
// The identity owns active-request entries in the shared store so that a
// crashed instance's slots can be reclaimed by name.
package instance

import (
	"os"

	"github.com/google/uuid"
)

// EnvVar is the environment variable consulted for a preferred identity.
const EnvVar = "INSTANCE_ID"

// ID returns the configured instance identifier, or a random one generated
// for the lifetime of this process when none is configured.
func ID() string {
	if id := os.Getenv(EnvVar); id != "" {
		return id
	}
	return "relay-" + uuid.NewString()
}
