package testutil

import (
	"os"
	"testing"
)

// IntegrationEnv enables the container-backed tests.
const IntegrationEnv = "SIGNALFLOW_INTEGRATION"

// RequireIntegration skips the test unless SIGNALFLOW_INTEGRATION=1.
func RequireIntegration(t *testing.T) {
	t.Helper()
	if testing.Short() || os.Getenv(IntegrationEnv) != "1" {
		t.Skipf("set %s=1 to run integration tests", IntegrationEnv)
	}
}
