// Package testing gates tests that need external services such as a NATS
// server or a syslog daemon.
package testing

import (
	"os"
	"strconv"
	"testing"
)

// IntegrationEnv turns integration tests on when set to a true value.
const IntegrationEnv = "OMNI_RUN_INTEGRATION_TESTS"

// Unit reports whether only self-contained tests should run. That is the
// default; integration tests run when IntegrationEnv is true and -short is
// not set.
func Unit() bool {
	if testing.Short() {
		return true
	}
	on, err := strconv.ParseBool(os.Getenv(IntegrationEnv))
	return err != nil || !on
}

// Integration reports whether tests needing external services should run.
func Integration() bool {
	return !Unit()
}

// SkipIfUnit skips the test unless integration tests are enabled.
func SkipIfUnit(t *testing.T, message ...string) {
	t.Helper()
	if Unit() {
		msg := "skipping integration test in unit mode"
		if len(message) > 0 {
			msg = message[0]
		}
		t.Skip(msg)
	}
}
