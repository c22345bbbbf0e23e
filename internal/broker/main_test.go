package broker

import (
	"testing"

	"go.uber.org/goleak"
)

// The broker owns consumer pumps and a reconnect loop; a test that
// leaks one of those goroutines should fail here, not flake elsewhere.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
