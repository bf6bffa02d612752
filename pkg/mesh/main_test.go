package mesh

import (
	"testing"

	"go.uber.org/goleak"
)

// This package launches a background goroutine per Supervisor and
// LivenessTracker under test; VerifyTestMain catches one left running
// past its Close/cancel.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
