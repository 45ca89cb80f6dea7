package registry

import "testing"

// ResetForTesting returns the process-wide registry to its empty state so a
// test can start a new builder.
//
// TEST-ONLY. The registry is write-once in a running program; resetting it
// would leave every module handle pointing at an abandoned instance set. The
// function panics outside a test binary and while a builder is running.
func ResetForTesting() {
	if !testing.Testing() {
		panic("registry: ResetForTesting called outside a test binary")
	}

	global.mu.Lock()
	defer global.mu.Unlock()

	if State(global.state.Load()) == StateBuilding {
		panic("registry: ResetForTesting called while modules are being initialized")
	}
	global.registry.Store(nil)
	global.state.Store(int32(StateEmpty))
}
