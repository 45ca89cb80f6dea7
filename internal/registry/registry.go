package registry

import (
	"sync"
	"sync/atomic"
)

// State is the lifecycle state of the process-wide registry cell.
type State int32

const (
	// StateEmpty indicates no builder has started initializing modules.
	StateEmpty State = iota
	// StateBuilding indicates a builder is running pre-init or init.
	StateBuilding
	// StatePublished is terminal: the registry is globally available.
	StatePublished
)

// String returns a human-readable representation of the registry state.
func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateBuilding:
		return "building"
	case StatePublished:
		return "published"
	default:
		return "unknown"
	}
}

// Registry is the published set of started modules.
type Registry struct {
	modules *LeakedSet
}

// Modules returns the names of all started modules in registration order.
func (r *Registry) Modules() []string {
	return r.modules.Names()
}

// Len returns the number of started modules.
func (r *Registry) Len() int {
	return r.modules.Len()
}

// global is the write-once cell holding the process-wide registry.
var global struct {
	// mu serializes state transitions; reads go through the atomics.
	mu       sync.Mutex
	state    atomic.Int32
	registry atomic.Pointer[Registry]
}

// CurrentState returns the state of the process-wide registry.
func CurrentState() State {
	return State(global.state.Load())
}

// Published returns the process-wide registry once it has been published.
func Published() (*Registry, bool) {
	r := global.registry.Load()
	return r, r != nil
}

// Lookup returns the started instance of module type T.
func Lookup[T any]() (*T, error) {
	r := global.registry.Load()
	if r == nil {
		return nil, ErrRegistryNotPublished
	}
	v, ok := Get[T](r.modules)
	if !ok {
		return nil, &NotRegisteredError{Module: nameOf(typeOf[T]())}
	}
	return v, nil
}

// beginBuilding moves the cell from Empty to Building. Starting the runtime
// twice in one process is a programming error.
func beginBuilding() {
	global.mu.Lock()
	defer global.mu.Unlock()

	switch State(global.state.Load()) {
	case StateEmpty:
		global.state.Store(int32(StateBuilding))
	case StateBuilding:
		panic("registry: the module registry is already being initialized")
	default:
		panic("registry: the module registry has already been initialized once")
	}
}

// abandonBuilding returns the cell to Empty after a failed pre-init or init.
// Nothing has been published, so a later attempt may start over.
func abandonBuilding() {
	global.mu.Lock()
	defer global.mu.Unlock()

	if State(global.state.Load()) == StateBuilding {
		global.state.Store(int32(StateEmpty))
	}
}

// publish installs r as the process-wide registry. It must be called exactly
// once, by the builder which moved the cell to Building.
func publish(r *Registry) {
	global.mu.Lock()
	defer global.mu.Unlock()

	if State(global.state.Load()) != StateBuilding {
		panic("registry: the module registry has already been initialized once")
	}
	global.registry.Store(r)
	global.state.Store(int32(StatePublished))
}
