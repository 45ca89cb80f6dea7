package registry

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRegistryNotPublished is returned by lookups issued before the module
	// registry has been published.
	ErrRegistryNotPublished = errors.New("registry: the module registry has not been initialized yet")
	// ErrNotRegistered is wrapped by *NotRegisteredError.
	ErrNotRegistered = errors.New("registry: module not registered")
	// ErrDependencyCycle is wrapped by registration errors caused by a module
	// depending on itself, directly or transitively.
	ErrDependencyCycle = errors.New("registry: dependency cycle")
	// ErrBuilderClosed is returned when a Builder is used after Init was called.
	ErrBuilderClosed = errors.New("registry: builder already initialized")
)

// Phase identifies one of the three start-up phases.
type Phase int

const (
	// PhasePreInit is the concurrent pre-initialization phase.
	PhasePreInit Phase = iota + 1
	// PhaseInit is the sequential initialization phase.
	PhaseInit
	// PhasePostInit is the concurrent post-initialization phase.
	PhasePostInit
)

// String returns a human-readable representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhasePreInit:
		return "pre-init"
	case PhaseInit:
		return "init"
	case PhasePostInit:
		return "post-init"
	default:
		return "unknown"
	}
}

// NotRegisteredError is returned when looking up a module type which is not
// part of the published registry. Either a module forgot to declare one of its
// dependencies or the application never registered it.
type NotRegisteredError struct {
	Module string
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("registry: the module '%s' has not been registered", e.Module)
}

// Unwrap returns ErrNotRegistered for errors.Is() compatibility.
func (e *NotRegisteredError) Unwrap() error {
	return ErrNotRegistered
}

// ModuleError is the failure of one module in one phase.
type ModuleError struct {
	Module string
	Phase  Phase
	Err    error
}

func (e *ModuleError) Error() string {
	return fmt.Sprintf("module '%s' failed %s: %v", e.Module, e.Phase, e.Err)
}

func (e *ModuleError) Unwrap() error {
	return e.Err
}

// PanicError is a panic recovered from a module's lifecycle function.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("module panicked: %v", e.Value)
}

// InitError is returned by Builder.Init. Errs holds one *ModuleError per
// failed module: every failure of a concurrent phase, or the single failure
// which stopped the init phase.
type InitError struct {
	Phase Phase
	Errs  []error
}

func (e *InitError) Error() string {
	if len(e.Errs) == 1 {
		return fmt.Sprintf("%s phase failed: %v", e.Phase, e.Errs[0])
	}
	msgs := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("%s phase failed for %d modules:\n- %s", e.Phase, len(e.Errs), strings.Join(msgs, "\n- "))
}

// Unwrap exposes every module failure to errors.Is and errors.As.
func (e *InitError) Unwrap() []error {
	return e.Errs
}
