package registry

import (
	"context"
	"fmt"
	"reflect"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/specialistvlad/modgrid/internal/ctxlog"
	"github.com/specialistvlad/modgrid/internal/dag"
)

// Builder accumulates module registrations and starts them.
type Builder struct {
	mu      sync.Mutex
	entries map[reflect.Type]*entry
	// roots are the modules passed to Register directly.
	roots map[reflect.Type]bool
	// order is the registration list; every module appears after all of the
	// modules it depends on.
	order []*entry
	// visiting holds the modules whose dependencies are being registered.
	visiting map[reflect.Type]bool
	graph    *dag.Graph
	err      error
	closed   bool
}

// NewBuilder creates an empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		entries:  make(map[reflect.Type]*entry),
		roots:    make(map[reflect.Type]bool),
		visiting: make(map[reflect.Type]bool),
		graph:    dag.New(),
	}
}

// Register adds the given modules and, recursively, everything they depend on.
// Registering a module twice is not an error; it is only added once. The
// resulting order depends only on the set of modules passed to Register, not
// on the order or the calls they were passed in.
//
// A module depending on itself, directly or through other modules, is rejected
// with an error wrapping ErrDependencyCycle. After such an error the builder
// keeps returning it and refuses to Init.
func (b *Builder) Register(mods ...Dependency) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBuilderClosed
	}
	if b.err != nil {
		return b.err
	}

	for _, m := range mods {
		if err := m.register(b); err != nil {
			b.err = err
			return err
		}
		b.roots[m.key()] = true
	}

	if err := b.graph.DetectCycles(); err != nil {
		b.err = fmt.Errorf("%w: %w", ErrDependencyCycle, err)
		return b.err
	}
	b.order = b.sortedOrder()
	return nil
}

// sortedOrder expands the roots depth-first, dependencies before dependents,
// taking the roots by name. The graph must be acyclic.
func (b *Builder) sortedOrder() []*entry {
	roots := make([]*entry, 0, len(b.roots))
	for typ := range b.roots {
		roots = append(roots, b.entries[typ])
	}
	slices.SortFunc(roots, func(x, y *entry) int { return strings.Compare(x.name, y.name) })

	order := make([]*entry, 0, len(b.entries))
	seen := make(map[reflect.Type]bool, len(b.entries))
	var visit func(e *entry)
	visit = func(e *entry) {
		if seen[e.typ] {
			return
		}
		seen[e.typ] = true
		for _, dep := range e.deps {
			visit(b.entries[dep.key()])
		}
		order = append(order, e)
	}
	for _, e := range roots {
		visit(e)
	}
	return order
}

// add registers one module depth-first. It is called with b.mu held.
func (b *Builder) add(typ reflect.Type, newEntry func() *entry) error {
	if _, ok := b.entries[typ]; ok {
		return nil
	}
	if b.visiting[typ] {
		// Part of a cycle. The graph reports it once the walk unwinds.
		return nil
	}

	e := newEntry()
	b.visiting[typ] = true
	defer delete(b.visiting, typ)

	b.graph.AddNode(e.name)
	for _, dep := range e.deps {
		if err := dep.register(b); err != nil {
			return err
		}
		b.graph.AddNode(dep.Name())
		if err := b.graph.AddEdge(dep.Name(), e.name); err != nil {
			return fmt.Errorf("%w: %w", ErrDependencyCycle, err)
		}
	}

	b.entries[typ] = e
	return nil
}

// Order returns the registered module names in the order Init will run them.
func (b *Builder) Order() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.order))
	for _, e := range b.order {
		names = append(names, e.name)
	}
	return names
}

// Dependencies returns the declared dependencies of a registered module.
func (b *Builder) Dependencies(name string) ([]string, error) {
	return b.graph.Dependencies(name)
}

// Dependents returns the registered modules which declared name as a dependency.
func (b *Builder) Dependents(name string) ([]string, error) {
	return b.graph.Dependents(name)
}

// Init starts every registered module and publishes the registry.
//
// Pre-init failures are all collected before Init returns; the first init
// failure stops the remaining modules from being initialized. Both are
// returned as *InitError and leave the registry unpublished. Post-init
// failures are returned the same way, but the registry stays published.
//
// Init panics if a registry has already been published in this process.
func (b *Builder) Init(ctx context.Context) error {
	b.mu.Lock()
	if b.err != nil {
		b.mu.Unlock()
		return b.err
	}
	if b.closed {
		b.mu.Unlock()
		return ErrBuilderClosed
	}
	b.closed = true
	entries := slices.Clone(b.order)
	b.mu.Unlock()

	logger := ctxlog.FromContext(ctx)
	beginBuilding()
	started := time.Now()

	logger.Debug("Running module pre-init.", "modules", len(entries))
	if errs := b.runPreInit(ctx, entries); len(errs) > 0 {
		abandonBuilding()
		return &InitError{Phase: PhasePreInit, Errs: errs}
	}

	logger.Debug("Running module init.", "modules", len(entries))
	owned, err := b.runInit(ctx, entries)
	if err != nil {
		abandonBuilding()
		return &InitError{Phase: PhaseInit, Errs: []error{err}}
	}

	reg := &Registry{modules: owned.Leak()}
	publish(reg)
	logger.Info("Module registry published.", "modules", reg.Len())

	logger.Debug("Running module post-init.", "modules", reg.Len())
	if errs := b.runPostInit(ctx, reg.modules); len(errs) > 0 {
		return &InitError{Phase: PhasePostInit, Errs: errs}
	}

	logger.Info("All modules started.", "modules", reg.Len(), "duration", time.Since(started))
	return nil
}

// runPreInit runs every module's PreInit concurrently and waits for all of them.
func (b *Builder) runPreInit(ctx context.Context, entries []*entry) []error {
	tasks := make([]task, 0, len(entries))
	for _, e := range entries {
		tasks = append(tasks, task{name: e.name, run: e.preInit})
	}
	return fanOut(ctx, PhasePreInit, tasks)
}

// runInit runs every module's Init in registration order on the calling
// goroutine. The first failure stops the loop.
func (b *Builder) runInit(ctx context.Context, entries []*entry) (*OwnedSet, error) {
	logger := ctxlog.FromContext(ctx)
	owned := NewOwnedSet()

	for _, e := range entries {
		moduleLogger := logger.With("module", e.name, "phase", PhaseInit.String())

		deps := take(owned, e)
		var instance any
		err := guard(e.name, PhaseInit, func() error {
			v, err := e.init(ctx, deps)
			instance = v
			return err
		})
		putBack(owned, deps)

		if err != nil {
			moduleLogger.Error("Module init failed.", "error", err)
			return nil, err
		}

		owned.insert(e.typ, instance)
		moduleLogger.Debug("Module initialized.")
	}
	return owned, nil
}

// runPostInit runs every published module's PostInit concurrently and waits for
// all of them.
func (b *Builder) runPostInit(ctx context.Context, modules *LeakedSet) []error {
	tasks := make([]task, 0, modules.Len())
	modules.Each(func(name string, m Instance) bool {
		tasks = append(tasks, task{name: name, run: m.PostInit})
		return true
	})
	return fanOut(ctx, PhasePostInit, tasks)
}

// task is one module's share of a concurrent phase.
type task struct {
	name string
	run  func(ctx context.Context) error
}

// fanOut runs every task on its own goroutine and returns the failures in
// task order. A failing task never stops its siblings.
func fanOut(ctx context.Context, phase Phase, tasks []task) []error {
	logger := ctxlog.FromContext(ctx)

	var wg sync.WaitGroup
	results := make([]error, len(tasks))
	wg.Add(len(tasks))
	for i, t := range tasks {
		go func() {
			defer wg.Done()
			results[i] = guard(t.name, phase, func() error { return t.run(ctx) })
		}()
	}
	wg.Wait()

	var errs []error
	for i, err := range results {
		moduleLogger := logger.With("module", tasks[i].name, "phase", phase.String())
		if err != nil {
			moduleLogger.Error("Module failed.", "error", err)
			errs = append(errs, err)
			continue
		}
		moduleLogger.Debug("Module finished.")
	}
	return errs
}

// guard calls fn and converts both its error and any panic into a
// *ModuleError naming the module and the phase.
func guard(name string, phase Phase, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ModuleError{
				Module: name,
				Phase:  phase,
				Err:    &PanicError{Value: r, Stack: debug.Stack()},
			}
		}
	}()

	if err := fn(); err != nil {
		return &ModuleError{Module: name, Phase: phase, Err: err}
	}
	return nil
}
