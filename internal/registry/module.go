package registry

import (
	"context"
	"reflect"
)

// Module is the contract every module type implements through its pointer
// receiver. P is the value handed from PreInit to Init; no code outside the
// module's own package should depend on it.
type Module[P any] interface {
	// PreInit runs concurrently with every other module's PreInit, on the
	// module's freshly allocated zero value. It must not reach other modules.
	PreInit(ctx context.Context) (P, error)

	// Dependencies lists the modules which must be initialized before this one.
	// It is called on the zero value and must not depend on receiver state.
	Dependencies() []Dependency

	// Init performs the main initialization and populates the receiver, which
	// becomes the module's global instance. Dependencies are reachable through
	// deps until Init returns.
	Init(ctx context.Context, pre P, deps *Deps) error

	// PostInit runs concurrently with every other module's PostInit once the
	// registry has been published.
	PostInit(ctx context.Context) error
}

// NoPreInit can be embedded by modules without pre-init logic.
type NoPreInit struct{}

// PreInit does nothing.
func (NoPreInit) PreInit(context.Context) (struct{}, error) { return struct{}{}, nil }

// NoPostInit can be embedded by modules without post-init logic.
type NoPostInit struct{}

// PostInit does nothing.
func (NoPostInit) PostInit(context.Context) error { return nil }

// NoDependencies can be embedded by modules which depend on nothing.
type NoDependencies struct{}

// Dependencies returns nil.
func (NoDependencies) Dependencies() []Dependency { return nil }

// Dependency is a handle of a declared module. Only values returned by
// Declare implement it.
type Dependency interface {
	// Name returns the module's type name.
	Name() string

	key() reflect.Type
	register(b *Builder) error
}

// Ref is the typed handle of module type T.
type Ref[T any] struct {
	typ      reflect.Type
	newEntry func() *entry
}

// Declare returns the handle of module type T. It fails to compile unless *T
// implements Module[P]. Handles declared for the same T are interchangeable.
//
//	var Module = registry.Declare[DB, dbConfig]()
func Declare[T any, P any, PT interface {
	*T
	Module[P]
}]() *Ref[T] {
	typ := typeOf[T]()
	return &Ref[T]{
		typ: typ,
		newEntry: func() *entry {
			m := PT(new(T))
			var pre P
			return &entry{
				typ:  typ,
				name: nameOf(typ),
				deps: m.Dependencies(),
				preInit: func(ctx context.Context) error {
					v, err := m.PreInit(ctx)
					if err != nil {
						return err
					}
					pre = v
					return nil
				},
				init: func(ctx context.Context, deps *Deps) (any, error) {
					if err := m.Init(ctx, pre, deps); err != nil {
						return nil, err
					}
					return (*T)(m), nil
				},
			}
		},
	}
}

// Name returns the module's type name.
func (r *Ref[T]) Name() string { return nameOf(r.typ) }

// From returns the dependency T leased to the module currently running Init.
// It panics if T is not a declared dependency of that module or if the lease
// has already ended.
func (r *Ref[T]) From(deps *Deps) *T {
	return downcast[T](deps.get(r.typ))
}

// Global returns the started instance of T.
//
// It panics if the registry has not been published yet or T was never
// registered. Use it once start-up has completed: in PostInit or in the
// application code running after it.
func (r *Ref[T]) Global() *T {
	v, err := r.TryGlobal()
	if err != nil {
		panic(err.Error())
	}
	return v
}

// TryGlobal returns the started instance of T, or ErrRegistryNotPublished or
// a *NotRegisteredError.
func (r *Ref[T]) TryGlobal() (*T, error) {
	return Lookup[T]()
}

func (r *Ref[T]) key() reflect.Type { return r.typ }

func (r *Ref[T]) register(b *Builder) error {
	return b.add(r.typ, r.newEntry)
}

// entry is a registered module waiting to be started.
type entry struct {
	typ     reflect.Type
	name    string
	deps    []Dependency
	preInit func(ctx context.Context) error
	init    func(ctx context.Context, deps *Deps) (any, error)
}

// Instance is the capability shared by every published module.
type Instance interface {
	PostInit(ctx context.Context) error
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// nameOf returns the fully qualified type name, e.g.
// "github.com/specialistvlad/modgrid/modules/sqlitedb.DB".
func nameOf(t reflect.Type) string {
	if t.PkgPath() == "" || t.Name() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}
