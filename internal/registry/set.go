package registry

import (
	"fmt"
	"reflect"
	"slices"
	"sync/atomic"
)

// OwnedSet holds at most one instance of each module type while modules are
// being initialized. It is used by a single goroutine.
type OwnedSet struct {
	items map[reflect.Type]any
	// seq records the order in which each type was first inserted; removing
	// and re-inserting a type keeps its original position.
	seq    map[reflect.Type]int
	leaked bool
}

// NewOwnedSet returns an empty set.
func NewOwnedSet() *OwnedSet {
	return &OwnedSet{
		items: make(map[reflect.Type]any),
		seq:   make(map[reflect.Type]int),
	}
}

// Insert stores v as the instance of T and returns the instance it replaced.
func Insert[T any](s *OwnedSet, v *T) (*T, bool) {
	prev, ok := s.insert(typeOf[T](), v)
	if !ok {
		return nil, false
	}
	return downcast[T](prev), true
}

// Remove takes the instance of T out of the set.
func Remove[T any](s *OwnedSet) (*T, bool) {
	v, ok := s.remove(typeOf[T]())
	if !ok {
		return nil, false
	}
	return downcast[T](v), true
}

// Len returns the number of instances in the set.
func (s *OwnedSet) Len() int {
	return len(s.items)
}

func (s *OwnedSet) insert(key reflect.Type, v any) (any, bool) {
	s.mustOwn()
	prev, ok := s.items[key]
	s.items[key] = v
	if _, seen := s.seq[key]; !seen {
		s.seq[key] = len(s.seq)
	}
	return prev, ok
}

func (s *OwnedSet) remove(key reflect.Type) (any, bool) {
	s.mustOwn()
	v, ok := s.items[key]
	if ok {
		delete(s.items, key)
	}
	return v, ok
}

func (s *OwnedSet) mustOwn() {
	if s.leaked {
		panic("registry: module set used after Leak")
	}
}

// Leak consumes the set and returns its read-only form. Instances keep the
// order in which their types were first inserted.
func (s *OwnedSet) Leak() *LeakedSet {
	s.mustOwn()
	s.leaked = true

	keys := make([]reflect.Type, 0, len(s.items))
	for key := range s.items {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, func(a, b reflect.Type) int {
		return s.seq[a] - s.seq[b]
	})

	l := &LeakedSet{
		items: s.items,
		order: keys,
	}
	s.items = nil
	return l
}

// LeakedSet is the immutable set of started modules. Any number of goroutines
// may read it concurrently.
type LeakedSet struct {
	items map[reflect.Type]any
	order []reflect.Type
}

// Get returns the instance of T.
func Get[T any](s *LeakedSet) (*T, bool) {
	v, ok := s.items[typeOf[T]()]
	if !ok {
		return nil, false
	}
	return downcast[T](v), true
}

// Len returns the number of instances in the set.
func (s *LeakedSet) Len() int {
	return len(s.order)
}

// Names returns the module type names in insertion order.
func (s *LeakedSet) Names() []string {
	names := make([]string, 0, len(s.order))
	for _, key := range s.order {
		names = append(names, nameOf(key))
	}
	return names
}

// Each calls fn for every module in insertion order until fn returns false.
func (s *LeakedSet) Each(fn func(name string, m Instance) bool) {
	for _, key := range s.order {
		m, ok := s.items[key].(Instance)
		if !ok {
			panic(fmt.Sprintf("registry: %s does not implement Instance", nameOf(key)))
		}
		if !fn(nameOf(key), m) {
			return
		}
	}
}

// Deps is the lease on a module's dependencies handed to its Init. The lease
// ends when Init returns.
type Deps struct {
	owner   string
	items   map[reflect.Type]any
	revoked atomic.Bool
}

func (d *Deps) get(key reflect.Type) any {
	if d == nil {
		panic(fmt.Sprintf("registry: dependency '%s' requested without a lease", nameOf(key)))
	}
	if d.revoked.Load() {
		panic(fmt.Sprintf("registry: dependency '%s' used after '%s' finished Init", nameOf(key), d.owner))
	}
	v, ok := d.items[key]
	if !ok {
		panic(fmt.Sprintf("registry: '%s' is not a declared dependency of '%s'", nameOf(key), d.owner))
	}
	return v
}

// take moves the declared dependencies of e out of s. Registration order
// guarantees every dependency is present; a missing one is a bug.
func take(s *OwnedSet, e *entry) *Deps {
	d := &Deps{
		owner: e.name,
		items: make(map[reflect.Type]any, len(e.deps)),
	}
	for _, dep := range e.deps {
		key := dep.key()
		if _, dup := d.items[key]; dup {
			continue
		}
		v, ok := s.remove(key)
		if !ok {
			panic(fmt.Sprintf("registry: dependency '%s' of '%s' is not initialized", nameOf(key), e.name))
		}
		d.items[key] = v
	}
	return d
}

// putBack ends the lease and returns the dependencies to s.
func putBack(s *OwnedSet, d *Deps) {
	d.revoked.Store(true)
	for key, v := range d.items {
		s.insert(key, v)
	}
}

// downcast is the single place where a stored module is converted back to its
// static type. The map key guarantees the dynamic type; a mismatch is a bug.
func downcast[T any](v any) *T {
	t, ok := v.(*T)
	if !ok {
		panic(fmt.Sprintf("registry: stored %T under key %s", v, nameOf(typeOf[T]())))
	}
	return t
}
