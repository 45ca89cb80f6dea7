package registry_test

import (
	"context"
	"sync"
	"time"

	"github.com/specialistvlad/modgrid/internal/registry"
	"github.com/specialistvlad/modgrid/internal/testutil"
)

// script drives the stage modules of the current test.
type script struct {
	mu         sync.Mutex
	events     []string
	states     map[string]registry.State
	visible    map[string][]string
	fail       map[string]error
	panics     map[string]any
	rendezvous map[registry.Phase]*testutil.Rendezvous
	recorder   *testutil.Recorder
	delay      time.Duration
}

var current *script

func newScript() *script {
	current = &script{
		states:     make(map[string]registry.State),
		visible:    make(map[string][]string),
		fail:       make(map[string]error),
		panics:     make(map[string]any),
		rendezvous: make(map[registry.Phase]*testutil.Rendezvous),
		recorder:   testutil.NewRecorder(),
	}
	return current
}

func (s *script) on(ctx context.Context, phase registry.Phase, name string) error {
	key := phase.String() + ":" + name

	s.mu.Lock()
	s.events = append(s.events, key)
	s.states[key] = registry.CurrentState()
	if phase == registry.PhasePostInit {
		if r, ok := registry.Published(); ok {
			s.visible[name] = r.Modules()
		}
	}
	err := s.fail[key]
	p, panics := s.panics[key]
	rv := s.rendezvous[phase]
	delay := s.delay
	s.mu.Unlock()

	return s.recorder.Track(key, func() error {
		time.Sleep(delay)
		if rv != nil {
			if err := rv.Wait(ctx, 2*time.Second); err != nil {
				return err
			}
		}
		if panics {
			panic(p)
		}
		return err
	})
}

func (s *script) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

// stageA has no dependencies.
type stageA struct {
	pre string
}

func (a *stageA) PreInit(ctx context.Context) (string, error) {
	return "a-pre", current.on(ctx, registry.PhasePreInit, "A")
}

func (*stageA) Dependencies() []registry.Dependency { return nil }

func (a *stageA) Init(ctx context.Context, pre string, _ *registry.Deps) error {
	a.pre = pre
	return current.on(ctx, registry.PhaseInit, "A")
}

func (a *stageA) PostInit(ctx context.Context) error {
	return current.on(ctx, registry.PhasePostInit, "A")
}

// stageB depends on A.
type stageB struct {
	a *stageA
}

func (b *stageB) PreInit(ctx context.Context) (string, error) {
	return "b-pre", current.on(ctx, registry.PhasePreInit, "B")
}

func (*stageB) Dependencies() []registry.Dependency {
	return []registry.Dependency{moduleA}
}

func (b *stageB) Init(ctx context.Context, _ string, deps *registry.Deps) error {
	b.a = moduleA.From(deps)
	return current.on(ctx, registry.PhaseInit, "B")
}

func (b *stageB) PostInit(ctx context.Context) error {
	return current.on(ctx, registry.PhasePostInit, "B")
}

// stageC depends on A and B.
type stageC struct {
	a *stageA
	b *stageB
}

func (c *stageC) PreInit(ctx context.Context) (string, error) {
	return "c-pre", current.on(ctx, registry.PhasePreInit, "C")
}

func (*stageC) Dependencies() []registry.Dependency {
	return []registry.Dependency{moduleB, moduleA}
}

func (c *stageC) Init(ctx context.Context, _ string, deps *registry.Deps) error {
	c.a = moduleA.From(deps)
	c.b = moduleB.From(deps)
	return current.on(ctx, registry.PhaseInit, "C")
}

func (c *stageC) PostInit(ctx context.Context) error {
	return current.on(ctx, registry.PhasePostInit, "C")
}

var (
	moduleA = registry.Declare[stageA, string]()
	moduleB = registry.Declare[stageB, string]()
	moduleC = registry.Declare[stageC, string]()
)

// Database, cache and auth, the way an application wires them.
type database struct {
	registry.NoPreInit
	registry.NoDependencies
	registry.NoPostInit
	url string
}

func (d *database) Init(context.Context, struct{}, *registry.Deps) error {
	d.url = "sqlite://memory"
	return nil
}

type cache struct {
	registry.NoPreInit
	registry.NoPostInit
	db *database
}

func (*cache) Dependencies() []registry.Dependency {
	return []registry.Dependency{databaseModule}
}

func (c *cache) Init(_ context.Context, _ struct{}, deps *registry.Deps) error {
	c.db = databaseModule.From(deps)
	return nil
}

type auth struct {
	registry.NoPreInit
	registry.NoPostInit
	db    *database
	cache *cache
}

func (*auth) Dependencies() []registry.Dependency {
	return []registry.Dependency{databaseModule, cacheModule}
}

func (a *auth) Init(_ context.Context, _ struct{}, deps *registry.Deps) error {
	a.db = databaseModule.From(deps)
	a.cache = cacheModule.From(deps)
	return nil
}

// metrics is declared but never registered.
type metrics struct {
	registry.NoPreInit
	registry.NoDependencies
	registry.NoPostInit
}

func (*metrics) Init(context.Context, struct{}, *registry.Deps) error { return nil }

var (
	databaseModule = registry.Declare[database, struct{}]()
	cacheModule    = registry.Declare[cache, struct{}]()
	authModule     = registry.Declare[auth, struct{}]()
	metricsModule  = registry.Declare[metrics, struct{}]()
)

// Modules depending on themselves.
type selfish struct {
	registry.NoPreInit
	registry.NoPostInit
}

func (*selfish) Dependencies() []registry.Dependency {
	return []registry.Dependency{selfishModule}
}

func (*selfish) Init(context.Context, struct{}, *registry.Deps) error { return nil }

type ping struct {
	registry.NoPreInit
	registry.NoPostInit
}

func (*ping) Dependencies() []registry.Dependency {
	return []registry.Dependency{pongModule}
}

func (*ping) Init(context.Context, struct{}, *registry.Deps) error { return nil }

type pong struct {
	registry.NoPreInit
	registry.NoPostInit
}

func (*pong) Dependencies() []registry.Dependency {
	return []registry.Dependency{pingModule}
}

func (*pong) Init(context.Context, struct{}, *registry.Deps) error { return nil }

type rock struct {
	registry.NoPreInit
	registry.NoPostInit
}

func (*rock) Dependencies() []registry.Dependency {
	return []registry.Dependency{paperModule}
}

func (*rock) Init(context.Context, struct{}, *registry.Deps) error { return nil }

type paper struct {
	registry.NoPreInit
	registry.NoPostInit
}

func (*paper) Dependencies() []registry.Dependency {
	return []registry.Dependency{scissorsModule}
}

func (*paper) Init(context.Context, struct{}, *registry.Deps) error { return nil }

type scissors struct {
	registry.NoPreInit
	registry.NoPostInit
}

func (*scissors) Dependencies() []registry.Dependency {
	return []registry.Dependency{rockModule}
}

func (*scissors) Init(context.Context, struct{}, *registry.Deps) error { return nil }

var (
	selfishModule  = registry.Declare[selfish, struct{}]()
	pingModule     = registry.Declare[ping, struct{}]()
	pongModule     = registry.Declare[pong, struct{}]()
	rockModule     = registry.Declare[rock, struct{}]()
	paperModule    = registry.Declare[paper, struct{}]()
	scissorsModule = registry.Declare[scissors, struct{}]()
)

// leaky keeps its dependency lease past Init.
type leaky struct {
	registry.NoPreInit
	registry.NoPostInit
	deps *registry.Deps
}

func (*leaky) Dependencies() []registry.Dependency {
	return []registry.Dependency{databaseModule}
}

func (l *leaky) Init(_ context.Context, _ struct{}, deps *registry.Deps) error {
	l.deps = deps
	return nil
}

// sneaky reaches for a module it never declared.
type sneaky struct {
	registry.NoPreInit
	registry.NoPostInit
}

func (*sneaky) Dependencies() []registry.Dependency {
	return []registry.Dependency{databaseModule}
}

func (*sneaky) Init(_ context.Context, _ struct{}, deps *registry.Deps) error {
	cacheModule.From(deps)
	return nil
}

var (
	leakyModule  = registry.Declare[leaky, struct{}]()
	sneakyModule = registry.Declare[sneaky, struct{}]()
)

func names(deps ...registry.Dependency) []string {
	out := make([]string, 0, len(deps))
	for _, d := range deps {
		out = append(out, d.Name())
	}
	return out
}

// resetter empties the registry cell from inside its own Init.
type resetter struct {
	registry.NoPreInit
	registry.NoDependencies
	registry.NoPostInit
}

func (*resetter) Init(context.Context, struct{}, *registry.Deps) error {
	registry.ResetForTesting()
	return nil
}

var resetterModule = registry.Declare[resetter, struct{}]()
