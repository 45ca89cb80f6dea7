package registry_test

import (
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/specialistvlad/modgrid/internal/dag"
	"github.com/specialistvlad/modgrid/internal/registry"
	"github.com/specialistvlad/modgrid/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilder_OrderIsTopological(t *testing.T) {
	want := names(moduleA, moduleB, moduleC)

	tests := []struct {
		name     string
		register []registry.Dependency
	}{
		{name: "only the leaf", register: []registry.Dependency{moduleC}},
		{name: "leaf first", register: []registry.Dependency{moduleC, moduleA, moduleB}},
		{name: "middle first", register: []registry.Dependency{moduleB, moduleC}},
		{name: "roots first", register: []registry.Dependency{moduleA, moduleB, moduleC}},
		{name: "duplicates", register: []registry.Dependency{moduleC, moduleC, moduleB, moduleA, moduleC}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := registry.NewBuilder()
			require.NoError(t, b.Register(tc.register...))
			if diff := cmp.Diff(want, b.Order()); diff != "" {
				t.Errorf("Order() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBuilder_OrderIgnoresSiblingRegistrationOrder(t *testing.T) {
	want := names(databaseModule, cacheModule, authModule, metricsModule)

	for _, register := range [][]registry.Dependency{
		{metricsModule, databaseModule, authModule},
		{databaseModule, metricsModule, authModule},
		{authModule, metricsModule, databaseModule},
		{metricsModule, authModule, databaseModule, metricsModule},
	} {
		b := registry.NewBuilder()
		require.NoError(t, b.Register(register...))
		if diff := cmp.Diff(want, b.Order()); diff != "" {
			t.Errorf("Register(%v) order mismatch (-want +got):\n%s", names(register...), diff)
		}
	}

	b := registry.NewBuilder()
	require.NoError(t, b.Register(metricsModule))
	require.NoError(t, b.Register(databaseModule))
	require.NoError(t, b.Register(authModule))
	assert.Equal(t, want, b.Order())
}

func TestBuilder_RegisterAcrossCalls(t *testing.T) {
	b := registry.NewBuilder()
	require.NoError(t, b.Register(moduleB))
	require.NoError(t, b.Register(moduleC))
	require.NoError(t, b.Register(moduleA))

	assert.Equal(t, names(moduleA, moduleB, moduleC), b.Order())
}

func TestBuilder_Introspection(t *testing.T) {
	b := registry.NewBuilder()
	require.NoError(t, b.Register(moduleC))

	deps, err := b.Dependencies(moduleC.Name())
	require.NoError(t, err)
	assert.ElementsMatch(t, names(moduleA, moduleB), deps)

	dependents, err := b.Dependents(moduleA.Name())
	require.NoError(t, err)
	assert.ElementsMatch(t, names(moduleB, moduleC), dependents)

	_, err = b.Dependencies("missing")
	require.Error(t, err)
}

func TestBuilder_DatabaseCacheAuth(t *testing.T) {
	testutil.ResetRegistry(t)
	ctx, _ := testutil.Context(t)

	b := registry.NewBuilder()
	require.NoError(t, b.Register(authModule))
	assert.Equal(t, names(databaseModule, cacheModule, authModule), b.Order())

	require.NoError(t, b.Init(ctx))
	assert.Equal(t, registry.StatePublished, registry.CurrentState())

	db := databaseModule.Global()
	assert.Equal(t, "sqlite://memory", db.url)
	assert.Same(t, db, cacheModule.Global().db)
	assert.Same(t, db, authModule.Global().db)
	assert.Same(t, cacheModule.Global(), authModule.Global().cache)
	assert.Same(t, authModule.Global(), authModule.Global())

	r, ok := registry.Published()
	require.True(t, ok)
	assert.Equal(t, names(databaseModule, cacheModule, authModule), r.Modules())
	assert.Equal(t, 3, r.Len())

	_, err := metricsModule.TryGlobal()
	require.ErrorIs(t, err, registry.ErrNotRegistered)
	var notRegistered *registry.NotRegisteredError
	require.ErrorAs(t, err, &notRegistered)
	assert.Equal(t, metricsModule.Name(), notRegistered.Module)
	assert.Contains(t, err.Error(), "has not been registered")
}

func TestBuilder_PhasesRunInOrder(t *testing.T) {
	testutil.ResetRegistry(t)
	ctx, logs := testutil.Context(t)
	s := newScript()

	b := registry.NewBuilder()
	require.NoError(t, b.Register(moduleC))
	require.NoError(t, b.Init(ctx))

	events := s.Events()
	require.Len(t, events, 9)

	// Pre-init is concurrent, so only the phase boundaries are ordered.
	assert.ElementsMatch(t, []string{"pre-init:A", "pre-init:B", "pre-init:C"}, events[:3])
	assert.Equal(t, []string{"init:A", "init:B", "init:C"}, events[3:6])
	assert.ElementsMatch(t, []string{"post-init:A", "post-init:B", "post-init:C"}, events[6:])

	for _, key := range events[:6] {
		assert.Equal(t, registry.StateBuilding, s.states[key], key)
	}
	for _, key := range events[6:] {
		assert.Equal(t, registry.StatePublished, s.states[key], key)
	}

	assert.Equal(t, "a-pre", moduleA.Global().pre)
	assert.Same(t, moduleA.Global(), moduleB.Global().a)
	assert.Same(t, moduleB.Global(), moduleC.Global().b)

	testutil.AssertModuleLogged(t, logs, moduleC.Name(), "Module initialized.")
	assert.Contains(t, logs.String(), "All modules started.")
}

func TestBuilder_PreInitRunsConcurrently(t *testing.T) {
	testutil.ResetRegistry(t)
	ctx, _ := testutil.Context(t)
	s := newScript()
	s.rendezvous[registry.PhasePreInit] = testutil.NewRendezvous(3)
	s.rendezvous[registry.PhasePostInit] = testutil.NewRendezvous(3)

	b := registry.NewBuilder()
	require.NoError(t, b.Register(moduleA, moduleB, moduleC))
	require.NoError(t, b.Init(ctx))
}

func TestBuilder_InitRunsSequentially(t *testing.T) {
	testutil.ResetRegistry(t)
	ctx, _ := testutil.Context(t)
	s := newScript()
	s.delay = 20 * time.Millisecond
	s.rendezvous[registry.PhasePreInit] = testutil.NewRendezvous(3)

	b := registry.NewBuilder()
	require.NoError(t, b.Register(moduleC))
	require.NoError(t, b.Init(ctx))

	record := func(key string) testutil.ExecutionRecord {
		rec, ok := s.recorder.Get(key)
		require.True(t, ok, key)
		return rec
	}

	initA, initB, initC := record("init:A"), record("init:B"), record("init:C")
	assert.False(t, initA.Overlaps(initB))
	assert.False(t, initB.Overlaps(initC))
	assert.False(t, initA.Overlaps(initC))
	assert.True(t, record("pre-init:A").Overlaps(record("pre-init:C")))
	assert.True(t, record("pre-init:C").End.Before(initA.Start))

	finished := s.recorder.Order()
	require.Len(t, finished, 9)
	assert.Equal(t, []string{"init:A", "init:B", "init:C"}, finished[3:6])
}

func TestBuilder_PostInitSeesEveryModule(t *testing.T) {
	testutil.ResetRegistry(t)
	ctx, _ := testutil.Context(t)
	s := newScript()

	b := registry.NewBuilder()
	require.NoError(t, b.Register(moduleC))
	require.NoError(t, b.Init(ctx))

	want := names(moduleA, moduleB, moduleC)
	for _, m := range []string{"A", "B", "C"} {
		assert.Equal(t, want, s.visible[m], m)
	}
}

func TestBuilder_PreInitErrorsAreCollected(t *testing.T) {
	testutil.ResetRegistry(t)
	ctx, logs := testutil.Context(t)
	s := newScript()
	errA := errors.New("missing variable A")
	errC := errors.New("missing variable C")
	s.fail["pre-init:A"] = errA
	s.fail["pre-init:C"] = errC

	b := registry.NewBuilder()
	require.NoError(t, b.Register(moduleC))
	err := b.Init(ctx)
	require.Error(t, err)

	var initErr *registry.InitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, registry.PhasePreInit, initErr.Phase)
	require.Len(t, initErr.Errs, 2)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errC)
	assert.Contains(t, err.Error(), "pre-init phase failed for 2 modules")

	for _, e := range s.Events() {
		assert.False(t, strings.HasPrefix(e, "init:"), "no module may reach init after a pre-init failure: %s", e)
	}
	assert.Equal(t, registry.StateEmpty, registry.CurrentState())
	_, err = moduleA.TryGlobal()
	assert.ErrorIs(t, err, registry.ErrRegistryNotPublished)
	testutil.AssertModuleLogged(t, logs, moduleA.Name(), "Module failed.")
}

func TestBuilder_InitFailureStopsStartup(t *testing.T) {
	testutil.ResetRegistry(t)
	ctx, _ := testutil.Context(t)
	s := newScript()
	errB := errors.New("connection refused")
	s.fail["init:B"] = errB

	b := registry.NewBuilder()
	require.NoError(t, b.Register(moduleC))
	err := b.Init(ctx)

	require.ErrorIs(t, err, errB)
	var moduleErr *registry.ModuleError
	require.ErrorAs(t, err, &moduleErr)
	assert.Equal(t, moduleB.Name(), moduleErr.Module)
	assert.Equal(t, registry.PhaseInit, moduleErr.Phase)

	events := s.Events()
	assert.Contains(t, events, "init:A")
	assert.NotContains(t, events, "init:C")
	assert.False(t, slices.ContainsFunc(events, func(e string) bool { return strings.HasPrefix(e, "post-init:") }))

	_, published := registry.Published()
	assert.False(t, published)
	assert.Equal(t, registry.StateEmpty, registry.CurrentState())
}

func TestBuilder_PreInitPanicIsRecovered(t *testing.T) {
	testutil.ResetRegistry(t)
	ctx, _ := testutil.Context(t)
	s := newScript()
	s.panics["pre-init:B"] = "bad config"

	b := registry.NewBuilder()
	require.NoError(t, b.Register(moduleC))
	err := b.Init(ctx)

	var initErr *registry.InitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, registry.PhasePreInit, initErr.Phase)
	require.Len(t, initErr.Errs, 1)

	var moduleErr *registry.ModuleError
	require.ErrorAs(t, err, &moduleErr)
	assert.Equal(t, moduleB.Name(), moduleErr.Module)
	assert.Contains(t, err.Error(), "module panicked: bad config")

	// Siblings still ran to completion.
	_, okA := s.recorder.Get("pre-init:A")
	_, okC := s.recorder.Get("pre-init:C")
	assert.True(t, okA)
	assert.True(t, okC)
	assert.Equal(t, registry.StateEmpty, registry.CurrentState())
}

func TestBuilder_InitPanicIsRecovered(t *testing.T) {
	testutil.ResetRegistry(t)
	ctx, _ := testutil.Context(t)
	s := newScript()
	s.panics["init:A"] = "boom"

	b := registry.NewBuilder()
	require.NoError(t, b.Register(moduleC))
	err := b.Init(ctx)

	var panicErr *registry.PanicError
	require.ErrorAs(t, err, &panicErr)
	assert.Equal(t, "boom", panicErr.Value)
	assert.NotEmpty(t, panicErr.Stack)
	assert.Contains(t, err.Error(), "module panicked: boom")
	assert.NotContains(t, s.Events(), "init:B")
}

func TestBuilder_FailedStartupCanBeRetried(t *testing.T) {
	testutil.ResetRegistry(t)
	ctx, _ := testutil.Context(t)
	s := newScript()
	s.fail["init:C"] = errors.New("not yet")

	first := registry.NewBuilder()
	require.NoError(t, first.Register(moduleC))
	require.Error(t, first.Init(ctx))

	newScript()
	second := registry.NewBuilder()
	require.NoError(t, second.Register(moduleC))
	require.NoError(t, second.Init(ctx))
	assert.Equal(t, registry.StatePublished, registry.CurrentState())
}

func TestBuilder_PostInitErrorsKeepRegistryPublished(t *testing.T) {
	testutil.ResetRegistry(t)
	ctx, _ := testutil.Context(t)
	s := newScript()
	errB := errors.New("warmup failed")
	s.fail["post-init:B"] = errB
	s.panics["post-init:C"] = "kaboom"

	b := registry.NewBuilder()
	require.NoError(t, b.Register(moduleC))
	err := b.Init(ctx)

	var initErr *registry.InitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, registry.PhasePostInit, initErr.Phase)
	assert.Len(t, initErr.Errs, 2)
	assert.ErrorIs(t, err, errB)

	assert.Equal(t, registry.StatePublished, registry.CurrentState())
	assert.NotNil(t, moduleC.Global())
}

func TestBuilder_DoubleInitPanics(t *testing.T) {
	testutil.ResetRegistry(t)
	ctx, _ := testutil.Context(t)

	first := registry.NewBuilder()
	require.NoError(t, first.Register(databaseModule))
	require.NoError(t, first.Init(ctx))

	second := registry.NewBuilder()
	require.NoError(t, second.Register(databaseModule))
	assert.PanicsWithValue(t, "registry: the module registry has already been initialized once", func() {
		_ = second.Init(ctx)
	})
}

func TestBuilder_ClosedAfterInit(t *testing.T) {
	testutil.ResetRegistry(t)
	ctx, _ := testutil.Context(t)

	b := registry.NewBuilder()
	require.NoError(t, b.Register(databaseModule))
	require.NoError(t, b.Init(ctx))

	assert.ErrorIs(t, b.Register(cacheModule), registry.ErrBuilderClosed)
	assert.ErrorIs(t, b.Init(ctx), registry.ErrBuilderClosed)
}

func TestBuilder_EmptyInitPublishes(t *testing.T) {
	testutil.ResetRegistry(t)
	ctx, _ := testutil.Context(t)

	require.NoError(t, registry.NewBuilder().Init(ctx))
	r, ok := registry.Published()
	require.True(t, ok)
	assert.Zero(t, r.Len())
}

func TestBuilder_DependencyCycles(t *testing.T) {
	tests := []struct {
		name    string
		module  registry.Dependency
		members []string
	}{
		{name: "self", module: selfishModule, members: names(selfishModule)},
		{name: "two modules", module: pingModule, members: names(pingModule, pongModule)},
		{name: "three modules", module: rockModule, members: names(rockModule, paperModule, scissorsModule)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			testutil.ResetRegistry(t)
			ctx, _ := testutil.Context(t)

			b := registry.NewBuilder()
			err := b.Register(tc.module)
			require.ErrorIs(t, err, registry.ErrDependencyCycle)

			var cycleErr *dag.CycleError
			require.ErrorAs(t, err, &cycleErr)
			require.Len(t, cycleErr.Cycle, len(tc.members)+1)
			assert.Equal(t, cycleErr.Cycle[0], cycleErr.Cycle[len(cycleErr.Cycle)-1])
			assert.ElementsMatch(t, tc.members, cycleErr.Cycle[:len(tc.members)])

			// The builder stays poisoned and never touches the global cell.
			assert.ErrorIs(t, b.Register(databaseModule), registry.ErrDependencyCycle)
			assert.ErrorIs(t, b.Init(ctx), registry.ErrDependencyCycle)
			assert.Equal(t, registry.StateEmpty, registry.CurrentState())
		})
	}
}

func TestRef_LeaseEndsWithInit(t *testing.T) {
	testutil.ResetRegistry(t)
	ctx, _ := testutil.Context(t)

	b := registry.NewBuilder()
	require.NoError(t, b.Register(leakyModule))
	require.NoError(t, b.Init(ctx))

	leaked := leakyModule.Global().deps
	assert.PanicsWithValue(t,
		"registry: dependency '"+databaseModule.Name()+"' used after '"+leakyModule.Name()+"' finished Init",
		func() { databaseModule.From(leaked) },
	)
}

func TestRef_UndeclaredDependencyFailsInit(t *testing.T) {
	testutil.ResetRegistry(t)
	ctx, _ := testutil.Context(t)

	b := registry.NewBuilder()
	require.NoError(t, b.Register(cacheModule, sneakyModule))
	err := b.Init(ctx)

	var panicErr *registry.PanicError
	require.ErrorAs(t, err, &panicErr)
	assert.Contains(t, err.Error(), "is not a declared dependency of '"+sneakyModule.Name()+"'")
}

func TestRef_GlobalBeforePublication(t *testing.T) {
	testutil.ResetRegistry(t)

	_, err := databaseModule.TryGlobal()
	require.ErrorIs(t, err, registry.ErrRegistryNotPublished)
	assert.PanicsWithValue(t, registry.ErrRegistryNotPublished.Error(), func() {
		databaseModule.Global()
	})
}

func TestRef_Name(t *testing.T) {
	assert.Equal(t, "github.com/specialistvlad/modgrid/internal/registry_test.database", databaseModule.Name())
	assert.Equal(t, databaseModule.Name(), registry.Declare[database, struct{}]().Name())
}

func TestResetForTesting(t *testing.T) {
	testutil.ResetRegistry(t)
	ctx, _ := testutil.Context(t)

	b := registry.NewBuilder()
	require.NoError(t, b.Register(databaseModule))
	require.NoError(t, b.Init(ctx))
	require.Equal(t, registry.StatePublished, registry.CurrentState())

	registry.ResetForTesting()
	assert.Equal(t, registry.StateEmpty, registry.CurrentState())
	_, err := databaseModule.TryGlobal()
	assert.ErrorIs(t, err, registry.ErrRegistryNotPublished)

	b = registry.NewBuilder()
	require.NoError(t, b.Register(databaseModule))
	require.NoError(t, b.Init(ctx))
}

func TestResetForTesting_RefusedWhileBuilding(t *testing.T) {
	testutil.ResetRegistry(t)
	ctx, _ := testutil.Context(t)

	b := registry.NewBuilder()
	require.NoError(t, b.Register(resetterModule))
	err := b.Init(ctx)

	var panicErr *registry.PanicError
	require.ErrorAs(t, err, &panicErr)
	assert.Equal(t, "registry: ResetForTesting called while modules are being initialized", panicErr.Value)
	assert.Equal(t, registry.StateEmpty, registry.CurrentState())
}
