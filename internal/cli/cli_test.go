package cli

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/specialistvlad/modgrid/internal/registry"
	"github.com/specialistvlad/modgrid/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	registry.NoPreInit
	registry.NoDependencies
	registry.NoPostInit
	started time.Time
}

func (c *clock) Init(context.Context, struct{}, *registry.Deps) error {
	c.started = time.Now()
	return nil
}

type ticker struct {
	registry.NoPreInit
	registry.NoPostInit
	clock *clock
}

func (*ticker) Dependencies() []registry.Dependency {
	return []registry.Dependency{clockModule}
}

func (t *ticker) Init(_ context.Context, _ struct{}, deps *registry.Deps) error {
	t.clock = clockModule.From(deps)
	return nil
}

type broken struct {
	registry.NoPreInit
	registry.NoDependencies
	registry.NoPostInit
}

func (*broken) Init(context.Context, struct{}, *registry.Deps) error {
	return errors.New("disk on fire")
}

var (
	clockModule  = registry.Declare[clock, struct{}]()
	tickerModule = registry.Declare[ticker, struct{}]()
	brokenModule = registry.Declare[broken, struct{}]()
)

func TestExecute_Graph(t *testing.T) {
	var out bytes.Buffer
	err := Execute(context.Background(), &out, []string{"graph"}, tickerModule, clockModule)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "1. "+clockModule.Name(), lines[0])
	assert.Equal(t, "2. "+tickerModule.Name()+" <- "+clockModule.Name(), lines[1])
}

func TestExecute_GraphCoreModules(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, Execute(context.Background(), &out, []string{"graph"}))

	assert.Contains(t, out.String(), "1. github.com/specialistvlad/modgrid/modules/sqlitedb.DB\n")
	assert.Contains(t, out.String(), "5. github.com/specialistvlad/modgrid/modules/metrics.Metrics\n")
}

func TestExecute_RunStopsOnCancel(t *testing.T) {
	testutil.ResetRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out testutil.SafeBuffer
	err := Execute(ctx, &out, []string{"run", "--log-level", "debug"}, clockModule, tickerModule)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Shutdown requested.")

	_, err = clockModule.TryGlobal()
	assert.NoError(t, err)
}

func TestExecute_RootRunsByDefault(t *testing.T) {
	testutil.ResetRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out testutil.SafeBuffer
	require.NoError(t, Execute(ctx, &out, nil, clockModule))
	assert.Contains(t, out.String(), "Shutdown requested.")
}

func TestExecute_RunFailure(t *testing.T) {
	testutil.ResetRegistry(t)

	var out testutil.SafeBuffer
	err := Execute(context.Background(), &out, []string{"run"}, clockModule, brokenModule)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start modules")
	assert.Contains(t, err.Error(), "disk on fire")

	_, isExit := IsExitError(err)
	assert.False(t, isExit)
	assert.Equal(t, registry.StateEmpty, registry.CurrentState())
}

func TestExecute_UsageErrors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		env     map[string]string
		wantMsg string
	}{
		{name: "unknown flag", args: []string{"--nope"}, wantMsg: "unknown flag"},
		{name: "bad level flag", args: []string{"graph", "--log-level", "verbose"}, wantMsg: "invalid log level"},
		{name: "bad format env", args: []string{"graph"}, env: map[string]string{"MODGRID_LOG_FORMAT": "xml"}, wantMsg: "invalid log format"},
		{name: "bad port", args: []string{"graph", "--healthcheck-port", "70000"}, wantMsg: "invalid healthcheck port"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			var out bytes.Buffer
			err := Execute(context.Background(), &out, tc.args, clockModule)
			require.Error(t, err)

			exitErr, ok := IsExitError(err)
			require.True(t, ok, "expected an ExitError, got %T", err)
			assert.Equal(t, 2, exitErr.Code)
			assert.Contains(t, exitErr.Message, tc.wantMsg)
		})
	}
}

func TestExecute_ConfigFromEnv(t *testing.T) {
	dir := testutil.WriteFiles(t, map[string]string{"bad.hcl": `module "x" {`})
	t.Setenv("MODGRID_CONFIG", dir)

	var out bytes.Buffer
	err := Execute(context.Background(), &out, []string{"graph"}, clockModule)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load configuration")
}

func TestExecute_Help(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, Execute(context.Background(), &out, []string{"--help"}))
	assert.Contains(t, out.String(), "--healthcheck-port")
	assert.Contains(t, out.String(), "graph")
}

func TestExitError(t *testing.T) {
	var err error = &ExitError{Code: 3, Message: "boom"}
	assert.Equal(t, "boom", err.Error())

	got, ok := IsExitError(errors.Join(errors.New("other"), err))
	require.True(t, ok)
	assert.Equal(t, 3, got.Code)
}
