package testutil

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/specialistvlad/modgrid/internal/ctxlog"
	"github.com/specialistvlad/modgrid/internal/registry"
	"github.com/stretchr/testify/require"
)

// SafeBuffer is a thread-safe buffer for capturing log output in tests.
type SafeBuffer struct {
	b  bytes.Buffer
	mu sync.Mutex
}

// Write implements the io.Writer interface for SafeBuffer.
func (b *SafeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

// String implements the fmt.Stringer interface for SafeBuffer.
func (b *SafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

// Context returns a context carrying a debug logger which writes to the
// returned buffer. With MODGRID_TEST_LOGS=true the captured output is printed
// when the test finishes.
func Context(t *testing.T) (context.Context, *SafeBuffer) {
	t.Helper()

	buf := &SafeBuffer{}
	logger := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	t.Cleanup(func() {
		if os.Getenv("MODGRID_TEST_LOGS") == "true" {
			t.Logf("--- Full Log Output for %s ---\n%s", t.Name(), buf.String())
		}
	})

	return ctxlog.WithLogger(context.Background(), logger), buf
}

// ResetRegistry empties the process-wide registry now and again when the test
// finishes. Tests calling it must not run in parallel.
func ResetRegistry(t *testing.T) {
	t.Helper()
	registry.ResetForTesting()
	t.Cleanup(registry.ResetForTesting)
}

// StartModules resets the process-wide registry, starts mods and returns the
// published registry.
func StartModules(ctx context.Context, t *testing.T, mods ...registry.Dependency) *registry.Registry {
	t.Helper()
	ResetRegistry(t)

	b := registry.NewBuilder()
	require.NoError(t, b.Register(mods...))
	require.NoError(t, b.Init(ctx))

	r, ok := registry.Published()
	require.True(t, ok)
	return r
}
