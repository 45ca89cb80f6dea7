package testutil

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// AssertModuleLogged checks that the captured log output contains msg logged
// with the given module attribute.
func AssertModuleLogged(t *testing.T, logs *SafeBuffer, module, msg string) {
	t.Helper()

	moduleAttr := fmt.Sprintf("module=%s", module)
	for line := range strings.Lines(logs.String()) {
		if strings.Contains(line, moduleAttr) && strings.Contains(line, msg) {
			return
		}
	}
	require.Failf(t, "log line not found", "no %q entry for module %q in:\n%s", msg, module, logs.String())
}
