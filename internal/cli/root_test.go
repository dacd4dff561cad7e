// Package cli — root_test.go contains unit tests for command registration
// and the commands that run without a daemon, cloud credentials, or a
// target host.
package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRootCommandRegistersSubcommands verifies that every user-facing
// command is attached to the root.
func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := NewRootCommand()

	want := []string{"deploy", "build", "push", "status", "rollback", "firewall", "init"}
	got := map[string]bool{}
	for _, c := range root.Commands() {
		got[c.Name()] = true
	}
	for _, name := range want {
		assert.True(t, got[name], "subcommand %q not registered", name)
	}
}

// TestRootCommandGlobalFlags verifies the persistent flags are defined.
func TestRootCommandGlobalFlags(t *testing.T) {
	root := NewRootCommand()

	for _, name := range []string{"json", "verbose", "quiet", "file"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(name), "flag --%s not defined", name)
	}
}

// TestExecutePropagatesContext verifies that the context handed to
// Execute reaches cmd.Context(). Commands hold this context across the
// firewall lease, so the signal-derived cancellation from main must
// arrive here for an interrupted deploy to unwind through its deferred
// release.
func TestExecutePropagatesContext(t *testing.T) {
	type ctxKey struct{}
	ctx := context.WithValue(context.Background(), ctxKey{}, "marker")

	var got context.Context
	cmd := &cobra.Command{
		Use: "noop",
		RunE: func(c *cobra.Command, _ []string) error {
			got = c.Context()
			return nil
		},
	}
	cmd.SetArgs([]string{})

	Execute(ctx, cmd)

	require.NotNil(t, got)
	assert.Equal(t, "marker", got.Value(ctxKey{}))
}

// TestFirewallSubcommands verifies the firewall group carries open and
// close.
func TestFirewallSubcommands(t *testing.T) {
	fw := NewFirewallCommand()

	names := map[string]bool{}
	for _, c := range fw.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["open"])
	assert.True(t, names["close"])
}

// TestInitWritesScaffold verifies that init writes the manifest (and the
// Dockerfile with --dockerfile) and refuses to overwrite existing files.
func TestInitWritesScaffold(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	err := runInit(&initFlags{app: "orders", port: 8000, dockerfile: true})
	require.NoError(t, err)

	manifest, err := os.ReadFile(filepath.Join(dir, "stevedore.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(manifest), "app: orders")
	assert.Contains(t, string(manifest), "CHANGE-ME")

	dockerfile, err := os.ReadFile(filepath.Join(dir, "Dockerfile"))
	require.NoError(t, err)
	assert.Contains(t, string(dockerfile), "EXPOSE 8000")

	// Second run must not clobber what the user may have edited.
	err = runInit(&initFlags{app: "orders", port: 8000})
	require.Error(t, err)
}

// TestInitDefaultsAppToDirectory verifies the app name falls back to the
// working directory's base name.
func TestInitDefaultsAppToDirectory(t *testing.T) {
	dir := t.TempDir()
	appDir := filepath.Join(dir, "shipping")
	require.NoError(t, os.Mkdir(appDir, 0o755))
	t.Chdir(appDir)

	err := runInit(&initFlags{})
	require.NoError(t, err)

	manifest, err := os.ReadFile(filepath.Join(appDir, "stevedore.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(manifest), "app: shipping")
}
