package pipeline

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/stevedore/internal/model"
)

// initRepo creates a git repository with one commit and returns its path.
func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	dir := t.TempDir()
	git := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}

	git("init")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.py"), []byte("print('ok')\n"), 0o644))
	git("add", ".")
	git("commit", "-m", "initial")
	return dir
}

func TestGitShortHash(t *testing.T) {
	dir := initRepo(t)

	hash, err := GitShortHash(context.Background(), dir)
	require.NoError(t, err)
	assert.NotEmpty(t, hash)
	require.NoError(t, model.ValidateTag(hash))
}

// TestGitShortHashDirtyTree verifies that uncommitted changes block tag
// resolution: the hash would name content the image does not contain.
func TestGitShortHashDirtyTree(t *testing.T) {
	dir := initRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.py"), []byte("print('edited')\n"), 0o644))

	_, err := GitShortHash(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorContains(t, err, "uncommitted changes")

	var cliErr *model.CLIError
	require.True(t, errors.As(err, &cliErr))
	assert.Equal(t, model.ExitGitError, cliErr.Code)
}

// TestGitShortHashUntrackedFile verifies that a new untracked file also
// counts as a dirty tree: docker build would bake it into the image.
func TestGitShortHashUntrackedFile(t *testing.T) {
	dir := initRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "extra.py"), []byte("pass\n"), 0o644))

	_, err := GitShortHash(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorContains(t, err, "uncommitted changes")
}

func TestGitShortHashOutsideRepo(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	_, err := GitShortHash(context.Background(), t.TempDir())
	require.Error(t, err)

	var cliErr *model.CLIError
	require.True(t, errors.As(err, &cliErr))
	assert.Equal(t, model.ExitGitError, cliErr.Code)
}
