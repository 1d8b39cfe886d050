package repo

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/sessionrun/internal/executor"
)

// setupTestRepo creates a Git repository with a single commit on "main".
// The identity is configured per repository so commits work in CI.
func setupTestRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	dir := t.TempDir()
	runTestGit(t, dir, "init")
	runTestGit(t, dir, "config", "user.email", "test@example.com")
	runTestGit(t, dir, "config", "user.name", "Test User")
	runTestGit(t, dir, "symbolic-ref", "HEAD", "refs/heads/main")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "setup.py"), []byte("# setup\n"), 0644))
	runTestGit(t, dir, "add", ".")
	runTestGit(t, dir, "commit", "-m", "initial commit")

	// Resolve symlinks (e.g. /tmp on macOS) so paths compare equal to git's.
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	return resolved
}

func runTestGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	output, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v failed: %s", args, string(output))
	return string(output)
}

func TestRoot_FromSubdirectory(t *testing.T) {
	dir := setupTestRepo(t)
	sub := filepath.Join(dir, "tests", "unit")
	require.NoError(t, os.MkdirAll(sub, 0755))

	r := New(executor.New())
	root, err := r.Root(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, dir, root)
}

func TestDescribe(t *testing.T) {
	dir := setupTestRepo(t)
	head := runTestGit(t, dir, "rev-parse", "HEAD")

	info, err := New(executor.New()).Describe(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, dir, info.Root)
	assert.Equal(t, head[:40], info.Commit)
	assert.Equal(t, "main", info.Branch)
}

func TestRoot_NotARepository(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	// A directory outside any repository; GIT_CEILING_DIRECTORIES stops git
	// from finding a repository above the temp dir.
	dir := t.TempDir()
	t.Setenv("GIT_CEILING_DIRECTORIES", filepath.Dir(dir))

	_, err := New(executor.New()).Root(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "git rev-parse --show-toplevel failed")
}
