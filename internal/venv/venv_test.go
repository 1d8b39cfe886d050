package venv

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/sessionrun/internal/executor"
)

// recordingExecutor returns an Executor that records every command instead
// of starting a process.
func recordingExecutor(calls *[]*exec.Cmd) executor.Executor {
	return executor.New(executor.WithExecFunc(func(cmd *exec.Cmd) error {
		*calls = append(*calls, cmd)
		return nil
	}))
}

// fakeVenv creates the bin directory of a venv at dir with the given
// executables, so Reuse and program resolution can be tested without Python.
func fakeVenv(t *testing.T, dir string, programs ...string) {
	t.Helper()
	bin := filepath.Join(dir, "bin")
	if runtime.GOOS == "windows" {
		bin = filepath.Join(dir, "Scripts")
	}
	require.NoError(t, os.MkdirAll(bin, 0755))
	for _, p := range programs {
		require.NoError(t, os.WriteFile(filepath.Join(bin, p), []byte("#!/bin/sh\n"), 0755))
	}
}

func TestDirName(t *testing.T) {
	assert.Equal(t, "unit-3-9", DirName("unit-3.9"))
	assert.Equal(t, "lint", DirName("lint"))
}

func TestInterpreter(t *testing.T) {
	assert.Equal(t, "python3.12", Interpreter("3.12"))
	assert.Equal(t, "python3", Interpreter(""))
}

func TestPrepare_CreatesVenv(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, ".nox", "unit-3-11")
	var calls []*exec.Cmd
	v := New(Options{Root: root, Dir: dir, Python: "3.11", Executor: recordingExecutor(&calls)})

	require.NoError(t, v.Prepare(context.Background()))
	defer func() { _ = v.Close(context.Background()) }()

	require.Len(t, calls, 1)
	assert.Equal(t, []string{"python3.11", "-m", "venv", dir}, calls[0].Args)
	assert.Equal(t, root, calls[0].Dir)
	assert.FileExists(t, dir+".lock")
}

func TestPrepare_Reuse(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, ".nox", "lint-3-9")
	fakeVenv(t, dir, "python")

	var calls []*exec.Cmd
	v := New(Options{Root: root, Dir: dir, Python: "3.9", Reuse: true, Executor: recordingExecutor(&calls)})
	require.NoError(t, v.Prepare(context.Background()))
	defer func() { _ = v.Close(context.Background()) }()

	assert.Empty(t, calls, "an existing venv is kept with Reuse")
	assert.DirExists(t, dir)
}

func TestPrepare_RecreatesWithoutReuse(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, ".nox", "lint-3-9")
	fakeVenv(t, dir, "python")
	stale := filepath.Join(dir, "stale.txt")
	require.NoError(t, os.WriteFile(stale, nil, 0644))

	var calls []*exec.Cmd
	v := New(Options{Root: root, Dir: dir, Python: "3.9", Executor: recordingExecutor(&calls)})
	require.NoError(t, v.Prepare(context.Background()))
	defer func() { _ = v.Close(context.Background()) }()

	assert.NoFileExists(t, stale)
	require.Len(t, calls, 1)
}

func TestPrepare_LockHeld(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, ".nox", "docs-3-10")

	var calls []*exec.Cmd
	first := New(Options{Root: root, Dir: dir, Python: "3.10", Executor: recordingExecutor(&calls)})
	require.NoError(t, first.Prepare(context.Background()))
	defer func() { _ = first.Close(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 600*time.Millisecond)
	defer cancel()
	second := New(Options{Root: root, Dir: dir, Python: "3.10", Executor: recordingExecutor(&calls)})
	assert.Error(t, second.Prepare(ctx))
	require.NoError(t, second.Close(context.Background()))
}

func TestExec_ResolvesFromVenv(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("bin layout differs on windows")
	}
	root := t.TempDir()
	dir := filepath.Join(root, ".nox", "unit-3-9")
	fakeVenv(t, dir, "python", "py.test")

	var calls []*exec.Cmd
	v := New(Options{Root: root, Dir: dir, Python: "3.9", Executor: recordingExecutor(&calls)})

	require.NoError(t, v.Exec(context.Background(), []string{"py.test", "-n=8", "tests/unit"}))
	require.NoError(t, v.Exec(context.Background(), []string{"sphinx-build", "-W"}))

	require.Len(t, calls, 2)
	assert.Equal(t, filepath.Join(dir, "bin", "py.test"), calls[0].Path)
	assert.Equal(t, []string{"-n=8", "tests/unit"}, calls[0].Args[1:])
	assert.Equal(t, "sphinx-build", calls[1].Args[0], "programs missing from the venv are left to PATH")

	var path, virtualEnv string
	for _, kv := range calls[0].Env {
		if strings.HasPrefix(kv, "PATH=") {
			path = strings.TrimPrefix(kv, "PATH=")
		}
		if strings.HasPrefix(kv, "VIRTUAL_ENV=") {
			virtualEnv = strings.TrimPrefix(kv, "VIRTUAL_ENV=")
		}
	}
	assert.True(t, strings.HasPrefix(path, filepath.Join(dir, "bin")), "venv bin comes first on PATH")
	assert.Equal(t, dir, virtualEnv)
}

func TestPassthrough(t *testing.T) {
	root := t.TempDir()
	var calls []*exec.Cmd
	p := NewPassthrough(root, recordingExecutor(&calls), nil)

	assert.Equal(t, "none", p.Backend())
	assert.Equal(t, root, p.Root())
	require.NoError(t, p.Prepare(context.Background()))
	require.NoError(t, p.Exec(context.Background(), []string{"python", "-m", "pip", "freeze"}))
	require.NoError(t, p.Close(context.Background()))

	require.Len(t, calls, 1)
	assert.Equal(t, root, calls[0].Dir)
	assert.Nil(t, calls[0].Env, "passthrough inherits the process environment")
}
