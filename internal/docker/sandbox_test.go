package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/sessionrun/internal/model"
	"github.com/shinji-kodama/sessionrun/internal/session"
)

// fakeEngine is an in-memory Engine.
type fakeEngine struct {
	pulled     []string
	created    []ContainerSpec
	started    []string
	removed    []string
	execs      [][]string
	sandboxes  []SandboxInfo
	exitCodes  map[string]int
	output     string
	pullErr    error
	startErr   error
	execErr    error
	removeErrs map[string]error
}

func (f *fakeEngine) EnsureImage(_ context.Context, ref string, _ io.Writer) error {
	f.pulled = append(f.pulled, ref)
	return f.pullErr
}

func (f *fakeEngine) CreateContainer(_ context.Context, spec ContainerSpec) (string, error) {
	f.created = append(f.created, spec)
	return fmt.Sprintf("c0ffee%02d0000000000000000", len(f.created)), nil
}

func (f *fakeEngine) StartContainer(_ context.Context, id string) error {
	f.started = append(f.started, id)
	return f.startErr
}

func (f *fakeEngine) Exec(_ context.Context, _ string, args []string, _ string, stdout, _ io.Writer) (int, error) {
	f.execs = append(f.execs, args)
	if f.execErr != nil {
		return -1, f.execErr
	}
	_, _ = io.WriteString(stdout, f.output)
	return f.exitCodes[args[0]], nil
}

func (f *fakeEngine) RemoveContainer(_ context.Context, id string) error {
	if err := f.removeErrs[id]; err != nil {
		return err
	}
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeEngine) ListManagedContainers(context.Context) ([]SandboxInfo, error) {
	return f.sandboxes, nil
}

func newTestSandbox(engine *fakeEngine, stdout io.Writer) *Sandbox {
	return NewSandbox(SandboxOptions{
		Engine:   engine,
		Image:    "python:3.11-slim",
		Instance: "unit-3.11",
		Python:   "3.11",
		HostRoot: "/src/bigquery",
		Env:      []string{"GOOGLE_APPLICATION_CREDENTIALS=/creds.json"},
		Stdout:   stdout,
		Now:      func() time.Time { return time.Date(2026, 2, 28, 10, 0, 0, 0, time.UTC) },
	})
}

func TestSandbox_Lifecycle(t *testing.T) {
	engine := &fakeEngine{output: "collected 3 items\n", exitCodes: map[string]int{}}
	var out bytes.Buffer
	sb := newTestSandbox(engine, &out)

	assert.Equal(t, "docker", sb.Backend())
	assert.Equal(t, WorkspaceDir, sb.Root())

	ctx := context.Background()
	require.NoError(t, sb.Prepare(ctx))
	assert.Equal(t, []string{"python:3.11-slim"}, engine.pulled)

	require.Len(t, engine.created, 1)
	spec := engine.created[0]
	assert.Equal(t, "python:3.11-slim", spec.Image)
	assert.Equal(t, []string{"sleep", "infinity"}, spec.Cmd)
	assert.Equal(t, WorkspaceDir, spec.WorkingDir)
	assert.Equal(t, []string{"/src/bigquery:/workspace"}, spec.Binds)
	assert.Equal(t, []string{"GOOGLE_APPLICATION_CREDENTIALS=/creds.json"}, spec.Env)
	assert.Equal(t, "unit-3.11", spec.Labels[LabelSession])
	assert.True(t, strings.HasPrefix(spec.Name, "sessionrun-unit-3.11-"))
	assert.Equal(t, []string{sb.ID()}, engine.started)

	require.NoError(t, sb.Exec(ctx, []string{"py.test", "tests/unit"}))
	assert.Equal(t, "collected 3 items\n", out.String())

	id := sb.ID()
	require.NoError(t, sb.Close(ctx))
	require.NoError(t, sb.Close(ctx), "a second Close is a no-op")
	assert.Equal(t, []string{id}, engine.removed)
}

func TestSandbox_ExecFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("non-zero exit", func(t *testing.T) {
		engine := &fakeEngine{exitCodes: map[string]int{"flake8": 1}}
		sb := newTestSandbox(engine, io.Discard)
		require.NoError(t, sb.Prepare(ctx))

		err := sb.Exec(ctx, []string{"flake8", "google"})
		var cmdErr *model.CommandError
		require.True(t, errors.As(err, &cmdErr))
		assert.Equal(t, 1, cmdErr.ExitCode)
		assert.Equal(t, []string{"flake8", "google"}, cmdErr.Args)
	})

	t.Run("exec could not run", func(t *testing.T) {
		engine := &fakeEngine{execErr: errors.New("connection reset")}
		sb := newTestSandbox(engine, io.Discard)
		require.NoError(t, sb.Prepare(ctx))

		err := sb.Exec(ctx, []string{"mypy"})
		var cmdErr *model.CommandError
		require.True(t, errors.As(err, &cmdErr))
		assert.Equal(t, -1, cmdErr.ExitCode)
	})

	t.Run("not prepared", func(t *testing.T) {
		sb := newTestSandbox(&fakeEngine{}, io.Discard)
		var cmdErr *model.CommandError
		require.True(t, errors.As(sb.Exec(ctx, []string{"black"}), &cmdErr))
		assert.Equal(t, -1, cmdErr.ExitCode)
	})
}

// TestSandbox_RemoveAll checks build output is removed through the engine
// and never outside the workspace.
func TestSandbox_RemoveAll(t *testing.T) {
	ctx := context.Background()
	engine := &fakeEngine{exitCodes: map[string]int{}}
	sb := newTestSandbox(engine, io.Discard)
	require.NoError(t, sb.Prepare(ctx))

	var _ session.Remover = sb

	require.NoError(t, sb.RemoveAll(ctx, "docs/_build"))
	require.NoError(t, sb.RemoveAll(ctx, "../etc"))
	assert.Equal(t, [][]string{
		{"rm", "-rf", "--", "/workspace/docs/_build"},
		{"rm", "-rf", "--", "/workspace/etc"},
	}, engine.execs)

	assert.Error(t, sb.RemoveAll(ctx, "."))
	assert.Error(t, sb.RemoveAll(ctx, "docs/.."))
	assert.Len(t, engine.execs, 2)

	engine.exitCodes["rm"] = 1
	var cmdErr *model.CommandError
	require.True(t, errors.As(sb.RemoveAll(ctx, "docs/_build"), &cmdErr))
	assert.Equal(t, 1, cmdErr.ExitCode)
}

// TestSandbox_StartFailure checks a container that cannot start is removed
// and Close has nothing left to do.
func TestSandbox_StartFailure(t *testing.T) {
	engine := &fakeEngine{startErr: errors.New("port is already allocated")}
	sb := newTestSandbox(engine, io.Discard)

	require.Error(t, sb.Prepare(context.Background()))
	assert.Len(t, engine.removed, 1)
	assert.Empty(t, sb.ID())
	require.NoError(t, sb.Close(context.Background()))
	assert.Len(t, engine.removed, 1)
}

func TestSandbox_PullFailure(t *testing.T) {
	engine := &fakeEngine{pullErr: errors.New("manifest unknown")}
	sb := newTestSandbox(engine, io.Discard)

	require.Error(t, sb.Prepare(context.Background()))
	assert.Empty(t, engine.created)
}

func TestContainerName(t *testing.T) {
	tests := []struct {
		instance string
		prefix   string
	}{
		{"unit-3.9", "sessionrun-unit-3.9-"},
		{"docs", "sessionrun-docs-"},
		{"weird name/with:chars", "sessionrun-weird-name-with-chars-"},
		{"", "sessionrun-session-"},
	}

	for _, tt := range tests {
		t.Run(tt.instance, func(t *testing.T) {
			name := ContainerName(tt.instance)
			assert.True(t, strings.HasPrefix(name, tt.prefix), name)
			assert.Len(t, name, len(tt.prefix)+8)
		})
	}
	assert.NotEqual(t, ContainerName("unit-3.9"), ContainerName("unit-3.9"))
}
