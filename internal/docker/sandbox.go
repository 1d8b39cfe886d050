package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shinji-kodama/sessionrun/internal/model"
)

// WorkspaceDir is where the project root is mounted inside a sandbox.
const WorkspaceDir = "/workspace"

// idleCmd keeps a sandbox alive between execs.
var idleCmd = []string{"sleep", "infinity"}

var errNotPrepared = errors.New("sandbox is not running")

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// SandboxOptions configures a Sandbox.
type SandboxOptions struct {
	Engine Engine

	// Image is the image reference, e.g. "python:3.11-slim".
	Image string

	// Instance and Python label the container.
	Instance string
	Python   string

	// HostRoot is the project root on the host, bind-mounted at WorkspaceDir.
	HostRoot string

	// Env is passed to the container as KEY=VALUE pairs.
	Env []string

	// Stdout and Stderr receive command output. Nil means os.Stdout and
	// os.Stderr.
	Stdout io.Writer
	Stderr io.Writer

	Logger *zap.SugaredLogger

	// Now returns the creation timestamp for labels. Nil means time.Now.
	Now func() time.Time
}

// Sandbox is a session.Environment running every command in a disposable
// container. The container is created by Prepare and removed by Close.
type Sandbox struct {
	opts SandboxOptions
	id   string
	name string
}

// NewSandbox creates a Sandbox. Nothing talks to the daemon until Prepare.
func NewSandbox(opts SandboxOptions) *Sandbox {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Sandbox{opts: opts}
}

// ContainerName returns a unique container name for instance, e.g.
// "sessionrun-unit-3.11-1b4e28ba".
func ContainerName(instance string) string {
	safe := strings.Trim(unsafeNameChars.ReplaceAllString(instance, "-"), "-.")
	if safe == "" {
		safe = "session"
	}
	return "sessionrun-" + safe + "-" + uuid.NewString()[:8]
}

// Backend implements session.Environment.
func (s *Sandbox) Backend() string { return string(model.BackendDocker) }

// Root implements session.Environment.
func (s *Sandbox) Root() string { return WorkspaceDir }

// ID returns the container ID once Prepare succeeded.
func (s *Sandbox) ID() string { return s.id }

// Prepare pulls the image if needed, then creates and starts the container.
// A container that fails to start is removed again.
func (s *Sandbox) Prepare(ctx context.Context) error {
	s.opts.Logger.Infof("Creating sandbox from %s", s.opts.Image)
	if err := s.opts.Engine.EnsureImage(ctx, s.opts.Image, io.Discard); err != nil {
		return err
	}

	s.name = ContainerName(s.opts.Instance)
	id, err := s.opts.Engine.CreateContainer(ctx, ContainerSpec{
		Name:       s.name,
		Image:      s.opts.Image,
		Cmd:        idleCmd,
		WorkingDir: WorkspaceDir,
		Env:        s.opts.Env,
		Labels:     BuildLabels(s.opts.Instance, s.opts.Python, s.opts.HostRoot, s.opts.Now()),
		Binds:      []string{s.opts.HostRoot + ":" + WorkspaceDir},
	})
	if err != nil {
		return err
	}

	if err := s.opts.Engine.StartContainer(ctx, id); err != nil {
		if rmErr := s.opts.Engine.RemoveContainer(context.WithoutCancel(ctx), id); rmErr != nil {
			s.opts.Logger.Warnw("Failed to remove sandbox", "Container", s.name, "Error", rmErr)
		}
		return err
	}
	s.id = id
	s.opts.Logger.Debugw("Sandbox started", "Container", s.name, "ID", shortID(id))
	return nil
}

// Exec implements session.Environment. A non-zero exit status is reported
// as a *model.CommandError; an exec that could not run carries ExitCode -1.
func (s *Sandbox) Exec(ctx context.Context, args []string) error {
	if s.id == "" {
		return &model.CommandError{Args: args, ExitCode: -1, Err: errNotPrepared}
	}
	code, err := s.opts.Engine.Exec(ctx, s.id, args, WorkspaceDir, s.opts.Stdout, s.opts.Stderr)
	if err != nil {
		return &model.CommandError{Args: args, ExitCode: -1, Err: err}
	}
	if code != 0 {
		return &model.CommandError{Args: args, ExitCode: code}
	}
	return nil
}

// RemoveAll implements session.Remover. Commands run as root inside the
// container, so their output on the bind mount is removed from inside as
// well; the invoking user may not have permission to do it on the host.
func (s *Sandbox) RemoveAll(ctx context.Context, rel string) error {
	clean := path.Clean("/" + rel)
	if clean == "/" {
		return fmt.Errorf("refusing to remove the workspace root (%q)", rel)
	}
	return s.Exec(ctx, []string{"rm", "-rf", "--", path.Join(WorkspaceDir, clean)})
}

// Close removes the container. It is a no-op when Prepare failed.
func (s *Sandbox) Close(ctx context.Context) error {
	if s.id == "" {
		return nil
	}
	id := s.id
	s.id = ""
	return s.opts.Engine.RemoveContainer(ctx, id)
}
