// Package executor runs external processes for the session backends.
//
// Every install and run step of a session ends up here (or in the docker
// backend's exec equivalent). Commands run one at a time and block until the
// process exits; a non-zero status is returned as a *model.CommandError so
// the runner can surface the tool's exit code.
package executor

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/shinji-kodama/sessionrun/internal/model"
)

// Command describes one process invocation.
type Command struct {
	// Args is the full command line, program first. The program is resolved
	// by the caller; Executor does not consult Env's PATH.
	Args []string

	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Env is the full process environment. Nil inherits os.Environ().
	Env []string

	// Stdout and Stderr receive the process output. Nil means os.Stdout and
	// os.Stderr, so tool output streams to the operator as it is produced.
	Stdout io.Writer
	Stderr io.Writer
}

// Executor wraps the execution of "os/exec".Cmd's to allow adding logs to
// each exec and makes it easier to test.
type Executor interface {
	// Run executes the command, streaming its output.
	Run(ctx context.Context, c Command) error

	// Output executes the command and returns its trimmed stdout.
	Output(ctx context.Context, c Command) (string, error)
}

// executorImpl implements Executor
type executorImpl struct {
	logger *zap.SugaredLogger

	// execFunc runs a prepared *exec.Cmd. Tests replace it to avoid
	// starting real processes.
	execFunc func(cmd *exec.Cmd) error
}

// Option customizes executorImpl's behavior.
type Option func(*executorImpl)

// WithLogger overrides the default noop logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(e *executorImpl) {
		e.logger = logger
	}
}

// WithExecFunc provides customized exec behavior.
func WithExecFunc(execFunc func(cmd *exec.Cmd) error) Option {
	return func(e *executorImpl) {
		e.execFunc = execFunc
	}
}

// New creates an Executor that runs processes with cmd.Run.
func New(opts ...Option) Executor {
	e := &executorImpl{
		logger:   zap.NewNop().Sugar(),
		execFunc: func(cmd *exec.Cmd) error { return cmd.Run() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run logs and executes the command.
func (e *executorImpl) Run(ctx context.Context, c Command) error {
	cmd, err := e.prepare(ctx, c)
	if err != nil {
		return err
	}
	cmd.Stdout = c.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = c.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	return e.exec(cmd, c.Args)
}

// Output logs and executes the command, capturing stdout.
func (e *executorImpl) Output(ctx context.Context, c Command) (string, error) {
	cmd, err := e.prepare(ctx, c)
	if err != nil {
		return "", err
	}
	var stdout strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = c.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if err := e.exec(cmd, c.Args); err != nil {
		return "", err
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (e *executorImpl) prepare(ctx context.Context, c Command) (*exec.Cmd, error) {
	if len(c.Args) == 0 {
		return nil, &model.CommandError{ExitCode: -1, Err: errors.New("empty command")}
	}

	// #nosec G204 -- command lines come from session definitions, not from
	// untrusted input.
	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env

	e.logger.Debugw("Exec", "Args", c.Args, "Dir", c.Dir)
	return cmd, nil
}

// exec runs cmd and converts failures into *model.CommandError.
func (e *executorImpl) exec(cmd *exec.Cmd, args []string) error {
	err := e.execFunc(cmd)
	if err == nil {
		return nil
	}

	cmdErr := &model.CommandError{Args: args, ExitCode: -1, Err: err}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		cmdErr.ExitCode = exitErr.ExitCode()
	}
	e.logger.Debugw("Exec failed", "Args", args, "ExitCode", cmdErr.ExitCode, "Error", err)
	return cmdErr
}
