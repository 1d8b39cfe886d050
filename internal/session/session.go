// Package session implements the session model of the runner: the Session
// object handed to each session body, the Registry of named definitions, the
// timing decorator, and the sequential Runner that turns a selection of
// session instances into results and an exit status.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/shinji-kodama/sessionrun/internal/model"
)

// Environment is where the commands of one session instance execute.
// Implementations live in the venv and docker packages.
type Environment interface {
	// Backend names the implementation, e.g. "venv".
	Backend() string

	// Root is the project root as seen by the executed commands. For a local
	// environment this is the host path; for a container it is the mount
	// point.
	Root() string

	// Prepare creates the environment (virtualenv, container, ...).
	Prepare(ctx context.Context) error

	// Exec runs one command inside the environment with Root as the working
	// directory and blocks until it exits. A non-zero exit status is
	// reported as a *model.CommandError.
	Exec(ctx context.Context, args []string) error

	// Close releases the environment. It is called once per Prepare, even
	// when the session failed.
	Close(ctx context.Context) error
}

// Remover is implemented by environments that own the files their commands
// write. A container running as root leaves output on the host that the
// invoking user cannot delete, so cleanup has to run inside it.
type Remover interface {
	// RemoveAll recursively removes rel, relative to Root. A missing path is
	// not an error.
	RemoveAll(ctx context.Context, rel string) error
}

// Session is the handle a session body uses to install dependencies and
// invoke tools. A Session is bound to one interpreter version.
type Session struct {
	name        string
	python      string
	posargs     []string
	env         Environment
	hostRoot    string
	installOnly bool
	lookupEnv   func(string) (string, bool)
	logger      *zap.SugaredLogger
}

// Name returns the instance name, e.g. "unit-3.9".
func (s *Session) Name() string { return s.name }

// Python returns the interpreter version the session runs under.
func (s *Session) Python() string { return s.python }

// Posargs returns the positional arguments given after "--" on the command
// line. They are forwarded verbatim to the test runner.
func (s *Session) Posargs() []string {
	return append([]string(nil), s.posargs...)
}

// Root returns the project root as seen by the session's commands.
func (s *Session) Root() string { return s.env.Root() }

// Path joins elem onto Root.
func (s *Session) Path(elem ...string) string {
	return filepath.Join(append([]string{s.env.Root()}, elem...)...)
}

// Getenv returns the value of an environment variable of the invoking
// process, or "" if it is unset.
func (s *Session) Getenv(key string) string {
	v, _ := s.lookupEnv(key)
	return v
}

// Install runs "python -m pip install args..." in the environment.
// Any failure is fatal to the session; installs are never retried.
func (s *Session) Install(ctx context.Context, args ...string) error {
	if len(args) == 0 {
		return errors.New("install requires at least one package or flag")
	}
	cmd := append([]string{"python", "-m", "pip", "install"}, args...)
	s.logger.Info(strings.Join(cmd, " "))
	if err := s.env.Exec(ctx, cmd); err != nil {
		return fmt.Errorf("install failed: %w", err)
	}
	return nil
}

// Run invokes an external tool in the environment. With --install-only the
// invocation is logged and skipped.
func (s *Session) Run(ctx context.Context, args ...string) error {
	if len(args) == 0 {
		return errors.New("run requires a command")
	}
	cmdline := strings.Join(args, " ")
	if s.installOnly {
		s.logger.Infof("Skipping %s run, as --install-only is set.", args[0])
		return nil
	}
	s.logger.Info(cmdline)
	if err := s.env.Exec(ctx, args); err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	return nil
}

// Skip ends the session with a skipped outcome. Session bodies return its
// result directly:
//
//	if s.Getenv("CREDS") == "" {
//		return s.Skip("Credentials must be set via environment variable.")
//	}
func (s *Session) Skip(reason string) error {
	return &model.SkipError{Reason: reason}
}

// RemoveAll recursively removes rel (relative to the project root). When the
// environment implements Remover the removal runs there; otherwise it
// happens on the host. A missing directory is not an error.
func (s *Session) RemoveAll(ctx context.Context, rel string) error {
	if r, ok := s.env.(Remover); ok {
		s.logger.Debugf("Removing %s in %s environment", rel, s.env.Backend())
		if err := r.RemoveAll(ctx, rel); err != nil {
			return fmt.Errorf("failed to remove %s: %w", rel, err)
		}
		return nil
	}

	target := filepath.Join(s.hostRoot, rel)
	s.logger.Debugf("Removing %s", target)
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("failed to remove %s: %w", target, err)
	}
	return nil
}

// ReadFile reads rel (relative to the project root) from the host.
func (s *Session) ReadFile(rel string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.hostRoot, rel))
}

// Glob matches pattern (relative to the project root) on the host and
// returns the matches as environment paths, in lexical order.
func (s *Session) Glob(pattern string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.hostRoot, pattern))
	if err != nil {
		return nil, fmt.Errorf("invalid glob %q: %w", pattern, err)
	}
	paths := make([]string, 0, len(matches))
	for _, m := range matches {
		rel, err := filepath.Rel(s.hostRoot, m)
		if err != nil {
			return nil, err
		}
		paths = append(paths, s.Path(rel))
	}
	return paths, nil
}

// Log writes an informational line to the session log.
func (s *Session) Log(format string, args ...interface{}) {
	s.logger.Infof(format, args...)
}

// ConstraintsPath returns the version-constraints file for python under
// root: <root>/testing/constraints-<python>.txt. The path is built from the
// version string alone; the file is not required to exist.
func ConstraintsPath(root, python string) string {
	return filepath.Join(root, "testing", fmt.Sprintf("constraints-%s.txt", python))
}
