// Package venv provides the local execution backends for sessions.
//
// VirtualEnv creates one Python virtual environment per session instance
// with "python<version> -m venv" and runs every command from that
// environment's bin directory. Passthrough runs commands directly on the
// interpreter found on PATH.
//
// All process execution goes through internal/executor, so commands run one
// at a time and failures surface as *model.CommandError with the tool's exit
// status.
package venv

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/shinji-kodama/sessionrun/internal/executor"
)

// lockRetryDelay is how often a blocked Prepare retries the env lock.
const lockRetryDelay = 250 * time.Millisecond

// Options configures a VirtualEnv.
type Options struct {
	// Root is the project root; commands run with it as working directory.
	Root string

	// Dir is the virtualenv location.
	Dir string

	// Python is the interpreter version, e.g. "3.11". Empty uses "python3".
	Python string

	// Reuse keeps an existing virtualenv instead of recreating it.
	Reuse bool

	// Executor runs the processes.
	Executor executor.Executor

	// Logger receives progress lines. Nil means a noop logger.
	Logger *zap.SugaredLogger
}

// VirtualEnv is a session.Environment backed by a Python venv.
type VirtualEnv struct {
	opts Options
	lock *flock.Flock
}

// New creates a VirtualEnv. Nothing touches the filesystem until Prepare.
func New(opts Options) *VirtualEnv {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	return &VirtualEnv{opts: opts}
}

// DirName converts an instance name into a directory name: dots become
// dashes so "unit-3.9" lives in "unit-3-9".
func DirName(instance string) string {
	return strings.ReplaceAll(instance, ".", "-")
}

// Interpreter returns the executable used to create the venv.
func Interpreter(python string) string {
	if python == "" {
		return "python3"
	}
	return "python" + python
}

// Backend implements session.Environment.
func (v *VirtualEnv) Backend() string { return "venv" }

// Root implements session.Environment.
func (v *VirtualEnv) Root() string { return v.opts.Root }

// Dir returns the virtualenv location.
func (v *VirtualEnv) Dir() string { return v.opts.Dir }

// BinDir returns the directory holding the venv's executables.
func (v *VirtualEnv) BinDir() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(v.opts.Dir, "Scripts")
	}
	return filepath.Join(v.opts.Dir, "bin")
}

// Prepare takes the env lock and creates the virtualenv, or keeps an
// existing one when Reuse is set.
//
// The lock file sits beside the env directory (<dir>.lock) so two
// concurrent invocations never rebuild the same environment at once. The
// lock is held until Close.
func (v *VirtualEnv) Prepare(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(v.opts.Dir), 0755); err != nil {
		return fmt.Errorf("failed to create env directory: %w", err)
	}

	v.lock = flock.New(v.opts.Dir + ".lock")
	locked, err := v.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", v.opts.Dir, err)
	}
	if !locked {
		return fmt.Errorf("failed to lock %s: held by another run", v.opts.Dir)
	}

	if v.opts.Reuse && v.exists() {
		v.opts.Logger.Infof("Re-using existing virtual environment at %s.", v.opts.Dir)
		return nil
	}

	if err := os.RemoveAll(v.opts.Dir); err != nil {
		return fmt.Errorf("failed to remove stale virtualenv %s: %w", v.opts.Dir, err)
	}

	interpreter := Interpreter(v.opts.Python)
	v.opts.Logger.Infof("Creating virtual environment (venv) using %s in %s", interpreter, v.opts.Dir)
	return v.opts.Executor.Run(ctx, executor.Command{
		Args: []string{interpreter, "-m", "venv", v.opts.Dir},
		Dir:  v.opts.Root,
	})
}

// exists reports whether the venv has a python executable.
func (v *VirtualEnv) exists() bool {
	for _, name := range []string{"python", "python.exe"} {
		if _, err := os.Stat(filepath.Join(v.BinDir(), name)); err == nil {
			return true
		}
	}
	return false
}

// Exec runs args with the venv's bin directory first on PATH. The program
// is resolved against the bin directory explicitly because os/exec resolves
// names with the parent's PATH, not the child's.
func (v *VirtualEnv) Exec(ctx context.Context, args []string) error {
	resolved := append([]string(nil), args...)
	if len(resolved) > 0 {
		resolved[0] = v.resolve(resolved[0])
	}
	return v.opts.Executor.Run(ctx, executor.Command{
		Args: resolved,
		Dir:  v.opts.Root,
		Env:  v.environ(),
	})
}

// resolve maps a bare program name onto the venv's bin directory when the
// venv provides it.
func (v *VirtualEnv) resolve(program string) string {
	if strings.ContainsRune(program, filepath.Separator) {
		return program
	}
	candidates := []string{program}
	if runtime.GOOS == "windows" {
		candidates = append(candidates, program+".exe")
	}
	for _, c := range candidates {
		path := filepath.Join(v.BinDir(), c)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return program
}

// environ returns the process environment with the venv activated.
func (v *VirtualEnv) environ() []string {
	env := make([]string, 0, len(os.Environ())+2)
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		switch strings.ToUpper(key) {
		case "PATH", "VIRTUAL_ENV", "PYTHONHOME":
			continue
		}
		env = append(env, kv)
	}
	env = append(env,
		"VIRTUAL_ENV="+v.opts.Dir,
		"PATH="+v.BinDir()+string(os.PathListSeparator)+os.Getenv("PATH"),
	)
	return env
}

// Close releases the env lock.
func (v *VirtualEnv) Close(context.Context) error {
	if v.lock == nil {
		return nil
	}
	return v.lock.Unlock()
}

// Passthrough is a session.Environment that runs commands on the current
// interpreter without any isolation.
type Passthrough struct {
	root   string
	exec   executor.Executor
	logger *zap.SugaredLogger
}

// NewPassthrough creates a Passthrough rooted at root.
func NewPassthrough(root string, exec executor.Executor, logger *zap.SugaredLogger) *Passthrough {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Passthrough{root: root, exec: exec, logger: logger}
}

// Backend implements session.Environment.
func (p *Passthrough) Backend() string { return "none" }

// Root implements session.Environment.
func (p *Passthrough) Root() string { return p.root }

// Prepare implements session.Environment.
func (p *Passthrough) Prepare(context.Context) error {
	p.logger.Warn("Running without a virtual environment; packages are installed into the current interpreter.")
	return nil
}

// Exec implements session.Environment.
func (p *Passthrough) Exec(ctx context.Context, args []string) error {
	return p.exec.Run(ctx, executor.Command{Args: args, Dir: p.root})
}

// Close implements session.Environment.
func (p *Passthrough) Close(context.Context) error { return nil }
