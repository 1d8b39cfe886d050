// Package sessiontest provides in-memory fakes for testing session
// definitions without Python, network access or Docker.
package sessiontest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shinji-kodama/sessionrun/internal/model"
	"github.com/shinji-kodama/sessionrun/internal/session"
)

// Env is a fake session.Environment that records every command.
type Env struct {
	RootDir  string
	Calls    [][]string
	Prepared int
	Closed   int

	// FailOn, when set, decides the error for a command. Returning nil lets
	// the command succeed.
	FailOn func(args []string) error

	// PrepareErr is returned by Prepare.
	PrepareErr error
}

// Backend implements session.Environment.
func (e *Env) Backend() string { return "fake" }

// Root implements session.Environment.
func (e *Env) Root() string { return e.RootDir }

// Prepare implements session.Environment.
func (e *Env) Prepare(context.Context) error {
	e.Prepared++
	return e.PrepareErr
}

// Exec implements session.Environment.
func (e *Env) Exec(ctx context.Context, args []string) error {
	if err := ctx.Err(); err != nil {
		return &model.CommandError{Args: args, ExitCode: -1, Err: err}
	}
	e.Calls = append(e.Calls, append([]string(nil), args...))
	if e.FailOn != nil {
		return e.FailOn(args)
	}
	return nil
}

// Close implements session.Environment.
func (e *Env) Close(context.Context) error {
	e.Closed++
	return nil
}

// Installs returns the argument lists of every "python -m pip install" call.
func (e *Env) Installs() [][]string {
	var out [][]string
	for _, c := range e.Calls {
		if len(c) > 4 && c[0] == "python" && c[1] == "-m" && c[2] == "pip" && c[3] == "install" {
			out = append(out, c[4:])
		}
	}
	return out
}

// Runs returns every call that is not a pip install.
func (e *Env) Runs() [][]string {
	var out [][]string
	for _, c := range e.Calls {
		if len(c) > 3 && c[0] == "python" && c[1] == "-m" && c[2] == "pip" && c[3] == "install" {
			continue
		}
		out = append(out, c)
	}
	return out
}

// CommandLines returns every call joined with spaces.
func (e *Env) CommandLines() []string {
	out := make([]string, 0, len(e.Calls))
	for _, c := range e.Calls {
		out = append(out, strings.Join(c, " "))
	}
	return out
}

// Recorder is an EnvFactory that hands out one Env per instance.
type Recorder struct {
	Root string

	// FailOn is copied into every Env it creates, bound to the instance name.
	FailOn func(instance string, args []string) error

	mu    sync.Mutex
	envs  map[string]*Env
	order []string
}

// NewRecorder creates a Recorder whose environments report root as Root.
func NewRecorder(root string) *Recorder {
	return &Recorder{Root: root, envs: make(map[string]*Env)}
}

// Factory implements session.EnvFactory.
func (r *Recorder) Factory(inst session.Instance) (session.Environment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := inst.Name()
	env := &Env{RootDir: r.Root}
	if r.FailOn != nil {
		failOn := r.FailOn
		env.FailOn = func(args []string) error { return failOn(name, args) }
	}
	r.envs[name] = env
	r.order = append(r.order, name)
	return env, nil
}

// Env returns the environment created for the named instance, or nil.
func (r *Recorder) Env(instance string) *Env {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.envs[instance]
}

// Order returns the instance names in the order their environments were built.
func (r *Recorder) Order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// Clock is a fake session.Clock that advances by Step on every call.
type Clock struct {
	Current time.Time
	Step    time.Duration
}

// Now implements session.Clock.
func (c *Clock) Now() time.Time {
	now := c.Current
	c.Current = c.Current.Add(c.Step)
	return now
}

// ExitWith returns a FailOn function that fails any command whose joined
// command line contains substr with the given exit code.
func ExitWith(substr string, code int) func(instance string, args []string) error {
	return func(_ string, args []string) error {
		if strings.Contains(strings.Join(args, " "), substr) {
			return &model.CommandError{Args: args, ExitCode: code}
		}
		return nil
	}
}
