package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/shinji-kodama/sessionrun/internal/model"
)

// EnvFactory builds the Environment for one session instance.
type EnvFactory func(inst Instance) (Environment, error)

// Options configures a Runner.
type Options struct {
	// HostRoot is the project root on the host.
	HostRoot string

	// Posargs are forwarded to every session.
	Posargs []string

	// StopOnFirstError halts the run after the first failed session.
	StopOnFirstError bool

	// InstallOnly performs installs but skips every Run step.
	InstallOnly bool

	// LookupEnv reads the invoking process environment. Nil means os.LookupEnv.
	LookupEnv func(string) (string, bool)

	// Stdout receives the timing lines. Nil means os.Stdout.
	Stdout io.Writer
}

// Runner executes session instances one after another.
type Runner struct {
	factory EnvFactory
	opts    Options
	logger  *zap.SugaredLogger
	clock   Clock
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithLogger overrides the default noop logger.
func WithLogger(logger *zap.SugaredLogger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// WithClock overrides the system clock.
func WithClock(clock Clock) RunnerOption {
	return func(r *Runner) { r.clock = clock }
}

// NewRunner creates a Runner that builds environments with factory.
func NewRunner(factory EnvFactory, opts Options, ropts ...RunnerOption) *Runner {
	if opts.LookupEnv == nil {
		opts.LookupEnv = os.LookupEnv
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	r := &Runner{
		factory: factory,
		opts:    opts,
		logger:  zap.NewNop().Sugar(),
		clock:   SystemClock(),
	}
	for _, o := range ropts {
		o(r)
	}
	return r
}

// Run executes instances sequentially and returns one result per executed
// instance. The returned error aggregates every failed session; a skipped
// session contributes nothing to it.
//
// Sessions do not depend on each other's outcome: a failure only stops the
// run when StopOnFirstError is set. Cancelling ctx aborts the current
// session and stops the run.
func (r *Runner) Run(ctx context.Context, instances []Instance) ([]model.SessionResult, error) {
	var (
		results []model.SessionResult
		errs    error
	)

	for _, inst := range instances {
		if ctx.Err() != nil {
			break
		}

		result := r.runOne(ctx, inst)
		results = append(results, result)

		switch result.Outcome {
		case model.OutcomeSuccess:
			r.logger.Infof("Session %s was successful in %s.", result.Name, FormatDuration(result.Duration))
		case model.OutcomeSkipped:
			r.logger.Warnf("Session %s skipped: %s", result.Name, result.Reason)
		case model.OutcomeAborted:
			r.logger.Errorf("Session %s aborted.", result.Name)
			errs = multierr.Append(errs, fmt.Errorf("session %s aborted: %s", result.Name, result.Reason))
		case model.OutcomeFailed:
			r.logger.Errorf("Session %s failed: %s", result.Name, result.Reason)
			errs = multierr.Append(errs, fmt.Errorf("session %s failed: %s", result.Name, result.Reason))
		}

		if result.Outcome == model.OutcomeAborted {
			break
		}
		if result.Outcome == model.OutcomeFailed && r.opts.StopOnFirstError {
			r.logger.Infof("Stopping after the first failed session (--stop-on-first-error).")
			break
		}
	}

	r.summarize(results)
	return results, errs
}

// runOne prepares the environment, runs the timed body and classifies the
// outcome of a single instance.
func (r *Runner) runOne(ctx context.Context, inst Instance) model.SessionResult {
	name := inst.Name()
	start := r.clock.Now()
	result := model.SessionResult{
		Name:    name,
		Session: inst.Definition.Name,
		Python:  inst.Python,
	}
	logger := r.logger.With("session", name)
	logger.Infof("Running session %s", name)

	err := r.execute(ctx, inst, logger)
	result.Duration = r.clock.Now().Sub(start)

	var skipErr *model.SkipError
	var cmdErr *model.CommandError
	switch {
	case err == nil:
		result.Outcome = model.OutcomeSuccess
	case errors.As(err, &skipErr):
		result.Outcome = model.OutcomeSkipped
		result.Reason = skipErr.Reason
	case ctx.Err() != nil:
		result.Outcome = model.OutcomeAborted
		result.Reason = ctx.Err().Error()
	default:
		result.Outcome = model.OutcomeFailed
		result.Reason = err.Error()
		if errors.As(err, &cmdErr) && cmdErr.ExitCode > 0 {
			result.ExitCode = cmdErr.ExitCode
		}
	}
	return result
}

func (r *Runner) execute(ctx context.Context, inst Instance, logger *zap.SugaredLogger) error {
	env, err := r.factory(inst)
	if err != nil {
		return fmt.Errorf("failed to set up environment: %w", err)
	}
	if err := env.Prepare(ctx); err != nil {
		_ = env.Close(context.WithoutCancel(ctx))
		return fmt.Errorf("failed to prepare %s environment: %w", env.Backend(), err)
	}
	defer func() {
		// Close runs even when ctx was cancelled so containers and locks
		// are released.
		if cerr := env.Close(context.WithoutCancel(ctx)); cerr != nil {
			logger.Warnf("Failed to release %s environment: %v", env.Backend(), cerr)
		}
	}()

	s := &Session{
		name:        inst.Name(),
		python:      inst.Python,
		posargs:     r.opts.Posargs,
		env:         env,
		hostRoot:    r.opts.HostRoot,
		installOnly: r.opts.InstallOnly,
		lookupEnv:   r.opts.LookupEnv,
		logger:      logger,
	}
	return Timed(inst.Definition.Func, r.clock, r.opts.Stdout)(ctx, s)
}

// summarize logs one line per result in run order when more than one
// session ran.
func (r *Runner) summarize(results []model.SessionResult) {
	if len(results) < 2 {
		return
	}
	r.logger.Info("Ran multiple sessions:")
	for _, res := range results {
		r.logger.Infof("* %s: %s", res.Name, res.Outcome)
	}
}

// ExitStatus maps results to the process exit status: 0 when nothing
// failed, otherwise the exit status of the last failing external command,
// falling back to 1 when the failure was not a command exit. An aborted run
// exits with ExitInterrupted.
func ExitStatus(results []model.SessionResult) int {
	status := int(model.ExitSuccess)
	for _, res := range results {
		switch res.Outcome {
		case model.OutcomeAborted:
			return int(model.ExitInterrupted)
		case model.OutcomeFailed:
			if res.ExitCode > 0 {
				status = res.ExitCode
			} else {
				status = int(model.ExitGeneralError)
			}
		}
	}
	return status
}
