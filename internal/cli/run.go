package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/sessionrun/internal/config"
	"github.com/shinji-kodama/sessionrun/internal/docker"
	"github.com/shinji-kodama/sessionrun/internal/executor"
	"github.com/shinji-kodama/sessionrun/internal/model"
	"github.com/shinji-kodama/sessionrun/internal/repo"
	"github.com/shinji-kodama/sessionrun/internal/session"
	"github.com/shinji-kodama/sessionrun/internal/sessions"
	"github.com/shinji-kodama/sessionrun/internal/venv"
)

// runFlags holds the flags of the root command.
type runFlags struct {
	sessions         []string
	pythons          []string
	list             bool
	stopOnFirstError bool
	reuse            bool
	installOnly      bool
	backend          string
	envDir           string
	report           string
}

func (f *runFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringSliceVarP(&f.sessions, "sessions", "s", nil, "Sessions to run, e.g. unit or unit-3.9 (default: the default sessions)")
	fl.StringSliceVarP(&f.pythons, "python", "p", nil, "Only run sessions for these Python versions")
	fl.BoolVarP(&f.list, "list", "l", false, "List the sessions and exit")
	fl.BoolVarP(&f.stopOnFirstError, "stop-on-first-error", "x", false, "Stop after the first failed session")
	fl.BoolVarP(&f.reuse, "reuse-existing-virtualenvs", "r", false, "Reuse virtualenvs from earlier runs")
	fl.BoolVar(&f.installOnly, "install-only", false, "Install dependencies but skip every run step")
	fl.StringVar(&f.backend, "backend", "", "Execution backend: venv, none, docker (default: from config)")
	fl.StringVar(&f.envDir, "envdir", "", "Directory for virtualenvs (default: from config)")
	fl.StringVar(&f.report, "report", "", "Write a JSON report of the run to this file")
}

// project is the loaded configuration together with its registry.
type project struct {
	root     string
	cfg      *config.Config
	registry *session.Registry
}

// resolveRoot returns --root, or the Git top-level of the current
// directory. Outside a repository the current directory is used.
func resolveRoot(ctx context.Context) (string, error) {
	if projectRoot != "" {
		return filepath.Abs(projectRoot)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	root, err := repo.New(executor.New()).Root(ctx, cwd)
	if err != nil {
		logger.Debugw("Not a Git checkout, using the current directory", "Dir", cwd, "Error", err)
		return cwd, nil
	}
	return root, nil
}

// loadProject resolves the project root, loads the config file and
// registers the session definitions.
func loadProject(ctx context.Context) (*project, error) {
	root, err := resolveRoot(ctx)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitUsage, "invalid project root", err)
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return nil, model.NewCLIError(model.ExitUsage, fmt.Sprintf("project root %s is not a directory", root))
	}

	path := configPath
	if path == "" {
		if path, err = config.Find(root); err != nil {
			return nil, model.WrapCLIError(model.ExitConfigError, "failed to look up config file", err)
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if path != "" {
		logger.Debugw("Loaded config", "Path", path)
	}

	reg := session.NewRegistry()
	if err := sessions.Register(reg, cfg); err != nil {
		return nil, err
	}
	return &project{root: root, cfg: cfg, registry: reg}, nil
}

// runRoot selects and runs sessions. A run with failures returns a
// *model.CLIError carrying the exit status of the last failing command.
func runRoot(cmd *cobra.Command, flags *runFlags, posargs []string) error {
	// Step 1: Resolve the project root, load the config file and register
	// the session definitions.
	p, err := loadProject(cmd.Context())
	if err != nil {
		return err
	}

	// Step 2: -l only prints the registry, the same as the list subcommand.
	if flags.list {
		return printSessionList(cmd.OutOrStdout(), p, flags.sessions, flags.pythons)
	}

	// Step 3: Expand -s and -p into concrete instances. Unknown names fail
	// here, before any environment is created.
	instances, err := p.registry.Select(flags.sessions, flags.pythons)
	if err != nil {
		return err
	}

	// Step 4: Pick the backend. The flag wins over the config file.
	backend := p.cfg.Backend
	if flags.backend != "" {
		if backend, err = model.ParseBackend(flags.backend); err != nil {
			return model.WrapCLIError(model.ExitUsage, "invalid --backend", err)
		}
	}

	// Step 5: Cancel the run on SIGINT/SIGTERM. The runner marks the current
	// session aborted and environments are still released.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Step 6: Build the environment factory. For docker this connects to
	// the daemon once and shares the client between sandboxes.
	factory, cleanup, err := newEnvFactory(ctx, backend, p, flags)
	if err != nil {
		return err
	}
	defer cleanup()

	// With --json, stdout carries only the report.
	timingOut := cmd.OutOrStdout()
	if IsJSONOutput() {
		timingOut = cmd.ErrOrStderr()
	}

	// Step 7: Run the sessions sequentially.
	startedAt := time.Now()
	runner := session.NewRunner(factory, session.Options{
		HostRoot:         p.root,
		Posargs:          posargs,
		StopOnFirstError: flags.stopOnFirstError,
		InstallOnly:      flags.installOnly,
		Stdout:           timingOut,
	}, session.WithLogger(logger))

	results, runErr := runner.Run(ctx, instances)

	// Step 8: Build the report. Commit and branch are best effort; a
	// project outside Git simply has none.
	report := session.NewReport(results, posargs, startedAt)
	if info, err := repo.New(executor.New()).Describe(context.WithoutCancel(ctx), p.root); err == nil {
		report.Commit = info.Commit
		report.Branch = info.Branch
	}

	// Step 9: Write the report file and/or print it.
	if flags.report != "" {
		if err := report.Write(flags.report); err != nil {
			return model.WrapCLIError(model.ExitGeneralError, "failed to write report", err)
		}
		logger.Debugw("Wrote report", "Path", flags.report, "RunID", report.RunID)
	}
	if IsJSONOutput() {
		if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
			return err
		}
	}

	// Step 10: Translate the results into the process exit status.
	return runFailure(results, runErr)
}

// runFailure returns nil when every session succeeded or was skipped.
// Otherwise it returns a *model.CLIError with the exit status of the last
// failing command, wrapping runErr so every failed session shows up in the
// error output.
func runFailure(results []model.SessionResult, runErr error) error {
	status := session.ExitStatus(results)
	if status == int(model.ExitSuccess) {
		return nil
	}
	return model.WrapCLIError(model.ExitCode(status), summaryMessage(results), runErr)
}

// summaryMessage describes a failed run.
func summaryMessage(results []model.SessionResult) string {
	failed := 0
	for _, r := range results {
		if r.Outcome.IsFailure() {
			failed++
		}
	}
	return fmt.Sprintf("%d of %d sessions did not succeed", failed, len(results))
}

// newEnvFactory returns the environment factory for backend and a cleanup
// function releasing shared resources such as the docker client.
func newEnvFactory(ctx context.Context, backend model.Backend, p *project, flags *runFlags) (session.EnvFactory, func(), error) {
	exec := executor.New(executor.WithLogger(logger))
	noop := func() {}

	switch backend {
	case model.BackendVenv:
		envDir := p.cfg.EnvDir
		if flags.envDir != "" {
			envDir = flags.envDir
		}
		if !filepath.IsAbs(envDir) {
			envDir = filepath.Join(p.root, envDir)
		}
		return func(inst session.Instance) (session.Environment, error) {
			return venv.New(venv.Options{
				Root:     p.root,
				Dir:      filepath.Join(envDir, venv.DirName(inst.Name())),
				Python:   inst.Python,
				Reuse:    flags.reuse,
				Executor: exec,
				Logger:   logger,
			}), nil
		}, noop, nil

	case model.BackendNone:
		return func(session.Instance) (session.Environment, error) {
			return venv.NewPassthrough(p.root, exec, logger), nil
		}, noop, nil

	case model.BackendDocker:
		client, err := docker.NewClient()
		if err != nil {
			return nil, nil, err
		}
		if err := client.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		env := forwardedEnv(p.cfg, os.LookupEnv)
		return func(inst session.Instance) (session.Environment, error) {
			return docker.NewSandbox(docker.SandboxOptions{
				Engine:   client,
				Image:    p.cfg.ImageFor(inst.Definition.Name, inst.Python),
				Instance: inst.Name(),
				Python:   inst.Python,
				HostRoot: p.root,
				Env:      env,
				Logger:   logger,
			}), nil
		}, func() { _ = client.Close() }, nil

	default:
		return nil, nil, model.NewCLIError(model.ExitUsage, fmt.Sprintf("unsupported backend %q", backend))
	}
}

// forwardedEnv returns the variables the sessions consult as KEY=VALUE
// pairs, for backends that do not inherit the process environment.
func forwardedEnv(cfg *config.Config, lookup func(string) (string, bool)) []string {
	var env []string
	for _, key := range []string{cfg.CredentialsEnv, cfg.ClientCertEnv} {
		if key == "" {
			continue
		}
		if v, ok := lookup(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return env
}

// writeJSON writes v to w with 2-space indentation.
func writeJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to serialize JSON output", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
