// Package sessions defines the sessions of the BigQuery client library:
// unit and system tests, snippets, coverage, linting, formatting, type
// checking, documentation builds and the prerelease-dependency run.
//
// Every definition reads its tool pins and interpreter versions from a
// config.Config, so the same bodies serve the built-in constants and a
// project's sessionrun.yaml overlay.
package sessions

import (
	"context"
	"fmt"
	"slices"

	"github.com/shinji-kodama/sessionrun/internal/config"
	"github.com/shinji-kodama/sessionrun/internal/session"
)

// Session names.
const (
	Unit           = "unit"
	UnitNoExtras   = "unit_noextras"
	System         = "system"
	Snippets       = "snippets"
	Cover          = "cover"
	PrereleaseDeps = "prerelease_deps"
	Lint           = "lint"
	LintSetupPy    = "lint_setup_py"
	Blacken        = "blacken"
	Mypy           = "mypy"
	MypySamples    = "mypy_samples"
	Pytype         = "pytype"
	Docs           = "docs"
	Docfx          = "docfx"
)

// set binds the session bodies to one constants block.
type set struct {
	cfg *config.Config
}

// Definitions returns the session definitions in registration order.
func Definitions(cfg *config.Config) []session.Definition {
	s := &set{cfg: cfg}
	unitNoExtrasPythons := []string{cfg.LowestUnitPython()}
	if highest := cfg.HighestUnitPython(); highest != cfg.LowestUnitPython() {
		unitNoExtrasPythons = append(unitNoExtrasPythons, highest)
	}
	single := []string{cfg.DefaultPython}

	return []session.Definition{
		{Name: Unit, Doc: "Run the unit test suite.", Pythons: cfg.UnitTestPythons, Func: s.unit},
		{Name: UnitNoExtras, Doc: "Run the unit test suite without optional extras.", Pythons: unitNoExtrasPythons, Func: s.unitNoExtras},
		{Name: Mypy, Doc: "Run type checks with mypy.", Pythons: single, Func: s.mypy},
		{Name: Pytype, Doc: "Run type checks with pytype.", Pythons: single, Func: s.pytype},
		{Name: System, Doc: "Run the system test suite.", Pythons: cfg.SystemTestPythons, Func: s.system},
		{Name: MypySamples, Doc: "Run type checks on the samples with mypy.", Pythons: single, Func: s.mypySamples},
		{Name: Snippets, Doc: "Run the snippets test suite.", Pythons: cfg.SystemTestPythons, Func: s.snippets},
		{Name: Cover, Doc: "Run the final coverage report.", Pythons: single, Func: s.cover},
		{Name: PrereleaseDeps, Doc: "Run all tests with prerelease versions of dependencies installed.", Pythons: cfg.SystemTestPythons, Func: s.prereleaseDeps},
		{Name: Lint, Doc: "Run linters.", Pythons: single, Func: s.lint},
		{Name: LintSetupPy, Doc: "Verify that setup.py is valid (including RST check).", Pythons: single, Func: s.lintSetupPy},
		{Name: Blacken, Doc: "Run black. Format code to uniform standard.", Pythons: single, Func: s.blacken},
		{Name: Docs, Doc: "Build the docs.", Pythons: []string{cfg.DocsPython}, Func: s.docs},
		{Name: Docfx, Doc: "Build the docfx yaml files for this library.", Pythons: []string{cfg.DocsPython}, Func: s.docfx},
	}
}

// Register adds every definition to reg and sets cfg.DefaultSessions as the
// default run order.
func Register(reg *session.Registry, cfg *config.Config) error {
	for _, def := range Definitions(cfg) {
		if err := reg.Register(def); err != nil {
			return fmt.Errorf("failed to register session %s: %w", def.Name, err)
		}
	}
	return reg.SetDefaults(cfg.DefaultSessions)
}

// constrained appends "-c <constraints file>" for the session's interpreter.
func constrained(s *session.Session, args ...string) []string {
	return append(args, "-c", session.ConstraintsPath(s.Root(), s.Python()))
}

// pipFreeze prints the versions of every installed package.
func pipFreeze(ctx context.Context, s *session.Session) error {
	return s.Run(ctx, "python", "-m", "pip", "freeze")
}

// uninstallPandasGBQ removes pandas-gbq so the tests exercise the fallback
// used when the recommended extra is missing.
func uninstallPandasGBQ(ctx context.Context, s *session.Session) error {
	return s.Run(ctx, "python", "-m", "pip", "uninstall", "pandas-gbq", "-y")
}

// narrowExtrasPythons get a reduced extras set in system and snippets.
var narrowExtrasPythons = []string{"3.11", "3.12"}

func usesNarrowExtras(python string) bool {
	return slices.Contains(narrowExtrasPythons, python)
}

// installSteps runs each install in order and stops at the first failure.
func installSteps(ctx context.Context, s *session.Session, steps ...[]string) error {
	for _, args := range steps {
		if err := s.Install(ctx, args...); err != nil {
			return err
		}
	}
	return nil
}

// runSteps runs each command in order and stops at the first failure.
func runSteps(ctx context.Context, s *session.Session, steps ...[]string) error {
	for _, args := range steps {
		if err := s.Run(ctx, args...); err != nil {
			return err
		}
	}
	return nil
}
