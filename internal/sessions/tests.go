package sessions

import (
	"context"
	"fmt"
	"regexp"

	"github.com/shinji-kodama/sessionrun/internal/session"
)

// lowestUnitExtras is installed on the lowest unit interpreter. It leaves
// out the ipython extra so the magics module runs without bigquery_magics.
const lowestUnitExtras = ".[bqstorage,pandas,ipywidgets,geopandas,matplotlib,tqdm,opentelemetry,bigquery_v2]"

// pinnedRequirement matches "name==version" lines of a constraints file.
// Lines starting with "#" never match because "#" is followed by a space.
var pinnedRequirement = regexp.MustCompile(`(?m)^\s*(\S+?)==\S+`)

// UnitInstallTarget returns the editable install target of the unit suite.
func UnitInstallTarget(python, lowest string, installExtras bool) string {
	switch {
	case installExtras && python == lowest:
		return lowestUnitExtras
	case installExtras:
		return ".[all]"
	default:
		return "."
	}
}

// SystemExtras returns the extras installed by the system session.
func SystemExtras(python string) string {
	if usesNarrowExtras(python) {
		return "[bqstorage,ipywidgets,pandas,tqdm,opentelemetry]"
	}
	return "[all]"
}

// SnippetsExtras returns the extras installed by the snippets session.
func SnippetsExtras(python string) string {
	if usesNarrowExtras(python) {
		return "[bqstorage,pandas,ipywidgets,geopandas,tqdm,opentelemetry,bigquery_v2]"
	}
	return "[all]"
}

// PinnedPackages returns the names of the packages pinned with "==" in a
// constraints file, in file order.
func PinnedPackages(constraints []byte) []string {
	var names []string
	for _, m := range pinnedRequirement.FindAllSubmatch(constraints, -1) {
		names = append(names, string(m[1]))
	}
	return names
}

func (c *set) unit(ctx context.Context, s *session.Session) error {
	return c.runUnit(ctx, s, true)
}

// unitNoExtras installs out-of-date optional dependencies on the lowest
// interpreter only, so they remain optional on the other one.
func (c *set) unitNoExtras(ctx context.Context, s *session.Session) error {
	if s.Python() == c.cfg.LowestUnitPython() {
		if err := s.Install(ctx, "pyarrow==4.0.0", "numpy==1.20.2"); err != nil {
			return err
		}
	}
	return c.runUnit(ctx, s, false)
}

// runUnit is the shared body of unit and unit_noextras.
func (c *set) runUnit(ctx context.Context, s *session.Session, installExtras bool) error {
	lowest := c.cfg.LowestUnitPython()
	err := installSteps(ctx, s,
		constrained(s, "pytest", "google-cloud-testutils", "pytest-cov", "pytest-xdist", "freezegun"),
		constrained(s, "-e", UnitInstallTarget(s.Python(), lowest, installExtras)),
	)
	if err != nil {
		return err
	}

	if s.Python() == lowest {
		if err := uninstallPandasGBQ(ctx, s); err != nil {
			return err
		}
	}
	if err := pipFreeze(ctx, s); err != nil {
		return err
	}

	args := []string{
		"py.test",
		"-n=8",
		"--quiet",
		"-W default::PendingDeprecationWarning",
		"--cov=" + c.cfg.PackagePath,
		"--cov=tests/unit",
		"--cov-append",
		"--cov-config=.coveragerc",
		"--cov-report=",
		"--cov-fail-under=0",
		"tests/unit",
	}
	return s.Run(ctx, append(args, s.Posargs()...)...)
}

// system runs only when credentials are configured. Missing credentials
// skip the session instead of failing it.
func (c *set) system(ctx context.Context, s *session.Session) error {
	if s.Getenv(c.cfg.CredentialsEnv) == "" {
		return s.Skip("Credentials must be set via environment variable.")
	}

	// grpcio 1.49.0rc1 has a known issue.
	steps := [][]string{
		constrained(s, "--pre", "grpcio!=1.49.0rc1"),
		constrained(s, "pytest", "psutil", "pytest-xdist", "google-cloud-testutils"),
	}
	if s.Getenv(c.cfg.ClientCertEnv) == "true" {
		// mTLS needs pyopenssl and the latest google-cloud-storage.
		steps = append(steps, []string{"google-cloud-storage", "pyopenssl"})
	} else {
		steps = append(steps, constrained(s, "google-cloud-storage"))
	}
	steps = append(steps,
		constrained(s, "google-cloud-datacatalog"),
		constrained(s, "google-cloud-resource-manager"),
		constrained(s, "-e", "."+SystemExtras(s.Python())),
	)
	if err := installSteps(ctx, s, steps...); err != nil {
		return err
	}

	if s.Python() == c.cfg.LowestSystemPython() {
		if err := uninstallPandasGBQ(ctx, s); err != nil {
			return err
		}
	}
	if err := pipFreeze(ctx, s); err != nil {
		return err
	}

	args := []string{
		"py.test",
		"-n=auto",
		"--quiet",
		"-W default::PendingDeprecationWarning",
		"tests/system",
	}
	return s.Run(ctx, append(args, s.Posargs()...)...)
}

// snippets runs docs/snippets.py and the samples, except the sample
// directories that carry their own session configuration.
func (c *set) snippets(ctx context.Context, s *session.Session) error {
	err := installSteps(ctx, s,
		constrained(s, "pytest", "pytest-xdist", "google-cloud-testutils"),
		constrained(s, "google-cloud-storage"),
		constrained(s, "grpcio"),
		constrained(s, "-e", "."+SnippetsExtras(s.Python())),
	)
	if err != nil {
		return err
	}
	if err := pipFreeze(ctx, s); err != nil {
		return err
	}

	posargs := s.Posargs()
	return runSteps(ctx, s,
		append([]string{"py.test", "-n=auto", "docs/snippets.py"}, posargs...),
		append([]string{
			"py.test",
			"-n=auto",
			"samples",
			"-W default::PendingDeprecationWarning",
			"--ignore=samples/desktopapp",
			"--ignore=samples/magics",
			"--ignore=samples/geography",
			"--ignore=samples/notebooks",
			"--ignore=samples/snippets",
		}, posargs...),
	)
}

// cover aggregates the coverage of the unit runs, then erases the data.
func (c *set) cover(ctx context.Context, s *session.Session) error {
	if err := s.Install(ctx, "coverage", "pytest-cov"); err != nil {
		return err
	}
	return runSteps(ctx, s,
		[]string{"python", "-m", "pip", "freeze"},
		[]string{"coverage", "report", "--show-missing", "--fail-under=100"},
		[]string{"coverage", "erase"},
	)
}

// prereleaseDeps installs every dependency pinned by the lowest unit
// interpreter's constraints file, upgrades them to prereleases and runs the
// unit, system and samples suites.
func (c *set) prereleaseDeps(ctx context.Context, s *session.Session) error {
	rel := fmt.Sprintf("testing/constraints-%s.txt", c.cfg.LowestUnitPython())
	constraints, err := s.ReadFile(rel)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", rel, err)
	}

	var steps [][]string
	if deps := PinnedPackages(constraints); len(deps) > 0 {
		s.Log("Installing %d dependencies pinned in %s", len(deps), rel)
		steps = append(steps, deps)
	}
	steps = append(steps,
		[]string{
			"--pre", "--upgrade",
			"freezegun",
			"google-cloud-datacatalog",
			"google-cloud-resource-manager",
			"google-cloud-storage",
			"google-cloud-testutils",
			"psutil",
			"pytest",
			"pytest-xdist",
			"pytest-cov",
		},
		// PyArrow prereleases are published to a separate index.
		[]string{
			"--extra-index-url", "https://pypi.anaconda.org/scientific-python-nightly-wheels/simple",
			"--prefer-binary", "--pre", "--upgrade",
			"pyarrow",
		},
		[]string{
			"--pre", "--upgrade",
			"IPython",
			"ipykernel",
			"ipywidgets",
			"tqdm",
			"git+https://github.com/pypa/packaging.git",
			"pandas",
		},
		[]string{
			"--pre", "--upgrade", "--no-deps",
			"google-api-core",
			"google-cloud-bigquery-storage",
			"google-cloud-core",
			"google-resumable-media",
			"db-dtypes",
			"grpcio",
			"protobuf",
		},
		[]string{"-e", ".", "--no-deps"},
	)
	if err := installSteps(ctx, s, steps...); err != nil {
		return err
	}

	return runSteps(ctx, s,
		[]string{"python", "-m", "pip", "freeze"},
		[]string{"py.test", "-n=auto", "tests/unit", "-W default::PendingDeprecationWarning"},
		[]string{"py.test", "-n=auto", "tests/system", "-W default::PendingDeprecationWarning"},
		[]string{"py.test", "-n=auto", "samples/tests", "-W default::PendingDeprecationWarning"},
	)
}
