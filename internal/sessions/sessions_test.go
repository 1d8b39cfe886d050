package sessions_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/sessionrun/internal/config"
	"github.com/shinji-kodama/sessionrun/internal/model"
	"github.com/shinji-kodama/sessionrun/internal/session"
	"github.com/shinji-kodama/sessionrun/internal/session/sessiontest"
	"github.com/shinji-kodama/sessionrun/internal/sessions"
)

// harness runs real session definitions against recording environments.
type harness struct {
	t        *testing.T
	cfg      *config.Config
	root     string
	env      map[string]string
	posargs  []string
	recorder *sessiontest.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	return &harness{
		t:        t,
		cfg:      config.Default(),
		root:     root,
		env:      map[string]string{},
		recorder: sessiontest.NewRecorder(root),
	}
}

// run selects names from a fresh registry and runs them.
func (h *harness) run(names ...string) []model.SessionResult {
	h.t.Helper()
	reg := session.NewRegistry()
	require.NoError(h.t, sessions.Register(reg, h.cfg))
	instances, err := reg.Select(names, nil)
	require.NoError(h.t, err)

	r := session.NewRunner(h.recorder.Factory, session.Options{
		HostRoot: h.root,
		Posargs:  h.posargs,
		Stdout:   io.Discard,
		LookupEnv: func(k string) (string, bool) {
			v, ok := h.env[k]
			return v, ok
		},
	})
	results, _ := r.Run(context.Background(), instances)
	return results
}

func (h *harness) constraints(python string) string {
	return session.ConstraintsPath(h.root, python)
}

func (h *harness) writeFile(rel, content string) {
	h.t.Helper()
	path := filepath.Join(h.root, rel)
	require.NoError(h.t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(h.t, os.WriteFile(path, []byte(content), 0644))
}

func containsLine(lines []string, want string) bool {
	for _, l := range lines {
		if l == want {
			return true
		}
	}
	return false
}

func TestRegister(t *testing.T) {
	cfg := config.Default()
	reg := session.NewRegistry()
	require.NoError(t, sessions.Register(reg, cfg))

	var names []string
	for _, def := range reg.Definitions() {
		names = append(names, def.Name)
		assert.NotEmpty(t, def.Doc, def.Name)
	}
	assert.ElementsMatch(t, []string{
		"unit", "unit_noextras", "system", "snippets", "cover", "lint",
		"lint_setup_py", "blacken", "mypy", "mypy_samples", "pytype", "docs",
		"docfx", "prerelease_deps",
	}, names)

	assert.Equal(t, cfg.DefaultSessions, reg.Defaults())
	assert.False(t, reg.IsDefault("docfx"))
	assert.False(t, reg.IsDefault("prerelease_deps"))
}

func TestDefinitions_Pythons(t *testing.T) {
	tests := []struct {
		name string
		want []string
	}{
		{"unit", []string{"3.9", "3.11", "3.12", "3.13"}},
		{"unit_noextras", []string{"3.9", "3.13"}},
		{"system", []string{"3.9", "3.11", "3.12", "3.13"}},
		{"snippets", []string{"3.9", "3.11", "3.12", "3.13"}},
		{"prerelease_deps", []string{"3.9", "3.11", "3.12", "3.13"}},
		{"lint", []string{"3.9"}},
		{"cover", []string{"3.9"}},
		{"docs", []string{"3.10"}},
		{"docfx", []string{"3.10"}},
	}

	reg := session.NewRegistry()
	require.NoError(t, sessions.Register(reg, config.Default()))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, ok := reg.Lookup(tt.name)
			require.True(t, ok)
			assert.Equal(t, tt.want, def.Pythons)
		})
	}
}

// TestRegister_SingleUnitPython checks unit_noextras does not run the same
// interpreter twice when only one unit version is configured.
func TestRegister_SingleUnitPython(t *testing.T) {
	cfg := config.Default()
	cfg.UnitTestPythons = []string{"3.12"}
	reg := session.NewRegistry()
	require.NoError(t, sessions.Register(reg, cfg))

	def, ok := reg.Lookup("unit_noextras")
	require.True(t, ok)
	assert.Equal(t, []string{"3.12"}, def.Pythons)
}

func TestRegister_UnknownDefault(t *testing.T) {
	cfg := config.Default()
	cfg.DefaultSessions = []string{"unit", "nox"}
	err := sessions.Register(session.NewRegistry(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nox")
}

func TestUnitInstallTarget(t *testing.T) {
	tests := []struct {
		name          string
		python        string
		installExtras bool
		want          string
	}{
		{"lowest version gets narrowed extras", "3.9", true, ".[bqstorage,pandas,ipywidgets,geopandas,matplotlib,tqdm,opentelemetry,bigquery_v2]"},
		{"other versions get all extras", "3.12", true, ".[all]"},
		{"no extras on lowest", "3.9", false, "."},
		{"no extras elsewhere", "3.13", false, "."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sessions.UnitInstallTarget(tt.python, "3.9", tt.installExtras))
		})
	}
}

func TestSystemAndSnippetsExtras(t *testing.T) {
	for _, py := range []string{"3.11", "3.12"} {
		assert.Equal(t, "[bqstorage,ipywidgets,pandas,tqdm,opentelemetry]", sessions.SystemExtras(py))
		assert.Equal(t, "[bqstorage,pandas,ipywidgets,geopandas,tqdm,opentelemetry,bigquery_v2]", sessions.SnippetsExtras(py))
	}
	for _, py := range []string{"3.9", "3.13"} {
		assert.Equal(t, "[all]", sessions.SystemExtras(py))
		assert.Equal(t, "[all]", sessions.SnippetsExtras(py))
	}
}

func TestPinnedPackages(t *testing.T) {
	constraints := `# This constraints file is used to check that lower bounds
# are correct in setup.py
# e.g., if setup.py has "foo >= 1.14.0", constraints here should have foo==1.14.0
google-api-core==2.11.1
  google-auth==2.14.1
db-dtypes==0.3.0
geopandas>=0.9.0
google-cloud-core[grpc]==2.4.1

pyarrow==3.0.0
`
	assert.Equal(t, []string{
		"google-api-core",
		"google-auth",
		"db-dtypes",
		"google-cloud-core[grpc]",
		"pyarrow",
	}, sessions.PinnedPackages([]byte(constraints)))

	assert.Empty(t, sessions.PinnedPackages([]byte("# only comments\n")))
}

func TestUnit(t *testing.T) {
	h := newHarness(t)
	h.posargs = []string{"-k", "test_table"}
	results := h.run("unit-3.9", "unit-3.12")
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, model.OutcomeSuccess, r.Outcome, r.Name)
	}

	lowest := h.recorder.Env("unit-3.9")
	installs := lowest.Installs()
	require.Len(t, installs, 2)
	assert.Equal(t, []string{"pytest", "google-cloud-testutils", "pytest-cov", "pytest-xdist", "freezegun", "-c", h.constraints("3.9")}, installs[0])
	assert.Equal(t, []string{"-e", ".[bqstorage,pandas,ipywidgets,geopandas,matplotlib,tqdm,opentelemetry,bigquery_v2]", "-c", h.constraints("3.9")}, installs[1])

	runs := lowest.CommandLines()
	assert.True(t, containsLine(runs, "python -m pip uninstall pandas-gbq -y"), "lowest version uninstalls pandas-gbq")
	assert.True(t, containsLine(runs, "python -m pip freeze"))
	last := lowest.Calls[len(lowest.Calls)-1]
	assert.Equal(t, "py.test", last[0])
	assert.Contains(t, last, "--cov=google/cloud/bigquery")
	assert.Equal(t, []string{"tests/unit", "-k", "test_table"}, last[len(last)-3:], "posargs follow the test directory")

	newer := h.recorder.Env("unit-3.12")
	assert.Equal(t, []string{"-e", ".[all]", "-c", h.constraints("3.12")}, newer.Installs()[1])
	assert.False(t, containsLine(newer.CommandLines(), "python -m pip uninstall pandas-gbq -y"))
}

func TestUnitNoExtras(t *testing.T) {
	h := newHarness(t)
	h.run("unit_noextras")

	lowest := h.recorder.Env("unit_noextras-3.9").Installs()
	require.Len(t, lowest, 3)
	assert.Equal(t, []string{"pyarrow==4.0.0", "numpy==1.20.2"}, lowest[0])
	assert.Equal(t, []string{"-e", ".", "-c", h.constraints("3.9")}, lowest[2])

	highest := h.recorder.Env("unit_noextras-3.13").Installs()
	require.Len(t, highest, 2, "outdated optional deps only on the lowest version")
	assert.Equal(t, []string{"-e", ".", "-c", h.constraints("3.13")}, highest[1])
}

func TestSystem_SkipsWithoutCredentials(t *testing.T) {
	for _, tc := range []struct {
		name string
		env  map[string]string
	}{
		{"unset", map[string]string{}},
		{"empty", map[string]string{"GOOGLE_APPLICATION_CREDENTIALS": ""}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.env = tc.env
			results := h.run("system-3.9")
			require.Len(t, results, 1)
			assert.Equal(t, model.OutcomeSkipped, results[0].Outcome)
			assert.Equal(t, "Credentials must be set via environment variable.", results[0].Reason)
			assert.Empty(t, h.recorder.Env("system-3.9").Calls)
			assert.Equal(t, 0, session.ExitStatus(results))
		})
	}
}

func TestSystem(t *testing.T) {
	h := newHarness(t)
	h.env["GOOGLE_APPLICATION_CREDENTIALS"] = "/secrets/sa.json"
	results := h.run("system-3.9", "system-3.11")
	for _, r := range results {
		assert.Equal(t, model.OutcomeSuccess, r.Outcome, r.Name)
	}

	lowest := h.recorder.Env("system-3.9")
	installs := lowest.Installs()
	require.Len(t, installs, 6)
	assert.Equal(t, []string{"--pre", "grpcio!=1.49.0rc1", "-c", h.constraints("3.9")}, installs[0])
	assert.Equal(t, []string{"google-cloud-storage", "-c", h.constraints("3.9")}, installs[2])
	assert.Equal(t, []string{"-e", ".[all]", "-c", h.constraints("3.9")}, installs[5])
	assert.True(t, containsLine(lowest.CommandLines(), "python -m pip uninstall pandas-gbq -y"))

	mid := h.recorder.Env("system-3.11")
	assert.Equal(t, []string{"-e", ".[bqstorage,ipywidgets,pandas,tqdm,opentelemetry]", "-c", h.constraints("3.11")}, mid.Installs()[5])
	assert.False(t, containsLine(mid.CommandLines(), "python -m pip uninstall pandas-gbq -y"))
	assert.Equal(t, []string{"py.test", "-n=auto", "--quiet", "-W default::PendingDeprecationWarning", "tests/system"}, mid.Calls[len(mid.Calls)-1])
}

func TestSystem_ClientCertificate(t *testing.T) {
	h := newHarness(t)
	h.env["GOOGLE_APPLICATION_CREDENTIALS"] = "/secrets/sa.json"
	h.env["GOOGLE_API_USE_CLIENT_CERTIFICATE"] = "true"
	h.run("system-3.13")

	installs := h.recorder.Env("system-3.13").Installs()
	assert.Equal(t, []string{"google-cloud-storage", "pyopenssl"}, installs[2], "mTLS deps are not constrained")
}

func TestSnippets(t *testing.T) {
	h := newHarness(t)
	h.posargs = []string{"-x"}
	h.run("snippets-3.12")

	env := h.recorder.Env("snippets-3.12")
	assert.Equal(t, []string{"-e", ".[bqstorage,pandas,ipywidgets,geopandas,tqdm,opentelemetry,bigquery_v2]", "-c", h.constraints("3.12")}, env.Installs()[3])

	runs := env.Runs()
	require.Len(t, runs, 3)
	assert.Equal(t, []string{"py.test", "-n=auto", "docs/snippets.py", "-x"}, runs[1])
	samples := runs[2]
	for _, dir := range []string{"desktopapp", "magics", "geography", "notebooks", "snippets"} {
		assert.Contains(t, samples, "--ignore=samples/"+dir)
	}
	assert.Equal(t, "-x", samples[len(samples)-1])
}

func TestCover(t *testing.T) {
	h := newHarness(t)
	h.run("cover")
	assert.Equal(t, []string{
		"python -m pip install coverage pytest-cov",
		"python -m pip freeze",
		"coverage report --show-missing --fail-under=100",
		"coverage erase",
	}, h.recorder.Env("cover-3.9").CommandLines())
}

func TestLint(t *testing.T) {
	h := newHarness(t)
	h.run("lint")

	env := h.recorder.Env("lint-3.9")
	assert.Equal(t, []string{"flake8", "black==23.7.0"}, env.Installs()[0])
	runs := env.CommandLines()
	assert.True(t, containsLine(runs, "flake8 google/cloud/bigquery"))
	assert.True(t, containsLine(runs, "flake8 docs/snippets.py"))
	assert.Equal(t, "black --check benchmark docs google samples samples/tests tests noxfile.py setup.py", runs[len(runs)-1])
}

// TestLint_StopsAtFirstFinding checks a failing flake8 run fails the
// session with the tool's exit status and skips the remaining checks.
func TestLint_StopsAtFirstFinding(t *testing.T) {
	h := newHarness(t)
	h.recorder.FailOn = sessiontest.ExitWith("flake8 tests", 1)
	results := h.run("lint")

	require.Len(t, results, 1)
	assert.Equal(t, model.OutcomeFailed, results[0].Outcome)
	assert.Equal(t, 1, session.ExitStatus(results))
	for _, line := range h.recorder.Env("lint-3.9").CommandLines() {
		assert.False(t, strings.HasPrefix(line, "black"), "black must not run after a lint failure")
	}
}

func TestBlacken_UsesConfiguredPaths(t *testing.T) {
	h := newHarness(t)
	h.cfg.BlackPaths = []string{"google", "tests"}
	h.run("blacken")

	lines := h.recorder.Env("blacken-3.9").CommandLines()
	assert.Equal(t, "black google tests", lines[len(lines)-1])
}

func TestLintSetupPy(t *testing.T) {
	h := newHarness(t)
	h.run("lint_setup_py")
	lines := h.recorder.Env("lint_setup_py-3.9").CommandLines()
	assert.Equal(t, "python setup.py check --restructuredtext --strict", lines[len(lines)-1])
}

func TestMypyAndPytype(t *testing.T) {
	h := newHarness(t)
	h.run("mypy", "pytype")

	mypy := h.recorder.Env("mypy-3.9")
	assert.Equal(t, []string{"mypy==1.6.1"}, mypy.Installs()[1])
	lines := mypy.CommandLines()
	assert.Equal(t, "mypy -p google --show-traceback", lines[len(lines)-1])

	pytype := h.recorder.Env("pytype-3.9")
	assert.Equal(t, []string{"attrs==20.3.0"}, pytype.Installs()[0])
	lines = pytype.CommandLines()
	assert.Equal(t, "pytype -P . google/cloud/bigquery", lines[len(lines)-1])
}

func TestMypySamples(t *testing.T) {
	h := newHarness(t)
	h.writeFile("samples/magics/requirements.txt", "ipython\n")
	h.writeFile("samples/geography/requirements.txt", "geopandas\n")
	h.writeFile("samples/README.md", "")
	h.run("mypy_samples")

	env := h.recorder.Env("mypy_samples-3.9")
	installs := env.Installs()
	require.GreaterOrEqual(t, len(installs), 3)
	assert.Equal(t, []string{"pytest"}, installs[0])
	assert.Equal(t, []string{"-r", filepath.Join(h.root, "samples", "geography", "requirements.txt")}, installs[1])
	assert.Equal(t, []string{"-r", filepath.Join(h.root, "samples", "magics", "requirements.txt")}, installs[2])

	last := env.Calls[len(env.Calls)-1]
	assert.Equal(t, []string{"mypy", "--config-file", filepath.Join(h.root, "samples", "mypy.ini"), "--no-incremental", "samples/"}, last)
}

// TestDocs_RepeatedBuild checks docs removes a stale build directory and a
// second run without one behaves the same.
func TestDocs_RepeatedBuild(t *testing.T) {
	h := newHarness(t)
	h.writeFile("docs/_build/html/index.html", "stale")

	first := h.run("docs")
	require.Len(t, first, 1)
	assert.Equal(t, model.OutcomeSuccess, first[0].Outcome)
	assert.NoDirExists(t, filepath.Join(h.root, "docs", "_build"))

	second := h.run("docs")
	assert.Equal(t, model.OutcomeSuccess, second[0].Outcome)

	lines := h.recorder.Env("docs-3.10").CommandLines()
	assert.Equal(t, "sphinx-build -W -T -N -b html -d docs/_build/doctrees/ docs/ docs/_build/html/", lines[len(lines)-1])
}

func TestDocfx(t *testing.T) {
	h := newHarness(t)
	h.writeFile("docs/_build/doctrees/env.pickle", "")
	h.run("docfx")

	assert.NoDirExists(t, filepath.Join(h.root, "docs", "_build"))
	env := h.recorder.Env("docfx-3.10")
	assert.Equal(t, []string{"-e", "."}, env.Installs()[0])
	assert.Contains(t, env.Installs()[1], "gcp-sphinx-docfx-yaml")

	last := env.Calls[len(env.Calls)-1]
	require.Greater(t, len(last), 5)
	assert.Equal(t, []string{"sphinx-build", "-T", "-N", "-D"}, last[:4])
	assert.True(t, strings.HasPrefix(last[4], "extensions=sphinx.ext.autodoc,"))
	assert.True(t, strings.HasSuffix(last[4], ",recommonmark"))
	assert.NotContains(t, last, "-W")
}

func TestPrereleaseDeps(t *testing.T) {
	h := newHarness(t)
	h.writeFile("testing/constraints-3.9.txt", "# lower bounds\ngoogle-api-core==2.11.1\nprotobuf==3.20.2\n")
	results := h.run("prerelease_deps-3.12")
	require.Len(t, results, 1)
	assert.Equal(t, model.OutcomeSuccess, results[0].Outcome)

	env := h.recorder.Env("prerelease_deps-3.12")
	installs := env.Installs()
	assert.Equal(t, []string{"google-api-core", "protobuf"}, installs[0], "pins come from the lowest unit version")
	assert.Equal(t, []string{"-e", ".", "--no-deps"}, installs[len(installs)-1])

	runs := env.Runs()
	require.Len(t, runs, 4)
	assert.Equal(t, "tests/unit", runs[1][2])
	assert.Equal(t, "tests/system", runs[2][2])
	assert.Equal(t, "samples/tests", runs[3][2])
}

func TestPrereleaseDeps_MissingConstraints(t *testing.T) {
	h := newHarness(t)
	results := h.run("prerelease_deps-3.9")
	require.Len(t, results, 1)
	assert.Equal(t, model.OutcomeFailed, results[0].Outcome)
	assert.Empty(t, h.recorder.Env("prerelease_deps-3.9").Calls)
}
