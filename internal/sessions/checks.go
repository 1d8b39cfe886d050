package sessions

import (
	"context"

	"github.com/shinji-kodama/sessionrun/internal/session"
)

// mypy type-checks the library. Type stubs are installed up front since
// "mypy --install-types" can need a second pass.
func (c *set) mypy(ctx context.Context, s *session.Session) error {
	err := installSteps(ctx, s,
		[]string{"-e", ".[all]"},
		[]string{c.cfg.MypyVersion},
		[]string{
			"types-protobuf",
			"types-python-dateutil",
			"types-requests",
			"types-setuptools",
		},
	)
	if err != nil {
		return err
	}
	return runSteps(ctx, s,
		[]string{"python", "-m", "pip", "freeze"},
		[]string{"mypy", "-p", "google", "--show-traceback"},
	)
}

// pytype pins attrs below 21.1.0, which breaks the check.
func (c *set) pytype(ctx context.Context, s *session.Session) error {
	err := installSteps(ctx, s,
		[]string{"attrs==20.3.0"},
		[]string{"-e", ".[all]"},
		[]string{c.cfg.PytypeVersion},
	)
	if err != nil {
		return err
	}
	return runSteps(ctx, s,
		[]string{"python", "-m", "pip", "freeze"},
		[]string{"pytype", "-P", ".", c.cfg.PackagePath},
	)
}

// mypySamples installs the requirements of every sample, then the library
// from source so samples may use unreleased features.
func (c *set) mypySamples(ctx context.Context, s *session.Session) error {
	if err := s.Install(ctx, "pytest"); err != nil {
		return err
	}

	requirements, err := s.Glob("samples/*/requirements.txt")
	if err != nil {
		return err
	}
	for _, path := range requirements {
		if err := s.Install(ctx, "-r", path); err != nil {
			return err
		}
	}

	err = installSteps(ctx, s,
		[]string{c.cfg.MypyVersion},
		[]string{"-e", ".[all]"},
		[]string{
			"types-mock",
			"types-pytz",
			// 4.24.0.20240106 drops google.oauth2.service_account.
			"types-protobuf!=4.24.0.20240106",
			"types-python-dateutil",
			"types-requests",
			"types-setuptools",
		},
	)
	if err != nil {
		return err
	}

	return runSteps(ctx, s,
		[]string{"python", "-m", "pip", "freeze"},
		[]string{
			"mypy",
			"--config-file", s.Path("samples", "mypy.ini"),
			// warn-unused-configs in mypy.ini needs a full run.
			"--no-incremental",
			"samples/",
		},
	)
}

// lint fails on flake8 findings or unformatted code.
func (c *set) lint(ctx context.Context, s *session.Session) error {
	err := installSteps(ctx, s,
		[]string{"flake8", c.cfg.BlackVersion},
		[]string{"-e", "."},
	)
	if err != nil {
		return err
	}
	return runSteps(ctx, s,
		[]string{"python", "-m", "pip", "freeze"},
		[]string{"flake8", c.cfg.PackagePath},
		[]string{"flake8", "tests"},
		[]string{"flake8", "docs/samples"},
		[]string{"flake8", "docs/snippets.py"},
		[]string{"flake8", "benchmark"},
		append([]string{"black", "--check"}, c.cfg.BlackPaths...),
	)
}

func (c *set) lintSetupPy(ctx context.Context, s *session.Session) error {
	if err := s.Install(ctx, "docutils", "Pygments"); err != nil {
		return err
	}
	return runSteps(ctx, s,
		[]string{"python", "-m", "pip", "freeze"},
		[]string{"python", "setup.py", "check", "--restructuredtext", "--strict"},
	)
}

// blacken rewrites BlackPaths in place.
func (c *set) blacken(ctx context.Context, s *session.Session) error {
	if err := s.Install(ctx, c.cfg.BlackVersion); err != nil {
		return err
	}
	return runSteps(ctx, s,
		[]string{"python", "-m", "pip", "freeze"},
		append([]string{"black"}, c.cfg.BlackPaths...),
	)
}
