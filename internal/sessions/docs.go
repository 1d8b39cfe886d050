package sessions

import (
	"context"

	"github.com/shinji-kodama/sessionrun/internal/session"
)

// buildDir is removed before every documentation build.
const buildDir = "docs/_build"

// sphinxContribPins keep the sphinxcontrib packages on releases that still
// support sphinx 4.x.
var sphinxContribPins = []string{
	"sphinxcontrib-applehelp==1.0.4",
	"sphinxcontrib-devhelp==1.0.2",
	"sphinxcontrib-htmlhelp==2.0.1",
	"sphinxcontrib-qthelp==1.0.3",
	"sphinxcontrib-serializinghtml==1.1.5",
}

// docfxExtensions is the sphinx extension list of the docfx build.
const docfxExtensions = "extensions=sphinx.ext.autodoc," +
	"sphinx.ext.autosummary," +
	"docfx_yaml.extension," +
	"sphinx.ext.intersphinx," +
	"sphinx.ext.coverage," +
	"sphinx.ext.napoleon," +
	"sphinx.ext.todo," +
	"sphinx.ext.viewcode," +
	"recommonmark"

// sphinxOutputArgs are the trailing builder, doctree, source and output
// arguments shared by docs and docfx.
var sphinxOutputArgs = []string{
	"-b", "html",
	"-d", "docs/_build/doctrees/",
	"docs/",
	"docs/_build/html/",
}

// docs builds the HTML documentation with warnings as errors.
func (c *set) docs(ctx context.Context, s *session.Session) error {
	err := installSteps(ctx, s,
		append(append([]string(nil), sphinxContribPins...), "sphinx==4.5.0", "alabaster", "recommonmark"),
		[]string{"google-cloud-storage"},
		[]string{"-e", ".[all]"},
	)
	if err != nil {
		return err
	}

	if err := s.RemoveAll(ctx, buildDir); err != nil {
		return err
	}
	// -W warnings as errors, -T full tracebacks, -N no colors.
	return runSteps(ctx, s,
		[]string{"python", "-m", "pip", "freeze"},
		append([]string{"sphinx-build", "-W", "-T", "-N"}, sphinxOutputArgs...),
	)
}

// docfx builds the docfx yaml files consumed by the reference site.
func (c *set) docfx(ctx context.Context, s *session.Session) error {
	err := installSteps(ctx, s,
		[]string{"-e", "."},
		append(append([]string(nil), sphinxContribPins...), "gcp-sphinx-docfx-yaml", "alabaster", "recommonmark"),
	)
	if err != nil {
		return err
	}

	if err := s.RemoveAll(ctx, buildDir); err != nil {
		return err
	}
	return runSteps(ctx, s,
		[]string{"python", "-m", "pip", "freeze"},
		append([]string{"sphinx-build", "-T", "-N", "-D", docfxExtensions}, sphinxOutputArgs...),
	)
}
