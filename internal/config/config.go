// Package config holds the constants block of the session runner: tool
// version pins, the interpreter versions each session runs under, the paths
// subject to formatting, and the environment variables the sessions consult.
//
// Defaults reproduce the library's task configuration. A project may overlay
// them with a sessionrun.yaml (gopkg.in/yaml.v3) or .sessionrun.jsonc file
// (github.com/tidwall/jsonc strips comments, then encoding/json parses).
// Once loaded, a Config is treated as read-only for the process lifetime.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/shinji-kodama/sessionrun/internal/model"
)

// Config is the constants block consulted by every session definition.
type Config struct {
	// MypyVersion, PytypeVersion and BlackVersion are pip requirement
	// strings pinning the static-analysis tools.
	MypyVersion   string `yaml:"mypyVersion" json:"mypyVersion"`
	PytypeVersion string `yaml:"pytypeVersion" json:"pytypeVersion"`
	BlackVersion  string `yaml:"blackVersion" json:"blackVersion"`

	// BlackPaths are the files and directories formatted by "blacken" and
	// checked by "lint". Covers library source, tests, docs samples and the
	// configuration file itself.
	BlackPaths []string `yaml:"blackPaths" json:"blackPaths"`

	// DefaultPython is the interpreter for single-version sessions
	// (lint, mypy, cover, ...).
	DefaultPython string `yaml:"defaultPython" json:"defaultPython"`

	// SystemTestPythons lists interpreters for system, snippets and
	// prerelease_deps. The first entry is the lowest supported version.
	SystemTestPythons []string `yaml:"systemTestPythons" json:"systemTestPythons"`

	// UnitTestPythons lists interpreters for unit. The first entry is the
	// lowest supported version and gets the narrowed extras set.
	UnitTestPythons []string `yaml:"unitTestPythons" json:"unitTestPythons"`

	// DocsPython is the interpreter for docs and docfx.
	DocsPython string `yaml:"docsPython" json:"docsPython"`

	// DefaultSessions is the run order used when no -s flag is given.
	DefaultSessions []string `yaml:"defaultSessions" json:"defaultSessions"`

	// CredentialsEnv gates the system session: unset or empty means skip.
	CredentialsEnv string `yaml:"credentialsEnv" json:"credentialsEnv"`

	// ClientCertEnv selects mutual-TLS test dependencies when equal to "true".
	ClientCertEnv string `yaml:"clientCertEnv" json:"clientCertEnv"`

	// PackagePath is the library source directory, relative to the root.
	PackagePath string `yaml:"packagePath" json:"packagePath"`

	// EnvDir is where virtual environments are created, relative to the root.
	EnvDir string `yaml:"envDir" json:"envDir"`

	// Backend is the default execution backend.
	Backend model.Backend `yaml:"backend" json:"backend"`

	// DockerImage is the image template for the docker backend. The
	// placeholder {python} is replaced by the session's interpreter version.
	DockerImage string `yaml:"dockerImage" json:"dockerImage"`

	// SessionImages overrides DockerImage per session name. The slim images
	// ship without git, which prerelease_deps needs for its VCS install.
	SessionImages map[string]string `yaml:"sessionImages" json:"sessionImages"`
}

// FileNames lists the configuration files looked up by Find, in priority order.
var FileNames = []string{
	"sessionrun.yaml",
	"sessionrun.yml",
	".sessionrun.jsonc",
}

// Default returns the built-in constants block.
func Default() *Config {
	return &Config{
		MypyVersion:   "mypy==1.6.1",
		PytypeVersion: "pytype==2024.9.13",
		BlackVersion:  "black==23.7.0",
		BlackPaths: []string{
			"benchmark",
			"docs",
			"google",
			"samples",
			"samples/tests",
			"tests",
			"noxfile.py",
			"setup.py",
		},
		DefaultPython:     "3.9",
		SystemTestPythons: []string{"3.9", "3.11", "3.12", "3.13"},
		UnitTestPythons:   []string{"3.9", "3.11", "3.12", "3.13"},
		DocsPython:        "3.10",
		// docfx and prerelease_deps are excluded: they only run in dedicated
		// pipelines.
		DefaultSessions: []string{
			"unit_noextras",
			"unit",
			"system",
			"snippets",
			"cover",
			"lint",
			"lint_setup_py",
			"blacken",
			"mypy",
			"mypy_samples",
			"pytype",
			"docs",
		},
		CredentialsEnv: "GOOGLE_APPLICATION_CREDENTIALS",
		ClientCertEnv:  "GOOGLE_API_USE_CLIENT_CERTIFICATE",
		PackagePath:    "google/cloud/bigquery",
		EnvDir:         ".nox",
		Backend:        model.BackendVenv,
		DockerImage:    "python:{python}-slim",
		SessionImages: map[string]string{
			"prerelease_deps": "python:{python}",
		},
	}
}

// Find searches root for a configuration file named in FileNames and returns
// the first match. An empty path with a nil error means no file exists and
// the defaults apply.
func Find(root string) (string, error) {
	for _, name := range FileNames {
		path := filepath.Join(root, name)
		info, err := os.Stat(path)
		if err == nil && !info.IsDir() {
			return path, nil
		}
		if err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to stat %s: %w", path, err)
		}
	}
	return "", nil
}

// Load reads the configuration file at path and overlays it on Default().
// Fields absent from the file keep their default value. The format is
// chosen by extension: .yaml/.yml or .json/.jsonc.
//
// Returns a CLIError with ExitConfigError if the file cannot be read,
// parsed or validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError,
			fmt.Sprintf("failed to read config file %s", path), err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".json", ".jsonc":
		// Comments and trailing commas are allowed in .jsonc files.
		err = json.Unmarshal(jsonc.ToJSON(data), cfg)
	default:
		return nil, model.NewCLIError(model.ExitConfigError,
			fmt.Sprintf("unsupported config file extension %q (valid: .yaml, .yml, .json, .jsonc)", filepath.Ext(path)))
	}
	if err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError,
			fmt.Sprintf("failed to parse config file %s", path), err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError,
			fmt.Sprintf("invalid config file %s", path), err)
	}
	return cfg, nil
}

// Validate checks the invariants the session definitions rely on.
func (c *Config) Validate() error {
	if len(c.UnitTestPythons) == 0 {
		return fmt.Errorf("unitTestPythons must not be empty")
	}
	if len(c.SystemTestPythons) == 0 {
		return fmt.Errorf("systemTestPythons must not be empty")
	}
	for _, list := range []struct {
		name     string
		versions []string
	}{
		{"unitTestPythons", c.UnitTestPythons},
		{"systemTestPythons", c.SystemTestPythons},
	} {
		seen := make(map[string]bool, len(list.versions))
		for _, v := range list.versions {
			if v == "" {
				return fmt.Errorf("%s contains an empty version", list.name)
			}
			if seen[v] {
				return fmt.Errorf("%s contains %q twice", list.name, v)
			}
			seen[v] = true
		}
	}
	if c.DefaultPython == "" || c.DocsPython == "" {
		return fmt.Errorf("defaultPython and docsPython must be set")
	}
	if len(c.BlackPaths) == 0 {
		return fmt.Errorf("blackPaths must not be empty")
	}
	for _, p := range c.BlackPaths {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("blackPaths contains an empty path")
		}
	}
	if !c.Backend.IsValid() {
		return fmt.Errorf("invalid backend %q (valid: venv, none, docker)", c.Backend)
	}
	if c.CredentialsEnv == "" {
		return fmt.Errorf("credentialsEnv must be set")
	}
	if c.EnvDir == "" {
		return fmt.Errorf("envDir must be set")
	}
	return nil
}

// LowestUnitPython returns the lowest supported interpreter for unit tests.
func (c *Config) LowestUnitPython() string {
	return c.UnitTestPythons[0]
}

// HighestUnitPython returns the newest interpreter for unit tests.
func (c *Config) HighestUnitPython() string {
	return c.UnitTestPythons[len(c.UnitTestPythons)-1]
}

// LowestSystemPython returns the lowest supported interpreter for system tests.
func (c *Config) LowestSystemPython() string {
	return c.SystemTestPythons[0]
}

// ImageFor returns the docker image for session at the given interpreter
// version.
func (c *Config) ImageFor(session, python string) string {
	if python == "" {
		python = c.DefaultPython
	}
	image := c.DockerImage
	if override, ok := c.SessionImages[session]; ok && override != "" {
		image = override
	}
	return strings.ReplaceAll(image, "{python}", python)
}
