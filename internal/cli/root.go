// Package cli implements the cobra-based command line of sessionrun.
//
// The root command runs sessions; "list" and "prune" are defined in their
// own files. This file defines the root command, its global flags and the
// error-to-exit-code mapping.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shinji-kodama/sessionrun/internal/model"
)

// Global flags, bound to persistent flags on the root command so every
// subcommand sees them.
var (
	// jsonOutput switches command output and logs to JSON.
	jsonOutput bool

	// verbose lowers the log level to debug.
	verbose bool

	// projectRoot is the directory holding the library under test.
	projectRoot string

	// configPath overrides config file discovery.
	configPath string
)

// logger is replaced by a configured logger before any command runs.
var logger = zap.NewNop().Sugar()

// Version, Commit and Date are injected from the main package at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// NewRootCommand creates the root command with every subcommand registered.
func NewRootCommand() *cobra.Command {
	flags := &runFlags{}

	rootCmd := &cobra.Command{
		Use:   "sessionrun [flags] [-- posargs...]",
		Short: "Run the test, lint and docs sessions of the BigQuery client library",
		Long: `sessionrun runs the named sessions of the library: unit and system tests,
snippets, coverage, linting, formatting, type checks and documentation builds.

Each session runs once per configured Python version in its own virtualenv
(or docker sandbox). Arguments after "--" are forwarded to the test runner.

Examples:
  sessionrun                      run the default sessions
  sessionrun -s unit -p 3.12      run unit tests on Python 3.12
  sessionrun -s unit-3.9 -- -k test_magics
  sessionrun -l`,

		SilenceUsage:  true,
		SilenceErrors: true,

		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),

		Args: posargsOnly,

		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger = newLogger(verbose, jsonOutput)
		},

		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoot(cmd, flags, posargs(cmd, args))
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	pf.StringVar(&projectRoot, "root", "", "Project root of the library under test (default: the Git top-level of the current directory)")
	pf.StringVar(&configPath, "config", "", "Config file (default: sessionrun.yaml, sessionrun.yml or .sessionrun.jsonc in the root)")

	flags.register(rootCmd)

	rootCmd.AddCommand(NewListCommand())
	rootCmd.AddCommand(NewPruneCommand())

	return rootCmd
}

// posargsOnly rejects positional arguments that do not follow "--".
func posargsOnly(cmd *cobra.Command, args []string) error {
	dash := cmd.ArgsLenAtDash()
	if dash == -1 && len(args) > 0 {
		return model.NewCLIError(model.ExitUsage,
			fmt.Sprintf("unexpected argument %q: forward arguments to the test runner after \"--\"", args[0]))
	}
	if dash > 0 {
		return model.NewCLIError(model.ExitUsage,
			fmt.Sprintf("unexpected argument %q before \"--\"", args[0]))
	}
	return nil
}

// posargs returns the arguments given after "--".
func posargs(cmd *cobra.Command, args []string) []string {
	dash := cmd.ArgsLenAtDash()
	if dash < 0 {
		return nil
	}
	return args[dash:]
}

// Execute runs the root command and exits with the code carried by a
// *model.CLIError, or 1 for any other error.
func Execute(rootCmd *cobra.Command) {
	err := rootCmd.Execute()
	_ = logger.Sync()
	if err == nil {
		return
	}

	var cliErr *model.CLIError
	if errors.As(err, &cliErr) {
		printError(cliErr.Message, cliErr.Err)
		os.Exit(int(cliErr.Code))
	}
	printError(err.Error(), nil)
	os.Exit(int(model.ExitGeneralError))
}

// printError writes an error to stderr as text or JSON, following --json.
func printError(message string, underlying error) {
	if jsonOutput {
		errObj := map[string]interface{}{
			"error": map[string]interface{}{
				"message": message,
			},
		}
		if underlying != nil {
			if errMap, ok := errObj["error"].(map[string]interface{}); ok {
				errMap["detail"] = underlying.Error()
			}
		}
		data, _ := json.MarshalIndent(errObj, "", "  ")
		fmt.Fprintln(os.Stderr, string(data))
		return
	}

	if underlying != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", message, underlying)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", message)
	}
}

// IsJSONOutput returns whether the --json flag is set.
func IsJSONOutput() bool {
	return jsonOutput
}
