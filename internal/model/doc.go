// Package model defines the domain types and value objects for the
// sessionrun CLI.
//
// This package contains pure data structures with no external dependencies:
// session outcomes, execution backends, per-session results, and the error
// types shared by the runner (CLIError with an exit code, CommandError for a
// failed external process, SkipError for a deliberate soft-skip).
package model
