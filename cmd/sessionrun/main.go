// Package main is the entry point for the sessionrun CLI.
//
// All functionality lives in internal/cli. Build-time variables (version,
// commit, date) are injected via ldflags by GoReleaser and default to
// "dev", "none" and "unknown" during development.
package main

import (
	"github.com/shinji-kodama/sessionrun/internal/cli"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cli.Version = version
	cli.Commit = commit
	cli.Date = date

	cli.Execute(cli.NewRootCommand())
}
