package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/sessionrun/internal/docker"
)

// NewPruneCommand creates the "prune" command, which removes sandbox
// containers left behind by interrupted docker-backend runs.
func NewPruneCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Remove leftover docker sandboxes",
		Long: `Remove every container labelled sessionrun.managed-by=sessionrun.

Sandboxes are removed at the end of each session; containers only remain
when a run was killed before it could clean up.

Examples:
  sessionrun prune
  sessionrun prune --json`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			// Step 1: Connect to the Docker daemon.
			client, err := docker.NewClient()
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			// Step 2: Fail early with ExitDockerNotRunning when the daemon
			// does not answer.
			if err := client.Ping(cmd.Context()); err != nil {
				return err
			}

			// Step 3: Force-remove every managed container. A failure on one
			// container does not stop the others from being removed.
			removed, pruneErr := docker.Prune(cmd.Context(), client, logger)

			// Step 4: Report what was removed, even when some removals failed.
			if err := printPruneResult(cmd.OutOrStdout(), removed); err != nil {
				return err
			}
			return pruneErr
		},
	}
}

// printPruneResult writes the removed sandboxes as text or, with --json,
// as {"removed": [...]}.
func printPruneResult(w io.Writer, removed []docker.SandboxInfo) error {
	if IsJSONOutput() {
		type resultJSON struct {
			Removed []docker.SandboxInfo `json:"removed"`
		}
		result := resultJSON{Removed: make([]docker.SandboxInfo, 0, len(removed))}
		result.Removed = append(result.Removed, removed...)
		return writeJSON(w, result)
	}

	if len(removed) == 0 {
		fmt.Fprintln(w, "No leftover sandboxes found.")
		return nil
	}
	for _, sb := range removed {
		fmt.Fprintf(w, "Removed %s (%s)\n", sb.ContainerName, sb.Session)
	}
	return nil
}
