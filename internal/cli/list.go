// list.go implements "sessionrun list" and the root command's -l flag.
//
// Every session instance is printed with its description. Instances that a
// run with the same -s and -p flags would execute are marked with "*",
// the others with "-".
package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/sessionrun/internal/session"
)

// NewListCommand creates the "list" command.
func NewListCommand() *cobra.Command {
	var names, pythons []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the sessions",
		Long: `List every session instance with its description.

Sessions marked with * are selected, sessions marked with - are skipped.

Examples:
  sessionrun list
  sessionrun list -s unit -p 3.12
  sessionrun list --json`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			// Step 1: Load the config and register the definitions.
			p, err := loadProject(cmd.Context())
			if err != nil {
				return err
			}

			// Step 2: Print every instance, marking the ones -s/-p select.
			return printSessionList(cmd.OutOrStdout(), p, names, pythons)
		},
	}

	cmd.Flags().StringSliceVarP(&names, "sessions", "s", nil, "Sessions to mark as selected")
	cmd.Flags().StringSliceVarP(&pythons, "python", "p", nil, "Only mark sessions for these Python versions")
	return cmd
}

// listEntry is one session instance in the list output.
type listEntry struct {
	Name        string `json:"name"`
	Session     string `json:"session"`
	Python      string `json:"python,omitempty"`
	Description string `json:"description"`
	Selected    bool   `json:"selected"`
	Default     bool   `json:"default"`
}

// buildListEntries expands every definition into its instances and marks
// those contained in selected.
func buildListEntries(reg *session.Registry, selected []session.Instance) []listEntry {
	chosen := make(map[string]bool, len(selected))
	for _, inst := range selected {
		chosen[inst.Name()] = true
	}

	var entries []listEntry
	for _, def := range reg.Definitions() {
		for _, inst := range def.Instances() {
			entries = append(entries, listEntry{
				Name:        inst.Name(),
				Session:     def.Name,
				Python:      inst.Python,
				Description: def.Doc,
				Selected:    chosen[inst.Name()],
				Default:     reg.IsDefault(def.Name),
			})
		}
	}
	return entries
}

// printSessionList writes the session list as text or JSON. An unknown name
// in names is an error, as it would be for a run.
func printSessionList(w io.Writer, p *project, names, pythons []string) error {
	selected, err := p.registry.Select(names, pythons)
	if err != nil {
		return err
	}
	entries := buildListEntries(p.registry, selected)

	if IsJSONOutput() {
		type resultJSON struct {
			Sessions []listEntry `json:"sessions"`
		}
		result := resultJSON{Sessions: make([]listEntry, 0, len(entries))}
		result.Sessions = append(result.Sessions, entries...)
		return writeJSON(w, result)
	}

	printSessionListText(w, p.root, entries)
	return nil
}

func printSessionListText(w io.Writer, root string, entries []listEntry) {
	fmt.Fprintf(w, "Sessions defined in %s:\n\n", root)
	for _, e := range entries {
		marker := "-"
		if e.Selected {
			marker = "*"
		}
		if e.Description != "" {
			fmt.Fprintf(w, "%s %s -> %s\n", marker, e.Name, e.Description)
		} else {
			fmt.Fprintf(w, "%s %s\n", marker, e.Name)
		}
	}
	fmt.Fprintln(w, "\nsessions marked with * are selected, sessions marked with - are skipped.")
}
