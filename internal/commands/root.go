package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCommand creates the dvid command with every subcommand attached.
func NewRootCommand(version string) *cobra.Command {
	g := &GlobalOptions{}

	root := &cobra.Command{
		Use:   "dvid",
		Short: "Command line client for DVID servers",
		Long: `Command line client for the DVID versioned image and annotation datastore.

Connection settings come from dvid.yaml in the working directory (or --config),
DVID_* environment variables and the flags below, in increasing priority.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	g.bind(root)

	root.AddCommand(
		NewInfoCommand(g),
		NewRepoCommand(g),
		NewKeyValueCommand(g),
		NewVersionCommand(version),
	)

	return root
}
