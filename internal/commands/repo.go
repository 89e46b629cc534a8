package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewRepoCommand creates the repo command group.
func NewRepoCommand(g *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repo",
		Short: "Manage DVID repositories",
	}
	cmd.AddCommand(newRepoCreateCommand(g))
	return cmd
}

func newRepoCreateCommand(g *GlobalOptions) *cobra.Command {
	var description string

	cmd := &cobra.Command{
		Use:   "create <alias>",
		Short: "Create a repository and print its root UUID",
		Long: `Create a new repository on the DVID server and print the UUID of its root node.

The request is sent once. A failed creation is reported as is and never retried,
since the server may have created the repository before the failure.`,
		Example: `  dvid repo create flyem-hemibrain --description "hemibrain v1.2"`,
		Args:    cobra.ExactArgs(1),
		RunE: g.run(func(ctx context.Context, rt *session, out io.Writer, args []string) error {
			uuid, err := rt.server.CreateNewRepo(ctx, args[0], description)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(out, uuid)
			return err
		}),
	}

	cmd.Flags().StringVarP(&description, "description", "d", "", "repository description")
	return cmd
}
