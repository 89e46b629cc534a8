package commands

import (
	"context"
	"encoding/json"
	"io"

	"github.com/spf13/cobra"
)

// NewInfoCommand creates the info command, which prints the server's
// self-description as indented JSON.
func NewInfoCommand(g *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "info",
		Short:   "Show DVID server information",
		Example: "  dvid info --server emdata.example.org:8000",
		Args:    cobra.NoArgs,
		RunE: g.run(func(ctx context.Context, rt *session, out io.Writer, _ []string) error {
			info, err := rt.server.ServerInfo(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		}),
	}
}
