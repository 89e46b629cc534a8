package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/gaborage/go-dvid/dvid"
)

// NewKeyValueCommand creates the kv command group for keyvalue instances.
// Every subcommand takes the node UUID and instance name as its first two
// arguments.
func NewKeyValueCommand(g *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kv",
		Short: "Read and write keyvalue instances",
	}
	cmd.AddCommand(
		newKVCreateCommand(g),
		newKVGetCommand(g),
		newKVPutCommand(g),
		newKVDeleteCommand(g),
		newKVKeysCommand(g),
	)
	return cmd
}

// nodeRun resolves args[0] to a node before calling fn with the remaining
// arguments.
func (g *GlobalOptions) nodeRun(fn func(ctx context.Context, node *dvid.NodeService, out io.Writer, args []string) error) func(*cobra.Command, []string) error {
	return g.run(func(ctx context.Context, rt *session, out io.Writer, args []string) error {
		node, err := rt.server.Node(args[0])
		if err != nil {
			return err
		}
		return fn(ctx, node, out, args[1:])
	})
}

func newKVCreateCommand(g *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create <uuid> <instance>",
		Short: "Create a keyvalue instance unless it already exists",
		Args:  cobra.ExactArgs(2),
		RunE: g.nodeRun(func(ctx context.Context, node *dvid.NodeService, out io.Writer, args []string) error {
			created, err := node.CreateKeyValue(ctx, args[0])
			if err != nil {
				return err
			}
			if created {
				_, err = fmt.Fprintf(out, "created %s\n", args[0])
			} else {
				_, err = fmt.Fprintf(out, "%s already exists\n", args[0])
			}
			return err
		}),
	}
}

func newKVGetCommand(g *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <uuid> <instance> <key>",
		Short: "Write the value stored under key to stdout",
		Args:  cobra.ExactArgs(3),
		RunE: g.nodeRun(func(ctx context.Context, node *dvid.NodeService, out io.Writer, args []string) error {
			value, err := node.Get(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			_, err = out.Write(value)
			return err
		}),
	}
}

func newKVPutCommand(g *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "put <uuid> <instance> <key> [value]",
		Short:   "Store a value under key",
		Long:    "Store a value under key. Without a value argument, or with \"-\", the value is read from stdin.",
		Example: "  dvid kv put 3f8c annotations config '{\"version\": 2}'\n  dvid kv put 3f8c meshes 1024.ngmesh < 1024.ngmesh",
		Args:    cobra.RangeArgs(3, 4),
	}
	cmd.RunE = func(c *cobra.Command, args []string) error {
		return g.nodeRun(func(ctx context.Context, node *dvid.NodeService, _ io.Writer, args []string) error {
			var value []byte
			if len(args) == 3 && args[2] != "-" {
				value = []byte(args[2])
			} else {
				data, err := io.ReadAll(c.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read value from stdin: %w", err)
				}
				value = data
			}
			return node.Put(ctx, args[0], args[1], value)
		})(c, args)
	}
	return cmd
}

func newKVDeleteCommand(g *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <uuid> <instance> <key>",
		Short: "Delete the value stored under key",
		Args:  cobra.ExactArgs(3),
		RunE: g.nodeRun(func(ctx context.Context, node *dvid.NodeService, _ io.Writer, args []string) error {
			return node.Delete(ctx, args[0], args[1])
		}),
	}
}

func newKVKeysCommand(g *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "keys <uuid> <instance>",
		Short: "List the keys of an instance, one per line",
		Args:  cobra.ExactArgs(2),
		RunE: g.nodeRun(func(ctx context.Context, node *dvid.NodeService, out io.Writer, args []string) error {
			keys, err := node.GetKeys(ctx, args[0])
			if err != nil {
				return err
			}
			for _, key := range keys {
				if _, err := fmt.Fprintln(out, key); err != nil {
					return err
				}
			}
			return nil
		}),
	}
}
