package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/knoguchi/medrag/internal/server"
)

func newCacheCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the service's corpus cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Drop cached chunks and embeddings (admin only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, conn, closeConn, err := opts.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer closeConn()

			out, err := server.NewQueryClient(conn).ClearCache(ctx)
			if err != nil {
				return err
			}
			if opts.json {
				return printProto(cmd.OutOrStdout(), out)
			}
			cleared := out.GetFields()["cleared"].GetListValue().GetValues()
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %d corpus entries\n", len(cleared))
			for _, v := range cleared {
				fmt.Fprintln(cmd.OutOrStdout(), "  "+v.GetStringValue())
			}
			return nil
		},
	})
	return cmd
}
