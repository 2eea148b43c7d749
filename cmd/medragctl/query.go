package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/knoguchi/medrag/internal/app"
	"github.com/knoguchi/medrag/internal/config"
	"github.com/knoguchi/medrag/internal/logging"
	"github.com/knoguchi/medrag/internal/pipeline"
	"github.com/knoguchi/medrag/internal/server"
)

func newQueryCommand(opts *rootOptions) *cobra.Command {
	var local bool
	cmd := &cobra.Command{
		Use:   "query <question>",
		Short: "Answer a question from the corpus",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.Join(args, " ")
			if local {
				return runLocalQuery(cmd.Context(), cmd.OutOrStdout(), opts, question)
			}
			return runRemoteQuery(cmd.Context(), cmd.OutOrStdout(), opts, question)
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "run the pipeline in-process using the service configuration")
	return cmd
}

func runRemoteQuery(ctx context.Context, w io.Writer, opts *rootOptions, question string) error {
	ctx, conn, closeConn, err := opts.dial(ctx)
	if err != nil {
		return err
	}
	defer closeConn()

	out, err := server.NewQueryClient(conn).RunQuery(ctx, question)
	if err != nil {
		return err
	}

	if opts.json {
		return printProto(w, out)
	}
	_, err = fmt.Fprintln(w, out.GetFields()["answer"].GetStringValue())
	return err
}

func runLocalQuery(ctx context.Context, w io.Writer, opts *rootOptions, question string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	a, err := app.Build(ctx, cfg, logging.New(os.Stderr, "warn", logging.FormatPretty))
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.Pipeline.RunQuery(ctx, question, nil)
	if err != nil {
		for _, e := range res.Logs {
			fmt.Fprintln(w, e.String())
		}
		return err
	}
	return printResult(w, opts.json, res)
}

func printResult(w io.Writer, asJSON bool, res *pipeline.Result) error {
	if asJSON {
		return printJSON(w, res)
	}
	if _, err := fmt.Fprintln(w, res.Answer); err != nil {
		return err
	}
	for _, s := range res.Relevant {
		fmt.Fprintf(w, "  [%d] score=%d similarity=%.3f\n", s.Chunk.Index, s.Score, s.Similarity)
	}
	return nil
}
