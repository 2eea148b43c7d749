package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/knoguchi/medrag/internal/config"
	"github.com/knoguchi/medrag/internal/pubmed"
)

func newFetchCommand() *cobra.Command {
	var (
		out     string
		limit   int
		baseURL string
	)
	cmd := &cobra.Command{
		Use:   "fetch <search term>",
		Short: "Download PubMed abstracts into the corpus file",
		Long: `Search PubMed for the given term, fetch the matching abstracts and write
one "title abstract" line per article to the corpus file. Articles without
an abstract are skipped.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if out == "" {
				out = cfg.FilePath
			}

			client := pubmed.NewClient(pubmed.Config{
				BaseURL: baseURL,
				Email:   cfg.EmailForPubMed,
				APIKey:  cfg.PubMedAPIKey,
			})
			articles, err := client.SearchAndFetch(cmd.Context(), strings.Join(args, " "), limit)
			if err != nil {
				return err
			}

			n, err := pubmed.NewWriter().Write(cmd.Context(), out, articles)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d of %d articles to %s\n", n, len(articles), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (defaults to FILE_PATH)")
	cmd.Flags().IntVarP(&limit, "max", "n", 20, "maximum number of articles")
	cmd.Flags().StringVar(&baseURL, "base-url", pubmed.DefaultBaseURL, "E-utilities base URL")
	return cmd
}
