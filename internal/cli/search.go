package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newSearchCommand(opts *options) *cobra.Command {
	var (
		k           int
		documentIDs []string
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Run a hybrid search",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			result, err := opts.client().Search(ctx, strings.Join(args, " "), k, documentIDs)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), result, func(out io.Writer) error {
				if len(result.Hits) == 0 {
					fmt.Fprintln(out, "no results")
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "RANK\tSCORE\tDOCUMENT\tPAGE\tSNIPPET")
				for i, hit := range result.Hits {
					fmt.Fprintf(w, "%d\t%.5f\t%s\t%d\t%s\n", i+1, hit.FusedScore, hit.DocumentID, hit.PageNumber, oneLine(hit.TextSnippet, 80))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntVarP(&k, "top-k", "k", 0, "number of results (server default when 0)")
	cmd.Flags().StringSliceVar(&documentIDs, "document", nil, "restrict to document ids (repeatable)")
	return cmd
}

func oneLine(text string, limit int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit-1]) + "…"
}
