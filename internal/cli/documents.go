package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
)

func newSubmitCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "submit <file>...",
		Short: "Submit documents for ingestion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			client := opts.client()
			docs := make([]*domain.Document, 0, len(args))
			for _, path := range args {
				doc, err := client.Submit(ctx, path)
				if err != nil {
					return fmt.Errorf("submit %s: %w", path, err)
				}
				docs = append(docs, doc)
			}
			return opts.print(cmd.OutOrStdout(), docs, func(out io.Writer) error {
				for _, doc := range docs {
					fmt.Fprintf(out, "%s\t%s\t%s\n", doc.ID, doc.Status, doc.SourceName)
				}
				return nil
			})
		},
	}
}

func newStatusCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status [document-id]",
		Short: "Show the queue snapshot or one document's progress",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			client := opts.client()
			if len(args) == 1 {
				progress, err := client.Status(ctx, args[0])
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), progress, func(out io.Writer) error {
					return printDocuments(out, []domain.DocumentProgress{*progress})
				})
			}

			snapshot, err := client.Snapshot(ctx)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), snapshot, func(out io.Writer) error {
				fmt.Fprintf(out, "queued=%d processing=%d paused=%d completed=%d failed=%d\n",
					snapshot.Queued, snapshot.Processing, snapshot.Paused, snapshot.Completed, snapshot.Failed)
				if len(snapshot.Documents) == 0 {
					return nil
				}
				fmt.Fprintln(out)
				return printDocuments(out, snapshot.Documents)
			})
		},
	}
}

func newControlCommand(opts *options, action domain.ControlAction, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(action) + " <document-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			progress, err := opts.client().Control(ctx, args[0], action)
			if err != nil {
				return fmt.Errorf("%s %s: %w", action, args[0], err)
			}
			return opts.print(cmd.OutOrStdout(), progress, func(out io.Writer) error {
				return printDocuments(out, []domain.DocumentProgress{*progress})
			})
		},
	}
}

func printDocuments(out io.Writer, docs []domain.DocumentProgress) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPAGES\tPROGRESS\tCHUNKS\tRETRIES\tSOURCE\tERROR")
	for _, doc := range docs {
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%.0f%%\t%d\t%d\t%s\t%s\n",
			doc.ID, doc.Status, doc.PagesProcessed, doc.TotalPages, doc.ProgressPercentage,
			doc.ChunkCount, doc.RetryCount, doc.SourceName, doc.Error)
	}
	return w.Flush()
}
