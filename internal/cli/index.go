package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kirillkom/retrieval-engine/internal/infrastructure/index/badgerstore"
)

// newIndexCommand works on the badger directory directly, so the server
// must be stopped while it runs.
func newIndexCommand(opts *options) *cobra.Command {
	var indexPath string

	index := &cobra.Command{
		Use:   "index",
		Short: "Back up or restore the on-disk index store (server stopped)",
	}
	index.PersistentFlags().StringVar(&indexPath, "index-path", envOr("INDEX_PATH", "./data/index"), "index store directory")

	var output string
	backup := &cobra.Command{
		Use:   "backup",
		Short: "Write a full index snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := badgerstore.Open(indexPath, false, quietLogger())
			if err != nil {
				return err
			}
			defer store.Close()

			var w io.Writer = cmd.OutOrStdout()
			toFile := output != "" && output != "-"
			if toFile {
				file, err := os.Create(output)
				if err != nil {
					return err
				}
				defer file.Close()
				w = file
			}
			version, err := store.Backup(w)
			if err != nil {
				return err
			}
			if toFile {
				return opts.print(cmd.OutOrStdout(), map[string]any{"file": output, "version": version}, func(out io.Writer) error {
					_, err := fmt.Fprintf(out, "snapshot written to %s (version %d)\n", output, version)
					return err
				})
			}
			return nil
		},
	}
	backup.Flags().StringVarP(&output, "output", "o", "", "snapshot file (stdout when empty)")

	restore := &cobra.Command{
		Use:   "restore <snapshot>",
		Short: "Load a snapshot written by backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer file.Close()

			store, err := badgerstore.Open(indexPath, false, quietLogger())
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Restore(file); err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), map[string]any{"restored": args[0]}, func(out io.Writer) error {
				_, err := fmt.Fprintf(out, "restored %s into %s\n", args[0], indexPath)
				return err
			})
		},
	}

	index.AddCommand(backup, restore)
	return index
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
