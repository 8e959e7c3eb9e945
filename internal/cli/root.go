// Package cli implements retrievalctl, the operator CLI for the retrieval engine.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:8080"

type options struct {
	server     string
	jsonOutput bool
	timeout    time.Duration
	httpClient *http.Client
}

func (o *options) client() *Client {
	return NewClient(o.server, o.httpClient)
}

func (o *options) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if o.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.timeout)
}

func (o *options) print(out io.Writer, value any, text func(io.Writer) error) error {
	if o.jsonOutput {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(value)
	}
	return text(out)
}

// NewRootCommand builds the retrievalctl command tree. httpClient may be nil.
func NewRootCommand(httpClient *http.Client) *cobra.Command {
	opts := &options{httpClient: httpClient}

	server := os.Getenv("RETRIEVAL_SERVER")
	if server == "" {
		server = defaultServer
	}

	root := &cobra.Command{
		Use:   "retrievalctl",
		Short: "Operate a retrieval engine",
		Long: `retrievalctl submits documents, inspects and steers their ingestion and
runs hybrid searches against a retrieval engine server.

Example usage:
  retrievalctl submit report.pdf
  retrievalctl status                  # queue snapshot
  retrievalctl status <document-id>    # one document with progress
  retrievalctl pause <document-id>
  retrievalctl search "insulin dosage" -k 5
  retrievalctl index backup --index-path ./data/index -o index.bak`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", server, "server base URL (env RETRIEVAL_SERVER)")
	root.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output as JSON")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(
		newSubmitCommand(opts),
		newStatusCommand(opts),
		newControlCommand(opts, "pause", "Pause ingestion at the next page boundary"),
		newControlCommand(opts, "resume", "Resume a paused document from its checkpoint"),
		newControlCommand(opts, "cancel", "Cancel ingestion; the document becomes failed"),
		newSearchCommand(opts),
		newIndexCommand(opts),
	)
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	root := NewRootCommand(nil)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}
