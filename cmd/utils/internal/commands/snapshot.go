package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"

	"github.com/appetiteclub/kds/pkg/kdsclient"
	"github.com/spf13/cobra"
)

type SnapshotOptions struct {
	*RootOptions
	Branch string
	Topics string
}

func NewSnapshotCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SnapshotOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Fetch the current board of a branch",
		Long: `Fetch the reconciled ticket snapshot a display would start from.

Examples:
  kds-utils snapshot --branch downtown
  kds-utils snapshot --branch downtown --topics grill,waiter --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshot(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.Branch, "branch", "", "branch to read (required)")
	_ = cmd.MarkFlagRequired("branch")
	cmd.Flags().StringVar(&opts.Topics, "topics", "", "comma separated stations or roles")

	return cmd
}

func runSnapshot(ctx context.Context, opts *SnapshotOptions, w io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	q := url.Values{}
	q.Set("branch", opts.Branch)
	if opts.Topics != "" {
		q.Set("topics", opts.Topics)
	}

	var snap kdsclient.Snapshot
	client := newAPIClient(opts.HTTPAddr, opts.Token)
	if err := client.do(ctx, http.MethodGet, "/snapshot?"+q.Encode(), nil, &snap); err != nil {
		return err
	}
	return writeSnapshot(w, opts.Format, snap)
}

func writeSnapshot(w io.Writer, format string, snap kdsclient.Snapshot) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	fmt.Fprintf(w, "branch %s at sequence %d, %d tickets, digest %s\n", snap.Branch, snap.Cursor, len(snap.Tickets), snap.Digest)
	tickets := snap.Tickets
	sort.SliceStable(tickets, func(i, j int) bool { return tickets[i].CreatedAt.Before(tickets[j].CreatedAt) })
	for _, t := range tickets {
		fmt.Fprintf(w, "  %s  %-8s table %-4s %s\n", t.ID, t.State, t.TableNumber, t.OrderRef)
		for _, it := range t.Items {
			fmt.Fprintf(w, "      %-10s %-9s %dx %s\n", it.Station, it.State, it.Qty, it.Name)
		}
	}
	return nil
}
