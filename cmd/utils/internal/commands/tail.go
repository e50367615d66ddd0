package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/appetiteclub/kds/pkg/event"
	"github.com/appetiteclub/kds/pkg/kdsclient"
	"github.com/spf13/cobra"
)

type TailOptions struct {
	*RootOptions
	Branch string
	Topics string
	Cursor uint64
}

func NewTailCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TailOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow a display stream",
		Long: `Follow the display stream of a branch over gRPC and print every frame.

The stream starts with a snapshot unless --cursor names a sequence the
service still retains. Disconnects are retried and resume from the last
sequence printed.

Examples:
  kds-utils tail --branch downtown --topics grill
  kds-utils tail --branch downtown --cursor 1200 --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTail(opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.Branch, "branch", "", "branch to follow (required)")
	_ = cmd.MarkFlagRequired("branch")
	cmd.Flags().StringVar(&opts.Topics, "topics", "", "comma separated stations or roles")
	cmd.Flags().Uint64Var(&opts.Cursor, "cursor", 0, "last sequence already seen")

	return cmd
}

func runTail(opts *TailOptions, w io.Writer) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := kdsclient.New(kdsclient.Config{
		Addr:   opts.GRPCAddr,
		Branch: opts.Branch,
		Topics: opts.Topics,
		Token:  opts.Token,
		Cursor: opts.Cursor,
	}, opts.logger())

	err := client.Run(ctx, func(f kdsclient.Frame) error {
		return writeFrame(w, opts.Format, f)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func writeFrame(w io.Writer, format string, f kdsclient.Frame) error {
	if format == "json" {
		return json.NewEncoder(w).Encode(f)
	}

	var err error
	switch f.Type {
	case kdsclient.FrameSnapshot:
		n := 0
		if f.Snapshot != nil {
			n = len(f.Snapshot.Tickets)
		}
		_, err = fmt.Fprintf(w, "%8d  snapshot  %d tickets\n", f.Sequence, n)
	case kdsclient.FrameEvent:
		_, err = fmt.Fprintf(w, "%8d  %s\n", f.Sequence, describe(f.Event))
	case kdsclient.FrameEnd:
		_, err = fmt.Fprintf(w, "%8s  end  %s\n", "-", f.Reason)
	default:
		_, err = fmt.Fprintf(w, "%8d  %s\n", f.Sequence, f.Type)
	}
	return err
}

func describe(e *event.Event) string {
	if e == nil {
		return "event"
	}
	switch {
	case e.Created != nil:
		t := e.Created.Ticket
		codes := make([]string, 0, len(t.Items))
		for _, it := range t.Items {
			codes = append(codes, fmt.Sprintf("%dx %s@%s", it.Qty, it.ItemCode, it.Station))
		}
		return fmt.Sprintf("created    %s table %s: %s", e.TicketID, t.TableNumber, strings.Join(codes, ", "))
	case e.ItemChanged != nil:
		c := e.ItemChanged
		return fmt.Sprintf("item       %s %s@%s %s -> %s", e.TicketID, c.ItemCode, c.Station, c.From, c.To)
	case e.Cancelled != nil:
		return fmt.Sprintf("cancelled  %s %d items %s", e.TicketID, len(e.Cancelled.ItemIDs), e.Cancelled.Reason)
	}
	return string(e.Kind)
}
