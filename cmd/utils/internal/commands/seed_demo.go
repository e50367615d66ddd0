package commands

import (
	"context"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

type SeedDemoOptions struct {
	*RootOptions
	Branch  string
	Tickets int
}

type demoItem struct {
	ItemCode string `json:"item_code"`
	Name     string `json:"name"`
	Qty      int    `json:"qty"`
	Notes    string `json:"notes,omitempty"`
}

type demoTicket struct {
	Branch         string     `json:"branch"`
	OrderRef       string     `json:"order_ref"`
	IdempotencyKey string     `json:"idempotency_key"`
	TableNumber    string     `json:"table_number"`
	Items          []demoItem `json:"items"`
}

var demoMenu = [][]demoItem{
	{{ItemCode: "burger", Name: "Classic Burger", Qty: 2}, {ItemCode: "fries", Name: "Fries", Qty: 2}},
	{{ItemCode: "ribeye", Name: "Ribeye", Qty: 1, Notes: "medium rare"}, {ItemCode: "mojito", Name: "Mojito", Qty: 2}},
	{{ItemCode: "caesar", Name: "Caesar Salad", Qty: 1}, {ItemCode: "lemonade", Name: "Lemonade", Qty: 1}},
	{{ItemCode: "pizza", Name: "Margherita", Qty: 1}, {ItemCode: "tiramisu", Name: "Tiramisu", Qty: 2}},
}

func NewSeedDemoCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SeedDemoOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "seed-demo",
		Short: "Create demo tickets through the HTTP API",
		Long: `Create a set of demo tickets so displays have something to show.

Tickets carry a fixed idempotency key, so running the command twice
creates nothing new.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeedDemo(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Branch, "branch", "demo", "branch to seed")
	cmd.Flags().IntVar(&opts.Tickets, "tickets", 8, "number of tickets")

	return cmd
}

func demoTickets(branch string, n int) []demoTicket {
	out := make([]demoTicket, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, demoTicket{
			Branch:         branch,
			OrderRef:       fmt.Sprintf("DEMO-%03d", i+1),
			IdempotencyKey: fmt.Sprintf("demo-%s-%d", branch, i+1),
			TableNumber:    fmt.Sprintf("%d", i%12+1),
			Items:          demoMenu[i%len(demoMenu)],
		})
	}
	return out
}

func runSeedDemo(ctx context.Context, opts *SeedDemoOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Tickets <= 0 {
		return fmt.Errorf("invalid --tickets %d: must be positive", opts.Tickets)
	}
	logger := opts.logger()
	client := newAPIClient(opts.HTTPAddr, opts.Token)

	for _, t := range demoTickets(opts.Branch, opts.Tickets) {
		var created struct {
			ID string `json:"id"`
		}
		if err := client.do(ctx, http.MethodPost, "/tickets", t, &created); err != nil {
			return fmt.Errorf("seed %s: %w", t.OrderRef, err)
		}
		logger.Info("demo ticket ready", "order_ref", t.OrderRef, "ticket_id", created.ID)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "seeded %d demo tickets on branch %s\n", opts.Tickets, opts.Branch)
	return nil
}
