package kitchen

import (
	"context"
	"fmt"

	"github.com/aquamarinepk/aqm"
	"github.com/aquamarinepk/aqm/seed"
	"go.mongodb.org/mongo-driver/mongo"
)

var demoOrders = []NewTicket{
	{OrderRef: "DEMO-1", TableNumber: "4", Items: []NewTicketItem{
		{ItemCode: "burger", Name: "Classic Burger", Qty: 2},
		{ItemCode: "fries", Name: "Fries", Qty: 1},
		{ItemCode: "mojito", Name: "Mojito", Qty: 2},
	}},
	{OrderRef: "DEMO-2", TableNumber: "7", Items: []NewTicketItem{
		{ItemCode: "caesar", Name: "Caesar Salad", Qty: 1, Notes: "no croutons"},
		{ItemCode: "lemonade", Name: "Lemonade", Qty: 1},
	}},
	{OrderRef: "DEMO-3", TableNumber: "2", Items: []NewTicketItem{
		{ItemCode: "ribeye", Name: "Ribeye", Qty: 1, Notes: "medium rare"},
		{ItemCode: "brownie", Name: "Brownie", Qty: 1},
	}},
}

// Seeds returns the demo seeds for a branch. Tickets go through the
// service so displays see them as regular creation events.
func Seeds(svc *Service, branch string) []seed.Seed {
	return []seed.Seed{
		{
			ID:          "demo_tickets_" + branch + "_v1",
			Description: "Create demo kitchen tickets on branch " + branch,
			Run: func(ctx context.Context) error {
				return seedDemoTickets(ctx, svc, branch)
			},
		},
	}
}

func seedDemoTickets(ctx context.Context, svc *Service, branch string) error {
	for i, order := range demoOrders {
		order.Branch = branch
		order.IdempotencyKey = fmt.Sprintf("seed-%s-%d", branch, i+1)
		if _, err := svc.CreateTicket(ctx, order); err != nil {
			return fmt.Errorf("cannot seed %s: %w", order.OrderRef, err)
		}
	}
	return nil
}

// ApplyDemoSeeds creates the demo tickets when seed.demo.enabled is true.
// With a database the applied seeds are tracked there; without one the
// idempotency keys keep a rerun from duplicating tickets.
func ApplyDemoSeeds(ctx context.Context, config *aqm.Config, svc *Service, db *mongo.Database, logger aqm.Logger) error {
	enabled, _ := config.GetString("seed.demo.enabled")
	if enabled != "true" {
		return nil
	}
	branch := config.GetStringOrDef("seed.demo.branch", "demo")

	logger.Info("Demo seeding enabled, applying demo kitchen tickets...", "branch", branch)
	seeds := Seeds(svc, branch)

	if db != nil {
		if err := seed.Apply(ctx, seed.NewMongoTracker(db), seeds, "kitchen"); err != nil {
			return fmt.Errorf("demo seed failed: %w", err)
		}
	} else {
		for _, s := range seeds {
			if err := s.Run(ctx); err != nil {
				return fmt.Errorf("demo seed failed: %w", err)
			}
		}
	}

	logger.Info("Demo kitchen tickets seeded successfully")
	return nil
}
