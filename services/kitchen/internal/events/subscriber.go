package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/appetiteclub/kds/pkg/event"
	"github.com/appetiteclub/kds/services/kitchen/internal/kitchen"
	"github.com/aquamarinepk/aqm"
	"github.com/aquamarinepk/aqm/events"
	"github.com/google/uuid"
)

// TicketCommands is the part of the ticket store the order feed drives.
type TicketCommands interface {
	CreateTicket(ctx context.Context, req kitchen.NewTicket) (*kitchen.Ticket, error)
	SetItemState(ctx context.Context, req kitchen.ItemTransition) (*kitchen.Ticket, error)
	CancelTicket(ctx context.Context, id kitchen.TicketID, requestID, reason string) (*kitchen.Ticket, error)
}

// OrderSubscriber turns POS order commands into ticket mutations. The
// idempotency key of a command is passed down, so redelivery creates no
// second ticket and no second event.
type OrderSubscriber struct {
	subscriber events.Subscriber
	tickets    TicketCommands
	logger     aqm.Logger
}

func NewOrderSubscriber(subscriber events.Subscriber, tickets TicketCommands, logger aqm.Logger) *OrderSubscriber {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &OrderSubscriber{
		subscriber: subscriber,
		tickets:    tickets,
		logger:     logger,
	}
}

func (s *OrderSubscriber) Start(ctx context.Context) error {
	if err := s.subscriber.Subscribe(ctx, event.OrderTicketsTopic, s.handleCommand); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", event.OrderTicketsTopic, err)
	}
	s.logger.Info("order subscriber started", "topic", event.OrderTicketsTopic)
	return nil
}

func (s *OrderSubscriber) Stop(ctx context.Context) error {
	return nil
}

// handleCommand returns an error only for failures a redelivery may fix;
// malformed or rejected commands are logged and dropped.
func (s *OrderSubscriber) handleCommand(ctx context.Context, msg []byte) error {
	var cmd event.OrderTicketCommand
	if err := json.Unmarshal(msg, &cmd); err != nil {
		s.logger.Error("cannot decode order command", "error", err)
		return nil
	}

	var err error
	switch cmd.EventType {
	case event.EventOrderTicketRequested:
		err = s.handleRequested(ctx, cmd)
	case event.EventOrderItemAdvanced:
		err = s.handleAdvanced(ctx, cmd)
	case event.EventOrderTicketVoided:
		err = s.handleVoided(ctx, cmd)
	default:
		s.logger.Info("unknown order command", "event_type", cmd.EventType)
		return nil
	}

	if err == nil {
		return nil
	}
	if kitchen.IsRetryable(err) {
		return err
	}
	s.logger.Error("order command rejected", "event_type", cmd.EventType, "idempotency_key", cmd.IdempotencyKey, "error", err)
	return nil
}

func (s *OrderSubscriber) handleRequested(ctx context.Context, cmd event.OrderTicketCommand) error {
	req := kitchen.NewTicket{
		Branch:         cmd.Branch,
		OrderRef:       cmd.OrderRef,
		IdempotencyKey: cmd.IdempotencyKey,
		TableNumber:    cmd.TableNumber,
		Notes:          cmd.Notes,
	}
	for _, it := range cmd.Items {
		req.Items = append(req.Items, kitchen.NewTicketItem{
			ItemCode: it.ItemCode,
			Name:     it.Name,
			Qty:      it.Qty,
			Notes:    it.Notes,
		})
	}

	t, err := s.tickets.CreateTicket(ctx, req)
	if err != nil {
		return err
	}
	s.logger.Debug("ticket created from order", "ticket_id", t.ID, "order_ref", cmd.OrderRef)
	return nil
}

func (s *OrderSubscriber) handleAdvanced(ctx context.Context, cmd event.OrderTicketCommand) error {
	_, err := s.tickets.SetItemState(ctx, kitchen.ItemTransition{
		ItemID:    cmd.ItemID,
		To:        cmd.NewState,
		RequestID: cmd.IdempotencyKey,
		Notes:     cmd.Notes,
	})
	return err
}

func (s *OrderSubscriber) handleVoided(ctx context.Context, cmd event.OrderTicketCommand) error {
	id, err := uuid.Parse(cmd.TicketID)
	if err != nil {
		return fmt.Errorf("%w: bad ticket id %q", kitchen.ErrTicketNotFound, cmd.TicketID)
	}
	_, err = s.tickets.CancelTicket(ctx, id, cmd.IdempotencyKey, cmd.Notes)
	return err
}
