package event

import "time"

const (
	OrderTicketsTopic         = "orders.tickets"
	EventOrderTicketRequested = "order.ticket.requested"
	EventOrderItemAdvanced    = "order.item.advanced"
	EventOrderTicketVoided    = "order.ticket.voided"
)

// OrderTicketCommand is published by POS order entry. The kitchen service
// consumes it to create tickets or move items; IdempotencyKey makes
// redelivery safe.
type OrderTicketCommand struct {
	EventType      string    `json:"event_type"`
	OccurredAt     time.Time `json:"occurred_at"`
	IdempotencyKey string    `json:"idempotency_key"`
	Branch         string    `json:"branch"`
	OrderRef       string    `json:"order_ref,omitempty"`
	TableNumber    string    `json:"table_number,omitempty"`
	Notes          string    `json:"notes,omitempty"`

	Items []OrderTicketItem `json:"items,omitempty"`

	// Set for advance and void commands.
	TicketID string `json:"ticket_id,omitempty"`
	ItemID   string `json:"item_id,omitempty"`
	NewState string `json:"new_state,omitempty"`
}

// OrderTicketItem is one requested line.
type OrderTicketItem struct {
	ItemCode string `json:"item_code"`
	Name     string `json:"name,omitempty"`
	Qty      int    `json:"qty"`
	Notes    string `json:"notes,omitempty"`
}
