package event

import "time"

const (
	// KitchenTicketsTopic is the NATS subject prefix used by the relay; the
	// branch is appended as the last token.
	KitchenTicketsTopic = "kitchen.tickets"
)

// Kind identifies the shape of an event payload.
type Kind string

const (
	KindTicketCreated    Kind = "ticket.created"
	KindItemStateChanged Kind = "ticket.item_state_changed"
	KindTicketCancelled  Kind = "ticket.cancelled"
)

// Event is an immutable fact describing a committed change. Sequence is
// assigned by the bus at publish time and is the ordering key within a
// branch. Exactly one of the payload fields is set, matching Kind.
type Event struct {
	Sequence   uint64    `json:"sequence" cbor:"1,keyasint"`
	Branch     string    `json:"branch" cbor:"2,keyasint"`
	Kind       Kind      `json:"kind" cbor:"3,keyasint"`
	TicketID   string    `json:"ticket_id" cbor:"4,keyasint"`
	OccurredAt time.Time `json:"occurred_at" cbor:"5,keyasint"`
	Topics     []Topic   `json:"topics" cbor:"6,keyasint"`

	Created     *TicketCreated    `json:"created,omitempty" cbor:"7,keyasint,omitempty"`
	ItemChanged *ItemStateChanged `json:"item_changed,omitempty" cbor:"8,keyasint,omitempty"`
	Cancelled   *TicketCancelled  `json:"cancelled,omitempty" cbor:"9,keyasint,omitempty"`
}

// TicketCreated carries the full ticket as committed.
type TicketCreated struct {
	Ticket TicketView `json:"ticket" cbor:"1,keyasint"`
}

// ItemStateChanged describes one item transition and the ticket state
// derived after it.
type ItemStateChanged struct {
	ItemID      string     `json:"item_id" cbor:"1,keyasint"`
	Station     string     `json:"station" cbor:"2,keyasint"`
	From        string     `json:"from" cbor:"3,keyasint"`
	To          string     `json:"to" cbor:"4,keyasint"`
	TicketState string     `json:"ticket_state" cbor:"5,keyasint"`
	At          time.Time  `json:"at" cbor:"6,keyasint"`
	Notes       string     `json:"notes,omitempty" cbor:"7,keyasint,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty" cbor:"8,keyasint,omitempty"`
	ReadyAt     *time.Time `json:"ready_at,omitempty" cbor:"9,keyasint,omitempty"`
	ServedAt    *time.Time `json:"served_at,omitempty" cbor:"10,keyasint,omitempty"`

	// Denormalized so a consumer that missed the creation can still show
	// the line.
	OrderRef    string `json:"order_ref,omitempty" cbor:"11,keyasint,omitempty"`
	TableNumber string `json:"table_number,omitempty" cbor:"12,keyasint,omitempty"`
	ItemCode    string `json:"item_code,omitempty" cbor:"13,keyasint,omitempty"`
	ItemName    string `json:"item_name,omitempty" cbor:"14,keyasint,omitempty"`
	Qty         int    `json:"qty,omitempty" cbor:"15,keyasint,omitempty"`
}

// TicketCancelled lists the items moved to cancelled by a whole-ticket
// cancellation.
type TicketCancelled struct {
	ItemIDs     []string  `json:"item_ids" cbor:"1,keyasint"`
	Stations    []string  `json:"stations" cbor:"2,keyasint"`
	TicketState string    `json:"ticket_state" cbor:"3,keyasint"`
	At          time.Time `json:"at" cbor:"4,keyasint"`
	Reason      string    `json:"reason,omitempty" cbor:"5,keyasint,omitempty"`
}

// TicketView is the value snapshot of a ticket that crosses component
// boundaries and is sent to display surfaces.
type TicketView struct {
	ID          string     `json:"id" cbor:"1,keyasint"`
	Branch      string     `json:"branch" cbor:"2,keyasint"`
	OrderRef    string     `json:"order_ref" cbor:"3,keyasint"`
	TableNumber string     `json:"table_number,omitempty" cbor:"4,keyasint,omitempty"`
	Notes       string     `json:"notes,omitempty" cbor:"5,keyasint,omitempty"`
	State       string     `json:"state" cbor:"6,keyasint"`
	CreatedAt   time.Time  `json:"created_at" cbor:"7,keyasint"`
	UpdatedAt   time.Time  `json:"updated_at" cbor:"8,keyasint"`
	Items       []ItemView `json:"items" cbor:"9,keyasint"`
	// Cancelled marks a ticket whose items were all cancelled; its State
	// is served.
	Cancelled bool `json:"cancelled,omitempty" cbor:"10,keyasint,omitempty"`
}

// ItemView is one line of a TicketView.
type ItemView struct {
	ID        string     `json:"id" cbor:"1,keyasint"`
	ItemCode  string     `json:"item_code" cbor:"2,keyasint"`
	Name      string     `json:"name,omitempty" cbor:"3,keyasint,omitempty"`
	Qty       int        `json:"qty" cbor:"4,keyasint"`
	Station   string     `json:"station" cbor:"5,keyasint"`
	State     string     `json:"state" cbor:"6,keyasint"`
	Notes     string     `json:"notes,omitempty" cbor:"7,keyasint,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty" cbor:"8,keyasint,omitempty"`
	ReadyAt   *time.Time `json:"ready_at,omitempty" cbor:"9,keyasint,omitempty"`
	ServedAt  *time.Time `json:"served_at,omitempty" cbor:"10,keyasint,omitempty"`
}

// Clone returns a deep copy so callers can mutate the result freely.
func (t TicketView) Clone() TicketView {
	out := t
	out.Items = make([]ItemView, len(t.Items))
	copy(out.Items, t.Items)
	return out
}

// AllCancelled reports whether the ticket has items and all of them are
// cancelled.
func (t TicketView) AllCancelled() bool {
	if len(t.Items) == 0 {
		return false
	}
	for _, it := range t.Items {
		if it.State != "cancelled" {
			return false
		}
	}
	return true
}

// Stations returns the distinct stations of the ticket's items in item order.
func (t TicketView) Stations() []string {
	seen := make(map[string]bool, len(t.Items))
	var out []string
	for _, it := range t.Items {
		if !seen[it.Station] {
			seen[it.Station] = true
			out = append(out, it.Station)
		}
	}
	return out
}

// Stations returns the stations the event touches.
func (e Event) Stations() []string {
	switch {
	case e.Created != nil:
		return e.Created.Ticket.Stations()
	case e.ItemChanged != nil:
		return []string{e.ItemChanged.Station}
	case e.Cancelled != nil:
		return e.Cancelled.Stations
	}
	return nil
}

// HasTopic reports whether the event was routed to t.
func (e Event) HasTopic(t Topic) bool {
	for _, et := range e.Topics {
		if et == t {
			return true
		}
	}
	return false
}
