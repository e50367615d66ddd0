package kitchen

import (
	"time"

	"github.com/appetiteclub/kds/pkg/enums/kitchenstatus"
	"github.com/appetiteclub/kds/pkg/event"
	"github.com/google/uuid"
)

type TicketID = uuid.UUID
type ItemID = uuid.UUID

// Ticket groups the items of one order destined for preparation. Its state
// is derived from the items and never stored.
type Ticket struct {
	ID             TicketID     `bson:"_id" json:"id"`
	Branch         string       `bson:"branch" json:"branch"`
	OrderRef       string       `bson:"order_ref" json:"order_ref"`
	IdempotencyKey string       `bson:"idempotency_key,omitempty" json:"idempotency_key,omitempty"`
	Items          []TicketItem `bson:"items" json:"items"`

	// Denormalized data for display purposes
	TableNumber string `bson:"table_number,omitempty" json:"table_number,omitempty"`
	Notes       string `bson:"notes,omitempty" json:"notes,omitempty"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`

	ModelVersion int `bson:"model_version" json:"model_version"`
}

// TicketItem is one line of a ticket. Station is resolved at creation and
// never changes afterwards.
type TicketItem struct {
	ID       ItemID `bson:"id" json:"id"`
	ItemCode string `bson:"item_code" json:"item_code"`
	Name     string `bson:"name,omitempty" json:"name,omitempty"`
	Qty      int    `bson:"qty" json:"qty"`
	Station  string `bson:"station" json:"station"`
	State    string `bson:"state" json:"state"`
	Notes    string `bson:"notes,omitempty" json:"notes,omitempty"`

	// LastRequestID is the caller request that produced State, kept to
	// recognise retries.
	LastRequestID string `bson:"last_request_id,omitempty" json:"-"`

	StartedAt *time.Time `bson:"started_at,omitempty" json:"started_at,omitempty"`
	ReadyAt   *time.Time `bson:"ready_at,omitempty" json:"ready_at,omitempty"`
	ServedAt  *time.Time `bson:"served_at,omitempty" json:"served_at,omitempty"`
}

// Status returns the item state as an enum value. Unknown codes read as
// queued so a corrupt record cannot skip the workflow.
func (i TicketItem) Status() kitchenstatus.Status {
	if s := kitchenstatus.ByName(i.State); s != nil {
		return *s
	}
	return kitchenstatus.Statuses.Queued
}

// State derives the ticket state from its items.
func (t *Ticket) State() kitchenstatus.Status {
	return DeriveTicketState(t.Items)
}

// Cancelled reports whether every item of the ticket was cancelled.
func (t *Ticket) Cancelled() bool {
	if len(t.Items) == 0 {
		return false
	}
	for _, it := range t.Items {
		if it.State != kitchenstatus.Statuses.Cancelled.Code() {
			return false
		}
	}
	return true
}

// Item returns the item with id or nil.
func (t *Ticket) Item(id ItemID) *TicketItem {
	for i := range t.Items {
		if t.Items[i].ID == id {
			return &t.Items[i]
		}
	}
	return nil
}

// Clone returns a deep copy that shares nothing with t.
func (t *Ticket) Clone() *Ticket {
	out := *t
	out.Items = make([]TicketItem, len(t.Items))
	for i, it := range t.Items {
		it.StartedAt = copyTime(it.StartedAt)
		it.ReadyAt = copyTime(it.ReadyAt)
		it.ServedAt = copyTime(it.ServedAt)
		out.Items[i] = it
	}
	return &out
}

// View returns the immutable value snapshot sent across component
// boundaries.
func (t *Ticket) View() event.TicketView {
	v := event.TicketView{
		ID:          t.ID.String(),
		Branch:      t.Branch,
		OrderRef:    t.OrderRef,
		TableNumber: t.TableNumber,
		Notes:       t.Notes,
		State:       t.State().Code(),
		Cancelled:   t.Cancelled(),
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		Items:       make([]event.ItemView, len(t.Items)),
	}
	for i, it := range t.Items {
		v.Items[i] = it.View()
	}
	return v
}

func (i TicketItem) View() event.ItemView {
	return event.ItemView{
		ID:        i.ID.String(),
		ItemCode:  i.ItemCode,
		Name:      i.Name,
		Qty:       i.Qty,
		Station:   i.Station,
		State:     i.State,
		Notes:     i.Notes,
		StartedAt: copyTime(i.StartedAt),
		ReadyAt:   copyTime(i.ReadyAt),
		ServedAt:  copyTime(i.ServedAt),
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
