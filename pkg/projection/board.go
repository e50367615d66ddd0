package projection

import (
	"sort"

	"github.com/appetiteclub/kds/pkg/enums/kitchenstatus"
	"github.com/appetiteclub/kds/pkg/event"
)

// Board is a consumer's merged view: the snapshot it started from plus
// every live event applied in order. Events at or below Cursor are
// ignored, which is what makes a resumed stream safe to apply.
//
// A Board is not safe for concurrent use.
type Board struct {
	Cursor  uint64
	tickets map[string]event.TicketView
}

// NewBoard starts a board from a snapshot taken at cursor.
func NewBoard(snapshot []event.TicketView, cursor uint64) *Board {
	b := &Board{Cursor: cursor, tickets: make(map[string]event.TicketView, len(snapshot))}
	for _, t := range snapshot {
		b.tickets[t.ID] = t.Clone()
	}
	return b
}

// Apply folds e into the board. It returns false for events already
// reflected (sequence at or below the cursor).
func (b *Board) Apply(e event.Event) bool {
	if e.Sequence <= b.Cursor {
		return false
	}
	b.Cursor = e.Sequence

	t, ok := b.tickets[e.TicketID]
	if !ok {
		seed, ok := Seed(e)
		if !ok {
			return true
		}
		t = seed
	}
	b.tickets[e.TicketID] = Apply(t, e)
	return true
}

// Get returns one ticket.
func (b *Board) Get(id string) (event.TicketView, bool) {
	t, ok := b.tickets[id]
	return t, ok
}

// Len returns the number of tickets on the board.
func (b *Board) Len() int {
	return len(b.tickets)
}

// Tickets returns the board content oldest first.
func (b *Board) Tickets() []event.TicketView {
	out := make([]event.TicketView, 0, len(b.tickets))
	for _, t := range b.tickets {
		out = append(out, t.Clone())
	}
	Sort(out)
	return out
}

// Active returns tickets that still have work pending.
func (b *Board) Active() []event.TicketView {
	var out []event.TicketView
	for _, t := range b.Tickets() {
		if t.State == kitchenstatus.Statuses.Served.Code() {
			continue
		}
		out = append(out, t)
	}
	return out
}

// ByStation groups item lines under their station, as a station screen
// shows them. Each entry keeps only that station's items.
func ByStation(tickets []event.TicketView) map[string][]event.TicketView {
	out := make(map[string][]event.TicketView)
	for _, t := range tickets {
		for _, st := range t.Stations() {
			v, ok := ForTopics(t, []event.Topic{event.StationTopic(t.Branch, st)})
			if ok {
				out[st] = append(out[st], v)
			}
		}
	}
	return out
}

// ByState groups tickets by their derived state, as the waiter console
// columns show them.
func ByState(tickets []event.TicketView) map[string][]event.TicketView {
	out := make(map[string][]event.TicketView)
	for _, t := range tickets {
		out[t.State] = append(out[t.State], t)
	}
	return out
}

// OrderSummary collapses all tickets of one order into the single line a
// customer display shows.
type OrderSummary struct {
	OrderRef    string   `json:"order_ref"`
	TableNumber string   `json:"table_number,omitempty"`
	State       string   `json:"state"`
	Items       int      `json:"items"`
	ReadyItems  int      `json:"ready_items"`
	TicketIDs   []string `json:"ticket_ids"`
	// Cancelled is set when every item of the order was cancelled.
	Cancelled bool `json:"cancelled,omitempty"`
}

// Summaries folds tickets into one summary per order, most recently
// updated first.
func Summaries(tickets []event.TicketView) []OrderSummary {
	type acc struct {
		sum     OrderSummary
		updated int64
		lowest  kitchenstatus.Status
		pending bool
	}
	byOrder := make(map[string]*acc)
	var order []string
	for _, t := range tickets {
		a := byOrder[t.OrderRef]
		if a == nil {
			a = &acc{sum: OrderSummary{OrderRef: t.OrderRef, TableNumber: t.TableNumber}}
			byOrder[t.OrderRef] = a
			order = append(order, t.OrderRef)
		}
		a.sum.TicketIDs = append(a.sum.TicketIDs, t.ID)
		if u := t.UpdatedAt.UnixNano(); u > a.updated {
			a.updated = u
		}
		for _, it := range t.Items {
			st := kitchenstatus.ByName(it.State)
			if st == nil || *st == kitchenstatus.Statuses.Cancelled {
				continue
			}
			a.sum.Items++
			if !st.Before(kitchenstatus.Statuses.Ready) {
				a.sum.ReadyItems++
			}
			if !a.pending || st.Before(a.lowest) {
				a.lowest = *st
				a.pending = true
			}
		}
	}

	out := make([]OrderSummary, 0, len(order))
	updated := make(map[string]int64, len(order))
	for _, ref := range order {
		a := byOrder[ref]
		if a.pending {
			a.sum.State = a.lowest.Code()
		} else {
			a.sum.State = kitchenstatus.Statuses.Served.Code()
			a.sum.Cancelled = true
		}
		updated[ref] = a.updated
		out = append(out, a.sum)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return updated[out[i].OrderRef] > updated[out[j].OrderRef]
	})
	return out
}

// CurrentOrder returns the most recently updated order that has not been
// fully served, which is what the customer-facing display highlights.
func CurrentOrder(tickets []event.TicketView) (OrderSummary, bool) {
	for _, s := range Summaries(tickets) {
		if s.State != kitchenstatus.Statuses.Served.Code() {
			return s, true
		}
	}
	return OrderSummary{}, false
}
