// Package projection holds the pure folds that turn a snapshot plus the
// live event stream into the views display surfaces render. None of the
// functions here keep state of their own; Board is the only accumulator and
// it belongs to whoever created it.
package projection

import (
	"sort"

	"github.com/appetiteclub/kds/pkg/enums/kitchenstatus"
	"github.com/appetiteclub/kds/pkg/event"
)

// Apply folds one event into a ticket and returns the new value. Events
// about other tickets return t unchanged.
func Apply(t event.TicketView, e event.Event) event.TicketView {
	if e.TicketID != t.ID {
		return t
	}

	switch {
	case e.Created != nil:
		return e.Created.Ticket.Clone()

	case e.ItemChanged != nil:
		ch := e.ItemChanged
		out := t.Clone()
		idx := -1
		for i := range out.Items {
			if out.Items[i].ID == ch.ItemID {
				idx = i
				break
			}
		}
		if idx < 0 {
			out.Items = append(out.Items, event.ItemView{
				ID:       ch.ItemID,
				ItemCode: ch.ItemCode,
				Name:     ch.ItemName,
				Qty:      ch.Qty,
				Station:  ch.Station,
			})
			idx = len(out.Items) - 1
		}
		item := &out.Items[idx]
		item.State = ch.To
		if ch.Notes != "" {
			item.Notes = ch.Notes
		}
		item.StartedAt = ch.StartedAt
		item.ReadyAt = ch.ReadyAt
		item.ServedAt = ch.ServedAt
		out.State = ch.TicketState
		out.Cancelled = out.AllCancelled()
		out.UpdatedAt = ch.At
		return out

	case e.Cancelled != nil:
		cancelled := make(map[string]bool, len(e.Cancelled.ItemIDs))
		for _, id := range e.Cancelled.ItemIDs {
			cancelled[id] = true
		}
		out := t.Clone()
		for i := range out.Items {
			if cancelled[out.Items[i].ID] {
				out.Items[i].State = kitchenstatus.Statuses.Cancelled.Code()
			}
		}
		out.State = e.Cancelled.TicketState
		out.Cancelled = out.AllCancelled()
		out.UpdatedAt = e.Cancelled.At
		return out
	}
	return t
}

// Seed builds the minimal ticket a consumer can start from when it sees an
// item change for a ticket it never received.
func Seed(e event.Event) (event.TicketView, bool) {
	switch {
	case e.Created != nil:
		return e.Created.Ticket.Clone(), true
	case e.ItemChanged != nil:
		return event.TicketView{
			ID:          e.TicketID,
			Branch:      e.Branch,
			OrderRef:    e.ItemChanged.OrderRef,
			TableNumber: e.ItemChanged.TableNumber,
			CreatedAt:   e.OccurredAt,
		}, true
	}
	return event.TicketView{}, false
}

// Sort orders tickets oldest first, breaking ties by id so that equal
// states always render and hash the same way.
func Sort(tickets []event.TicketView) {
	sort.Slice(tickets, func(i, j int) bool {
		if !tickets[i].CreatedAt.Equal(tickets[j].CreatedAt) {
			return tickets[i].CreatedAt.Before(tickets[j].CreatedAt)
		}
		return tickets[i].ID < tickets[j].ID
	})
}
