package projection

import "github.com/appetiteclub/kds/pkg/event"

// ForTopics narrows a ticket to what a subscriber of topics may see. Any
// role topic in the same branch sees the whole ticket; station topics see
// only the items routed to them. The second result is false when nothing
// is visible.
func ForTopics(t event.TicketView, topics []event.Topic) (event.TicketView, bool) {
	stations := make(map[string]bool, len(topics))
	for _, tp := range topics {
		if tp.Branch != t.Branch {
			continue
		}
		if tp.IsRole() {
			return t, true
		}
		stations[tp.Scope] = true
	}
	if len(stations) == 0 {
		return event.TicketView{}, false
	}

	out := t
	out.Items = nil
	for _, it := range t.Items {
		if stations[it.Station] {
			out.Items = append(out.Items, it)
		}
	}
	if len(out.Items) == 0 {
		return event.TicketView{}, false
	}
	return out, true
}

// EventForTopics narrows an event for delivery to a subscriber of topics.
// Only ticket creation carries item lines that need trimming; other kinds
// are returned as they are when any of their topics match.
func EventForTopics(e event.Event, topics []event.Topic) (event.Event, bool) {
	if !Matches(e, topics) {
		return event.Event{}, false
	}
	if e.Created == nil {
		return e, true
	}
	t, ok := ForTopics(e.Created.Ticket, topics)
	if !ok {
		return event.Event{}, false
	}
	out := e
	out.Created = &event.TicketCreated{Ticket: t}
	return out, true
}

// Matches reports whether any of the event topics is in topics.
func Matches(e event.Event, topics []event.Topic) bool {
	for _, et := range e.Topics {
		for _, t := range topics {
			if et == t {
				return true
			}
		}
	}
	return false
}
