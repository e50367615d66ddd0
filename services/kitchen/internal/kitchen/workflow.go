package kitchen

import (
	"fmt"
	"time"

	"github.com/appetiteclub/kds/pkg/enums/kitchenstatus"
)

// Workflow validates item transitions. The zero value enforces strict
// linear advance: queued, preparing, ready, served. FastPath allows forward
// skips such as queued to ready.
type Workflow struct {
	FastPath bool
}

// Validate checks a transition without applying it. Any request on a
// terminal item fails, including a request for the state it is already in.
func (w Workflow) Validate(from, to kitchenstatus.Status) error {
	if from.Terminal {
		return fmt.Errorf("%w: item is %s", ErrInvalidTransition, from.Code())
	}
	if to == kitchenstatus.Statuses.Cancelled {
		return nil
	}
	if !from.Before(to) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from.Code(), to.Code())
	}
	if !w.FastPath && to.Rank != from.Rank+1 {
		return fmt.Errorf("%w: %s to %s skips a state", ErrInvalidTransition, from.Code(), to.Code())
	}
	return nil
}

// Apply validates and applies a transition to item, stamping the timestamp
// that belongs to the new state. item is left untouched on error.
func (w Workflow) Apply(item *TicketItem, to kitchenstatus.Status, now time.Time) error {
	if err := w.Validate(item.Status(), to); err != nil {
		return err
	}

	item.State = to.Code()
	switch to {
	case kitchenstatus.Statuses.Preparing:
		item.StartedAt = stamp(now)
	case kitchenstatus.Statuses.Ready:
		if item.StartedAt == nil {
			item.StartedAt = stamp(now)
		}
		item.ReadyAt = stamp(now)
	case kitchenstatus.Statuses.Served:
		if item.ReadyAt == nil {
			item.ReadyAt = stamp(now)
		}
		item.ServedAt = stamp(now)
	}
	return nil
}

// DeriveTicketState computes the ticket state from its items. A ticket
// whose items were all cancelled is served; Ticket.Cancelled tells the two
// apart.
//
//	served     every item is served or cancelled
//	preparing  any item is preparing
//	ready      every non cancelled item is ready or later
//	queued     otherwise
func DeriveTicketState(items []TicketItem) kitchenstatus.Status {
	st := kitchenstatus.Statuses
	if len(items) == 0 {
		return st.Queued
	}

	var cancelled, served, ready, preparing int
	for _, it := range items {
		switch it.Status() {
		case st.Cancelled:
			cancelled++
		case st.Served:
			served++
		case st.Ready:
			ready++
		case st.Preparing:
			preparing++
		}
	}

	switch {
	case served+cancelled == len(items):
		return st.Served
	case preparing > 0:
		return st.Preparing
	case ready+served+cancelled == len(items):
		return st.Ready
	default:
		return st.Queued
	}
}

func stamp(t time.Time) *time.Time {
	return &t
}
