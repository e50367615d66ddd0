package kitchen

import "context"

type TicketFilter struct {
	Branch  *string
	Station *string
	State   *string
	Limit   int
	Offset  int
}

// TicketRepository persists tickets. Implementations return
// ErrTicketNotFound or ErrItemNotFound for unknown ids and
// ErrDuplicateTicket when a ticket id or idempotency key already exists.
// FindByIdempotencyKey returns nil without error when the key is unused.
type TicketRepository interface {
	Create(ctx context.Context, t *Ticket) error
	Update(ctx context.Context, t *Ticket) error
	FindByID(ctx context.Context, id TicketID) (*Ticket, error)
	FindByItemID(ctx context.Context, id ItemID) (*Ticket, error)
	FindByIdempotencyKey(ctx context.Context, branch, key string) (*Ticket, error)
	List(ctx context.Context, filter TicketFilter) ([]Ticket, error)
}

// Match reports whether t passes the filter. Station and State match when
// any item has them.
func (f TicketFilter) Match(t *Ticket) bool {
	if f.Branch != nil && t.Branch != *f.Branch {
		return false
	}
	if f.Station == nil && f.State == nil {
		return true
	}
	for _, it := range t.Items {
		if f.Station != nil && it.Station != *f.Station {
			continue
		}
		if f.State != nil && it.State != *f.State {
			continue
		}
		return true
	}
	return false
}
