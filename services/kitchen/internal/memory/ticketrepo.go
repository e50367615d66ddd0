// Package memory holds the in-process ticket repository used for local
// development, demos and tests. Data does not survive a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/appetiteclub/kds/services/kitchen/internal/kitchen"
)

type TicketRepo struct {
	mu      sync.RWMutex
	tickets map[kitchen.TicketID]*kitchen.Ticket
	byItem  map[kitchen.ItemID]kitchen.TicketID
	byKey   map[string]kitchen.TicketID
}

func NewTicketRepo() *TicketRepo {
	return &TicketRepo{
		tickets: make(map[kitchen.TicketID]*kitchen.Ticket),
		byItem:  make(map[kitchen.ItemID]kitchen.TicketID),
		byKey:   make(map[string]kitchen.TicketID),
	}
}

func idempotencyKey(branch, key string) string {
	return branch + "\x00" + key
}

func (r *TicketRepo) Create(ctx context.Context, t *kitchen.Ticket) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tickets[t.ID]; ok {
		return fmt.Errorf("%w: %s", kitchen.ErrDuplicateTicket, t.ID)
	}
	if t.IdempotencyKey != "" {
		if _, ok := r.byKey[idempotencyKey(t.Branch, t.IdempotencyKey)]; ok {
			return fmt.Errorf("%w: idempotency key %s", kitchen.ErrDuplicateTicket, t.IdempotencyKey)
		}
	}

	t.ModelVersion = 1
	stored := t.Clone()
	r.tickets[t.ID] = stored
	for _, it := range stored.Items {
		r.byItem[it.ID] = t.ID
	}
	if t.IdempotencyKey != "" {
		r.byKey[idempotencyKey(t.Branch, t.IdempotencyKey)] = t.ID
	}
	return nil
}

// Update replaces the item lines and update time; identity fields are
// immutable.
func (r *TicketRepo) Update(ctx context.Context, t *kitchen.Ticket) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.tickets[t.ID]
	if !ok {
		return kitchen.ErrTicketNotFound
	}
	next := t.Clone()
	stored.Items = next.Items
	stored.UpdatedAt = next.UpdatedAt
	for _, it := range stored.Items {
		r.byItem[it.ID] = t.ID
	}
	return nil
}

func (r *TicketRepo) FindByID(ctx context.Context, id kitchen.TicketID) (*kitchen.Ticket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tickets[id]
	if !ok {
		return nil, kitchen.ErrTicketNotFound
	}
	return t.Clone(), nil
}

func (r *TicketRepo) FindByItemID(ctx context.Context, id kitchen.ItemID) (*kitchen.Ticket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tid, ok := r.byItem[id]
	if !ok {
		return nil, kitchen.ErrItemNotFound
	}
	return r.tickets[tid].Clone(), nil
}

func (r *TicketRepo) FindByIdempotencyKey(ctx context.Context, branch, key string) (*kitchen.Ticket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tid, ok := r.byKey[idempotencyKey(branch, key)]
	if !ok {
		return nil, nil
	}
	return r.tickets[tid].Clone(), nil
}

func (r *TicketRepo) List(ctx context.Context, filter kitchen.TicketFilter) ([]kitchen.Ticket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]kitchen.Ticket, 0, len(r.tickets))
	for _, t := range r.tickets {
		if filter.Match(t) {
			out = append(out, *t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []kitchen.Ticket{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}
