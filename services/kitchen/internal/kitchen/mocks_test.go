package kitchen

import (
	"context"
	"fmt"
	"sync"

	"github.com/appetiteclub/kds/pkg/enums/role"
	"github.com/appetiteclub/kds/pkg/event"
)

// MockTicketRepository is a test mock for TicketRepository. It stores
// copies so callers cannot mutate persisted state behind its back.
type MockTicketRepository struct {
	mu      sync.Mutex
	tickets map[TicketID]*Ticket

	CreateFunc func(ctx context.Context, t *Ticket) error
	UpdateFunc func(ctx context.Context, t *Ticket) error
	ListFunc   func(ctx context.Context, filter TicketFilter) ([]Ticket, error)

	Creates int
	Updates int
}

func NewMockTicketRepository() *MockTicketRepository {
	return &MockTicketRepository{
		tickets: make(map[TicketID]*Ticket),
	}
}

func (m *MockTicketRepository) Create(ctx context.Context, t *Ticket) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, t)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tickets[t.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTicket, t.ID)
	}
	m.tickets[t.ID] = t.Clone()
	m.Creates++
	return nil
}

func (m *MockTicketRepository) Update(ctx context.Context, t *Ticket) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, t)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tickets[t.ID]; !exists {
		return ErrTicketNotFound
	}
	m.tickets[t.ID] = t.Clone()
	m.Updates++
	return nil
}

func (m *MockTicketRepository) FindByID(ctx context.Context, id TicketID) (*Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, exists := m.tickets[id]
	if !exists {
		return nil, ErrTicketNotFound
	}
	return t.Clone(), nil
}

func (m *MockTicketRepository) FindByItemID(ctx context.Context, id ItemID) (*Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tickets {
		if t.Item(id) != nil {
			return t.Clone(), nil
		}
	}
	return nil, ErrItemNotFound
}

func (m *MockTicketRepository) FindByIdempotencyKey(ctx context.Context, branch, key string) (*Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tickets {
		if t.Branch == branch && t.IdempotencyKey == key {
			return t.Clone(), nil
		}
	}
	return nil, nil
}

func (m *MockTicketRepository) List(ctx context.Context, filter TicketFilter) ([]Ticket, error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx, filter)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]Ticket, 0, len(m.tickets))
	for _, t := range m.tickets {
		if filter.Match(t) {
			result = append(result, *t.Clone())
		}
	}
	return result, nil
}

// AddTicket is a helper to seed the mock repository
func (m *MockTicketRepository) AddTicket(t *Ticket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickets[t.ID] = t.Clone()
}

// MockRouter maps item codes to stations and targets every role.
type MockRouter struct {
	Stations map[string]string
	// Multi maps item codes prepared at several stations.
	Multi map[string][]string
	Err   error
}

func (m *MockRouter) ResolveStations(ctx context.Context, itemCode, branch string) ([]string, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	if sts, ok := m.Multi[itemCode]; ok {
		return sts, nil
	}
	if st, ok := m.Stations[itemCode]; ok {
		return []string{st}, nil
	}
	return []string{"other"}, nil
}

func (m *MockRouter) Topics(e event.Event) []event.Topic {
	var out []event.Topic
	for _, st := range e.Stations() {
		out = append(out, event.StationTopic(e.Branch, st))
	}
	for _, r := range role.All {
		out = append(out, event.RoleTopic(e.Branch, r))
	}
	return event.NormalizeTopics(out)
}

// MockBus records published events and assigns sequences like the real
// bus does.
type MockBus struct {
	mu     sync.Mutex
	Events []event.Event
	Cache  *StateCache
	Err    error
	// ReserveErr fails Reserve; Err fails Publish.
	ReserveErr error

	Reserved int
	Released int
	Captures int
}

func (m *MockBus) Reserve(branch string) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReserveErr != nil {
		return nil, m.ReserveErr
	}
	m.Reserved++
	return func() {
		m.mu.Lock()
		m.Released++
		m.mu.Unlock()
	}, nil
}

func (m *MockBus) Capture(branch string, fn func(cursor uint64)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Captures++
	fn(uint64(len(m.Events)))
	return nil
}

func (m *MockBus) Publish(e event.Event) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	e.Sequence = uint64(len(m.Events) + 1)
	m.Events = append(m.Events, e)
	if m.Cache != nil {
		m.Cache.Apply(e)
	}
	return e.Sequence, nil
}

func (m *MockBus) Published() []event.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]event.Event, len(m.Events))
	copy(out, m.Events)
	return out
}
