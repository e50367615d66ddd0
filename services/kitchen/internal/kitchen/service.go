package kitchen

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/appetiteclub/kds/pkg/enums/kitchenstatus"
	"github.com/appetiteclub/kds/pkg/event"
	"github.com/aquamarinepk/aqm"
	"github.com/google/uuid"
)

// Router resolves preparation stations and the topics of an event.
type Router interface {
	ResolveStations(ctx context.Context, itemCode, branch string) ([]string, error)
	Topics(e event.Event) []event.Topic
}

// EventPublisher hands a committed event to the bus, which assigns its
// sequence. Reserve is called before the change is persisted so that a
// persisted change always gets its event; Capture runs fn with the branch
// quiesced.
type EventPublisher interface {
	Reserve(branch string) (release func(), err error)
	Publish(e event.Event) (uint64, error)
	Capture(branch string, fn func(cursor uint64)) error
}

// CacheRepairer takes the persisted view of a ticket whose event could not
// be published, so that snapshots still show it.
type CacheRepairer interface {
	Put(t event.TicketView)
}

// NewTicket is an order entry request.
type NewTicket struct {
	// ID is optional; when set, a second create with the same id fails
	// with ErrDuplicateTicket.
	ID             string          `json:"id,omitempty"`
	Branch         string          `json:"branch"`
	OrderRef       string          `json:"order_ref"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	TableNumber    string          `json:"table_number,omitempty"`
	Notes          string          `json:"notes,omitempty"`
	Items          []NewTicketItem `json:"items"`
}

type NewTicketItem struct {
	ItemCode string `json:"item_code"`
	Name     string `json:"name,omitempty"`
	Qty      int    `json:"qty"`
	Notes    string `json:"notes,omitempty"`
}

// ItemTransition asks to move one item to a new state. RequestID lets a
// caller retry safely after a network failure.
type ItemTransition struct {
	ItemID    string `json:"item_id"`
	To        string `json:"to"`
	RequestID string `json:"request_id,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

// Service is the ticket store adapter. Every successful mutation is
// persisted first and then produces exactly one event; a failed write
// produces none. Mutations of one ticket are serialized.
type Service struct {
	repo     TicketRepository
	router   Router
	bus      EventPublisher
	workflow Workflow
	cache    CacheRepairer
	locks    *lockTable
	now      func() time.Time
	logger   aqm.Logger
}

type ServiceOption func(*Service)

// WithWorkflow replaces the default strict workflow.
func WithWorkflow(w Workflow) ServiceOption {
	return func(s *Service) {
		s.workflow = w
	}
}

// WithCacheRepair sets the snapshot source repaired when a persisted
// change cannot be published.
func WithCacheRepair(c CacheRepairer) ServiceOption {
	return func(s *Service) {
		s.cache = c
	}
}

// WithClock sets the time source, mostly for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

func NewService(repo TicketRepository, router Router, bus EventPublisher, logger aqm.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	s := &Service{
		repo:   repo,
		router: router,
		bus:    bus,
		locks:  newLockTable(),
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateTicket validates, routes and persists a ticket and publishes
// TicketCreated. A repeated idempotency key returns the stored ticket
// without a new event.
func (s *Service) CreateTicket(ctx context.Context, req NewTicket) (*Ticket, error) {
	if err := validateNewTicket(req); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		release := s.locks.Lock("idem:" + req.Branch + "/" + req.IdempotencyKey)
		defer release()

		existing, err := s.repo.FindByIdempotencyKey(ctx, req.Branch, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("cannot check idempotency key: %w", err)
		}
		if existing != nil {
			s.logger.Debug("ticket create replayed", "ticket_id", existing.ID, "idempotency_key", req.IdempotencyKey)
			return existing, nil
		}
	}

	id := uuid.New()
	if req.ID != "" {
		parsed, err := uuid.Parse(req.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: bad id %q", ErrInvalidTicket, req.ID)
		}
		id = parsed
	}

	now := s.now()
	t := &Ticket{
		ID:             id,
		Branch:         req.Branch,
		OrderRef:       req.OrderRef,
		IdempotencyKey: req.IdempotencyKey,
		TableNumber:    req.TableNumber,
		Notes:          req.Notes,
		CreatedAt:      now,
		UpdatedAt:      now,
		Items:          make([]TicketItem, 0, len(req.Items)),
	}

	for _, it := range req.Items {
		stations, err := s.router.ResolveStations(ctx, it.ItemCode, req.Branch)
		if err != nil {
			return nil, fmt.Errorf("%w: cannot route item %s: %w", ErrConfiguration, it.ItemCode, err)
		}
		stations = uniqueStations(stations)
		if len(stations) == 0 {
			return nil, fmt.Errorf("%w: item %s routes to no station", ErrConfiguration, it.ItemCode)
		}
		if len(stations) > 1 {
			s.logger.Debug("item split across stations", "branch", req.Branch, "item_code", it.ItemCode, "stations", stations)
		}
		// One line per station so each screen tracks its own part.
		for _, st := range stations {
			t.Items = append(t.Items, TicketItem{
				ID:       uuid.New(),
				ItemCode: it.ItemCode,
				Name:     it.Name,
				Qty:      it.Qty,
				Station:  st,
				State:    kitchenstatus.Statuses.Queued.Code(),
				Notes:    it.Notes,
			})
		}
	}

	release := s.locks.Lock(t.ID.String())
	defer release()

	claim, err := s.reserve(t.Branch)
	if err != nil {
		return nil, err
	}
	defer claim()

	if err := s.repo.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("cannot create ticket: %w", err)
	}

	view := t.View()
	err = s.publish(t, event.Event{
		Branch:     t.Branch,
		Kind:       event.KindTicketCreated,
		TicketID:   view.ID,
		OccurredAt: now,
		Created:    &event.TicketCreated{Ticket: view},
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("ticket created", "ticket_id", t.ID, "branch", t.Branch, "items", len(t.Items))
	return t.Clone(), nil
}

// SetItemState moves one item through the workflow and publishes
// ItemStateChanged. A retry of the request that already produced the
// current state returns the ticket without a new event.
func (s *Service) SetItemState(ctx context.Context, req ItemTransition) (*Ticket, error) {
	itemID, err := uuid.Parse(req.ItemID)
	if err != nil {
		return nil, fmt.Errorf("%w: bad item id %q", ErrItemNotFound, req.ItemID)
	}
	to := kitchenstatus.ByName(strings.ToLower(strings.TrimSpace(req.To)))
	if to == nil {
		return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, req.To)
	}

	located, err := s.repo.FindByItemID(ctx, itemID)
	if err != nil {
		return nil, err
	}

	release := s.locks.Lock(located.ID.String())
	defer release()

	t, err := s.repo.FindByID(ctx, located.ID)
	if err != nil {
		return nil, err
	}
	item := t.Item(itemID)
	if item == nil {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, req.ItemID)
	}

	if req.RequestID != "" && item.LastRequestID == req.RequestID && item.State == to.Code() {
		return t, nil
	}

	from := item.Status()
	now := s.now()
	if err := s.workflow.Apply(item, *to, now); err != nil {
		return nil, err
	}
	item.LastRequestID = req.RequestID
	if req.Notes != "" {
		item.Notes = req.Notes
	}
	t.UpdatedAt = now

	claim, err := s.reserve(t.Branch)
	if err != nil {
		return nil, err
	}
	defer claim()

	if err := s.repo.Update(ctx, t); err != nil {
		return nil, fmt.Errorf("cannot update ticket: %w", err)
	}

	iv := item.View()
	err = s.publish(t, event.Event{
		Branch:     t.Branch,
		Kind:       event.KindItemStateChanged,
		TicketID:   t.ID.String(),
		OccurredAt: now,
		ItemChanged: &event.ItemStateChanged{
			ItemID:      iv.ID,
			Station:     iv.Station,
			From:        from.Code(),
			To:          iv.State,
			TicketState: t.State().Code(),
			At:          now,
			Notes:       iv.Notes,
			StartedAt:   iv.StartedAt,
			ReadyAt:     iv.ReadyAt,
			ServedAt:    iv.ServedAt,
			OrderRef:    t.OrderRef,
			TableNumber: t.TableNumber,
			ItemCode:    iv.ItemCode,
			ItemName:    iv.Name,
			Qty:         iv.Qty,
		},
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("item state changed", "ticket_id", t.ID, "item_id", item.ID, "from", from.Code(), "to", item.State)
	return t.Clone(), nil
}

// CancelTicket cancels every non terminal item of a ticket and publishes
// one TicketCancelled. A ticket with nothing left to cancel is rejected.
func (s *Service) CancelTicket(ctx context.Context, id TicketID, requestID, reason string) (*Ticket, error) {
	release := s.locks.Lock(id.String())
	defer release()

	t, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	cancelled := kitchenstatus.Statuses.Cancelled
	now := s.now()
	var itemIDs []string
	stations := make(map[string]bool)
	var stationList []string
	replay := false
	for i := range t.Items {
		it := &t.Items[i]
		if requestID != "" && it.LastRequestID == requestID && it.State == cancelled.Code() {
			replay = true
		}
		if it.Status().Terminal {
			continue
		}
		if err := s.workflow.Apply(it, cancelled, now); err != nil {
			return nil, err
		}
		it.LastRequestID = requestID
		itemIDs = append(itemIDs, it.ID.String())
		if !stations[it.Station] {
			stations[it.Station] = true
			stationList = append(stationList, it.Station)
		}
	}

	if len(itemIDs) == 0 {
		if replay {
			return t, nil
		}
		return nil, fmt.Errorf("%w: ticket %s is %s", ErrInvalidTransition, t.ID, t.State().Code())
	}
	t.UpdatedAt = now

	claim, err := s.reserve(t.Branch)
	if err != nil {
		return nil, err
	}
	defer claim()

	if err := s.repo.Update(ctx, t); err != nil {
		return nil, fmt.Errorf("cannot update ticket: %w", err)
	}

	err = s.publish(t, event.Event{
		Branch:     t.Branch,
		Kind:       event.KindTicketCancelled,
		TicketID:   t.ID.String(),
		OccurredAt: now,
		Cancelled: &event.TicketCancelled{
			ItemIDs:     itemIDs,
			Stations:    stationList,
			TicketState: t.State().Code(),
			At:          now,
			Reason:      reason,
		},
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("ticket cancelled", "ticket_id", t.ID, "items", len(itemIDs))
	return t.Clone(), nil
}

func (s *Service) GetTicket(ctx context.Context, id TicketID) (*Ticket, error) {
	return s.repo.FindByID(ctx, id)
}

func (s *Service) ListTickets(ctx context.Context, filter TicketFilter) ([]Ticket, error) {
	return s.repo.List(ctx, filter)
}

// reserve claims the event of a mutation before anything is persisted.
func (s *Service) reserve(branch string) (func(), error) {
	release, err := s.bus.Reserve(branch)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return release, nil
}

// publish stamps the topics and hands the event of the persisted ticket t
// to the bus. With a claim held this only fails on a broken bus; the
// snapshot source is then repaired from t and the caller gets a retryable
// error.
func (s *Service) publish(t *Ticket, e event.Event) error {
	e.Topics = s.router.Topics(e)
	_, err := s.bus.Publish(e)
	if err == nil {
		return nil
	}

	s.logger.Error("cannot publish event of persisted change", "kind", e.Kind, "ticket_id", e.TicketID, "error", err)
	if s.cache != nil {
		view := t.View()
		if cerr := s.bus.Capture(t.Branch, func(uint64) { s.cache.Put(view) }); cerr != nil {
			s.logger.Error("cannot repair ticket cache", "ticket_id", e.TicketID, "error", cerr)
		}
	}
	return fmt.Errorf("%w: %s not published: %w", ErrUnavailable, e.Kind, err)
}

func validateNewTicket(req NewTicket) error {
	var problems []string
	if strings.TrimSpace(req.Branch) == "" {
		problems = append(problems, "branch is required")
	}
	if strings.TrimSpace(req.OrderRef) == "" {
		problems = append(problems, "order_ref is required")
	}
	if len(req.Items) == 0 {
		problems = append(problems, "at least one item is required")
	}
	for i, it := range req.Items {
		if strings.TrimSpace(it.ItemCode) == "" {
			problems = append(problems, fmt.Sprintf("items[%d].item_code is required", i))
		}
		if it.Qty <= 0 {
			problems = append(problems, fmt.Sprintf("items[%d].qty must be positive", i))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTicket, strings.Join(problems, "; "))
	}
	return nil
}

// IsRetryable reports whether a create or transition failure may succeed
// on retry with the same idempotency key or request id.
func IsRetryable(err error) bool {
	return err != nil && !IsValidation(err) && !IsNotFound(err) && !errors.Is(err, ErrDuplicateTicket)
}

func uniqueStations(stations []string) []string {
	out := stations[:0:0]
	seen := make(map[string]bool, len(stations))
	for _, st := range stations {
		if st == "" || seen[st] {
			continue
		}
		seen[st] = true
		out = append(out, st)
	}
	return out
}
