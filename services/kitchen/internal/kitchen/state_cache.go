package kitchen

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/appetiteclub/kds/pkg/enums/kitchenstatus"
	"github.com/appetiteclub/kds/pkg/event"
	"github.com/appetiteclub/kds/pkg/projection"
	"github.com/aquamarinepk/aqm"
)

// StateCache maintains the in-memory board of every branch, indexed by
// station. It is fed by the bus as a synchronous projection, so under the
// bus branch lock it reflects exactly the events published so far; the
// reconciliation snapshot relies on that.
type StateCache struct {
	mu sync.RWMutex
	// tickets indexed by ticket id
	tickets map[string]event.TicketView
	// index by branch -> ticket ids
	byBranch map[string]map[string]struct{}
	// index by branch/station -> ticket ids
	byStation map[event.Topic]map[string]struct{}

	// retain keeps served tickets visible for this long after their last
	// update; Warm and Prune share it.
	retain time.Duration

	repo   TicketRepository
	logger aqm.Logger
}

// NewStateCache creates a new ticket cache. repo is only used to warm it.
func NewStateCache(repo TicketRepository, logger aqm.Logger) *StateCache {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &StateCache{
		tickets:   make(map[string]event.TicketView),
		byBranch:  make(map[string]map[string]struct{}),
		byStation: make(map[event.Topic]map[string]struct{}),
		repo:      repo,
		logger:    logger,
	}
}

// RetainServed sets how long served tickets stay in the cache.
func (c *StateCache) RetainServed(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retain = d
}

// Warm loads tickets from the repository. Served tickets older than the
// retention are left out, as Prune would have dropped them.
func (c *StateCache) Warm(ctx context.Context) error {
	if c.repo == nil {
		c.logger.Info("repository is nil, cache will remain empty")
		return nil
	}

	c.logger.Info("warming cache from repository")

	tickets, err := c.repo.List(ctx, TicketFilter{})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-c.retain)
	var loaded int
	for i := range tickets {
		t := &tickets[i]
		if t.State().Terminal && !t.UpdatedAt.After(cutoff) {
			continue
		}
		c.setLocked(t.View())
		loaded++
	}

	c.logger.Info("cache warmed from repository", "count", loaded)
	return nil
}

// Apply folds a published event into the cache. It implements the bus
// projection contract.
func (c *StateCache) Apply(e event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tickets[e.TicketID]
	if !ok {
		seed, ok := projection.Seed(e)
		if !ok {
			c.logger.Debug("event for unknown ticket ignored", "ticket_id", e.TicketID, "kind", e.Kind)
			return
		}
		t = seed
	}
	c.setLocked(projection.Apply(t, e))
}

// Put replaces a ticket with t. Callers outside the bus projection must
// hold the branch quiesced through Bus.Capture.
func (c *StateCache) Put(t event.TicketView) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(t.Clone())
}

func (c *StateCache) setLocked(t event.TicketView) {
	if old, ok := c.tickets[t.ID]; ok {
		for _, st := range old.Stations() {
			removeFromIndex(c.byStation, event.StationTopic(old.Branch, st), t.ID)
		}
	}

	c.tickets[t.ID] = t

	if c.byBranch[t.Branch] == nil {
		c.byBranch[t.Branch] = make(map[string]struct{})
	}
	c.byBranch[t.Branch][t.ID] = struct{}{}
	for _, st := range t.Stations() {
		addToIndex(c.byStation, event.StationTopic(t.Branch, st), t.ID)
	}
}

func (c *StateCache) removeLocked(id string) {
	t, ok := c.tickets[id]
	if !ok {
		return
	}
	for _, st := range t.Stations() {
		removeFromIndex(c.byStation, event.StationTopic(t.Branch, st), id)
	}
	delete(c.byBranch[t.Branch], id)
	delete(c.tickets, id)
}

// Get retrieves a ticket by id.
func (c *StateCache) Get(id string) (event.TicketView, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tickets[id]
	if !ok {
		return event.TicketView{}, false
	}
	return t.Clone(), true
}

// Tickets returns a copy of every ticket of a branch, oldest first.
func (c *StateCache) Tickets(branch string) []event.TicketView {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := c.byBranch[branch]
	out := make([]event.TicketView, 0, len(ids))
	for id := range ids {
		out = append(out, c.tickets[id].Clone())
	}
	projection.Sort(out)
	return out
}

// ByStation returns the tickets with at least one item at station.
func (c *StateCache) ByStation(branch, station string) []event.TicketView {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := c.byStation[event.StationTopic(branch, station)]
	out := make([]event.TicketView, 0, len(ids))
	for id := range ids {
		out = append(out, c.tickets[id].Clone())
	}
	projection.Sort(out)
	return out
}

// Prune drops the served tickets of branch whose last update is older
// than the retention at now, and returns how many were removed. Run it
// through Bus.Capture so that snapshots see it between two sequences.
func (c *StateCache) Prune(branch string, now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := now.Add(-c.retain)
	var removed []string
	for id := range c.byBranch[branch] {
		t := c.tickets[id]
		if t.State == kitchenstatus.Statuses.Served.Code() && !t.UpdatedAt.After(cutoff) {
			removed = append(removed, id)
		}
	}
	for _, id := range removed {
		c.removeLocked(id)
	}
	if len(removed) > 0 {
		c.logger.Info("removed completed tickets from cache", "branch", branch, "count", len(removed))
	}
	return len(removed)
}

// Branches returns the branches that have tickets in the cache.
func (c *StateCache) Branches() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.byBranch))
	for b, ids := range c.byBranch {
		if len(ids) > 0 {
			out = append(out, b)
		}
	}
	sort.Strings(out)
	return out
}

// Count returns the number of tickets in the cache.
func (c *StateCache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tickets)
}

func addToIndex(index map[event.Topic]map[string]struct{}, key event.Topic, id string) {
	if index[key] == nil {
		index[key] = make(map[string]struct{})
	}
	index[key][id] = struct{}{}
}

func removeFromIndex(index map[event.Topic]map[string]struct{}, key event.Topic, id string) {
	ids := index[key]
	delete(ids, id)
	if len(ids) == 0 {
		delete(index, key)
	}
}
