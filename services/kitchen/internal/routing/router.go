package routing

import (
	"context"
	"errors"
	"fmt"

	"github.com/appetiteclub/kds/pkg/enums/role"
	"github.com/appetiteclub/kds/pkg/enums/station"
	"github.com/appetiteclub/kds/pkg/event"
	"github.com/aquamarinepk/aqm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrUnroutable means an item has no station and no default is configured.
var ErrUnroutable = errors.New("item cannot be routed to any station")

// RoleRoutes lists the role topics each event kind targets in addition to
// the stations of the items it references.
type RoleRoutes map[event.Kind][]role.Role

// MinimalRoleRoutes is the narrowest routing display surfaces accept:
// item changes reach waiters and customer displays, new tickets reach
// the cashier.
func MinimalRoleRoutes() RoleRoutes {
	r := role.Roles
	return RoleRoutes{
		event.KindTicketCreated:    {r.Cashier},
		event.KindItemStateChanged: {r.Waiter, r.CustomerDisplay},
		event.KindTicketCancelled:  {r.Waiter, r.Cashier, r.CustomerDisplay},
	}
}

// DefaultRoleRoutes sends every kind to every role, so that a role view
// built from the stream alone converges to the snapshot of that role.
func DefaultRoleRoutes() RoleRoutes {
	out := make(RoleRoutes, 3)
	for _, k := range []event.Kind{event.KindTicketCreated, event.KindItemStateChanged, event.KindTicketCancelled} {
		out[k] = append([]role.Role(nil), role.All...)
	}
	return out
}

type Options struct {
	// DefaultStation receives items the catalog does not map. Empty means
	// such items are rejected with ErrUnroutable.
	DefaultStation string
	Roles          RoleRoutes
	Registerer     prometheus.Registerer
}

// Router decides which station prepares an item and which topics an event
// is published to.
type Router struct {
	catalog        CatalogService
	defaultStation string
	roles          RoleRoutes
	unmapped       *prometheus.CounterVec
	logger         aqm.Logger
}

func NewRouter(catalog CatalogService, opts Options, logger aqm.Logger) *Router {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	if opts.Roles == nil {
		opts.Roles = DefaultRoleRoutes()
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Router{
		catalog:        catalog,
		defaultStation: station.Normalize(opts.DefaultStation),
		roles:          opts.Roles,
		unmapped: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "kds_router_unmapped_total",
				Help: "Item codes routed to the default station because the catalog had no mapping",
			},
			[]string{"branch"},
		),
		logger: logger,
	}
}

// ResolveStations returns the stations for an item. Items the catalog does
// not know go to the default station and are logged as a configuration
// error; they are never dropped silently.
func (r *Router) ResolveStations(ctx context.Context, itemCode, branch string) ([]string, error) {
	stations, err := r.catalog.StationFor(ctx, branch, itemCode)
	if err == nil && len(stations) > 0 {
		return stations, nil
	}
	if err != nil && !errors.Is(err, ErrUnmapped) {
		return nil, fmt.Errorf("cannot resolve stations: %w", err)
	}

	if r.defaultStation == "" {
		r.logger.Error("item code has no station and no default is configured", "branch", branch, "item_code", itemCode)
		return nil, fmt.Errorf("%w: %s", ErrUnroutable, itemCode)
	}

	r.unmapped.WithLabelValues(branch).Inc()
	r.logger.Error("item code not in catalog, routed to default station", "branch", branch, "item_code", itemCode, "station", r.defaultStation)
	return []string{r.defaultStation}, nil
}

// Topics computes the topics of an event: the station of every item it
// references plus the role topics configured for its kind.
func (r *Router) Topics(e event.Event) []event.Topic {
	var out []event.Topic
	for _, st := range e.Stations() {
		out = append(out, event.StationTopic(e.Branch, st))
	}
	for _, rl := range r.roles[e.Kind] {
		out = append(out, event.RoleTopic(e.Branch, rl))
	}
	return event.NormalizeTopics(out)
}
