// Package relay republishes the committed events of the bus to NATS so
// services outside the kitchen (reporting, the order service) can follow
// them without opening a display stream.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/appetiteclub/kds/pkg/enums/role"
	"github.com/appetiteclub/kds/pkg/event"
	"github.com/appetiteclub/kds/services/kitchen/internal/bus"
	"github.com/aquamarinepk/aqm"
	"github.com/aquamarinepk/aqm/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bus is the part of the event bus the relay follows.
type Bus interface {
	Subscribe(ctx context.Context, req bus.SubscribeRequest) (*bus.Subscription, error)
	Sequence(branch string) uint64
}

type Config struct {
	Branches   []string
	Registerer prometheus.Registerer
	// RetryWait is the pause before resubscribing a branch.
	RetryWait time.Duration
}

// Relay follows the role topics of each configured branch and publishes
// every event as JSON on kitchen.tickets.<branch>. Every kind reaches at
// least one role topic, so the union sees each event once.
type Relay struct {
	bus       Bus
	publisher events.Publisher
	cfg       Config
	logger    aqm.Logger

	published *prometheus.CounterVec
	failed    *prometheus.CounterVec
	gaps      *prometheus.CounterVec

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	cursor map[string]uint64
}

func New(b Bus, publisher events.Publisher, cfg Config, logger aqm.Logger) *Relay {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.NewRegistry()
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = time.Second
	}
	f := promauto.With(cfg.Registerer)
	return &Relay{
		bus:       b,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		published: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kds_relay_published_total",
			Help: "Events relayed to NATS.",
		}, []string{"branch"}),
		failed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kds_relay_failed_total",
			Help: "Events NATS refused.",
		}, []string{"branch"}),
		gaps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kds_relay_gaps_total",
			Help: "Times the relay fell out of the bus retention and skipped events.",
		}, []string{"branch"}),
		cursor: make(map[string]uint64),
	}
}

// Subject is the NATS subject events of branch are published on.
func Subject(branch string) string {
	return event.KitchenTicketsTopic + "." + branch
}

func topicsOf(branch string) []event.Topic {
	out := make([]event.Topic, 0, len(role.All))
	for _, r := range role.All {
		out = append(out, event.RoleTopic(branch, r))
	}
	return out
}

func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return nil
	}
	// Detached from the start context, which only lives for startup.
	rctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	for _, b := range r.cfg.Branches {
		r.wg.Add(1)
		go r.follow(rctx, b)
	}
	r.logger.Info("relay started", "branches", r.cfg.Branches)
	return nil
}

func (r *Relay) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info("relay stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cursor is the last sequence of branch handed to NATS.
func (r *Relay) Cursor(branch string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor[branch]
}

func (r *Relay) follow(ctx context.Context, branch string) {
	defer r.wg.Done()
	log := r.logger.With("branch", branch)

	// Events before the first start were handed out by the previous
	// process; the relay begins at the head the bus restored.
	r.mu.Lock()
	if r.cursor[branch] == 0 {
		r.cursor[branch] = r.bus.Sequence(branch)
	}
	r.mu.Unlock()

	for ctx.Err() == nil {
		from := r.Cursor(branch) + 1
		sub, err := r.bus.Subscribe(ctx, bus.SubscribeRequest{
			ConnectionID: "relay-" + branch,
			Topics:       topicsOf(branch),
			From:         from,
		})
		if errors.Is(err, bus.ErrCursorExpired) {
			r.gaps.WithLabelValues(branch).Inc()
			log.Error("relay fell behind the bus retention, continuing live", "from", from)
			sub, err = r.bus.Subscribe(ctx, bus.SubscribeRequest{
				ConnectionID: "relay-" + branch,
				Topics:       topicsOf(branch),
			})
		}
		if err != nil {
			if errors.Is(err, bus.ErrClosed) || errors.Is(err, bus.ErrShutdown) {
				return
			}
			log.Error("relay cannot subscribe", "error", err)
			if !r.wait(ctx) {
				return
			}
			continue
		}

		r.drain(ctx, branch, sub)
		sub.Close()
		if err := sub.Err(); err != nil {
			if errors.Is(err, bus.ErrShutdown) {
				return
			}
			log.Info("relay subscription ended", "reason", err)
		}
		if !r.wait(ctx) {
			return
		}
	}
}

func (r *Relay) drain(ctx context.Context, branch string, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			r.relay(ctx, branch, e)
		}
	}
}

func (r *Relay) relay(ctx context.Context, branch string, e event.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		r.logger.Error("cannot encode event for relay", "branch", branch, "sequence", e.Sequence, "error", err)
		return
	}
	if err := r.publisher.Publish(ctx, Subject(branch), data); err != nil {
		r.failed.WithLabelValues(branch).Inc()
		r.logger.Error("cannot relay event", "branch", branch, "sequence", e.Sequence, "error", err)
	} else {
		r.published.WithLabelValues(branch).Inc()
	}

	r.mu.Lock()
	r.cursor[branch] = e.Sequence
	r.mu.Unlock()
}

func (r *Relay) wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(r.cfg.RetryWait):
		return true
	}
}
