// Package reconcile brings a (re)connecting display up to date: it resumes
// the live stream from the client cursor when the bus still retains it and
// otherwise hands out a point-in-time snapshot followed by the events after
// it.
package reconcile

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/appetiteclub/kds/pkg/event"
	"github.com/appetiteclub/kds/pkg/projection"
	"github.com/appetiteclub/kds/services/kitchen/internal/bus"
	"github.com/aquamarinepk/aqm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/zeebo/blake3"
)

// ErrTimeout is returned when a snapshot could not be taken within the
// deadline. It is retryable.
var ErrTimeout = errors.New("reconciliation timed out")

const DefaultTimeout = 3 * time.Second

// StateSource is the projection snapshots are copied from. It is read with
// publication to the branch quiesced.
type StateSource interface {
	Tickets(branch string) []event.TicketView
}

// Bus is the part of the event bus reconciliation needs.
type Bus interface {
	Subscribe(ctx context.Context, req bus.SubscribeRequest) (*bus.Subscription, error)
	Capture(branch string, fn func(cursor uint64)) error
	CaptureAndSubscribe(ctx context.Context, req bus.SubscribeRequest, fn func(cursor uint64)) (*bus.Subscription, error)
}

// Snapshot is the state of a branch as seen by a set of topics at Cursor.
// Applying events with sequence > Cursor to Tickets yields the live state.
type Snapshot struct {
	Branch  string             `json:"branch"`
	Topics  []event.Topic      `json:"topics"`
	Cursor  uint64             `json:"cursor"`
	Digest  string             `json:"digest"`
	TakenAt time.Time          `json:"taken_at"`
	Tickets []event.TicketView `json:"tickets"`
}

type ConnectRequest struct {
	ConnectionID string
	Branch       string
	Topics       []event.Topic
	// Cursor is the last sequence the client applied; zero means it has
	// nothing and needs a snapshot.
	Cursor uint64
}

// Session is a connected stream. Snapshot is nil when the stream resumed
// from the client cursor.
type Session struct {
	Snapshot     *Snapshot
	Subscription *bus.Subscription
}

// Resumed reports whether the session continues the client's cursor.
func (s *Session) Resumed() bool {
	return s.Snapshot == nil
}

type Config struct {
	Timeout    time.Duration
	Registerer prometheus.Registerer
	Now        func() time.Time
}

type Service struct {
	bus     Bus
	source  StateSource
	timeout time.Duration
	now     func() time.Time
	metrics *metrics
	logger  aqm.Logger
}

func NewService(b Bus, source StateSource, cfg Config, logger aqm.Logger) *Service {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		bus:     b,
		source:  source,
		timeout: cfg.Timeout,
		now:     cfg.Now,
		metrics: newMetrics(cfg.Registerer),
		logger:  logger,
	}
}

// Snapshot copies the branch state visible to topics at the current
// sequence.
func (s *Service) Snapshot(ctx context.Context, branch string, topics []event.Topic) (*Snapshot, error) {
	topics, branch, err := checkTopics(branch, topics)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := s.capture(ctx, func(fn func(uint64)) (*bus.Subscription, error) {
		return nil, s.bus.Capture(branch, fn)
	}, branch)
	if err != nil {
		return nil, err
	}

	snap := s.build(branch, topics, res.cursor, res.tickets)
	s.metrics.observe("snapshot", time.Since(start))
	return snap, nil
}

// Connect registers a live subscription for the request topics. It resumes
// from Cursor+1 when the bus still retains it; otherwise it takes a
// snapshot and subscribes right after its cursor. On error nothing stays
// registered.
func (s *Service) Connect(ctx context.Context, req ConnectRequest) (*Session, error) {
	topics, branch, err := checkTopics(req.Branch, req.Topics)
	if err != nil {
		return nil, err
	}
	log := s.logger.With("connection_id", req.ConnectionID, "branch", branch)
	start := time.Now()

	if req.Cursor > 0 {
		sub, err := s.bus.Subscribe(ctx, bus.SubscribeRequest{
			ConnectionID: req.ConnectionID,
			Topics:       topics,
			From:         req.Cursor + 1,
		})
		if err == nil {
			s.metrics.observe("resume", time.Since(start))
			log.Debug("stream resumed", "cursor", req.Cursor)
			return &Session{Subscription: sub}, nil
		}
		if !errors.Is(err, bus.ErrCursorExpired) {
			return nil, err
		}
		log.Info("cursor expired, falling back to snapshot", "cursor", req.Cursor)
	}

	subReq := bus.SubscribeRequest{ConnectionID: req.ConnectionID, Topics: topics}
	res, err := s.capture(ctx, func(fn func(uint64)) (*bus.Subscription, error) {
		return s.bus.CaptureAndSubscribe(ctx, subReq, fn)
	}, branch)
	if err != nil {
		return nil, err
	}

	snap := s.build(branch, topics, res.cursor, res.tickets)
	s.metrics.observe("snapshot", time.Since(start))
	log.Debug("stream connected from snapshot", "cursor", snap.Cursor, "tickets", len(snap.Tickets))
	return &Session{Snapshot: snap, Subscription: res.sub}, nil
}

type captured struct {
	cursor  uint64
	tickets []event.TicketView
	sub     *bus.Subscription
	err     error
}

// capture runs op with a copy callback under the deadline. The copy itself
// cannot be interrupted once the branch lock is held; when the deadline
// wins, whatever op produces later is discarded and its subscription
// closed.
func (s *Service) capture(ctx context.Context, op func(fn func(uint64)) (*bus.Subscription, error), branch string) (captured, error) {
	tctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	done := make(chan captured, 1)
	go func() {
		var res captured
		res.sub, res.err = op(func(cursor uint64) {
			res.cursor = cursor
			res.tickets = s.source.Tickets(branch)
		})
		done <- res
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return captured{}, res.err
		}
		return res, nil
	case <-tctx.Done():
		go func() {
			if res := <-done; res.sub != nil {
				res.sub.Close()
			}
		}()
		if ctx.Err() != nil {
			return captured{}, ctx.Err()
		}
		s.metrics.timeouts.Inc()
		s.logger.Error("snapshot deadline exceeded", "branch", branch, "timeout", s.timeout)
		return captured{}, fmt.Errorf("%w after %s", ErrTimeout, s.timeout)
	}
}

func (s *Service) build(branch string, topics []event.Topic, cursor uint64, tickets []event.TicketView) *Snapshot {
	visible := make([]event.TicketView, 0, len(tickets))
	for _, t := range tickets {
		if v, ok := projection.ForTopics(t, topics); ok {
			visible = append(visible, v)
		}
	}
	projection.Sort(visible)

	return &Snapshot{
		Branch:  branch,
		Topics:  topics,
		Cursor:  cursor,
		Digest:  Digest(visible),
		TakenAt: s.now(),
		Tickets: visible,
	}
}

// Digest hashes the canonical JSON form of tickets. Two consumers holding
// the same state compute the same digest.
func Digest(tickets []event.TicketView) string {
	if tickets == nil {
		tickets = []event.TicketView{}
	}
	data, err := json.Marshal(tickets)
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// checkTopics normalizes topics and returns the branch they share, which
// must match branch when one is given.
func checkTopics(branch string, topics []event.Topic) ([]event.Topic, string, error) {
	topics = event.NormalizeTopics(topics)
	got, err := event.SingleBranch(topics)
	if err != nil {
		return nil, "", fmt.Errorf("invalid topics: %w", err)
	}
	if branch != "" && got != branch {
		return nil, "", fmt.Errorf("invalid topics: branch %q requested, topics are for %q", branch, got)
	}
	return topics, got, nil
}
