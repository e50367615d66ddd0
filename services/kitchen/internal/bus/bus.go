// Package bus is the in-process publish/subscribe core. It assigns the
// per-branch sequence, keeps a bounded history for short resumes and fans
// events out to subscriptions without ever waiting on them.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/appetiteclub/kds/pkg/event"
	"github.com/appetiteclub/kds/services/kitchen/internal/registry"
	"github.com/aquamarinepk/aqm"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrSlowConsumer closes a subscription whose queue overflowed.
	ErrSlowConsumer = errors.New("slow consumer")
	// ErrCursorExpired means the requested resume point is no longer
	// retained; the client must reconcile from a snapshot.
	ErrCursorExpired = errors.New("cursor outside retention window")
	// ErrShutdown closes every subscription when the bus stops.
	ErrShutdown = errors.New("bus shut down")
	ErrClosed   = errors.New("bus closed")
	ErrNoBranch = errors.New("event has no branch")
)

// Retention bounds the per-branch history. Zero Window keeps events until
// they are pushed out by count.
type Retention struct {
	Events int
	Window time.Duration
}

type Config struct {
	Retention     Retention
	QueueCapacity int
	// ReserveBlock is how many sequences are reserved per call to the
	// SequenceReserver.
	ReserveBlock uint64
	Registerer   prometheus.Registerer
	Now          func() time.Time
}

func DefaultConfig() Config {
	return Config{
		Retention:     Retention{Events: 1024, Window: 15 * time.Minute},
		QueueCapacity: 256,
		ReserveBlock:  1000,
	}
}

// Projection is applied synchronously, in sequence order, for every
// published event while the branch is locked.
type Projection interface {
	Apply(e event.Event)
}

// Record is an event as retained by the bus, with the bus time.
type Record struct {
	Event event.Event
	At    time.Time
}

// Sink receives every published record. Append must not block.
type Sink interface {
	Append(r Record)
}

// SequenceReserver persists the highest sequence a branch may use so that
// numbers are never handed out twice across restarts.
type SequenceReserver interface {
	Reserve(branch string, upTo uint64) error
}

type SubscribeRequest struct {
	// ConnectionID identifies the subscription; one is generated when empty.
	ConnectionID string
	Topics       []event.Topic
	// From is the first sequence wanted. Zero means live events only.
	From uint64
}

type Bus struct {
	cfg      Config
	mu       sync.Mutex
	branches map[string]*branch
	closed   bool
	// claims counts reservations not yet released; Stop waits for them.
	claims sync.WaitGroup

	registry    *registry.Registry[*Subscription]
	projections []Projection
	sink        Sink
	reserver    SequenceReserver
	metrics     *metrics
	logger      aqm.Logger
}

type branch struct {
	mu       sync.Mutex
	name     string
	seq      uint64
	reserved uint64
	// pending is the number of claimed publications not yet released.
	pending uint64
	ring    *ring
}

type Option func(*Bus)

// WithProjection registers a synchronous projection.
func WithProjection(p Projection) Option {
	return func(b *Bus) {
		b.projections = append(b.projections, p)
	}
}

func WithSink(s Sink) Option {
	return func(b *Bus) {
		b.sink = s
	}
}

func WithReserver(r SequenceReserver) Option {
	return func(b *Bus) {
		b.reserver = r
	}
}

func New(cfg Config, logger aqm.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	def := DefaultConfig()
	if cfg.Retention.Events <= 0 {
		cfg.Retention.Events = def.Retention.Events
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.ReserveBlock == 0 {
		cfg.ReserveBlock = def.ReserveBlock
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	b := &Bus{
		cfg:      cfg,
		branches: make(map[string]*branch),
		registry: registry.New[*Subscription](),
		metrics:  newMetrics(cfg.Registerer),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) branch(name string) (*branch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	br := b.branches[name]
	if br == nil {
		br = &branch{name: name, ring: newRing(b.cfg.Retention.Events, b.cfg.Retention.Window)}
		b.branches[name] = br
	}
	return br, nil
}

// Reserve claims one publication on branch before the caller commits the
// change the event describes. The sequence is reserved durably and the bus
// keeps accepting the claimed publish until release is called, even if Stop
// has begun. release must be called once, after Publish or instead of it.
func (b *Bus) Reserve(name string) (release func(), err error) {
	if name == "" {
		return nil, ErrNoBranch
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	br := b.branches[name]
	if br == nil {
		br = &branch{name: name, ring: newRing(b.cfg.Retention.Events, b.cfg.Retention.Window)}
		b.branches[name] = br
	}
	b.claims.Add(1)
	b.mu.Unlock()

	br.mu.Lock()
	defer br.mu.Unlock()
	if need := br.seq + br.pending + 1; b.reserver != nil && need > br.reserved {
		upTo := need - 1 + b.cfg.ReserveBlock
		if err := b.reserver.Reserve(br.name, upTo); err != nil {
			b.claims.Done()
			return nil, fmt.Errorf("cannot reserve sequence block: %w", err)
		}
		br.reserved = upTo
	}
	br.pending++

	var once sync.Once
	return func() {
		once.Do(func() {
			br.mu.Lock()
			br.pending--
			br.mu.Unlock()
			b.claims.Done()
		})
	}, nil
}

// Publish assigns the next branch sequence to e, retains it, applies the
// projections and enqueues it to every matching subscription. It never
// waits on a subscriber; one whose queue is full is disconnected. Once the
// bus is stopping only claimed publications are accepted.
func (b *Bus) Publish(e event.Event) (uint64, error) {
	if e.Branch == "" {
		return 0, ErrNoBranch
	}
	b.mu.Lock()
	closed := b.closed
	br := b.branches[e.Branch]
	if br == nil && !closed {
		br = &branch{name: e.Branch, ring: newRing(b.cfg.Retention.Events, b.cfg.Retention.Window)}
		b.branches[e.Branch] = br
	}
	b.mu.Unlock()
	if br == nil {
		return 0, ErrClosed
	}

	br.mu.Lock()
	defer br.mu.Unlock()
	if closed && br.pending == 0 {
		return 0, ErrClosed
	}

	next := br.seq + 1
	if b.reserver != nil && next > br.reserved {
		upTo := br.seq + b.cfg.ReserveBlock
		if err := b.reserver.Reserve(br.name, upTo); err != nil {
			return 0, fmt.Errorf("cannot reserve sequence block: %w", err)
		}
		br.reserved = upTo
	}
	br.seq = next
	e.Sequence = next
	e.Topics = append([]event.Topic(nil), e.Topics...)

	now := b.cfg.Now()
	br.ring.expire(now)
	br.ring.push(e, now)
	b.metrics.ringEvents.WithLabelValues(br.name).Set(float64(br.ring.len()))
	b.metrics.published.WithLabelValues(string(e.Kind)).Inc()

	for _, p := range b.projections {
		p.Apply(e)
	}

	var slow []*Subscription
	for _, s := range b.registry.Match(e.Topics) {
		if s.enqueue(e) {
			b.metrics.delivered.Inc()
			continue
		}
		slow = append(slow, s)
	}
	for _, s := range slow {
		b.metrics.slowConsumers.Inc()
		b.logger.Info("subscription disconnected as slow consumer", "connection_id", s.id, "branch", br.name, "sequence", e.Sequence)
		s.closeWith(ErrSlowConsumer)
	}

	if b.sink != nil {
		b.sink.Append(Record{Event: e, At: now})
	}
	return e.Sequence, nil
}

// Subscribe registers a subscription. With a non-zero From, retained
// events from that sequence on are replayed first; replay and registration
// happen under the branch lock, so the stream has no gap and no duplicate.
// A From that is no longer retained fails with ErrCursorExpired, as does a
// replay larger than the queue.
func (b *Bus) Subscribe(ctx context.Context, req SubscribeRequest) (*Subscription, error) {
	topics, br, err := b.prepare(req)
	if err != nil {
		return nil, err
	}

	br.mu.Lock()
	s, err := b.subscribeLocked(br, req, topics)
	br.mu.Unlock()
	if err != nil {
		return nil, err
	}

	b.watch(ctx, s)
	return s, nil
}

// CaptureAndSubscribe runs fn with the branch quiesced and the current
// sequence as cursor, then registers a live subscription starting right
// after it. Whatever fn copies is exactly the state at cursor.
func (b *Bus) CaptureAndSubscribe(ctx context.Context, req SubscribeRequest, fn func(cursor uint64)) (*Subscription, error) {
	req.From = 0
	topics, br, err := b.prepare(req)
	if err != nil {
		return nil, err
	}

	br.mu.Lock()
	fn(br.seq)
	s, err := b.subscribeLocked(br, req, topics)
	br.mu.Unlock()
	if err != nil {
		return nil, err
	}

	b.watch(ctx, s)
	return s, nil
}

// Capture runs fn with publication to branch quiesced and the current
// sequence as cursor. fn must only copy; it runs on the publish path.
func (b *Bus) Capture(name string, fn func(cursor uint64)) error {
	br, err := b.branch(name)
	if err != nil {
		return err
	}
	br.mu.Lock()
	defer br.mu.Unlock()
	fn(br.seq)
	return nil
}

// Sequence returns the last sequence assigned in branch.
func (b *Bus) Sequence(name string) uint64 {
	br, err := b.branch(name)
	if err != nil {
		return 0
	}
	br.mu.Lock()
	defer br.mu.Unlock()
	return br.seq
}

func (b *Bus) prepare(req SubscribeRequest) ([]event.Topic, *branch, error) {
	topics := event.NormalizeTopics(req.Topics)
	name, err := event.SingleBranch(topics)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot subscribe: %w", err)
	}
	br, err := b.branch(name)
	if err != nil {
		return nil, nil, err
	}
	return topics, br, nil
}

func (b *Bus) subscribeLocked(br *branch, req SubscribeRequest, topics []event.Topic) (*Subscription, error) {
	id := req.ConnectionID
	if id == "" {
		id = uuid.NewString()
	}

	var replay []event.Event
	cursor := br.seq
	if req.From > 0 && req.From <= br.seq {
		br.ring.expire(b.cfg.Now())
		oldest, ok := br.ring.oldest()
		if !ok || req.From < oldest {
			return nil, fmt.Errorf("%w: resume from %d, branch %s retains from %d", ErrCursorExpired, req.From, br.name, oldest)
		}
		replay = br.ring.since(req.From)
		cursor = req.From - 1
	} else if req.From > br.seq+1 {
		return nil, fmt.Errorf("%w: resume from %d, branch %s is at %d", ErrCursorExpired, req.From, br.name, br.seq)
	}

	s := newSubscription(b, id, br.name, topics, b.cfg.QueueCapacity)
	s.cursor = cursor
	for _, e := range replay {
		if !s.enqueue(e) {
			s.terminate(ErrCursorExpired)
			return nil, fmt.Errorf("%w: replay from %d exceeds queue capacity", ErrCursorExpired, req.From)
		}
		b.metrics.delivered.Inc()
	}

	if err := b.registry.Register(s); err != nil {
		s.terminate(err)
		return nil, fmt.Errorf("cannot register %s: %w", id, err)
	}
	b.metrics.subscriptions.Inc()
	b.logger.Debug("subscription registered", "connection_id", id, "branch", br.name, "from", req.From, "replayed", len(replay))
	return s, nil
}

// watch closes s when ctx ends.
func (b *Bus) watch(ctx context.Context, s *Subscription) {
	if ctx.Done() == nil {
		return
	}
	go func() {
		select {
		case <-ctx.Done():
			s.closeWith(ctx.Err())
		case <-s.Done():
		}
	}()
}

func (b *Bus) release(s *Subscription) {
	if _, ok := b.registry.Unregister(s.id); ok {
		b.metrics.subscriptions.Dec()
	}
}

// Subscriptions returns the number of live subscriptions.
func (b *Bus) Subscriptions() int {
	return b.registry.Len()
}

// Restore warms a branch from persisted history before any publish. With
// complete history the sequence continues from the last record; otherwise
// it continues after next and nothing is retained, so older cursors
// reconcile from a snapshot.
func (b *Bus) Restore(name string, records []Record, next uint64, complete bool) error {
	br, err := b.branch(name)
	if err != nil {
		return err
	}
	br.mu.Lock()
	defer br.mu.Unlock()

	if br.seq != 0 {
		return fmt.Errorf("cannot restore branch %s: already at sequence %d", name, br.seq)
	}

	br.seq = next
	br.reserved = next
	if complete {
		for _, r := range records {
			if r.Event.Sequence > next {
				continue
			}
			br.ring.push(r.Event, r.At)
		}
	}
	br.ring.expire(b.cfg.Now())
	b.metrics.ringEvents.WithLabelValues(name).Set(float64(br.ring.len()))
	b.logger.Info("bus branch restored", "branch", name, "sequence", next, "retained", br.ring.len(), "complete", complete)
	return nil
}

// Start satisfies the service lifecycle.
func (b *Bus) Start(ctx context.Context) error {
	return nil
}

// Stop refuses new claims and unclaimed publishing, waits for outstanding
// claims to be released and then closes every subscription with
// ErrShutdown.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	branches := make([]*branch, 0, len(b.branches))
	for _, br := range b.branches {
		branches = append(branches, br)
	}
	b.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		b.claims.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		b.logger.Error("bus stopped with claimed publications outstanding", "error", ctx.Err())
	}

	// Wait for in-flight publishes so the sink sees a final state.
	for _, br := range branches {
		br.mu.Lock()
		br.mu.Unlock()
	}

	subs := b.registry.All()
	for _, s := range subs {
		s.closeWith(ErrShutdown)
	}
	b.logger.Info("bus stopped", "subscriptions_closed", len(subs))
	return nil
}

// Branches returns the names and last sequences of every known branch.
func (b *Bus) Branches() map[string]uint64 {
	b.mu.Lock()
	branches := make([]*branch, 0, len(b.branches))
	for _, br := range b.branches {
		branches = append(branches, br)
	}
	b.mu.Unlock()

	out := make(map[string]uint64, len(branches))
	for _, br := range branches {
		br.mu.Lock()
		out[br.name] = br.seq
		br.mu.Unlock()
	}
	return out
}
