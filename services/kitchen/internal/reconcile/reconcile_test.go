package reconcile

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/appetiteclub/kds/pkg/enums/role"
	"github.com/appetiteclub/kds/pkg/event"
	"github.com/appetiteclub/kds/pkg/projection"
	"github.com/appetiteclub/kds/services/kitchen/internal/bus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	waiter = event.RoleTopic("b1", role.Roles.Waiter)
	grill  = event.StationTopic("b1", "grill")
	bar    = event.StationTopic("b1", "bar")
)

// boardSource is the truth: a board fed by the bus as a projection.
type boardSource struct {
	board *projection.Board
	delay time.Duration
}

func newBoardSource() *boardSource {
	return &boardSource{board: projection.NewBoard(nil, 0)}
}

func (s *boardSource) Apply(e event.Event) {
	s.board.Apply(e)
}

func (s *boardSource) Tickets(branch string) []event.TicketView {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.board.Tickets()
}

type fixture struct {
	bus    *bus.Bus
	source *boardSource
	svc    *Service
	seq    int
}

func newFixture(t *testing.T, busCfg bus.Config, cfg Config) *fixture {
	t.Helper()
	src := newBoardSource()
	b := bus.New(busCfg, nil, bus.WithProjection(src))
	return &fixture{bus: b, source: src, svc: NewService(b, src, cfg, nil)}
}

// createTicket publishes a ticket with a grill and a bar item.
func (f *fixture) createTicket(t *testing.T) string {
	t.Helper()
	f.seq++
	id := fmt.Sprintf("t%d", f.seq)
	_, err := f.bus.Publish(event.Event{
		Branch:   "b1",
		Kind:     event.KindTicketCreated,
		TicketID: id,
		Topics:   []event.Topic{grill, bar, waiter},
		Created: &event.TicketCreated{Ticket: event.TicketView{
			ID:        id,
			Branch:    "b1",
			OrderRef:  "o-" + id,
			State:     "queued",
			CreatedAt: time.Date(2026, 1, 1, 12, f.seq, 0, 0, time.UTC),
			Items: []event.ItemView{
				{ID: id + "-grill", ItemCode: "burger", Station: "grill", State: "queued"},
				{ID: id + "-bar", ItemCode: "mojito", Station: "bar", State: "queued"},
			},
		}},
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) advance(t *testing.T, ticketID, station, to string) {
	t.Helper()
	_, err := f.bus.Publish(event.Event{
		Branch:   "b1",
		Kind:     event.KindItemStateChanged,
		TicketID: ticketID,
		Topics:   []event.Topic{event.StationTopic("b1", station), waiter},
		ItemChanged: &event.ItemStateChanged{
			ItemID:      ticketID + "-" + station,
			Station:     station,
			To:          to,
			TicketState: "preparing",
		},
	})
	require.NoError(t, err)
}

func drain(sub *bus.Subscription) []event.Event {
	var out []event.Event
	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestSnapshotFiltersByTopic(t *testing.T) {
	f := newFixture(t, bus.Config{}, Config{})
	f.createTicket(t)
	f.createTicket(t)

	snap, err := f.svc.Snapshot(context.Background(), "b1", []event.Topic{grill})
	require.NoError(t, err)

	assert.Equal(t, uint64(2), snap.Cursor)
	require.Len(t, snap.Tickets, 2)
	for _, tk := range snap.Tickets {
		require.Len(t, tk.Items, 1)
		assert.Equal(t, "grill", tk.Items[0].Station)
	}
	assert.Equal(t, Digest(snap.Tickets), snap.Digest)

	barSnap, err := f.svc.Snapshot(context.Background(), "b1", []event.Topic{bar})
	require.NoError(t, err)
	assert.NotEqual(t, snap.Digest, barSnap.Digest)
}

func TestSnapshotRejectsMixedBranches(t *testing.T) {
	f := newFixture(t, bus.Config{}, Config{})

	_, err := f.svc.Snapshot(context.Background(), "b1", []event.Topic{event.StationTopic("b2", "grill")})
	assert.Error(t, err)
	_, err = f.svc.Snapshot(context.Background(), "", nil)
	assert.Error(t, err)
}

// A waiter console saw up to 100, loses its link while 101..140 are
// published, and reconnects inside the retention window.
func TestConnectResumesWithinRetention(t *testing.T) {
	f := newFixture(t, bus.Config{Retention: bus.Retention{Events: 100}}, Config{})
	id := f.createTicket(t)
	for f.bus.Sequence("b1") < 140 {
		f.advance(t, id, "grill", "preparing")
	}

	sess, err := f.svc.Connect(context.Background(), ConnectRequest{ConnectionID: "w1", Branch: "b1", Topics: []event.Topic{waiter}, Cursor: 100})
	require.NoError(t, err)
	defer sess.Subscription.Close()

	assert.True(t, sess.Resumed())
	got := drain(sess.Subscription)
	require.Len(t, got, 40)
	assert.Equal(t, uint64(101), got[0].Sequence)
	assert.Equal(t, uint64(140), got[39].Sequence)
}

// The same console reconnects after the retention window dropped its
// cursor: it receives a snapshot and then only newer events.
func TestConnectFallsBackToSnapshot(t *testing.T) {
	f := newFixture(t, bus.Config{Retention: bus.Retention{Events: 10}}, Config{})
	id := f.createTicket(t)
	for f.bus.Sequence("b1") < 50 {
		f.advance(t, id, "grill", "preparing")
	}

	sess, err := f.svc.Connect(context.Background(), ConnectRequest{ConnectionID: "w1", Branch: "b1", Topics: []event.Topic{waiter}, Cursor: 5})
	require.NoError(t, err)
	defer sess.Subscription.Close()

	require.False(t, sess.Resumed())
	assert.Equal(t, uint64(50), sess.Snapshot.Cursor)
	assert.Empty(t, drain(sess.Subscription))

	f.advance(t, id, "bar", "preparing")
	got := drain(sess.Subscription)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(51), got[0].Sequence)
}

// Events published while consumers connect and apply must converge every
// consumer onto the source state, whatever moment it connected at.
func TestSnapshotAndLiveEqualsTruth(t *testing.T) {
	f := newFixture(t, bus.Config{QueueCapacity: 4096}, Config{})
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, f.createTicket(t))
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		states := []string{"preparing", "ready", "served"}
		for i := 0; i < 300; i++ {
			id := ids[i%len(ids)]
			station := "grill"
			if i%2 == 1 {
				station = "bar"
			}
			f.advance(t, id, station, states[(i/len(ids))%len(states)])
		}
		close(stop)
	}()

	var sessions []*Session
	for i := 0; i < 5; i++ {
		sess, err := f.svc.Connect(context.Background(), ConnectRequest{ConnectionID: fmt.Sprintf("c%d", i), Branch: "b1", Topics: []event.Topic{waiter}})
		require.NoError(t, err)
		sessions = append(sessions, sess)
		time.Sleep(time.Millisecond)
	}
	<-stop
	wg.Wait()

	truth := f.source.board.Tickets()
	for i, sess := range sessions {
		board := projection.NewBoard(sess.Snapshot.Tickets, sess.Snapshot.Cursor)
		for _, e := range drain(sess.Subscription) {
			board.Apply(e)
		}
		assert.Equal(t, f.bus.Sequence("b1"), board.Cursor, "consumer %d cursor", i)
		assert.Equal(t, Digest(truth), Digest(board.Tickets()), "consumer %d state", i)
		sess.Subscription.Close()
	}
}

func TestConnectTimeoutLeavesNothingRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newFixture(t, bus.Config{}, Config{Timeout: 10 * time.Millisecond, Registerer: reg})
	f.createTicket(t)
	f.source.delay = 50 * time.Millisecond

	_, err := f.svc.Connect(context.Background(), ConnectRequest{ConnectionID: "slow", Branch: "b1", Topics: []event.Topic{waiter}})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.svc.metrics.timeouts))

	assert.Eventually(t, func() bool { return f.bus.Subscriptions() == 0 }, time.Second, 5*time.Millisecond)
}

func TestConnectPropagatesCancellation(t *testing.T) {
	f := newFixture(t, bus.Config{}, Config{Timeout: time.Second})
	f.source.delay = 50 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.Connect(ctx, ConnectRequest{ConnectionID: "gone", Branch: "b1", Topics: []event.Topic{waiter}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Eventually(t, func() bool { return f.bus.Subscriptions() == 0 }, time.Second, 5*time.Millisecond)
}

func TestDigestIsStable(t *testing.T) {
	a := []event.TicketView{{ID: "t1", Branch: "b1", State: "queued"}}
	b := []event.TicketView{{ID: "t1", Branch: "b1", State: "queued"}}
	assert.Equal(t, Digest(a), Digest(b))
	assert.Len(t, Digest(nil), 64)
	assert.Equal(t, Digest(nil), Digest([]event.TicketView{}))

	b[0].State = "ready"
	assert.NotEqual(t, Digest(a), Digest(b))
}
