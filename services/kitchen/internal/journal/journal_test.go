package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/appetiteclub/kds/pkg/event"
	"github.com/appetiteclub/kds/services/kitchen/internal/bus"
)

func openTemp(t *testing.T, path string, cfg Config) *Journal {
	t.Helper()
	j, err := Open(path, cfg, nil)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	if err := j.Start(context.Background()); err != nil {
		t.Fatalf("start journal: %v", err)
	}
	return j
}

func waiterEvent() event.Event {
	return event.Event{
		Branch:     "b1",
		Kind:       event.KindItemStateChanged,
		TicketID:   "t1",
		OccurredAt: time.Date(2026, 2, 1, 20, 15, 0, 123456789, time.UTC),
		Topics:     []event.Topic{event.StationTopic("b1", "grill")},
		ItemChanged: &event.ItemStateChanged{
			ItemID:  "i1",
			Station: "grill",
			From:    "queued",
			To:      "preparing",
		},
	}
}

func newBus(j *Journal) *bus.Bus {
	return bus.New(bus.Config{ReserveBlock: 100}, nil, bus.WithSink(j), bus.WithReserver(j))
}

func TestCleanRestartContinuesSequence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.db")

	j := openTemp(t, path, Config{})
	b := newBus(j)
	for i := 0; i < 10; i++ {
		if _, err := b.Publish(waiterEvent()); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	b.Stop(ctx)
	if err := j.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	j = openTemp(t, path, Config{})
	defer j.Stop(ctx)

	branches, err := j.Branches(ctx)
	if err != nil || len(branches) != 1 || branches[0] != "b1" {
		t.Fatalf("branches = %v, %v", branches, err)
	}

	st, err := j.Load(ctx, "b1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !st.Complete || st.Next != 10 || len(st.Records) != 10 {
		t.Fatalf("unexpected state: complete=%v next=%d records=%d", st.Complete, st.Next, len(st.Records))
	}
	got := st.Records[9].Event
	if got.Sequence != 10 || got.ItemChanged == nil || got.ItemChanged.To != "preparing" {
		t.Errorf("unexpected last record: %+v", got)
	}
	if !got.OccurredAt.Equal(waiterEvent().OccurredAt) {
		t.Errorf("occurred_at lost precision: %v", got.OccurredAt)
	}

	b = newBus(j)
	if err := b.Restore("b1", st.Records, st.Next, st.Complete); err != nil {
		t.Fatalf("restore: %v", err)
	}
	sub, err := b.Subscribe(ctx, bus.SubscribeRequest{Topics: []event.Topic{event.StationTopic("b1", "grill")}, From: 8})
	if err != nil {
		t.Fatalf("resume after restart: %v", err)
	}
	defer sub.Close()

	seq, err := b.Publish(waiterEvent())
	if err != nil || seq != 11 {
		t.Errorf("publish after restart = %d, %v; want 11", seq, err)
	}
}

func TestUncleanRestartSkipsReservedBlock(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.db")

	j := openTemp(t, path, Config{})
	b := newBus(j)
	for i := 0; i < 5; i++ {
		if _, err := b.Publish(waiterEvent()); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	// Crash: the database goes away without a clean stop.
	j.db.Close()

	j = openTemp(t, path, Config{})
	defer j.Stop(ctx)

	st, err := j.Load(ctx, "b1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.Complete || st.Next != 100 || len(st.Records) != 0 {
		t.Fatalf("unexpected state: complete=%v next=%d records=%d", st.Complete, st.Next, len(st.Records))
	}

	b = newBus(j)
	if err := b.Restore("b1", st.Records, st.Next, st.Complete); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if _, err := b.Subscribe(ctx, bus.SubscribeRequest{Topics: []event.Topic{event.StationTopic("b1", "grill")}, From: 3}); err == nil {
		t.Error("old cursor should need a snapshot after an unclean restart")
	}
	seq, err := b.Publish(waiterEvent())
	if err != nil || seq != 101 {
		t.Errorf("publish after crash = %d, %v; want 101", seq, err)
	}
}

func TestLoadMarksBranchDirty(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.db")

	j := openTemp(t, path, Config{})
	if err := j.Reserve("b1", 50); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	j.Append(bus.Record{Event: withSeq(waiterEvent(), 1), At: time.Now()})
	if err := j.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	j = openTemp(t, path, Config{})
	if st, err := j.Load(ctx, "b1"); err != nil || !st.Complete {
		t.Fatalf("first load: %+v, %v", st, err)
	}
	j.db.Close()

	j = openTemp(t, path, Config{})
	defer j.Stop(ctx)
	st, err := j.Load(ctx, "b1")
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if st.Complete || st.Next != 50 {
		t.Errorf("crash after load should restore as unclean: %+v", st)
	}
}

func TestTrimKeepsRetention(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.db")

	j := openTemp(t, path, Config{Retention: 5, BatchSize: 3})
	if err := j.Reserve("b1", 100); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	for i := uint64(1); i <= 12; i++ {
		j.Append(bus.Record{Event: withSeq(waiterEvent(), i), At: time.Now()})
	}
	if err := j.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	j = openTemp(t, path, Config{Retention: 5})
	defer j.Stop(ctx)

	var n int
	if err := j.db.QueryRow(`SELECT COUNT(*) FROM events WHERE branch = 'b1'`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 5 {
		t.Errorf("kept %d events, want 5", n)
	}

	st, err := j.Load(ctx, "b1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(st.Records) != 5 || st.Records[0].Event.Sequence != 8 || st.Next != 12 {
		t.Errorf("unexpected state: next=%d records=%d", st.Next, len(st.Records))
	}
}

func TestAppendOverflowLeavesBranchUnclean(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := Open(path, Config{QueueSize: 1}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := j.Reserve("b1", 100); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	// Not started yet, so the second record cannot be queued.
	j.Append(bus.Record{Event: withSeq(waiterEvent(), 1), At: time.Now()})
	j.Append(bus.Record{Event: withSeq(waiterEvent(), 2), At: time.Now()})
	if err := j.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	j = openTemp(t, path, Config{})
	defer j.Stop(ctx)
	st, err := j.Load(ctx, "b1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.Complete || st.Next != 100 {
		t.Errorf("lost records must force an unclean restore: %+v", st)
	}
}

func withSeq(e event.Event, seq uint64) event.Event {
	e.Sequence = seq
	return e
}
