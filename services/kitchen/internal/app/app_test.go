package app

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/appetiteclub/kds/pkg/event"
	"github.com/appetiteclub/kds/services/kitchen/internal/bus"
	"github.com/appetiteclub/kds/services/kitchen/internal/journal"
	"github.com/aquamarinepk/aqm"
)

func TestLoadSettingsDefaults(t *testing.T) {
	s, err := LoadSettings(aqm.NewConfig())
	if err != nil {
		t.Fatalf("LoadSettings() error = %v", err)
	}
	if s.DBDriver != "mongo" {
		t.Errorf("DBDriver = %q, want mongo", s.DBDriver)
	}
	if s.Bus.Retention.Events != 1024 || s.Bus.Retention.Window != 15*time.Minute || s.Bus.QueueCapacity != 256 {
		t.Errorf("unexpected bus defaults: %+v", s.Bus)
	}
	if s.ReconcileTimeout != 3*time.Second {
		t.Errorf("ReconcileTimeout = %v, want 3s", s.ReconcileTimeout)
	}
	if s.ServedRetention != 30*time.Minute || s.PruneInterval != time.Minute {
		t.Errorf("cache retention %v prune interval %v, want 30m and 1m", s.ServedRetention, s.PruneInterval)
	}
	if s.DefaultStation != "other" || s.FastPath || s.NATSStream {
		t.Errorf("unexpected defaults: %+v", s)
	}
	if len(s.RoleRoutes) != 3 {
		t.Errorf("RoleRoutes = %v, want every kind routed", s.RoleRoutes)
	}
}

func TestSplitList(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{name: "empty", in: "", want: nil},
		{name: "single", in: "b1", want: []string{"b1"}},
		{name: "spacesAndBlanks", in: " b1, ,b2 ", want: []string{"b1", "b2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := splitList(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("splitList(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

// recorder logs the order components start and stop in.
type recorder struct {
	name string
	log  *[]string
}

func (r recorder) Start(ctx context.Context) error {
	*r.log = append(*r.log, "start "+r.name)
	return nil
}

func (r recorder) Stop(ctx context.Context) error {
	*r.log = append(*r.log, "stop "+r.name)
	return nil
}

func (r recorder) Close() error {
	*r.log = append(*r.log, "close "+r.name)
	return nil
}

func TestPipelineOrder(t *testing.T) {
	var log []string
	p := &pipeline{
		bus:       bus.New(bus.DefaultConfig(), nil),
		consumers: []component{recorder{"relay", &log}, recorder{"orders", &log}},
		closers:   []closer{recorder{"nats", &log}},
		logger:    aqm.NewNoopLogger(),
	}

	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	want := []string{"start relay", "start orders", "stop orders", "stop relay", "close nats"}
	if !reflect.DeepEqual(log, want) {
		t.Errorf("order = %v, want %v", log, want)
	}
}

func TestPipelineRestoresFromJournal(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.db")

	start := func() *pipeline {
		t.Helper()
		j, err := journal.Open(path, journal.Config{}, nil)
		if err != nil {
			t.Fatalf("open journal: %v", err)
		}
		p := &pipeline{
			bus:     bus.New(bus.DefaultConfig(), nil, bus.WithSink(j), bus.WithReserver(j)),
			journal: j,
			logger:  aqm.NewNoopLogger(),
		}
		if err := p.Start(ctx); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		return p
	}

	e := event.Event{
		Branch:      "b1",
		Kind:        event.KindItemStateChanged,
		TicketID:    "t1",
		Topics:      []event.Topic{event.StationTopic("b1", "grill")},
		ItemChanged: &event.ItemStateChanged{ItemID: "i1", Station: "grill", From: "queued", To: "preparing"},
	}

	p := start()
	for i := 0; i < 3; i++ {
		if _, err := p.bus.Publish(e); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	p = start()
	defer p.Stop(ctx)
	seq, err := p.bus.Publish(e)
	if err != nil || seq != 4 {
		t.Errorf("publish after restart = %d, %v; want 4", seq, err)
	}
}
