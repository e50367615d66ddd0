package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/appetiteclub/kds/pkg/event"
)

type fakeSub struct {
	id     string
	topics []event.Topic
}

func (f *fakeSub) ID() string            { return f.id }
func (f *fakeSub) Topics() []event.Topic { return f.topics }

func topic(scope string) event.Topic {
	return event.Topic{Branch: "b1", Scope: scope}
}

func ids(subs []*fakeSub) []string {
	out := make([]string, len(subs))
	for i, s := range subs {
		out[i] = s.id
	}
	sort.Strings(out)
	return out
}

func TestRegistryMatch(t *testing.T) {
	r := New[*fakeSub]()
	r.Register(&fakeSub{id: "grill", topics: []event.Topic{topic("grill")}})
	r.Register(&fakeSub{id: "bar", topics: []event.Topic{topic("bar")}})
	r.Register(&fakeSub{id: "expo", topics: []event.Topic{topic("grill"), topic("bar")}})
	r.Register(&fakeSub{id: "waiter", topics: []event.Topic{topic("waiter")}})

	tests := []struct {
		name   string
		topics []event.Topic
		want   []string
	}{
		{name: "single", topics: []event.Topic{topic("grill")}, want: []string{"expo", "grill"}},
		{name: "dedupe", topics: []event.Topic{topic("grill"), topic("bar")}, want: []string{"bar", "expo", "grill"}},
		{name: "role", topics: []event.Topic{topic("grill"), topic("waiter")}, want: []string{"expo", "grill", "waiter"}},
		{name: "otherBranch", topics: []event.Topic{{Branch: "b2", Scope: "grill"}}, want: []string{}},
		{name: "none", topics: nil, want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ids(r.Match(tt.topics))
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRegistryRegisterUnregister(t *testing.T) {
	r := New[*fakeSub]()
	s := &fakeSub{id: "c1", topics: []event.Topic{topic("grill")}}

	if err := r.Register(s); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if err := r.Register(s); !errors.Is(err, ErrDuplicate) {
		t.Errorf("second Register() error = %v, want ErrDuplicate", err)
	}
	if got, ok := r.Get("c1"); !ok || got != s {
		t.Error("Get() did not return the subscriber")
	}

	if _, ok := r.Unregister("c1"); !ok {
		t.Error("Unregister() = false")
	}
	if _, ok := r.Unregister("c1"); ok {
		t.Error("second Unregister() = true")
	}
	if r.Len() != 0 || len(r.Match([]event.Topic{topic("grill")})) != 0 {
		t.Error("subscriber still reachable after Unregister")
	}
	if len(r.byTopic) != 0 {
		t.Errorf("topic index kept %d empty entries", len(r.byTopic))
	}
}

func TestRegistryConcurrentUse(t *testing.T) {
	r := New[*fakeSub]()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			r.Register(&fakeSub{id: id, topics: []event.Topic{topic("grill")}})
			r.Match([]event.Topic{topic("grill")})
			if i%2 == 0 {
				r.Unregister(id)
			}
		}(i)
	}
	wg.Wait()

	if r.Len() != 25 {
		t.Errorf("Len() = %d, want 25", r.Len())
	}
	if n := len(r.All()); n != 25 {
		t.Errorf("All() = %d, want 25", n)
	}
}
