// Package registry tracks which live connection is interested in which
// topic. Its lock guards lookups and updates only; callers deliver outside
// of it.
package registry

import (
	"errors"
	"sync"

	"github.com/appetiteclub/kds/pkg/event"
)

var ErrDuplicate = errors.New("subscriber already registered")

// Subscriber is anything addressable by connection id and topics.
type Subscriber interface {
	ID() string
	Topics() []event.Topic
}

type Registry[S Subscriber] struct {
	mu      sync.RWMutex
	byID    map[string]S
	byTopic map[event.Topic]map[string]S
}

func New[S Subscriber]() *Registry[S] {
	return &Registry[S]{
		byID:    make(map[string]S),
		byTopic: make(map[event.Topic]map[string]S),
	}
}

// Register adds s under every one of its topics.
func (r *Registry[S]) Register(s S) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[s.ID()]; ok {
		return ErrDuplicate
	}
	r.byID[s.ID()] = s
	for _, t := range s.Topics() {
		subs := r.byTopic[t]
		if subs == nil {
			subs = make(map[string]S)
			r.byTopic[t] = subs
		}
		subs[s.ID()] = s
	}
	return nil
}

// Unregister removes the subscriber with id. It is a no-op for unknown ids.
func (r *Registry[S]) Unregister(id string) (S, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[id]
	if !ok {
		return s, false
	}
	delete(r.byID, id)
	for _, t := range s.Topics() {
		subs := r.byTopic[t]
		delete(subs, id)
		if len(subs) == 0 {
			delete(r.byTopic, t)
		}
	}
	return s, true
}

// Match returns every subscriber interested in at least one of topics,
// each once.
func (r *Registry[S]) Match(topics []event.Topic) []S {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(topics) == 1 {
		subs := r.byTopic[topics[0]]
		out := make([]S, 0, len(subs))
		for _, s := range subs {
			out = append(out, s)
		}
		return out
	}

	seen := make(map[string]bool)
	var out []S
	for _, t := range topics {
		for id, s := range r.byTopic[t] {
			if seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry[S]) Get(id string) (S, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

func (r *Registry[S]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// All returns every registered subscriber.
func (r *Registry[S]) All() []S {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]S, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}
