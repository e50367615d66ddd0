package bus

import (
	"time"

	"github.com/appetiteclub/kds/pkg/event"
)

// ring keeps the most recent events of one branch, bounded by count and
// by age. Sequences in the ring are contiguous. It is guarded by the
// branch lock.
type ring struct {
	buf    []entry
	head   int // index of the oldest entry
	size   int
	window time.Duration
}

// entry pairs an event with the bus time it was retained at; age
// retention never trusts the producer clock.
type entry struct {
	evt event.Event
	at  time.Time
}

func newRing(capacity int, window time.Duration) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([]entry, capacity), window: window}
}

func (r *ring) push(e event.Event, at time.Time) {
	if r.size == len(r.buf) {
		r.drop()
	}
	r.buf[(r.head+r.size)%len(r.buf)] = entry{evt: e, at: at}
	r.size++
}

func (r *ring) drop() {
	r.buf[r.head] = entry{}
	r.head = (r.head + 1) % len(r.buf)
	r.size--
}

// expire drops entries older than the window.
func (r *ring) expire(now time.Time) {
	if r.window <= 0 {
		return
	}
	cutoff := now.Add(-r.window)
	for r.size > 0 && r.buf[r.head].at.Before(cutoff) {
		r.drop()
	}
}

func (r *ring) at(i int) entry {
	return r.buf[(r.head+i)%len(r.buf)]
}

// oldest returns the first retained sequence, or false when empty.
func (r *ring) oldest() (uint64, bool) {
	if r.size == 0 {
		return 0, false
	}
	return r.at(0).evt.Sequence, true
}

// since returns retained events with sequence >= from, oldest first.
func (r *ring) since(from uint64) []event.Event {
	var out []event.Event
	for i := 0; i < r.size; i++ {
		if e := r.at(i).evt; e.Sequence >= from {
			out = append(out, e)
		}
	}
	return out
}

func (r *ring) len() int {
	return r.size
}
