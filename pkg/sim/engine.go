// Package sim implements the virtual clock and event queue that drive every
// scheduling decision in the simulation. Time is simulated: the engine jumps
// from event to event instead of waiting on the wall clock.
package sim

import (
	"cmp"
	"log/slog"

	"github.com/addrummond/heap"
)

// Time is a point on the simulated timeline. The zero value is the start of
// the simulation; negative times are invalid.
type Time float64

// event is a pending resumption. Ordering is (time, priority, sequence):
// equal resume times resolve by ascending priority, then by submission
// order. This tie-break is what makes runs reproducible.
type event struct {
	at   Time
	prio int
	seq  uint64
	fn   func()
}

func (a *event) Cmp(b *event) int {
	if c := cmp.Compare(a.at, b.at); c != 0 {
		return c
	}
	if c := cmp.Compare(a.prio, b.prio); c != 0 {
		return c
	}
	return cmp.Compare(a.seq, b.seq)
}

// Engine owns the virtual clock and the queue of pending resumptions. It is
// strictly single-threaded: callbacks run one at a time on the caller's
// goroutine, and a callback may schedule further events but must not block.
type Engine struct {
	now    Time
	seq    uint64
	queue  heap.Heap[event, heap.Min]
	count  int
	logger *slog.Logger
}

func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger.With("module", "sim")}
}

// Now returns the current virtual time.
func (e *Engine) Now() Time {
	return e.now
}

// Pending reports how many resumptions are queued.
func (e *Engine) Pending() int {
	return e.count
}

// Schedule enqueues fn to run at the absolute virtual time at. Scheduling in
// the past is a programming error and panics, since it would break the
// monotonic clock.
func (e *Engine) Schedule(at Time, priority int, fn func()) {
	if at < e.now {
		panic("sim: schedule before current time")
	}
	e.seq++
	e.count++
	heap.PushOrderable(&e.queue, event{at: at, prio: priority, seq: e.seq, fn: fn})
}

// ScheduleAfter enqueues fn to run after d units of virtual time.
func (e *Engine) ScheduleAfter(d Time, priority int, fn func()) {
	if d < 0 {
		d = 0
	}
	e.Schedule(e.now+d, priority, fn)
}

// Advance pops the earliest-due resumption, moves the clock to its time and
// runs it. Returns false when no events remain.
func (e *Engine) Advance() bool {
	ev, ok := heap.PopOrderable(&e.queue)
	if !ok {
		return false
	}
	e.count--
	e.now = ev.at
	ev.fn()
	return true
}

// RunUntil advances repeatedly until no event is due before limit, then sets
// the clock to limit. The simulation ends on time exhaustion, not event
// exhaustion: an empty queue does not stop the clock short of limit.
func (e *Engine) RunUntil(limit Time) {
	for {
		next, ok := heap.Peek(&e.queue)
		if !ok || next.at >= limit {
			break
		}
		e.Advance()
	}
	if limit > e.now {
		e.now = limit
	}
	e.logger.Debug("run finished", "now", float64(e.now), "pending", e.count)
}

// Drain advances until the queue is empty. Used by compositions executed
// outside a fixed horizon, mostly in tests.
func (e *Engine) Drain() {
	for e.Advance() {
	}
}
