// Package throttle provides the keyed trailing-edge write gate used on
// the hot mutation paths (drag streams, cursor streams, viewport saves).
package throttle

import (
	"sync"
	"time"
)

// Gate coalesces bursts of work per key: the first Schedule arms a
// timer one interval out, further Schedules replace the queued payload,
// and the timer fires whatever payload is newest. At most one fire per
// interval per key.
//
// Cancel drops a queued payload without running it (a gesture commit
// writes its own final state); Flush runs it immediately (a session
// teardown persisting the last viewport).
type Gate struct {
	mu       sync.Mutex
	interval time.Duration
	pending  map[string]*entry
	gen      uint64
	closed   bool
}

type entry struct {
	timer *time.Timer
	fn    func()
	gen   uint64
}

// NewGate creates a gate with the given fire interval.
func NewGate(interval time.Duration) *Gate {
	if interval <= 0 {
		interval = 16 * time.Millisecond
	}
	return &Gate{
		interval: interval,
		pending:  make(map[string]*entry),
	}
}

// Interval returns the configured fire interval.
func (g *Gate) Interval() time.Duration {
	return g.interval
}

// Schedule queues fn on the key's next tick and reports whether it
// replaced an already-queued payload (the caller's previous state
// coalesced away).
func (g *Gate) Schedule(key string, fn func()) (coalesced bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	if e, ok := g.pending[key]; ok {
		e.fn = fn
		return true
	}
	g.gen++
	e := &entry{fn: fn, gen: g.gen}
	g.pending[key] = e
	e.timer = time.AfterFunc(g.interval, func() { g.fire(key, e.gen) })
	return false
}

func (g *Gate) fire(key string, gen uint64) {
	g.mu.Lock()
	e, ok := g.pending[key]
	if !ok || e.gen != gen {
		// Canceled or flushed between the timer firing and this lock.
		g.mu.Unlock()
		return
	}
	delete(g.pending, key)
	fn := e.fn
	g.mu.Unlock()
	fn()
}

// Cancel drops the key's queued payload and reports whether one was
// dropped.
func (g *Gate) Cancel(key string) bool {
	g.mu.Lock()
	e, ok := g.pending[key]
	if ok {
		delete(g.pending, key)
		e.timer.Stop()
	}
	g.mu.Unlock()
	return ok
}

// Flush runs the key's queued payload now instead of at its tick, and
// reports whether there was one.
func (g *Gate) Flush(key string) bool {
	g.mu.Lock()
	e, ok := g.pending[key]
	if ok {
		delete(g.pending, key)
		e.timer.Stop()
	}
	g.mu.Unlock()
	if ok {
		e.fn()
	}
	return ok
}

// Close cancels every queued payload and rejects further scheduling.
func (g *Gate) Close() {
	g.mu.Lock()
	g.closed = true
	for key, e := range g.pending {
		e.timer.Stop()
		delete(g.pending, key)
	}
	g.mu.Unlock()
}
