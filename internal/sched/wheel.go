package sched

import (
	"context"
	"sync"
	"time"
)

// Wheel is a hashed timer wheel. Expiries share a fixed set of slots
// instead of one runtime timer per command, so thousands of in-flight
// timeouts cost one ticker goroutine.
type Wheel struct {
	tick  time.Duration
	slots []map[uint64]*entry

	mu     sync.Mutex
	cursor int
	nextID uint64
	index  map[uint64]*entry
}

type entry struct {
	id     uint64
	slot   int
	rounds int
	fn     func()
}

// NewWheel creates a wheel with the given tick resolution and slot count.
func NewWheel(tick time.Duration, slotCount int) *Wheel {
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}
	if slotCount <= 0 {
		slotCount = 64
	}
	slots := make([]map[uint64]*entry, slotCount)
	for i := range slots {
		slots[i] = make(map[uint64]*entry)
	}
	return &Wheel{
		tick:  tick,
		slots: slots,
		index: make(map[uint64]*entry),
	}
}

// Schedule registers fn to run after d and returns a cancellation handle.
// The callback runs on the wheel goroutine and must not block.
func (w *Wheel) Schedule(d time.Duration, fn func()) uint64 {
	ticks := int(d / w.tick)
	if ticks < 1 {
		ticks = 1
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextID++
	// ticks-1: an expiry exactly one rotation out lands on the cursor's
	// own slot and must fire on the first visit, not the second
	e := &entry{
		id:     w.nextID,
		slot:   (w.cursor + ticks) % len(w.slots),
		rounds: (ticks - 1) / len(w.slots),
		fn:     fn,
	}
	w.slots[e.slot][e.id] = e
	w.index[e.id] = e
	return e.id
}

// Cancel removes a scheduled callback. Returns false if it already fired
// or was cancelled before.
func (w *Wheel) Cancel(id uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.index[id]
	if !ok {
		return false
	}
	delete(w.index, id)
	delete(w.slots[e.slot], id)
	return true
}

// Pending returns the number of scheduled callbacks.
func (w *Wheel) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.index)
}

// Run advances the wheel until the context is done.
func (w *Wheel) Run(ctx context.Context) {
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, fn := range w.advance() {
				fn()
			}
		}
	}
}

// advance moves the cursor one slot and collects expired callbacks.
func (w *Wheel) advance() []func() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.cursor = (w.cursor + 1) % len(w.slots)
	slot := w.slots[w.cursor]
	if len(slot) == 0 {
		return nil
	}

	var due []func()
	for id, e := range slot {
		if e.rounds > 0 {
			e.rounds--
			continue
		}
		delete(slot, id)
		delete(w.index, id)
		due = append(due, e.fn)
	}
	return due
}
