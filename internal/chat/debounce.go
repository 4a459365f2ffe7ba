package chat

import (
	"sync"
	"time"
)

// Debouncer coalesces bursts of ids into one flush after a fixed delay.
// It is a debounce, not a queue: a newly scheduled flush does not wait
// for a prior one to finish, so overlapping flushes are possible and
// each is independently best-effort.
type Debouncer struct {
	delay time.Duration
	flush func(ids []string)

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
	stopped bool
}

// NewDebouncer creates a debouncer that invokes flush with the
// accumulated set after delay has elapsed since the first Add of a
// batch.
func NewDebouncer(delay time.Duration, flush func(ids []string)) *Debouncer {
	return &Debouncer{
		delay:   delay,
		flush:   flush,
		pending: make(map[string]struct{}),
	}
}

// Add merges ids into the pending set and arms the timer if no batch is
// currently accumulating.
func (d *Debouncer) Add(ids ...string) {
	if len(ids) == 0 {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	for _, id := range ids {
		d.pending[id] = struct{}{}
	}

	if d.timer == nil {
		d.timer = time.AfterFunc(d.delay, d.fire)
	}
}

func (d *Debouncer) fire() {
	d.mu.Lock()

	if d.stopped {
		d.mu.Unlock()
		return
	}

	ids := make([]string, 0, len(d.pending))
	for id := range d.pending {
		ids = append(ids, id)
	}

	d.pending = make(map[string]struct{})
	d.timer = nil
	d.mu.Unlock()

	if len(ids) > 0 {
		d.flush(ids)
	}
}

// Stop discards any pending batch and prevents further flushes. Safe to
// call multiple times.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	d.stopped = true

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}

	d.pending = make(map[string]struct{})
}
