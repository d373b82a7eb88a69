package pipeline

import (
	"sync"
	"time"

	"github.com/bryanchriswhite/kgcapture/internal/frame"
	"github.com/bryanchriswhite/kgcapture/internal/validate"
)

// RegionStats is what happened to one region during a tick
type RegionStats struct {
	Name        string     `json:"name"`
	Window      string     `json:"window,omitempty"`
	Size        frame.Size `json:"size"`
	Disposition string     `json:"disposition"`
	Attempts    int        `json:"attempts"`
	Rejections  int        `json:"rejections"`
	Composited  bool       `json:"composited"`
	ErrorKind   Kind       `json:"error_kind,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Region dispositions beyond the validate package's
const (
	DispositionMissing = "missing"
	DispositionError   = "error"
)

// TickStats summarizes one tick
type TickStats struct {
	Tick            uint64        `json:"tick"`
	Started         time.Time     `json:"started"`
	Duration        time.Duration `json:"duration"`
	Layout          frame.Size    `json:"layout"`
	Relayout        bool          `json:"relayout"`
	Presented       bool          `json:"presented"`
	DeviceRecreated bool          `json:"device_recreated"`
	Regions         []RegionStats `json:"regions"`
}

// Totals are cumulative counters since Run started
type Totals struct {
	Ticks      uint64            `json:"ticks"`
	Accepted   uint64            `json:"accepted"`
	Stale      uint64            `json:"stale"`
	Skipped    uint64            `json:"skipped"`
	Rejections uint64            `json:"rejections"`
	Presented  uint64            `json:"presented"`
	Recreated  uint64            `json:"device_recreated"`
	Errors     map[string]uint64 `json:"errors"`
}

func (t *Totals) add(ts TickStats) {
	t.Ticks++
	if ts.Presented {
		t.Presented++
	}
	if ts.DeviceRecreated {
		t.Recreated++
	}
	for _, r := range ts.Regions {
		t.Rejections += uint64(r.Rejections)
		switch r.Disposition {
		case validate.Accepted.String():
			t.Accepted++
		case validate.Stale.String():
			t.Stale++
		case validate.Skipped.String():
			t.Skipped++
		}
		if r.Error != "" {
			if t.Errors == nil {
				t.Errors = make(map[string]uint64)
			}
			t.Errors[r.ErrorKind.String()]++
		}
	}
}

func (t Totals) clone() Totals {
	cp := t
	cp.Errors = make(map[string]uint64, len(t.Errors))
	for k, v := range t.Errors {
		cp.Errors[k] = v
	}
	return cp
}

// broadcaster fans tick stats out to subscribers; slow subscribers miss ticks.
// Once closed, new subscribers get an already-closed channel.
type broadcaster struct {
	mu     sync.RWMutex
	subs   map[chan TickStats]struct{}
	closed bool
}

func (b *broadcaster) subscribe(buffer int) (<-chan TickStats, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan TickStats, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	if b.subs == nil {
		b.subs = make(map[chan TickStats]struct{})
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
}

func (b *broadcaster) publish(ts TickStats) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- ts:
		default:
		}
	}
}

func (b *broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		close(ch)
	}
	b.subs = nil
	b.closed = true
}

func (b *broadcaster) count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
