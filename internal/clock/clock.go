// Package clock abstracts wall-clock time so countdowns and frame loops can be
// driven deterministically in tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is the subset of the time package the coaching runtime depends on.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker mirrors time.Ticker behind an interface.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

// Manual is a Clock that only moves when Advance is called.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*manualTicker
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTicker{
		owner:  m,
		period: d,
		next:   m.now.Add(d),
		ch:     make(chan time.Time, 1),
	}
	m.tickers = append(m.tickers, t)
	return t
}

// Advance moves the clock forward, delivering every tick that falls inside the
// window. Each delivery blocks until the ticker's consumer has taken the
// previous tick, so consumers observe ticks one by one.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		var due *manualTicker
		active := m.tickers[:0]
		for _, t := range m.tickers {
			if !t.stopped {
				active = append(active, t)
			}
		}
		m.tickers = active
		sort.Slice(active, func(i, j int) bool { return active[i].next.Before(active[j].next) })
		if len(active) > 0 && !active[0].next.After(target) {
			due = active[0]
			m.now = due.next
			due.next = due.next.Add(due.period)
		}
		if due == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		at := m.now
		m.mu.Unlock()
		due.deliver(at)
	}
}

// TickerCount reports how many tickers are still running.
func (m *Manual) TickerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tickers {
		if !t.stopped {
			n++
		}
	}
	return n
}

type manualTicker struct {
	owner   *Manual
	period  time.Duration
	next    time.Time
	ch      chan time.Time
	stopped bool
	mu      sync.Mutex
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }

func (t *manualTicker) Stop() {
	t.owner.mu.Lock()
	t.stopped = true
	t.owner.mu.Unlock()
}

func (t *manualTicker) deliver(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ch <- at
	// Wait for the consumer to drain so Advance is synchronous per tick.
	for len(t.ch) > 0 {
		t.owner.mu.Lock()
		stopped := t.stopped
		t.owner.mu.Unlock()
		if stopped {
			select {
			case <-t.ch:
			default:
			}
			return
		}
		time.Sleep(50 * time.Microsecond)
	}
}
