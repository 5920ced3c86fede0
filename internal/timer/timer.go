// Package timer implements the bounded coaching-session countdown.
package timer

import (
	"fmt"
	"sync"
	"time"

	"github.com/ent0n29/minacoach/internal/clock"
)

// DefaultDuration caps a coaching session.
const DefaultDuration = 15 * time.Minute

// Snapshot is a point-in-time view of the countdown.
type Snapshot struct {
	RemainingSeconds int  `json:"remaining_seconds"`
	Active           bool `json:"active"`
}

// Timer counts a session down in whole seconds. OnTimeUp fires exactly once
// per active period, and never after Stop.
type Timer struct {
	mu        sync.Mutex
	clock     clock.Clock
	duration  int
	remaining int
	active    bool
	stopCh    chan struct{}
	onTimeUp  func()
	onTick    func(Snapshot)
}

func New(duration time.Duration, clk clock.Clock, onTimeUp func()) *Timer {
	if duration <= 0 {
		duration = DefaultDuration
	}
	if clk == nil {
		clk = clock.Real()
	}
	secs := int(duration / time.Second)
	if secs <= 0 {
		secs = 1
	}
	return &Timer{
		clock:     clk,
		duration:  secs,
		remaining: secs,
		onTimeUp:  onTimeUp,
	}
}

// SetTickHook registers a callback invoked after every elapsed second.
func (t *Timer) SetTickHook(hook func(Snapshot)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTick = hook
}

// SetTimeUp replaces the expiry callback.
func (t *Timer) SetTimeUp(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTimeUp = fn
}

// Start begins counting down. Calling Start on a running or exhausted timer is
// a no-op; an exhausted timer needs Reset first.
func (t *Timer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active || t.remaining <= 0 {
		return
	}
	t.active = true
	stopCh := make(chan struct{})
	t.stopCh = stopCh
	ticker := t.clock.NewTicker(time.Second)
	go t.run(ticker, stopCh)
}

func (t *Timer) run(ticker clock.Ticker, stopCh chan struct{}) {
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C():
			if t.tick(stopCh) {
				return
			}
		}
	}
}

// tick reports whether the run loop should exit.
func (t *Timer) tick(stopCh chan struct{}) bool {
	t.mu.Lock()
	if !t.active || t.stopCh != stopCh {
		t.mu.Unlock()
		return true
	}
	t.remaining--
	var fire func()
	if t.remaining <= 0 {
		t.remaining = 0
		t.active = false
		t.stopCh = nil
		fire = t.onTimeUp
	}
	snap := Snapshot{RemainingSeconds: t.remaining, Active: t.active}
	hook := t.onTick
	t.mu.Unlock()

	if hook != nil {
		hook(snap)
	}
	if !snap.Active {
		if fire != nil {
			fire()
		}
		return true
	}
	return false
}

// Stop halts the countdown. Safe to call any number of times.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return
	}
	t.active = false
	close(t.stopCh)
	t.stopCh = nil
}

// Reset stops the countdown and restores the full duration.
func (t *Timer) Reset() {
	t.Stop()
	t.mu.Lock()
	t.remaining = t.duration
	t.mu.Unlock()
}

func (t *Timer) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

func (t *Timer) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remaining
}

func (t *Timer) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{RemainingSeconds: t.remaining, Active: t.active}
}

// Formatted renders the remaining time as mm:ss.
func (t *Timer) Formatted() string {
	return FormatSeconds(t.Remaining())
}

func FormatSeconds(secs int) string {
	if secs < 0 {
		secs = 0
	}
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
