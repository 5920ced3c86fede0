// Package frameloop schedules per-frame callbacks, the Go counterpart of a
// browser animation-frame loop.
package frameloop

import (
	"sync"
	"time"

	"github.com/ent0n29/minacoach/internal/clock"
)

// DefaultInterval targets 60 frames per second.
const DefaultInterval = time.Second / 60

// FrameFunc runs once per frame. Returning false ends the loop.
type FrameFunc func(now time.Time) bool

// Scheduler starts cancellable frame loops on a shared clock.
type Scheduler struct {
	clock    clock.Clock
	interval time.Duration
}

func NewScheduler(clk clock.Clock, interval time.Duration) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{clock: clk, interval: interval}
}

func (s *Scheduler) Clock() clock.Clock { return s.clock }

// Start runs fn every frame until it returns false or the handle is cancelled.
func (s *Scheduler) Start(fn FrameFunc) *Handle {
	h := &Handle{
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}
	ticker := s.clock.NewTicker(s.interval)
	go func() {
		defer close(h.done)
		defer ticker.Stop()
		for {
			select {
			case <-h.cancel:
				return
			case now := <-ticker.C():
				select {
				case <-h.cancel:
					return
				default:
				}
				if !fn(now) {
					return
				}
			}
		}
	}()
	return h
}

// Handle controls one running loop.
type Handle struct {
	once   sync.Once
	cancel chan struct{}
	done   chan struct{}
}

// Cancel asks the loop to stop before its next frame. It is safe to call
// repeatedly, on a nil handle, and from inside the frame callback.
func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	h.once.Do(func() { close(h.cancel) })
}

// Wait blocks until the loop has exited.
func (h *Handle) Wait() {
	if h == nil {
		return
	}
	<-h.done
}

// Done is closed once the loop goroutine has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Running reports whether the loop goroutine is still alive.
func (h *Handle) Running() bool {
	if h == nil {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}
