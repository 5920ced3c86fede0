// Package playback turns synthesized WAV replies into playable handles with
// an onPlay/onEnded/onError contract.
package playback

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/ent0n29/minacoach/internal/audio"
	"github.com/ent0n29/minacoach/internal/clock"
)

// Callbacks are invoked at most once each per Play. OnEnded and OnError are
// mutually exclusive; neither fires after Stop.
type Callbacks struct {
	OnPlay  func(startedAt time.Time)
	OnEnded func()
	OnError func(error)
}

// Handle is a single playable reply.
type Handle interface {
	Play(cb Callbacks) error
	Stop()
	Duration() time.Duration
	// SetTap mirrors played PCM16 into w in real time, for level metering.
	SetTap(w io.Writer)
}

// Player builds handles from WAV payloads.
type Player interface {
	Load(wav []byte) (Handle, error)
}

var (
	ErrAlreadyPlayed = errors.New("playback: handle already played")
	ErrStopped       = errors.New("playback: handle stopped")
)

const paceInterval = 20 * time.Millisecond

// pacer streams PCM to a tap at wall-clock speed and reports when the audio
// has been fully "played".
type pacer struct {
	clock  clock.Clock
	pcm    []byte
	format audio.Format

	mu      sync.Mutex
	tap     io.Writer
	started bool
	stopped bool
	stopCh  chan struct{}
}

func newPacer(clk clock.Clock, wav []byte) (*pacer, error) {
	pcm, format, err := audio.DecodeWAV(wav)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &pacer{clock: clk, pcm: pcm, format: format, stopCh: make(chan struct{})}, nil
}

func (p *pacer) Duration() time.Duration { return p.format.Duration(len(p.pcm)) }

func (p *pacer) SetTap(w io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tap = w
}

// start begins pacing; done is called with true when every byte was played.
func (p *pacer) start(done func(completed bool)) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	if p.started {
		p.mu.Unlock()
		return ErrAlreadyPlayed
	}
	p.started = true
	p.mu.Unlock()

	chunk := p.format.BytesPerSecond() * int(paceInterval) / int(time.Second)
	chunk -= chunk % 2
	if chunk <= 0 {
		chunk = 2
	}
	ticker := p.clock.NewTicker(paceInterval)
	go func() {
		defer ticker.Stop()
		pos := 0
		for pos < len(p.pcm) {
			select {
			case <-p.stopCh:
				done(false)
				return
			case <-ticker.C():
			}
			end := pos + chunk
			if end > len(p.pcm) {
				end = len(p.pcm)
			}
			p.mu.Lock()
			tap := p.tap
			p.mu.Unlock()
			if tap != nil {
				_, _ = tap.Write(p.pcm[pos:end])
			}
			pos = end
		}
		select {
		case <-p.stopCh:
			done(false)
		default:
			done(true)
		}
	}()
	return nil
}

func (p *pacer) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	close(p.stopCh)
}

// TimedPlayer "plays" audio by pacing it against a clock without an output
// device. It backs headless runs and tests.
type TimedPlayer struct {
	Clock clock.Clock
}

func (t TimedPlayer) Load(wav []byte) (Handle, error) {
	p, err := newPacer(t.Clock, wav)
	if err != nil {
		return nil, err
	}
	return &timedHandle{pacer: p}, nil
}

type timedHandle struct {
	*pacer
}

func (h *timedHandle) Play(cb Callbacks) error {
	startedAt := h.clock.Now()
	err := h.start(func(completed bool) {
		if completed && cb.OnEnded != nil {
			cb.OnEnded()
		}
	})
	if err != nil {
		return err
	}
	if cb.OnPlay != nil {
		cb.OnPlay(startedAt)
	}
	return nil
}

func (h *timedHandle) Stop() { h.stop() }
