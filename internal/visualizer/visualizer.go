// Package visualizer turns live audio levels into a scale factor for the
// recording/playback affordance.
//
// The scale is pushed straight into a ScaleHandle every frame instead of
// flowing through session state; the handle is the only side effect.
package visualizer

import (
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/minacoach/internal/audio"
	"github.com/ent0n29/minacoach/internal/frameloop"
)

const (
	SourceInput  = "input"
	SourceOutput = "output"

	NeutralScale = 1.0
)

// ScaleHandle is the imperative escape hatch into the renderer.
type ScaleHandle interface {
	SetScale(source string, scale float64)
}

// Options configures the level-to-scale mapping.
type Options struct {
	MinScale float64
	MaxScale float64
	FFTSize  int
	Log      zerolog.Logger
}

// Visualizer owns at most one analyser at a time.
type Visualizer struct {
	sched  *frameloop.Scheduler
	handle ScaleHandle
	opts   Options
	log    zerolog.Logger

	mu       sync.Mutex
	analyser *audio.Analyser
	loop     *frameloop.Handle
	source   string
}

func New(sched *frameloop.Scheduler, handle ScaleHandle, opts Options) *Visualizer {
	if opts.MinScale <= 0 {
		opts.MinScale = NeutralScale
	}
	if opts.MaxScale <= opts.MinScale {
		opts.MaxScale = opts.MinScale + 0.5
	}
	if opts.FFTSize <= 0 {
		opts.FFTSize = audio.DefaultFFTSize
	}
	return &Visualizer{
		sched:  sched,
		handle: handle,
		opts:   opts,
		log:    opts.Log.With().Str("component", "visualizer").Logger(),
	}
}

// ScaleFor maps a mean frequency level (0..255) into [min, max].
func (v *Visualizer) ScaleFor(level float64) float64 {
	if level < 0 {
		level = 0
	}
	if level > 255 {
		level = 255
	}
	return v.opts.MinScale + level/255*(v.opts.MaxScale-v.opts.MinScale)
}

// Attach tears down any current analyser and starts metering a new source.
// Write PCM16 into the returned tap; closing it detaches if the tap is still
// current.
func (v *Visualizer) Attach(source string) io.WriteCloser {
	an := audio.NewAnalyser(v.opts.FFTSize)
	loop := v.sched.Start(func(time.Time) bool {
		if an.Closed() {
			return false
		}
		v.handle.SetScale(source, v.ScaleFor(an.MeanLevel()))
		return true
	})

	// Swap under the lock so concurrent attaches each release what they
	// replaced.
	v.mu.Lock()
	oldAn, oldLoop, oldSource := v.analyser, v.loop, v.source
	v.analyser = an
	v.loop = loop
	v.source = source
	v.mu.Unlock()
	v.teardown(oldAn, oldLoop, oldSource)
	v.log.Debug().Str("source", source).Msg("analyser attached")
	return &tap{v: v, an: an}
}

// Detach cancels the frame loop, closes the analyser and resets the scale.
// Safe to call when nothing is attached.
func (v *Visualizer) Detach() {
	v.mu.Lock()
	an, loop, source := v.analyser, v.loop, v.source
	v.analyser, v.loop, v.source = nil, nil, ""
	v.mu.Unlock()
	v.teardown(an, loop, source)
}

func (v *Visualizer) detachIf(an *audio.Analyser) {
	v.mu.Lock()
	if v.analyser != an {
		v.mu.Unlock()
		return
	}
	loop, source := v.loop, v.source
	v.analyser, v.loop, v.source = nil, nil, ""
	v.mu.Unlock()
	v.teardown(an, loop, source)
}

func (v *Visualizer) teardown(an *audio.Analyser, loop *frameloop.Handle, source string) {
	if an == nil {
		return
	}
	loop.Cancel()
	loop.Wait()
	an.Close()
	v.handle.SetScale(source, NeutralScale)
	v.log.Debug().Str("source", source).Msg("analyser released")
}

// Active reports the attached source, or "" when idle.
func (v *Visualizer) Active() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.source
}

type tap struct {
	v    *Visualizer
	an   *audio.Analyser
	once sync.Once
}

func (t *tap) Write(p []byte) (int, error) { return t.an.Write(p) }

func (t *tap) Close() error {
	t.once.Do(func() { t.v.detachIf(t.an) })
	return nil
}
