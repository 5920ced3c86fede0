// Package avatar drives the 3D head's mouth from lip-sync cues and the reply
// audio clock.
package avatar

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/minacoach/internal/frameloop"
	"github.com/ent0n29/minacoach/internal/protocol"
)

// Mesh exposes a mesh's morph targets. MorphTargetDictionary returns nil until
// the model has loaded.
type Mesh interface {
	MorphTargetDictionary() map[string]int
	SetInfluence(index int, weight float64)
}

// Flusher is implemented by meshes that batch influence writes per frame.
type Flusher interface {
	Flush()
}

// Options tunes the animator.
type Options struct {
	// SpeedFactor scales elapsed playback time before cue lookup.
	SpeedFactor float64
	// Intensity is the influence applied to the active viseme.
	Intensity float64
	// Grace keeps the loop alive past the last cue after speech ends.
	Grace time.Duration
	Log   zerolog.Logger
}

// Select returns the first cue whose [start, end) interval contains elapsed.
func Select(cues []protocol.MouthCue, elapsed float64) (protocol.MouthCue, bool) {
	for _, c := range cues {
		if elapsed >= c.Start && elapsed < c.End {
			return c, true
		}
	}
	return protocol.MouthCue{}, false
}

// Animator runs one frame loop per loaded cue sequence. It reads cues and
// never modifies them.
type Animator struct {
	sched *frameloop.Scheduler
	head  Mesh
	teeth Mesh
	opts  Options
	log   zerolog.Logger

	mu         sync.Mutex
	cues       []protocol.MouthCue
	audioStart time.Time
	speaking   bool
	loop       *frameloop.Handle
	active     string
	frames     int
}

func New(sched *frameloop.Scheduler, head, teeth Mesh, opts Options) *Animator {
	if opts.SpeedFactor <= 0 {
		opts.SpeedFactor = 1
	}
	if opts.Intensity <= 0 {
		opts.Intensity = 1
	}
	if opts.Grace <= 0 {
		opts.Grace = 200 * time.Millisecond
	}
	return &Animator{
		sched: sched,
		head:  head,
		teeth: teeth,
		opts:  opts,
		log:   opts.Log.With().Str("component", "avatar").Logger(),
	}
}

// Load replaces the cue sequence and restarts the loop against audioStart.
// The previous loop is cancelled first so stale cues never animate.
func (a *Animator) Load(cues []protocol.MouthCue, audioStart time.Time) {
	a.cancelLoop()

	a.mu.Lock()
	a.cues = append([]protocol.MouthCue(nil), cues...)
	a.audioStart = audioStart
	a.speaking = true
	a.active = ""
	a.mu.Unlock()

	loop := a.sched.Start(a.frame)
	a.mu.Lock()
	a.loop = loop
	a.mu.Unlock()
	a.log.Debug().Int("cues", len(cues)).Msg("cues loaded")
}

// SetSpeaking marks whether reply audio is still playing. Once false the loop
// winds down after the last cue plus the grace period.
func (a *Animator) SetSpeaking(speaking bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.speaking = speaking
}

// Stop cancels the loop, drops the cues and leaves the mouth closed.
func (a *Animator) Stop() {
	a.cancelLoop()
	a.mu.Lock()
	a.cues = nil
	a.speaking = false
	a.active = ""
	a.mu.Unlock()
	a.resetMouth()
}

// Cues returns a copy of the sequence currently animated.
func (a *Animator) Cues() []protocol.MouthCue {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]protocol.MouthCue(nil), a.cues...)
}

// ActiveValue is the cue value applied on the latest frame, or "".
func (a *Animator) ActiveValue() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// Running reports whether a frame loop is alive.
func (a *Animator) Running() bool {
	a.mu.Lock()
	loop := a.loop
	a.mu.Unlock()
	return loop.Running()
}

func (a *Animator) cancelLoop() {
	a.mu.Lock()
	loop := a.loop
	a.loop = nil
	a.mu.Unlock()
	loop.Cancel()
	loop.Wait()
}

// Step evaluates one frame at now and reports whether the loop should
// continue. The frame loop calls it; tests may too.
func (a *Animator) Step(now time.Time) bool {
	return a.frame(now)
}

func (a *Animator) frame(now time.Time) bool {
	if a.head.MorphTargetDictionary() == nil {
		// Model still loading; try again next frame.
		return true
	}

	a.mu.Lock()
	cues := a.cues
	elapsed := now.Sub(a.audioStart).Seconds() * a.opts.SpeedFactor
	speaking := a.speaking
	a.mu.Unlock()

	a.resetInfluences()
	cue, ok := Select(cues, elapsed)
	value := ""
	if ok {
		intensity := a.opts.Intensity
		if cue.Intensity != nil {
			intensity = *cue.Intensity
		}
		if morph, known := MorphFor(cue.Value); known {
			a.apply(morph, intensity)
			value = cue.Value
		}
	}
	a.flush()

	a.mu.Lock()
	a.active = value
	a.frames++
	a.mu.Unlock()

	if !speaking && elapsed > lastEnd(cues)+a.opts.Grace.Seconds() {
		a.resetMouth()
		a.mu.Lock()
		a.active = ""
		a.mu.Unlock()
		return false
	}
	return true
}

func lastEnd(cues []protocol.MouthCue) float64 {
	if len(cues) == 0 {
		return 0
	}
	return cues[len(cues)-1].End
}

func (a *Animator) meshes() []Mesh {
	out := []Mesh{a.head}
	if a.teeth != nil {
		out = append(out, a.teeth)
	}
	return out
}

func (a *Animator) resetInfluences() {
	for _, m := range a.meshes() {
		dict := m.MorphTargetDictionary()
		for _, name := range MorphTargets() {
			if idx, ok := dict[name]; ok {
				m.SetInfluence(idx, 0)
			}
		}
	}
}

func (a *Animator) apply(morph string, weight float64) {
	for _, m := range a.meshes() {
		if idx, ok := m.MorphTargetDictionary()[morph]; ok {
			m.SetInfluence(idx, weight)
		}
	}
}

func (a *Animator) flush() {
	for _, m := range a.meshes() {
		if f, ok := m.(Flusher); ok {
			f.Flush()
		}
	}
}

func (a *Animator) resetMouth() {
	if a.head.MorphTargetDictionary() == nil {
		return
	}
	a.resetInfluences()
	a.flush()
}
