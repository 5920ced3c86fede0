// Package recorder captures microphone audio in one-second slices and hands
// the finished recording to the voice pipeline.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/minacoach/internal/audio"
)

// ErrPermissionDenied is returned when the microphone cannot be opened
// because access was refused.
var ErrPermissionDenied = errors.New("microphone permission denied")

// ErrEmptyRecording is returned when capture stopped before any audio arrived.
var ErrEmptyRecording = errors.New("no audio captured")

// Stream is an open microphone. Close releases the device and unblocks Read.
type Stream interface {
	io.Reader
	Format() audio.Format
	Close() error
}

// Microphone acquires capture streams.
type Microphone interface {
	Open(ctx context.Context) (Stream, error)
}

// Recording is one finished capture, packaged for transcription.
type Recording struct {
	Audio    []byte
	MimeType string
	Duration time.Duration
	Slices   int
}

// Handoff receives each finished recording exactly once.
type Handoff func(rec Recording) error

// Options wires a Controller.
type Options struct {
	Microphone Microphone
	Handoff    Handoff
	// Gate is consulted before anything else on Start; a non-nil error
	// refuses the recording and is returned as is.
	Gate func() error
	// BeforeStart runs before the microphone is opened, e.g. to stop reply
	// playback so audio never overlaps.
	BeforeStart func()
	// OnStarted runs once capture is running.
	OnStarted func()
	// OnError receives capture failures that end a recording after it
	// started. The captured audio is discarded.
	OnError func(err error)
	// Tap receives live PCM for level metering while recording.
	Tap         func(format audio.Format) io.WriteCloser
	SliceLength time.Duration
	Log         zerolog.Logger
}

// Controller flips between idle and recording on Toggle.
type Controller struct {
	opts Options
	log  zerolog.Logger

	mu        sync.Mutex
	recording bool
	stream    Stream
	capture   *capture
}

func New(opts Options) *Controller {
	if opts.SliceLength <= 0 {
		opts.SliceLength = time.Second
	}
	return &Controller{opts: opts, log: opts.Log.With().Str("component", "recorder").Logger()}
}

// Recording reports whether capture is in progress.
func (c *Controller) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

// Toggle starts capture when idle; when recording it stops capture, releases
// the microphone and hands the recording off.
func (c *Controller) Toggle(ctx context.Context) error {
	c.mu.Lock()
	recording := c.recording
	c.mu.Unlock()
	if recording {
		return c.Stop()
	}
	return c.Start(ctx)
}

// Start opens the microphone and begins capture. A permission error leaves
// the controller idle and is not retried.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.recording {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if c.opts.Gate != nil {
		if err := c.opts.Gate(); err != nil {
			return err
		}
	}
	if c.opts.BeforeStart != nil {
		c.opts.BeforeStart()
	}

	stream, err := c.opts.Microphone.Open(ctx)
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			c.log.Warn().Err(err).Msg("microphone access refused")
			return fmt.Errorf("microphone access is blocked, allow it and try again: %w", err)
		}
		c.log.Error().Err(err).Msg("microphone open failed")
		return fmt.Errorf("open microphone: %w", err)
	}

	var tap io.WriteCloser
	if c.opts.Tap != nil {
		tap = c.opts.Tap(stream.Format())
	}
	cp := newCapture(stream, tap, c.opts.SliceLength)

	c.mu.Lock()
	c.recording = true
	c.stream = stream
	c.capture = cp
	c.mu.Unlock()

	go cp.run(func(err error) { c.onCaptureError(cp, err) })
	c.log.Info().Int("sample_rate", stream.Format().SampleRate).Msg("recording started")
	if c.opts.OnStarted != nil {
		c.opts.OnStarted()
	}
	return nil
}

// Stop ends capture and delivers the recording. Stopping an idle controller
// is a no-op.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if !c.recording {
		c.mu.Unlock()
		return nil
	}
	cp := c.capture
	stream := c.stream
	c.recording = false
	c.capture = nil
	c.stream = nil
	c.mu.Unlock()

	cp.stop()
	_ = stream.Close()
	<-cp.done
	cp.closeTap()

	pcm, slices := cp.result()
	if len(pcm) == 0 {
		c.log.Warn().Msg("recording stopped with no audio")
		return ErrEmptyRecording
	}
	format := stream.Format()
	wav, err := audio.EncodeWAV(pcm, format)
	if err != nil {
		return fmt.Errorf("package recording: %w", err)
	}
	rec := Recording{
		Audio:    wav,
		MimeType: audio.WAVMimeType,
		Duration: format.Duration(len(pcm)),
		Slices:   slices,
	}
	c.log.Info().Dur("duration", rec.Duration).Int("slices", slices).Msg("recording stopped")
	if c.opts.Handoff == nil {
		return nil
	}
	return c.opts.Handoff(rec)
}

// Cancel discards any capture in progress without a handoff.
func (c *Controller) Cancel() {
	c.mu.Lock()
	if !c.recording {
		c.mu.Unlock()
		return
	}
	cp := c.capture
	stream := c.stream
	c.recording = false
	c.capture = nil
	c.stream = nil
	c.mu.Unlock()

	cp.stop()
	_ = stream.Close()
	<-cp.done
	cp.closeTap()
	c.log.Info().Msg("recording cancelled")
}

func (c *Controller) onCaptureError(cp *capture, err error) {
	c.mu.Lock()
	if c.capture != cp {
		c.mu.Unlock()
		return
	}
	stream := c.stream
	c.recording = false
	c.capture = nil
	c.stream = nil
	c.mu.Unlock()

	_ = stream.Close()
	cp.closeTap()
	c.log.Error().Err(err).Msg("capture failed, microphone released")
	if c.opts.OnError != nil {
		c.opts.OnError(fmt.Errorf("recording stopped: %w", err))
	}
}

type capture struct {
	stream   Stream
	tap      io.WriteCloser
	sliceLen int

	mu       sync.Mutex
	slices   [][]byte
	pending  []byte
	stopping bool
	done     chan struct{}
	tapOnce  sync.Once
}

func newCapture(stream Stream, tap io.WriteCloser, slice time.Duration) *capture {
	n := int(float64(stream.Format().BytesPerSecond()) * slice.Seconds())
	n -= n % 2
	if n <= 0 {
		n = 2
	}
	return &capture{stream: stream, tap: tap, sliceLen: n, done: make(chan struct{})}
}

func (cp *capture) run(onError func(error)) {
	defer close(cp.done)
	buf := make([]byte, 4096)
	for {
		n, err := cp.stream.Read(buf)
		if n > 0 {
			cp.append(buf[:n])
		}
		if err == nil {
			continue
		}
		cp.mu.Lock()
		stopping := cp.stopping
		cp.mu.Unlock()
		if stopping || errors.Is(err, io.EOF) {
			// Source exhausted: keep what we have until the user stops.
			return
		}
		onError(err)
		return
	}
}

func (cp *capture) append(p []byte) {
	if cp.tap != nil {
		_, _ = cp.tap.Write(p)
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.pending = append(cp.pending, p...)
	for len(cp.pending) >= cp.sliceLen {
		slice := make([]byte, cp.sliceLen)
		copy(slice, cp.pending[:cp.sliceLen])
		cp.slices = append(cp.slices, slice)
		cp.pending = cp.pending[cp.sliceLen:]
	}
}

func (cp *capture) stop() {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.stopping = true
}

func (cp *capture) closeTap() {
	cp.tapOnce.Do(func() {
		if cp.tap != nil {
			_ = cp.tap.Close()
		}
	})
}

// result flushes the partial slice and joins everything captured.
func (cp *capture) result() ([]byte, int) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if len(cp.pending) > 0 {
		cp.slices = append(cp.slices, cp.pending)
		cp.pending = nil
	}
	total := 0
	for _, s := range cp.slices {
		total += len(s)
	}
	out := make([]byte, 0, total)
	for _, s := range cp.slices {
		out = append(out, s...)
	}
	return out, len(cp.slices)
}
