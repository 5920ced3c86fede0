package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/minacoach/internal/audio"
	"github.com/ent0n29/minacoach/internal/clock"
	"github.com/ent0n29/minacoach/internal/protocol"
	"github.com/ent0n29/minacoach/internal/recorder"
	"github.com/ent0n29/minacoach/internal/session"
	"github.com/ent0n29/minacoach/internal/timer"
	"github.com/ent0n29/minacoach/internal/voice"
)

// liveStream hands out its audio on the first read, then blocks like an open
// device until closed.
type liveStream struct {
	data   []byte
	err    error
	sent   atomic.Bool
	once   sync.Once
	closed chan struct{}
}

func (s *liveStream) Format() audio.Format { return audio.DefaultFormat }

func (s *liveStream) Read(p []byte) (int, error) {
	if !s.sent.Swap(true) {
		return copy(p, s.data), nil
	}
	if s.err != nil {
		return 0, s.err
	}
	<-s.closed
	return 0, io.EOF
}

func (s *liveStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type stubMic struct {
	err     error
	readErr error
	opens   atomic.Int32
}

func (m *stubMic) Open(context.Context) (recorder.Stream, error) {
	m.opens.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	return &liveStream{data: make([]byte, 3200), err: m.readErr, closed: make(chan struct{})}, nil
}

type stubTurns struct {
	mu       sync.Mutex
	state    voice.State
	stops    atomic.Int32
	handoffs atomic.Int32
}

func (t *stubTurns) setState(s voice.State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *stubTurns) State() voice.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *stubTurns) StopPlayback() { t.stops.Add(1) }

func (t *stubTurns) HandleRecording(context.Context, recorder.Recording) error {
	t.handoffs.Add(1)
	return nil
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type stubQuota struct{ ends atomic.Int32 }

func (q *stubQuota) EndSession(context.Context, string) (protocol.QuotaResponse, error) {
	q.ends.Add(1)
	return protocol.QuotaResponse{Success: true, RemainingSessions: 2}, nil
}

func (q *stubQuota) RemainingSessions(context.Context, string) (int, error) { return 3, nil }

type stubPipeline struct{}

func (stubPipeline) SessionID() string                      { return "s1" }
func (stubPipeline) SessionActive() bool                    { return true }
func (stubPipeline) SendEndOfSession(context.Context) error { return nil }
func (stubPipeline) RequestReport()                         {}
func (stubPipeline) AwaitReport(context.Context) (protocol.ReportData, error) {
	return protocol.ReportData{}, voice.ErrNoReport
}
func (stubPipeline) StopPlayback() {}
func (stubPipeline) Reset()        {}
func (stubPipeline) Close()        {}

type wiredRecorder struct {
	turns   *stubTurns
	quota   *stubQuota
	timer   *timer.Timer
	manager *session.Manager
	rec     *recorder.Controller
	out     *lockedBuffer
}

func newWiredRecorder(t *testing.T, mic recorder.Microphone) *wiredRecorder {
	t.Helper()
	clk := clock.NewManual(time.Unix(0, 0))
	w := &wiredRecorder{
		turns: &stubTurns{state: voice.StateIdle},
		quota: &stubQuota{},
		timer: timer.New(time.Minute, clk, nil),
		out:   &lockedBuffer{},
	}
	w.rec = recorder.New(recorderOptions(mic, w.turns, func() error { return w.manager.Touch() }, w.out, zerolog.Nop()))
	w.manager = session.New(session.Options{
		UserID:   "u1",
		Pipeline: stubPipeline{},
		Quota:    w.quota,
		Timer:    w.timer,
		Recorder: w.rec,
		Clock:    clk,
		Log:      zerolog.Nop(),
	})
	_, err := w.manager.Begin(context.Background())
	require.NoError(t, err)
	return w
}

func TestDeniedMicrophoneNeverStartsTheSessionClock(t *testing.T) {
	w := newWiredRecorder(t, &stubMic{err: recorder.ErrPermissionDenied})

	require.ErrorIs(t, w.rec.Toggle(context.Background()), recorder.ErrPermissionDenied)
	assert.False(t, w.rec.Recording())
	assert.False(t, w.timer.Active())

	w.manager.Close(context.Background())
	assert.Zero(t, w.quota.ends.Load())
	assert.Nil(t, w.manager.Summary())
}

func TestRecordingStartStartsTheSessionClock(t *testing.T) {
	w := newWiredRecorder(t, &stubMic{})

	require.NoError(t, w.rec.Toggle(context.Background()))
	assert.True(t, w.rec.Recording())
	assert.True(t, w.timer.Active())
	assert.EqualValues(t, 1, w.turns.stops.Load())

	w.manager.Close(context.Background())
	assert.EqualValues(t, 1, w.quota.ends.Load())
}

func TestRecordingRefusedWhileTurnInFlight(t *testing.T) {
	mic := &stubMic{}
	w := newWiredRecorder(t, mic)

	for _, st := range []voice.State{voice.StateTranscribing, voice.StateAwaitingReply, voice.StateGeneratingAudioAndCues, voice.StateStreaming} {
		w.turns.setState(st)
		require.ErrorIs(t, w.rec.Toggle(context.Background()), voice.ErrTurnInFlight, st)
		assert.False(t, w.rec.Recording(), st)
	}
	assert.Zero(t, mic.opens.Load())
	assert.Zero(t, w.turns.stops.Load())
	assert.False(t, w.timer.Active())

	// Playback is interrupted, not refused.
	w.turns.setState(voice.StatePlaying)
	require.NoError(t, w.rec.Toggle(context.Background()))
	assert.True(t, w.rec.Recording())

	// Stopping stays allowed whatever the pipeline is doing.
	w.turns.setState(voice.StateAwaitingReply)
	require.NoError(t, w.rec.Toggle(context.Background()))
	assert.False(t, w.rec.Recording())
	assert.EqualValues(t, 1, w.turns.handoffs.Load())
}

func TestCaptureFailureIsShownToTheUser(t *testing.T) {
	w := newWiredRecorder(t, &stubMic{readErr: errors.New("device unplugged")})

	require.NoError(t, w.rec.Toggle(context.Background()))
	assert.Eventually(t, func() bool {
		return strings.Contains(w.out.String(), "device unplugged")
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, w.out.String(), "recording stopped")
	assert.False(t, w.rec.Recording())
	assert.Zero(t, w.turns.handoffs.Load())
}
