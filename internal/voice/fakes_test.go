package voice

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ent0n29/minacoach/internal/coachapi"
	"github.com/ent0n29/minacoach/internal/playback"
	"github.com/ent0n29/minacoach/internal/protocol"
)

type fakeBackend struct {
	mu sync.Mutex

	transcript string
	sttErr     error
	sttGate    chan struct{}

	chat   func(req protocol.ChatRequest) (protocol.ChatResponse, error)
	stream func(req protocol.ChatRequest, onToken coachapi.TokenHandler) (protocol.StreamEvent, error)

	ttsErr  error
	cuesErr error
	cuesFor func(text string) []protocol.MouthCue

	report    protocol.ReportData
	reportErr error

	chatReqs    []protocol.ChatRequest
	sttCalls    atomic.Int32
	chatCalls   atomic.Int32
	ttsCalls    atomic.Int32
	cuesCalls   atomic.Int32
	reportCalls atomic.Int32
	reportIDs   []string
}

func (b *fakeBackend) Transcribe(ctx context.Context, _ []byte, _ string, _ string) (string, error) {
	b.sttCalls.Add(1)
	if b.sttGate != nil {
		select {
		case <-b.sttGate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return b.transcript, b.sttErr
}

func (b *fakeBackend) Chat(_ context.Context, req protocol.ChatRequest) (protocol.ChatResponse, error) {
	b.chatCalls.Add(1)
	b.mu.Lock()
	b.chatReqs = append(b.chatReqs, req)
	b.mu.Unlock()
	if b.chat == nil {
		return protocol.ChatResponse{MinaReply: "ok", SessionID: "s1", SessionActive: true}, nil
	}
	return b.chat(req)
}

func (b *fakeBackend) ChatStream(_ context.Context, req protocol.ChatRequest, onToken coachapi.TokenHandler) (protocol.StreamEvent, error) {
	b.chatCalls.Add(1)
	b.mu.Lock()
	b.chatReqs = append(b.chatReqs, req)
	b.mu.Unlock()
	return b.stream(req, onToken)
}

func (b *fakeBackend) Synthesize(context.Context, string, string) ([]byte, error) {
	b.ttsCalls.Add(1)
	if b.ttsErr != nil {
		return nil, b.ttsErr
	}
	return []byte("wav"), nil
}

func (b *fakeBackend) GenerateCues(_ context.Context, text string) ([]protocol.MouthCue, error) {
	b.cuesCalls.Add(1)
	if b.cuesErr != nil {
		return nil, b.cuesErr
	}
	if b.cuesFor != nil {
		return b.cuesFor(text), nil
	}
	return []protocol.MouthCue{{Start: 0, End: 1, Value: "A"}}, nil
}

func (b *fakeBackend) GenerateReport(_ context.Context, sessionID, _, _ string) (protocol.ReportData, error) {
	b.reportCalls.Add(1)
	b.mu.Lock()
	b.reportIDs = append(b.reportIDs, sessionID)
	b.mu.Unlock()
	return b.report, b.reportErr
}

func (b *fakeBackend) requests() []protocol.ChatRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]protocol.ChatRequest(nil), b.chatReqs...)
}

type fakePlayer struct {
	mu      sync.Mutex
	handles []*fakeHandle
	loadErr error
	onPlay  func(h *fakeHandle)
}

func (p *fakePlayer) Load([]byte) (playback.Handle, error) {
	if p.loadErr != nil {
		return nil, p.loadErr
	}
	h := &fakeHandle{onPlay: p.onPlay}
	p.mu.Lock()
	p.handles = append(p.handles, h)
	p.mu.Unlock()
	return h, nil
}

func (p *fakePlayer) loads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

func (p *fakePlayer) handle(i int) *fakeHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handles[i]
}

type fakeHandle struct {
	mu      sync.Mutex
	cb      playback.Callbacks
	played  bool
	stopped bool
	tap     io.Writer
	onPlay  func(h *fakeHandle)
}

func (h *fakeHandle) Play(cb playback.Callbacks) error {
	h.mu.Lock()
	if h.played {
		h.mu.Unlock()
		return playback.ErrAlreadyPlayed
	}
	h.played = true
	h.cb = cb
	h.mu.Unlock()
	if h.onPlay != nil {
		h.onPlay(h)
	}
	if cb.OnPlay != nil {
		cb.OnPlay(time.Now())
	}
	return nil
}

func (h *fakeHandle) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
}

func (h *fakeHandle) Duration() time.Duration { return time.Second }

func (h *fakeHandle) SetTap(w io.Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tap = w
}

// end fires OnEnded even after Stop, like a late completion callback.
func (h *fakeHandle) end() {
	h.mu.Lock()
	cb := h.cb
	h.mu.Unlock()
	if cb.OnEnded != nil {
		cb.OnEnded()
	}
}

func (h *fakeHandle) fail(err error) {
	h.mu.Lock()
	cb := h.cb
	h.mu.Unlock()
	if cb.OnError != nil {
		cb.OnError(err)
	}
}

func (h *fakeHandle) isStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

type fakeLevels struct {
	mu       sync.Mutex
	attached []string
	closed   int
}

func (l *fakeLevels) Attach(source string) io.WriteCloser {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attached = append(l.attached, source)
	return &levelTap{owner: l}
}

func (l *fakeLevels) Detach() {}

type levelTap struct{ owner *fakeLevels }

func (t *levelTap) Write(p []byte) (int, error) { return len(p), nil }

func (t *levelTap) Close() error {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	t.owner.closed++
	return nil
}

var errProvider = errors.New("provider unavailable")
