// Package voice runs coaching turns: speech-to-text, chat, speech synthesis
// joined with lip-sync cue generation, and playback. Text turns share the
// same state machine and stream reply tokens instead of speaking.
package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/minacoach/internal/clock"
	"github.com/ent0n29/minacoach/internal/coachapi"
	"github.com/ent0n29/minacoach/internal/observability"
	"github.com/ent0n29/minacoach/internal/playback"
	"github.com/ent0n29/minacoach/internal/protocol"
	"github.com/ent0n29/minacoach/internal/recorder"
	"github.com/ent0n29/minacoach/internal/reliability"
	"github.com/ent0n29/minacoach/internal/visualizer"
)

// Backend is the subset of the coaching API a turn needs.
type Backend interface {
	Transcribe(ctx context.Context, audio []byte, mimeType, sessionID string) (string, error)
	Chat(ctx context.Context, req protocol.ChatRequest) (protocol.ChatResponse, error)
	ChatStream(ctx context.Context, req protocol.ChatRequest, onToken coachapi.TokenHandler) (protocol.StreamEvent, error)
	Synthesize(ctx context.Context, text, sessionID string) ([]byte, error)
	GenerateCues(ctx context.Context, text string) ([]protocol.MouthCue, error)
	GenerateReport(ctx context.Context, sessionID, userID, userName string) (protocol.ReportData, error)
}

// Mouth is driven with the cues of the reply being played.
type Mouth interface {
	Load(cues []protocol.MouthCue, audioStart time.Time)
	SetSpeaking(speaking bool)
	Stop()
}

// Levels meters the reply audio while it plays.
type Levels interface {
	Attach(source string) io.WriteCloser
	Detach()
}

// DefaultEndMessage is sent as the user message of the closing turn.
const DefaultEndMessage = "I'd like to end our session now."

type Options struct {
	Backend Backend
	Player  playback.Player
	Mouth   Mouth
	Levels  Levels
	Metrics *observability.Metrics
	Clock   clock.Clock

	Mode       Mode
	Stream     bool
	UserID     string
	UserName   string
	EndMessage string
	Log        zerolog.Logger
}

type turn struct {
	id        string
	seq       uint64
	mode      Mode
	isEnd     bool
	startedAt time.Time
}

type reportRequest struct {
	sessionID string
	done      chan struct{}
	data      protocol.ReportData
	err       error
}

// Orchestrator owns every per-turn handle: the reply text, its cues and its
// audio. All three are published together and cleared together.
type Orchestrator struct {
	backend Backend
	player  playback.Player
	mouth   Mouth
	levels  Levels
	metrics *observability.Metrics
	clock   clock.Clock
	opts    Options
	log     zerolog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	bg      sync.WaitGroup

	mu            sync.Mutex
	state         State
	seq           uint64
	current       *turn
	sessionID     string
	sessionActive bool
	messages      []Message
	replyText     string
	cues          []protocol.MouthCue
	handle        playback.Handle
	levelTap      io.WriteCloser
	playStarted   time.Time
	lastErr       error
	report        *reportRequest
	subscribers   map[int]chan Event
	nextSub       int
}

func NewOrchestrator(opts Options) *Orchestrator {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Mode == "" {
		opts.Mode = ModeVoice
	}
	if strings.TrimSpace(opts.EndMessage) == "" {
		opts.EndMessage = DefaultEndMessage
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		backend:       opts.Backend,
		player:        opts.Player,
		mouth:         opts.Mouth,
		levels:        opts.Levels,
		metrics:       opts.Metrics,
		clock:         opts.Clock,
		opts:          opts,
		log:           opts.Log.With().Str("component", "voice").Logger(),
		baseCtx:       ctx,
		cancel:        cancel,
		state:         StateIdle,
		sessionActive: true,
		subscribers:   make(map[int]chan Event),
	}
}

func (o *Orchestrator) Mode() Mode { return o.opts.Mode }

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// SessionID is the backend session every turn is attached to. Empty until the
// first reply assigns one.
func (o *Orchestrator) SessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessionID
}

func (o *Orchestrator) SessionActive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessionActive
}

// ReplyText is the reply currently being spoken.
func (o *Orchestrator) ReplyText() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.replyText
}

// Cues returns the cue sequence of the reply currently being spoken.
func (o *Orchestrator) Cues() []protocol.MouthCue {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]protocol.MouthCue(nil), o.cues...)
}

// HasAudio reports whether a reply audio handle is held.
func (o *Orchestrator) HasAudio() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.handle != nil
}

func (o *Orchestrator) LastError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

func (o *Orchestrator) Messages() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Message(nil), o.messages...)
}

// Subscribe returns a channel of pipeline events and a cancel func. Events
// are dropped for subscribers that fall behind.
func (o *Orchestrator) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subscribers[id] = ch
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			if _, ok := o.subscribers[id]; ok {
				delete(o.subscribers, id)
				close(ch)
			}
		})
	}
}

// publishLocked must be called with o.mu held.
func (o *Orchestrator) publishLocked(ev Event) {
	for _, ch := range o.subscribers {
		select {
		case ch <- ev:
		default:
			o.log.Warn().Str("event", string(ev.Type)).Msg("subscriber lagging, event dropped")
		}
	}
}

func (o *Orchestrator) setStateLocked(s State) {
	if o.state == s {
		return
	}
	o.state = s
	ev := Event{Type: EventState, State: s, SessionID: o.sessionID, SessionActive: o.sessionActive}
	if o.current != nil {
		ev.TurnID = o.current.id
	}
	o.publishLocked(ev)
}

func (o *Orchestrator) appendMessageLocked(msg Message) int {
	o.messages = append(o.messages, msg)
	o.publishLocked(Event{Type: EventMessage, TurnID: msg.TurnID, Message: msg})
	return len(o.messages) - 1
}

// beginTurn claims the pipeline. A reply still playing is interrupted through
// the normal playback cleanup; any other in-flight turn refuses the new one.
func (o *Orchestrator) beginTurn(next State, mode Mode, isEnd bool) (*turn, error) {
	o.mu.Lock()
	var stopped playbackResources
	switch o.state {
	case StateIdle:
	case StatePlaying:
		stopped = o.releasePlaybackLocked()
	default:
		o.mu.Unlock()
		return nil, ErrTurnInFlight
	}
	o.seq++
	t := &turn{
		id:        uuid.NewString(),
		seq:       o.seq,
		mode:      mode,
		isEnd:     isEnd,
		startedAt: o.clock.Now(),
	}
	o.current = t
	o.lastErr = nil
	o.setStateLocked(next)
	o.mu.Unlock()

	stopped.release(o)
	return t, nil
}

// advance moves a live turn to the next state. It returns false when the turn
// was superseded by a reset.
func (o *Orchestrator) advance(t *turn, next State) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != t {
		return false
	}
	o.setStateLocked(next)
	return true
}

// failTurn returns a live turn to idle and surfaces err as an error message.
func (o *Orchestrator) failTurn(t *turn, stage string, err error) error {
	o.mu.Lock()
	if o.current == t {
		o.lastErr = err
		o.current = nil
		o.appendMessageLocked(Message{TurnID: t.id, Role: RoleError, Text: userMessage(err)})
		o.publishLocked(Event{Type: EventError, TurnID: t.id, Err: err})
		o.setStateLocked(StateIdle)
	}
	o.mu.Unlock()

	kind := reliability.Kind(err, statusOf(err))
	if o.metrics != nil {
		o.metrics.BackendErrors.WithLabelValues(stage, kind).Inc()
		o.metrics.TurnOutcomes.WithLabelValues(string(t.mode), "failed").Inc()
		o.metrics.ObserveIndicator("turn_failed")
	}
	o.log.Error().Err(err).Str("turn_id", t.id).Str("stage", stage).Str("kind", kind).Msg("turn failed")
	return err
}

// finishTurn returns a text turn, or a voice turn with nothing to speak, to
// idle.
func (o *Orchestrator) finishTurn(t *turn) {
	o.mu.Lock()
	if o.current == t {
		o.current = nil
		o.setStateLocked(StateIdle)
	}
	o.mu.Unlock()
	o.observe(observability.StageTurnTotal, o.clock.Now().Sub(t.startedAt))
	if o.metrics != nil {
		o.metrics.TurnOutcomes.WithLabelValues(string(t.mode), "completed").Inc()
	}
}

func (o *Orchestrator) observe(stage string, d time.Duration) {
	if o.metrics != nil {
		o.metrics.ObserveStage(stage, d)
	}
}

// HandleRecording runs a voice turn for a finished recording. It returns once
// the reply has started playing; playback completion returns the pipeline to
// idle asynchronously.
func (o *Orchestrator) HandleRecording(ctx context.Context, rec recorder.Recording) error {
	t, err := o.beginTurn(StateTranscribing, ModeVoice, false)
	if err != nil {
		return err
	}
	o.log.Info().Str("turn_id", t.id).Dur("audio", rec.Duration).Msg("voice turn started")

	stageStart := o.clock.Now()
	transcript, err := o.backend.Transcribe(ctx, rec.Audio, rec.MimeType, o.SessionID())
	o.observe(observability.StageSTT, o.clock.Now().Sub(stageStart))
	if err != nil {
		return o.failTurn(t, observability.StageSTT, fmt.Errorf("transcribe: %w", err))
	}
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return o.failTurn(t, observability.StageSTT, ErrEmptyTranscript)
	}
	return o.converse(ctx, t, transcript)
}

// SendText runs a typed turn. Replies stream token by token unless streaming
// is disabled; in voice mode the full reply is then spoken.
func (o *Orchestrator) SendText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	return o.send(ctx, text, false)
}

// SendEndOfSession sends the closing turn. The backend ends the session and a
// report is requested as soon as the reply arrives.
func (o *Orchestrator) SendEndOfSession(ctx context.Context) error {
	return o.send(ctx, o.opts.EndMessage, true)
}

func (o *Orchestrator) send(ctx context.Context, text string, isEnd bool) error {
	if o.opts.Mode == ModeText {
		next := StateAwaitingReply
		if o.opts.Stream {
			next = StateStreaming
		}
		t, err := o.beginTurn(next, ModeText, isEnd)
		if err != nil {
			return err
		}
		if o.opts.Stream {
			return o.streamReply(ctx, t, text)
		}
		return o.textReply(ctx, t, text)
	}
	t, err := o.beginTurn(StateAwaitingReply, ModeVoice, isEnd)
	if err != nil {
		return err
	}
	return o.converse(ctx, t, text)
}

func (o *Orchestrator) chatRequest(text string, isEnd bool, sessionID string) protocol.ChatRequest {
	req := protocol.ChatRequest{
		UserMessage:  text,
		IsSessionEnd: isEnd,
		UserID:       o.opts.UserID,
		UserName:     o.opts.UserName,
	}
	if sessionID != "" {
		req.SessionID = &sessionID
	}
	return req
}

// converse sends the user's words to chat and speaks the reply.
func (o *Orchestrator) converse(ctx context.Context, t *turn, userText string) error {
	if !o.recordUserMessage(t, userText, StateAwaitingReply) {
		return nil
	}

	stageStart := o.clock.Now()
	res, err := o.backend.Chat(ctx, o.chatRequest(userText, t.isEnd, o.SessionID()))
	o.observe(observability.StageChat, o.clock.Now().Sub(stageStart))
	if err != nil {
		return o.failTurn(t, observability.StageChat, fmt.Errorf("chat: %w", err))
	}
	sessionID, live := o.adoptSession(t, res.SessionID, res.SessionActive)
	if !live {
		return nil
	}
	if !res.SessionActive || t.isEnd {
		o.requestReport(sessionID)
	}

	reply := strings.TrimSpace(res.MinaReply)
	if reply == "" {
		if t.isEnd {
			o.finishTurn(t)
			return nil
		}
		return o.failTurn(t, observability.StageChat, ErrEmptyReply)
	}
	if !o.recordReply(t, reply) {
		return nil
	}
	return o.speak(ctx, t, reply, sessionID)
}

func (o *Orchestrator) recordUserMessage(t *turn, text string, next State) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != t {
		return false
	}
	o.appendMessageLocked(Message{TurnID: t.id, Role: RoleUser, Text: text})
	o.setStateLocked(next)
	return true
}

func (o *Orchestrator) recordReply(t *turn, reply string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != t {
		return false
	}
	o.appendMessageLocked(Message{TurnID: t.id, Role: RoleAssistant, Text: reply})
	return true
}

// adoptSession applies the session id and liveness reported by the backend.
func (o *Orchestrator) adoptSession(t *turn, sessionID string, active bool) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != t {
		return "", false
	}
	if id := strings.TrimSpace(sessionID); id != "" {
		o.sessionID = id
	}
	o.sessionActive = active
	return o.sessionID, true
}

// speak synthesizes the reply and fetches its cues concurrently. Both must
// succeed before an audio handle exists.
func (o *Orchestrator) speak(ctx context.Context, t *turn, reply, sessionID string) error {
	if !o.advance(t, StateGeneratingAudioAndCues) {
		return nil
	}
	spoken := sanitizeSpeechText(reply)
	if spoken == "" {
		spoken = reply
	}

	var (
		wav  []byte
		cues []protocol.MouthCue
	)
	stageStart := o.clock.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		audio, err := o.backend.Synthesize(gctx, spoken, sessionID)
		if err != nil {
			return fmt.Errorf("synthesize: %w", err)
		}
		wav = audio
		return nil
	})
	g.Go(func() error {
		c, err := o.backend.GenerateCues(gctx, spoken)
		if err != nil {
			return fmt.Errorf("generate cues: %w", err)
		}
		cues = c
		return nil
	})
	err := g.Wait()
	o.observe(observability.StageAudioAndCues, o.clock.Now().Sub(stageStart))
	if err != nil {
		return o.failTurn(t, observability.StageAudioAndCues, err)
	}

	handle, err := o.player.Load(wav)
	if err != nil {
		return o.failTurn(t, observability.StagePlayback, fmt.Errorf("load reply audio: %w", err))
	}
	return o.play(t, reply, cues, handle)
}

// play publishes reply text, cues and audio handle in one critical section
// and only then starts playback.
func (o *Orchestrator) play(t *turn, reply string, cues []protocol.MouthCue, handle playback.Handle) error {
	o.mu.Lock()
	if o.current != t {
		o.mu.Unlock()
		handle.Stop()
		return nil
	}
	o.replyText = reply
	o.cues = cues
	o.handle = handle
	if o.levels != nil {
		o.levelTap = o.levels.Attach(visualizer.SourceOutput)
		handle.SetTap(o.levelTap)
	}
	o.setStateLocked(StatePlaying)
	o.publishLocked(Event{Type: EventReply, TurnID: t.id, Message: Message{TurnID: t.id, Role: RoleAssistant, Text: reply}})
	o.mu.Unlock()

	o.observe(observability.StageTurnToAudio, o.clock.Now().Sub(t.startedAt))
	err := handle.Play(playback.Callbacks{
		OnPlay: func(startedAt time.Time) {
			o.mu.Lock()
			live := o.current == t && o.handle == handle
			if live {
				o.playStarted = startedAt
			}
			o.mu.Unlock()
			if live && o.mouth != nil {
				o.mouth.Load(cues, startedAt)
				o.mouth.SetSpeaking(true)
			}
		},
		OnEnded: func() { o.playbackFinished(t, handle, nil) },
		OnError: func(err error) { o.playbackFinished(t, handle, err) },
	})
	if err != nil {
		o.playbackFinished(t, handle, fmt.Errorf("start playback: %w", err))
		return err
	}
	o.log.Info().Str("turn_id", t.id).Int("cues", len(cues)).Dur("duration", handle.Duration()).Msg("reply playing")
	return nil
}

// playbackFinished is the Playing to Idle transition for both normal
// completion and playback errors.
func (o *Orchestrator) playbackFinished(t *turn, handle playback.Handle, err error) {
	o.mu.Lock()
	if o.current != t || o.handle != handle {
		o.mu.Unlock()
		return
	}
	started := o.playStarted
	res := o.releasePlaybackLocked()
	o.current = nil
	if err != nil {
		o.lastErr = err
		o.appendMessageLocked(Message{TurnID: t.id, Role: RoleError, Text: userMessage(err)})
		o.publishLocked(Event{Type: EventError, TurnID: t.id, Err: err})
	}
	o.setStateLocked(StateIdle)
	o.mu.Unlock()

	res.handle = nil
	res.letMouthFinish = true
	res.release(o)
	if !started.IsZero() {
		o.observe(observability.StagePlayback, o.clock.Now().Sub(started))
	}
	o.observe(observability.StageTurnTotal, o.clock.Now().Sub(t.startedAt))
	outcome := "completed"
	if err != nil {
		outcome = "playback_failed"
		o.log.Error().Err(err).Str("turn_id", t.id).Msg("reply playback failed")
	}
	if o.metrics != nil {
		o.metrics.TurnOutcomes.WithLabelValues(string(t.mode), outcome).Inc()
	}
}

type playbackResources struct {
	handle   playback.Handle
	levelTap io.WriteCloser
	held     bool
	// letMouthFinish lets the mouth close out its last cue instead of
	// resetting at once.
	letMouthFinish bool
}

// releasePlaybackLocked clears reply text, cues and handle together.
func (o *Orchestrator) releasePlaybackLocked() playbackResources {
	res := playbackResources{handle: o.handle, levelTap: o.levelTap, held: o.handle != nil}
	o.replyText = ""
	o.cues = nil
	o.handle = nil
	o.levelTap = nil
	o.playStarted = time.Time{}
	return res
}

func (r playbackResources) release(o *Orchestrator) {
	if !r.held {
		return
	}
	if r.handle != nil {
		r.handle.Stop()
	}
	if r.levelTap != nil {
		_ = r.levelTap.Close()
	}
	if o.mouth != nil {
		if r.letMouthFinish {
			o.mouth.SetSpeaking(false)
		} else {
			o.mouth.Stop()
		}
	}
}

// StopPlayback interrupts the reply being spoken and returns to idle through
// the same cleanup as a finished reply. The recorder calls it before opening
// the microphone.
func (o *Orchestrator) StopPlayback() {
	o.mu.Lock()
	if o.state != StatePlaying {
		o.mu.Unlock()
		return
	}
	t := o.current
	res := o.releasePlaybackLocked()
	o.current = nil
	o.setStateLocked(StateIdle)
	o.mu.Unlock()

	res.release(o)
	if t != nil {
		o.log.Info().Str("turn_id", t.id).Msg("reply playback interrupted")
		if o.metrics != nil {
			o.metrics.TurnOutcomes.WithLabelValues(string(t.mode), "interrupted").Inc()
		}
	}
}

// Reset abandons any turn in flight and clears the conversation, session id
// and report. Late backend responses for abandoned turns are discarded.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	res := o.releasePlaybackLocked()
	o.seq++
	o.current = nil
	o.sessionID = ""
	o.sessionActive = true
	o.messages = nil
	o.lastErr = nil
	o.report = nil
	o.setStateLocked(StateIdle)
	o.mu.Unlock()
	res.release(o)
	if o.mouth != nil {
		o.mouth.Stop()
	}
}

// Close stops playback, cancels background report requests and waits for
// them to return.
func (o *Orchestrator) Close() {
	o.StopPlayback()
	o.cancel()
	o.bg.Wait()
	if o.mouth != nil {
		o.mouth.Stop()
	}
	if o.levels != nil {
		o.levels.Detach()
	}
	o.mu.Lock()
	for id, ch := range o.subscribers {
		delete(o.subscribers, id)
		close(ch)
	}
	o.mu.Unlock()
}

func statusOf(err error) int {
	var apiErr *coachapi.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// userMessage renders err for the conversation view.
func userMessage(err error) string {
	switch {
	case errors.Is(err, ErrEmptyTranscript), errors.Is(err, ErrEmptyReply):
		return err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "The coach took too long to answer. Please try again."
	}
	var apiErr *coachapi.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return "Something went wrong: " + apiErr.Message
	}
	return "Something went wrong: " + err.Error()
}
