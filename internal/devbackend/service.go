// Package devbackend is a deterministic stand-in for the coaching backend:
// transcription, chat, speech, lip-sync cues, reports and the session quota,
// with no model behind any of them.
package devbackend

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/ent0n29/minacoach/internal/audio"
	"github.com/ent0n29/minacoach/internal/observability"
	"github.com/ent0n29/minacoach/internal/protocol"
	"github.com/ent0n29/minacoach/internal/store"
)

var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrUnsupportedType = errors.New("unsupported audio type")
	ErrNoTranscript    = errors.New("session has no transcript")
)

type Options struct {
	Stores   *store.Stores
	Registry *Registry
	// Transcript is what every non-silent recording transcribes to.
	Transcript string
	// WordsPerMinute paces synthesized speech and its cues.
	WordsPerMinute int
	Metrics        *observability.Metrics
	Log            zerolog.Logger
}

type Service struct {
	stores     *store.Stores
	registry   *Registry
	transcript string
	wpm        int
	metrics    *observability.Metrics
	log        zerolog.Logger
	validate   *validator.Validate
}

func New(opts Options) *Service {
	if opts.Registry == nil {
		opts.Registry = NewRegistry(0, nil)
	}
	if opts.Stores == nil {
		mem := store.NewInMemoryStore(10)
		opts.Stores = &store.Stores{Transcripts: mem, Quotas: mem, Kind: "memory"}
	}
	if strings.TrimSpace(opts.Transcript) == "" {
		opts.Transcript = "I feel anxious today"
	}
	if opts.WordsPerMinute <= 0 {
		opts.WordsPerMinute = 160
	}
	s := &Service{
		stores:     opts.Stores,
		registry:   opts.Registry,
		transcript: opts.Transcript,
		wpm:        opts.WordsPerMinute,
		metrics:    opts.Metrics,
		log:        opts.Log.With().Str("component", "devbackend").Logger(),
		validate:   validator.New(validator.WithRequiredStructEnabled()),
	}
	s.registry.SetExpireHook(func(sess *Session) {
		s.log.Info().Str("session_id", sess.ID).Msg("session expired after inactivity")
		s.sessionEvent("expired")
	})
	return s
}

func (s *Service) Registry() *Registry { return s.registry }

// StoreKind names the storage backends in use.
func (s *Service) StoreKind() string { return s.stores.Kind }

func (s *Service) check(req any) error {
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %s", ErrInvalidRequest, fe.Field(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// Transcribe returns the configured transcript for speech and an empty one
// for silence.
func (s *Service) Transcribe(_ context.Context, req protocol.STTRequest) (protocol.STTResponse, error) {
	started := time.Now()
	if err := s.check(req); err != nil {
		return protocol.STTResponse{}, err
	}
	switch strings.ToLower(strings.TrimSpace(strings.Split(req.MimeType, ";")[0])) {
	case "audio/wav", "audio/wave", "audio/x-wav":
	default:
		return protocol.STTResponse{}, fmt.Errorf("%w: %s", ErrUnsupportedType, req.MimeType)
	}
	raw, err := base64.StdEncoding.DecodeString(req.AudioData)
	if err != nil {
		return protocol.STTResponse{}, fmt.Errorf("%w: audio_data: %v", ErrInvalidRequest, err)
	}
	pcm, _, err := audio.DecodeWAV(raw)
	if err != nil {
		return protocol.STTResponse{Success: false, Error: err.Error()}, nil
	}
	if req.SessionID != nil {
		_ = s.registry.Touch(*req.SessionID)
	}
	res := protocol.STTResponse{Success: true}
	if !isSilent(pcm) {
		res.Transcript = s.transcript
	}
	s.observe(observability.StageSTT, started)
	return res, nil
}

// Reply is the coach's answer to one chat message.
type Reply struct {
	Text          string
	SessionID     string
	SessionActive bool
	Tokens        []string
}

// Chat answers one message. A missing, unknown or ended session id opens a
// new session; an end-of-session message closes it.
func (s *Service) Chat(ctx context.Context, req protocol.ChatRequest) (Reply, error) {
	started := time.Now()
	if err := s.check(req); err != nil {
		return Reply{}, err
	}
	message := strings.TrimSpace(req.UserMessage)
	if message == "" && !req.IsSessionEnd {
		return Reply{}, fmt.Errorf("%w: user_message is empty", ErrInvalidRequest)
	}

	id := ""
	if req.SessionID != nil {
		id = strings.TrimSpace(*req.SessionID)
	}
	sess, created := s.registry.Resolve(id, req.UserID, req.UserName)
	if created {
		s.sessionEvent("opened")
		s.log.Info().Str("session_id", sess.ID).Str("user_id", req.UserID).Msg("chat session opened")
	}

	text := coachReply(message, req.UserName, req.IsSessionEnd)
	if !req.IsSessionEnd {
		if err := s.saveTurn(ctx, sess, RoleUser, message); err != nil {
			return Reply{}, err
		}
		if _, err := s.registry.RecordExchange(sess.ID); err != nil {
			return Reply{}, err
		}
	}
	if err := s.saveTurn(ctx, sess, RoleAssistant, text); err != nil {
		return Reply{}, err
	}

	active := true
	if req.IsSessionEnd {
		if _, err := s.registry.End(sess.ID); err != nil {
			return Reply{}, err
		}
		active = false
		s.sessionEvent("ended")
		s.log.Info().Str("session_id", sess.ID).Msg("chat session closed by user")
	}
	s.observe(observability.StageChat, started)
	return Reply{Text: text, SessionID: sess.ID, SessionActive: active, Tokens: tokenize(text)}, nil
}

func (s *Service) saveTurn(ctx context.Context, sess *Session, role, content string) error {
	err := s.stores.Transcripts.SaveTurn(ctx, store.Turn{
		UserID:    sess.UserID,
		SessionID: sess.ID,
		Role:      role,
		Content:   content,
	})
	if err != nil {
		return fmt.Errorf("save %s turn: %w", role, err)
	}
	return nil
}

// Synthesize renders text as WAV speech.
func (s *Service) Synthesize(_ context.Context, req protocol.TTSRequest) (protocol.TTSResponse, error) {
	if err := s.check(req); err != nil {
		return protocol.TTSResponse{}, err
	}
	wav, err := synthesize(req.Text, s.wpm)
	if err != nil {
		return protocol.TTSResponse{Success: false, Error: err.Error()}, nil
	}
	if req.SessionID != nil {
		_ = s.registry.Touch(*req.SessionID)
	}
	return protocol.TTSResponse{Success: true, AudioData: base64.StdEncoding.EncodeToString(wav)}, nil
}

// Cues returns the lip-sync sequence matching Synthesize for the same text.
func (s *Service) Cues(_ context.Context, req protocol.CuesRequest) (protocol.CuesResponse, error) {
	if err := s.check(req); err != nil {
		return protocol.CuesResponse{}, err
	}
	return protocol.CuesResponse{MouthCues: cuesFor(req.Text, s.wpm)}, nil
}

// Report summarizes a session from its stored transcript.
func (s *Service) Report(ctx context.Context, req protocol.ReportRequest) (protocol.ReportResponse, error) {
	started := time.Now()
	if err := s.check(req); err != nil {
		return protocol.ReportResponse{}, err
	}
	turns, err := s.stores.Transcripts.SessionTurns(ctx, req.SessionID)
	if err != nil {
		return protocol.ReportResponse{}, fmt.Errorf("load transcript: %w", err)
	}
	if len(turns) == 0 {
		return protocol.ReportResponse{}, ErrNoTranscript
	}
	name := req.UserName
	if name == "" {
		if sess, err := s.registry.Get(req.SessionID); err == nil {
			name = sess.UserName
		}
	}
	s.observe(observability.StageReport, started)
	return protocol.ReportResponse{ReportData: buildReport(turns, name)}, nil
}

// EndSession charges one session against the user's quota. A user with no
// sessions left is refused.
func (s *Service) EndSession(ctx context.Context, req protocol.QuotaRequest) (protocol.QuotaResponse, error) {
	if err := s.check(req); err != nil {
		return protocol.QuotaResponse{}, err
	}
	remaining, err := s.stores.Quotas.Remaining(ctx, req.UserID)
	if err != nil {
		return protocol.QuotaResponse{}, err
	}
	if remaining <= 0 {
		return protocol.QuotaResponse{Success: false, Message: "No sessions remaining", RemainingSessions: 0}, nil
	}
	remaining, err = s.stores.Quotas.Decrement(ctx, req.UserID)
	if err != nil {
		return protocol.QuotaResponse{}, err
	}
	s.log.Info().Str("user_id", req.UserID).Int("remaining_sessions", remaining).Msg("session charged")
	return protocol.QuotaResponse{Success: true, Message: "Session ended", RemainingSessions: remaining}, nil
}

func (s *Service) Remaining(ctx context.Context, userID string) (protocol.QuotaResponse, error) {
	if strings.TrimSpace(userID) == "" {
		return protocol.QuotaResponse{}, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	n, err := s.stores.Quotas.Remaining(ctx, userID)
	if err != nil {
		return protocol.QuotaResponse{}, err
	}
	return protocol.QuotaResponse{Success: true, Message: "ok", RemainingSessions: n}, nil
}

func (s *Service) observe(stage string, started time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveStage(stage, time.Since(started))
	}
}

func (s *Service) sessionEvent(event string) {
	if s.metrics == nil {
		return
	}
	s.metrics.SessionEvents.WithLabelValues(event).Inc()
	s.metrics.ActiveSessions.Set(float64(s.registry.ActiveCount()))
}
