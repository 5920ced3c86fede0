package devbackend

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/minacoach/internal/audio"
	"github.com/ent0n29/minacoach/internal/clock"
	"github.com/ent0n29/minacoach/internal/protocol"
	"github.com/ent0n29/minacoach/internal/store"
)

func newTestService(t *testing.T, quota int) *Service {
	t.Helper()
	mem := store.NewInMemoryStore(quota)
	return New(Options{
		Stores:   &store.Stores{Transcripts: mem, Quotas: mem, Kind: "memory"},
		Registry: NewRegistry(time.Minute, clock.NewManual(time.Unix(0, 0))),
		Log:      zerolog.Nop(),
	})
}

func wavOf(t *testing.T, amplitude int16, samples int) string {
	t.Helper()
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := amplitude
		if i%2 == 1 {
			v = -amplitude
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	wav, err := audio.EncodeWAV(pcm, audio.DefaultFormat)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(wav)
}

func ptr(s string) *string { return &s }

func TestTranscribeSpeechAndSilence(t *testing.T) {
	s := newTestService(t, 3)
	ctx := context.Background()

	res, err := s.Transcribe(ctx, protocol.STTRequest{AudioData: wavOf(t, 8000, 1600), MimeType: "audio/wav"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "I feel anxious today", res.Transcript)

	res, err = s.Transcribe(ctx, protocol.STTRequest{AudioData: wavOf(t, 20, 1600), MimeType: "audio/wav"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.Transcript)

	_, err = s.Transcribe(ctx, protocol.STTRequest{AudioData: wavOf(t, 20, 16), MimeType: "audio/ogg"})
	assert.ErrorIs(t, err, ErrUnsupportedType)

	_, err = s.Transcribe(ctx, protocol.STTRequest{MimeType: "audio/wav"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestChatSessionFlowAndReport(t *testing.T) {
	s := newTestService(t, 3)
	ctx := context.Background()

	first, err := s.Chat(ctx, protocol.ChatRequest{UserMessage: "I feel anxious today", UserID: "u1", UserName: "Ada"})
	require.NoError(t, err)
	require.NotEmpty(t, first.SessionID)
	assert.True(t, first.SessionActive)
	assert.Contains(t, first.Text, "anxiety")
	assert.Contains(t, first.Text, "Ada")
	assert.Equal(t, first.Text, joinTokens(first.Tokens))

	second, err := s.Chat(ctx, protocol.ChatRequest{UserMessage: "work has been a lot", SessionID: ptr(first.SessionID), UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)

	closing, err := s.Chat(ctx, protocol.ChatRequest{UserMessage: "I'd like to end our session now.", IsSessionEnd: true, SessionID: ptr(first.SessionID), UserID: "u1"})
	require.NoError(t, err)
	assert.False(t, closing.SessionActive)
	assert.Equal(t, first.SessionID, closing.SessionID)

	rep, err := s.Report(ctx, protocol.ReportRequest{SessionID: first.SessionID, UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "anxious", rep.ReportData.Mood)
	assert.Len(t, rep.ReportData.NextActions, 2)
	assert.Equal(t, 2, rep.ReportData.Extra["exchanges"])
	assert.Contains(t, rep.ReportData.Summary, "Ada")

	_, err = s.Report(ctx, protocol.ReportRequest{SessionID: "nope", UserID: "u1"})
	assert.ErrorIs(t, err, ErrNoTranscript)
}

func TestChatValidation(t *testing.T) {
	s := newTestService(t, 3)
	_, err := s.Chat(context.Background(), protocol.ChatRequest{UserMessage: "hi"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = s.Chat(context.Background(), protocol.ChatRequest{UserMessage: "  ", UserID: "u1"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestQuotaEndSessionAndRemaining(t *testing.T) {
	s := newTestService(t, 1)
	ctx := context.Background()

	res, err := s.EndSession(ctx, protocol.QuotaRequest{UserID: "u1"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.RemainingSessions)

	res, err = s.EndSession(ctx, protocol.QuotaRequest{UserID: "u1"})
	require.NoError(t, err)
	assert.False(t, res.Success)

	left, err := s.Remaining(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, left.RemainingSessions)

	_, err = s.EndSession(ctx, protocol.QuotaRequest{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestSynthesizeAndCuesAgreeOnLength(t *testing.T) {
	s := newTestService(t, 1)
	ctx := context.Background()
	text := "Thank you for sharing that with me."

	tts, err := s.Synthesize(ctx, protocol.TTSRequest{Text: text})
	require.NoError(t, err)
	require.True(t, tts.Success)
	raw, err := base64.StdEncoding.DecodeString(tts.AudioData)
	require.NoError(t, err)
	dur, err := audio.WAVDuration(raw)
	require.NoError(t, err)

	cues, err := s.Cues(ctx, protocol.CuesRequest{Text: text})
	require.NoError(t, err)
	require.NotEmpty(t, cues.MouthCues)
	assert.InDelta(t, dur.Seconds(), cues.MouthCues[len(cues.MouthCues)-1].End, 0.02)

	_, err = s.Cues(ctx, protocol.CuesRequest{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func joinTokens(tokens []string) string {
	out := ""
	for _, tok := range tokens {
		out += tok
	}
	return out
}
