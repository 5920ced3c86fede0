package voice

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/minacoach/internal/coachapi"
	"github.com/ent0n29/minacoach/internal/protocol"
)

func streamingOrchestrator(backend *fakeBackend) *Orchestrator {
	return newTestOrchestrator(backend, &fakePlayer{}, func(opts *Options) {
		opts.Mode = ModeText
		opts.Stream = true
	})
}

func boolPtr(v bool) *bool { return &v }

func TestStreamedReplyAppendsTokensInOrder(t *testing.T) {
	var seen []string
	backend := &fakeBackend{
		stream: func(req protocol.ChatRequest, onToken coachapi.TokenHandler) (protocol.StreamEvent, error) {
			for _, tok := range []string{"Hel", "lo ", "there", "."} {
				if err := onToken(tok); err != nil {
					return protocol.StreamEvent{}, err
				}
			}
			return protocol.StreamEvent{Type: protocol.StreamComplete, SessionID: "s3", SessionActive: boolPtr(true)}, nil
		},
	}
	o := streamingOrchestrator(backend)
	defer o.Close()
	events, cancel := o.Subscribe(64)
	defer cancel()

	require.NoError(t, o.SendText(context.Background(), "  hi coach  "))

	msgs := o.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi coach", msgs[0].Text)
	assert.Equal(t, RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello there.", msgs[1].Text)
	assert.Equal(t, "s3", o.SessionID())
	assert.Equal(t, StateIdle, o.State())
	assert.EqualValues(t, 0, backend.reportCalls.Load())

	for len(events) > 0 {
		ev := <-events
		if ev.Type == EventToken {
			seen = append(seen, ev.Token)
		}
	}
	assert.Equal(t, []string{"Hel", "lo ", "there", "."}, seen)
}

func TestStreamedReplyErrorFailsTurn(t *testing.T) {
	backend := &fakeBackend{
		stream: func(req protocol.ChatRequest, onToken coachapi.TokenHandler) (protocol.StreamEvent, error) {
			return protocol.StreamEvent{}, &coachapi.APIError{Endpoint: "/chat", Message: "model overloaded"}
		},
	}
	o := streamingOrchestrator(backend)
	defer o.Close()

	err := o.SendText(context.Background(), "hello")
	require.Error(t, err)

	msgs := o.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, RoleError, msgs[1].Role)
	assert.Equal(t, "Something went wrong: model overloaded", msgs[1].Text)
	assert.Equal(t, StateIdle, o.State())
}

func TestStreamedSessionEndRequestsReport(t *testing.T) {
	backend := &fakeBackend{
		stream: func(req protocol.ChatRequest, onToken coachapi.TokenHandler) (protocol.StreamEvent, error) {
			_ = onToken("Goodbye.")
			return protocol.StreamEvent{Type: protocol.StreamComplete, SessionID: "s4", SessionActive: boolPtr(false)}, nil
		},
		report: protocol.ReportData{Strengths: []string{"openness"}},
	}
	o := streamingOrchestrator(backend)
	defer o.Close()

	require.NoError(t, o.SendText(context.Background(), "that's all for today"))
	assert.False(t, o.SessionActive())

	report, err := o.AwaitReport(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"openness"}, report.Strengths)
	assert.Equal(t, []string{"s4"}, backend.reportIDs)
}

func TestEmptyTextIsRejectedBeforeAnyCall(t *testing.T) {
	backend := &fakeBackend{}
	o := streamingOrchestrator(backend)
	defer o.Close()

	assert.ErrorIs(t, o.SendText(context.Background(), "   "), ErrEmptyMessage)
	assert.EqualValues(t, 0, backend.chatCalls.Load())
	assert.Empty(t, o.Messages())
}

func TestNonStreamedTextTurn(t *testing.T) {
	backend := &fakeBackend{}
	o := newTestOrchestrator(backend, &fakePlayer{}, func(opts *Options) { opts.Mode = ModeText })
	defer o.Close()

	require.NoError(t, o.SendText(context.Background(), "hello"))
	msgs := o.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "ok", msgs[1].Text)
	assert.False(t, backend.requests()[0].Stream)
	assert.EqualValues(t, 0, backend.ttsCalls.Load())
}

func TestResetDuringStreamDropsTheTurn(t *testing.T) {
	var o *Orchestrator
	backend := &fakeBackend{
		stream: func(req protocol.ChatRequest, onToken coachapi.TokenHandler) (protocol.StreamEvent, error) {
			if err := onToken("Half a rep"); err != nil {
				return protocol.StreamEvent{}, err
			}
			o.Reset()
			return protocol.StreamEvent{Type: protocol.StreamComplete, SessionID: "s9", SessionActive: boolPtr(true)}, nil
		},
	}
	o = streamingOrchestrator(backend)
	defer o.Close()
	events, cancel := o.Subscribe(64)
	defer cancel()

	require.NotPanics(t, func() {
		assert.NoError(t, o.SendText(context.Background(), "hello"))
	})
	assert.Empty(t, o.Messages())
	assert.Equal(t, StateIdle, o.State())
	assert.Equal(t, "", o.SessionID())
	for len(events) > 0 {
		assert.NotEqual(t, EventReply, (<-events).Type)
	}
}
