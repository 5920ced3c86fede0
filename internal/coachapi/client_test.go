package coachapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/minacoach/internal/protocol"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return New(Config{BaseURL: ts.URL + "/", Voice: "nova"}, zerolog.Nop())
}

func TestTranscribeSendsBase64AndSessionID(t *testing.T) {
	var got protocol.STTRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stt", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(protocol.STTResponse{Success: true, Transcript: "  I feel anxious today "})
	}))

	text, err := c.Transcribe(context.Background(), []byte("wav-bytes"), "audio/wav", "s1")
	require.NoError(t, err)
	assert.Equal(t, "I feel anxious today", text)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("wav-bytes")), got.AudioData)
	require.NotNil(t, got.SessionID)
	assert.Equal(t, "s1", *got.SessionID)
	assert.Equal(t, "audio/wav", got.MimeType)
}

func TestTranscribeReportsBodyFailure(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(protocol.STTResponse{Success: false, Error: "unsupported audio"})
	}))

	_, err := c.Transcribe(context.Background(), []byte("x"), "audio/wav", "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "unsupported audio", apiErr.Message)
}

func TestNon2xxBecomesAPIError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"tts warming up"}`))
	}))

	_, err := c.Synthesize(context.Background(), "hello", "s1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
	assert.True(t, apiErr.Retryable)
	assert.Equal(t, "tts warming up", apiErr.Message)
}

func TestChatStreamRelaysTokensInOrder(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req protocol.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(strings.Join([]string{
			": keepalive",
			"",
			`data: {"token":"That's "}`,
			"",
			`data: {"token":"understandable"}`,
			"",
			`data: {"type":"complete","session_id":"s1","session_active":true}`,
			"",
		}, "\n")))
	}))

	var tokens []string
	done, err := c.ChatStream(context.Background(), protocol.ChatRequest{UserMessage: "hi", UserID: "u1"}, func(tok string) error {
		tokens = append(tokens, tok)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"That's ", "understandable"}, tokens)
	assert.Equal(t, "s1", done.SessionID)
	require.NotNil(t, done.SessionActive)
	assert.True(t, *done.SessionActive)
}

func TestChatStreamOutlivesRequestTimeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for _, tok := range []string{"slow ", "but ", "whole"} {
			time.Sleep(60 * time.Millisecond)
			_, _ = w.Write([]byte(`data: {"token":"` + tok + `"}` + "\n\n"))
			flusher.Flush()
		}
		_, _ = w.Write([]byte(`data: {"type":"complete","session_id":"s1"}` + "\n\n"))
	}))
	t.Cleanup(ts.Close)
	c := New(Config{BaseURL: ts.URL, Timeout: 100 * time.Millisecond}, zerolog.Nop())

	var reply strings.Builder
	done, err := c.ChatStream(context.Background(), protocol.ChatRequest{UserMessage: "hi", UserID: "u1"}, func(tok string) error {
		reply.WriteString(tok)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "slow but whole", reply.String())
	assert.Equal(t, "s1", done.SessionID)
}

func TestConsumeSSEErrorAndTruncation(t *testing.T) {
	_, err := consumeSSE(strings.NewReader("data: {\"type\":\"error\",\"error\":\"llm down\"}\n\n"), "/chat", nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "llm down", apiErr.Message)

	_, err = consumeSSE(strings.NewReader("data: {\"token\":\"par\"}\n\n"), "/chat", nil)
	assert.True(t, errors.Is(err, ErrStreamTruncated))
}

func TestEndSessionReturnsRemaining(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req protocol.QuotaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "u1", req.UserID)
		_ = json.NewEncoder(w).Encode(protocol.QuotaResponse{Success: true, Message: "ok", RemainingSessions: 4})
	}))

	res, err := c.EndSession(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 4, res.RemainingSessions)
}

func TestGenerateCuesRequiresCueList(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	_, err := c.GenerateCues(context.Background(), "hello")
	var apiErr *APIError
	assert.ErrorAs(t, err, &apiErr)
}
