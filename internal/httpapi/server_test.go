package httpapi

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/minacoach/internal/audio"
	"github.com/ent0n29/minacoach/internal/coachapi"
	"github.com/ent0n29/minacoach/internal/devbackend"
	"github.com/ent0n29/minacoach/internal/observability"
	"github.com/ent0n29/minacoach/internal/protocol"
	"github.com/ent0n29/minacoach/internal/store"
)

func newTestServer(t *testing.T, quota int) (*httptest.Server, *coachapi.Client) {
	t.Helper()
	mem := store.NewInMemoryStore(quota)
	metrics := observability.NewMetrics("test_httpapi")
	svc := devbackend.New(devbackend.Options{
		Stores:  &store.Stores{Transcripts: mem, Quotas: mem, Kind: "memory"},
		Metrics: metrics,
		Log:     zerolog.Nop(),
	})
	ts := httptest.NewServer(New(svc, metrics, Options{Log: zerolog.Nop()}).Router())
	t.Cleanup(ts.Close)
	return ts, coachapi.New(coachapi.Config{BaseURL: ts.URL, Timeout: 5 * time.Second}, zerolog.Nop())
}

func speechWAV(t *testing.T) []byte {
	t.Helper()
	pcm := make([]byte, 3200)
	for i := 0; i < len(pcm); i += 2 {
		binary.LittleEndian.PutUint16(pcm[i:], uint16(int16(6000)))
	}
	wav, err := audio.EncodeWAV(pcm, audio.DefaultFormat)
	require.NoError(t, err)
	return wav
}

func TestCoachingSessionOverHTTP(t *testing.T) {
	_, client := newTestServer(t, 2)
	ctx := context.Background()

	transcript, err := client.Transcribe(ctx, speechWAV(t), audio.WAVMimeType, "")
	require.NoError(t, err)
	assert.Equal(t, "I feel anxious today", transcript)

	var tokens []string
	final, err := client.ChatStream(ctx, protocol.ChatRequest{UserMessage: transcript, UserID: "u1", UserName: "Ada"},
		func(tok string) error {
			tokens = append(tokens, tok)
			return nil
		})
	require.NoError(t, err)
	require.NotEmpty(t, final.SessionID)
	require.NotNil(t, final.SessionActive)
	assert.True(t, *final.SessionActive)
	assert.Greater(t, len(tokens), 3)
	assert.Contains(t, strings.Join(tokens, ""), "Ada")

	sid := final.SessionID
	closing, err := client.Chat(ctx, protocol.ChatRequest{UserMessage: "bye", IsSessionEnd: true, SessionID: &sid, UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, sid, closing.SessionID)
	assert.False(t, closing.SessionActive)
	assert.NotEmpty(t, closing.MinaReply)

	wav, err := client.Synthesize(ctx, closing.MinaReply, sid)
	require.NoError(t, err)
	dur, err := audio.WAVDuration(wav)
	require.NoError(t, err)
	cues, err := client.GenerateCues(ctx, closing.MinaReply)
	require.NoError(t, err)
	assert.InDelta(t, dur.Seconds(), cues[len(cues)-1].End, 0.02)

	report, err := client.GenerateReport(ctx, sid, "u1", "Ada")
	require.NoError(t, err)
	assert.Equal(t, "anxious", report.Mood)
	assert.Contains(t, report.Summary, "Ada")

	res, err := client.EndSession(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.RemainingSessions)
	left, err := client.RemainingSessions(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, left)
}

func TestQuotaExhaustedIsRejected(t *testing.T) {
	_, client := newTestServer(t, 0)
	_, err := client.EndSession(context.Background(), "u1")
	var apiErr *coachapi.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Contains(t, apiErr.Message, "No sessions remaining")
}

func TestRequestErrors(t *testing.T) {
	ts, client := newTestServer(t, 1)

	res, err := http.Post(ts.URL+"/chat", "application/json", bytes.NewReader(nil))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	body, _ := json.Marshal(map[string]any{"user_message": "hi"})
	res, err = http.Post(ts.URL+"/chat", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var payload errorResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&payload))
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "invalid_request", payload.Code)

	_, err = client.GenerateReport(context.Background(), "missing", "u1", "")
	var apiErr *coachapi.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	_, err = client.Transcribe(context.Background(), speechWAV(t), "audio/ogg", "")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnsupportedMediaType, apiErr.Status)
}

func TestHealthAndMetrics(t *testing.T) {
	ts, client := newTestServer(t, 1)
	_, err := client.RemainingSessions(context.Background(), "u1")
	require.NoError(t, err)

	res, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	var health map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&health))
	res.Body.Close()
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "memory", health["store_mode"])

	res, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	raw, err := io.ReadAll(res.Body)
	res.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `test_httpapi_http_requests_total{route="/mina-session/{userId}",status="200"} 1`)

	res, err = http.Get(ts.URL + "/v1/perf/latency")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/v1/perf/latency", nil)
	require.NoError(t, err)
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
}
