// Package coachapi is the HTTP client for the coaching backend: transcription,
// chat (plain and streamed), speech synthesis, lip-sync cues, reports and the
// remaining-session quota.
package coachapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/minacoach/internal/protocol"
	"github.com/ent0n29/minacoach/internal/reliability"
)

// Paths lists endpoint paths relative to the base URL.
type Paths struct {
	STT        string
	Chat       string
	TTS        string
	Cues       string
	Report     string
	EndSession string
}

var DefaultPaths = Paths{
	STT:        "/stt",
	Chat:       "/chat",
	TTS:        "/tts",
	Cues:       "/generate-cues",
	Report:     "/generate-report",
	EndSession: "/mina-session/end",
}

// Config controls client construction.
type Config struct {
	BaseURL string
	Paths   Paths
	Timeout time.Duration
	Voice   string
}

// APIError is returned for non-2xx responses and for bodies that report
// success=false.
type APIError struct {
	Endpoint  string
	Status    int
	Message   string
	Retryable bool
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Endpoint, e.Message)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Endpoint, e.Status, e.Message)
}

var ErrStreamTruncated = errors.New("chat stream ended without a terminal event")

// Client talks JSON to the coaching backend.
type Client struct {
	baseURL string
	paths   Paths
	voice   string
	client  *http.Client
	// stream bounds only the wait for response headers so long replies can finish.
	stream *http.Client
	log    zerolog.Logger
}

func New(cfg Config, log zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	paths := cfg.Paths
	if paths == (Paths{}) {
		paths = DefaultPaths
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		paths:   paths,
		voice:   cfg.Voice,
		client:  &http.Client{Timeout: timeout},
		stream:  newStreamClient(timeout),
		log:     log.With().Str("component", "coachapi").Logger(),
	}
}

func newStreamClient(headerTimeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = headerTimeout
	return &http.Client{Transport: transport}
}

func optionalID(id string) *string {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	return &id
}

// Transcribe sends recorded audio to the speech-to-text endpoint.
func (c *Client) Transcribe(ctx context.Context, audio []byte, mimeType, sessionID string) (string, error) {
	req := protocol.STTRequest{
		AudioData: base64.StdEncoding.EncodeToString(audio),
		SessionID: optionalID(sessionID),
		MimeType:  mimeType,
	}
	var res protocol.STTResponse
	if err := c.postJSON(ctx, c.paths.STT, req, &res); err != nil {
		return "", err
	}
	if !res.Success {
		return "", &APIError{Endpoint: c.paths.STT, Message: nonEmpty(res.Error, "transcription failed")}
	}
	return strings.TrimSpace(res.Transcript), nil
}

// Chat sends one user message and waits for the full reply.
func (c *Client) Chat(ctx context.Context, req protocol.ChatRequest) (protocol.ChatResponse, error) {
	req.Stream = false
	var res protocol.ChatResponse
	if err := c.postJSON(ctx, c.paths.Chat, req, &res); err != nil {
		return protocol.ChatResponse{}, err
	}
	return res, nil
}

// TokenHandler receives streamed reply tokens in arrival order.
type TokenHandler func(token string) error

// ChatStream sends one user message and relays tokens as they arrive. It
// returns the terminal complete event.
func (c *Client) ChatStream(ctx context.Context, req protocol.ChatRequest, onToken TokenHandler) (protocol.StreamEvent, error) {
	req.Stream = true
	res, err := c.send(ctx, c.stream, c.paths.Chat, req, "text/event-stream")
	if err != nil {
		return protocol.StreamEvent{}, err
	}
	defer res.Body.Close()
	return consumeSSE(res.Body, c.paths.Chat, onToken)
}

// Synthesize returns WAV audio for text.
func (c *Client) Synthesize(ctx context.Context, text, sessionID string) ([]byte, error) {
	req := protocol.TTSRequest{Text: text, SessionID: optionalID(sessionID), Voice: c.voice}
	var res protocol.TTSResponse
	if err := c.postJSON(ctx, c.paths.TTS, req, &res); err != nil {
		return nil, err
	}
	if !res.Success || res.AudioData == "" {
		return nil, &APIError{Endpoint: c.paths.TTS, Message: nonEmpty(res.Error, "no audio returned")}
	}
	audio, err := base64.StdEncoding.DecodeString(res.AudioData)
	if err != nil {
		return nil, fmt.Errorf("decode tts audio: %w", err)
	}
	return audio, nil
}

// GenerateCues fetches the lip-sync cue sequence for text.
func (c *Client) GenerateCues(ctx context.Context, text string) ([]protocol.MouthCue, error) {
	var res protocol.CuesResponse
	if err := c.postJSON(ctx, c.paths.Cues, protocol.CuesRequest{Text: text}, &res); err != nil {
		return nil, err
	}
	if res.MouthCues == nil {
		return nil, &APIError{Endpoint: c.paths.Cues, Message: "response has no mouthCues"}
	}
	return res.MouthCues, nil
}

// GenerateReport asks the backend to summarize a finished session.
func (c *Client) GenerateReport(ctx context.Context, sessionID, userID, userName string) (protocol.ReportData, error) {
	req := protocol.ReportRequest{SessionID: sessionID, UserID: userID, UserName: userName}
	var res protocol.ReportResponse
	if err := c.postJSON(ctx, c.paths.Report, req, &res); err != nil {
		return protocol.ReportData{}, err
	}
	return res.ReportData, nil
}

// EndSession decrements the user's remaining-session quota.
func (c *Client) EndSession(ctx context.Context, userID string) (protocol.QuotaResponse, error) {
	var res protocol.QuotaResponse
	if err := c.postJSON(ctx, c.paths.EndSession, protocol.QuotaRequest{UserID: userID}, &res); err != nil {
		return protocol.QuotaResponse{}, err
	}
	if !res.Success {
		return res, &APIError{Endpoint: c.paths.EndSession, Message: nonEmpty(res.Message, "quota update rejected")}
	}
	return res, nil
}

// RemainingSessions reads the quota without changing it.
func (c *Client) RemainingSessions(ctx context.Context, userID string) (int, error) {
	path := strings.TrimSuffix(c.paths.EndSession, "/end") + "/" + userID
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	res, err := c.do(c.client, httpReq, path)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	var out protocol.QuotaResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode %s: %w", path, err)
	}
	return out.RemainingSessions, nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	res, err := c.send(ctx, c.client, path, in, "application/json")
	if err != nil {
		return err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 64<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, hc *http.Client, path string, in any, accept string) (*http.Response, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", accept)
	return c.do(hc, httpReq, path)
}

func (c *Client) do(hc *http.Client, httpReq *http.Request, path string) (*http.Response, error) {
	started := time.Now()
	res, err := hc.Do(httpReq)
	if err != nil {
		c.log.Warn().Err(err).Str("endpoint", path).Str("kind", reliability.Kind(err, 0)).Msg("request failed")
		return nil, fmt.Errorf("send %s: %w", path, err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		res.Body.Close()
		apiErr := &APIError{
			Endpoint:  path,
			Status:    res.StatusCode,
			Message:   nonEmpty(extractErrorMessage(body), http.StatusText(res.StatusCode)),
			Retryable: reliability.IsRetryableHTTPStatus(res.StatusCode),
		}
		c.log.Warn().Int("status", res.StatusCode).Str("endpoint", path).Msg("backend rejected request")
		return nil, apiErr
	}
	c.log.Debug().Str("endpoint", path).Dur("latency", time.Since(started)).Msg("backend responded")
	return res, nil
}

func extractErrorMessage(body []byte) string {
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return strings.TrimSpace(string(body))
	}
	for _, k := range []string{"error", "message", "detail"} {
		if s, ok := obj[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func nonEmpty(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
