package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// STTRequest is the body of POST /stt.
type STTRequest struct {
	AudioData string  `json:"audio_data" validate:"required,base64"`
	SessionID *string `json:"session_id"`
	MimeType  string  `json:"mime_type" validate:"required"`
}

type STTResponse struct {
	Success    bool   `json:"success"`
	Transcript string `json:"transcript,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ChatRequest is the body of POST /chat. The user id key keeps the backend's
// mixed-case spelling.
type ChatRequest struct {
	UserMessage  string  `json:"user_message"`
	IsSessionEnd bool    `json:"is_session_end"`
	SessionID    *string `json:"session_id"`
	Stream       bool    `json:"stream"`
	UserID       string  `json:"user_Id" validate:"required"`
	UserName     string  `json:"user_name"`
}

// ChatResponse is the non-streamed reply of POST /chat.
type ChatResponse struct {
	MinaReply     string `json:"mina_reply"`
	SessionID     string `json:"session_id"`
	SessionActive bool   `json:"session_active"`
}

type TTSRequest struct {
	Text      string  `json:"text" validate:"required"`
	SessionID *string `json:"session_id"`
	Voice     string  `json:"voice"`
}

type TTSResponse struct {
	Success   bool   `json:"success"`
	AudioData string `json:"audio_data,omitempty"`
	Error     string `json:"error,omitempty"`
}

type CuesRequest struct {
	Text string `json:"text" validate:"required"`
}

// MouthCue is one viseme interval in seconds from audio start.
type MouthCue struct {
	Start     float64  `json:"start"`
	End       float64  `json:"end"`
	Value     string   `json:"value"`
	Intensity *float64 `json:"intensity,omitempty"`
}

type CuesResponse struct {
	MouthCues []MouthCue `json:"mouthCues"`
}

type ReportRequest struct {
	SessionID string `json:"session_id" validate:"required"`
	UserID    string `json:"user_Id" validate:"required"`
	UserName  string `json:"user_name"`
}

// ReportData is the structured session summary. Keys the client does not know
// are kept in Extra.
type ReportData struct {
	Strengths   []string       `json:"strengths,omitempty"`
	GrowthFocus []string       `json:"growth_focus,omitempty"`
	NextActions []string       `json:"next_actions,omitempty"`
	Mood        string         `json:"mood,omitempty"`
	Summary     string         `json:"summary,omitempty"`
	Extra       map[string]any `json:"-"`
}

var reportKnownKeys = map[string]bool{
	"strengths": true, "growth_focus": true, "next_actions": true, "mood": true, "summary": true,
}

func (r *ReportData) UnmarshalJSON(raw []byte) error {
	type plain ReportData
	var p plain
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(raw, &all); err != nil {
		return err
	}
	for k, v := range all {
		if reportKnownKeys[k] {
			continue
		}
		if p.Extra == nil {
			p.Extra = make(map[string]any)
		}
		p.Extra[k] = v
	}
	*r = ReportData(p)
	return nil
}

func (r ReportData) MarshalJSON() ([]byte, error) {
	type plain ReportData
	known, err := json.Marshal(plain(r))
	if err != nil {
		return nil, err
	}
	if len(r.Extra) == 0 {
		return known, nil
	}
	merged := make(map[string]any, len(r.Extra)+5)
	for k, v := range r.Extra {
		merged[k] = v
	}
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	return json.Marshal(merged)
}

type ReportResponse struct {
	ReportData ReportData `json:"report_data"`
}

// QuotaRequest is the body of POST /mina-session/end.
type QuotaRequest struct {
	UserID string `json:"userId" validate:"required"`
}

type QuotaResponse struct {
	Success           bool   `json:"success"`
	Message           string `json:"message"`
	RemainingSessions int    `json:"remainingSessions"`
}

// StreamEventType classifies one `data:` line of a streamed chat reply.
type StreamEventType string

const (
	StreamToken    StreamEventType = "token"
	StreamComplete StreamEventType = "complete"
	StreamError    StreamEventType = "error"
)

// StreamEvent is the decoded payload of a streamed chat line.
type StreamEvent struct {
	Type          StreamEventType `json:"type,omitempty"`
	Token         string          `json:"token,omitempty"`
	SessionID     string          `json:"session_id,omitempty"`
	SessionActive *bool           `json:"session_active,omitempty"`
	Error         string          `json:"error,omitempty"`
}

var ErrUnsupportedType = errors.New("unsupported message type")

// ParseStreamEvent decodes the JSON payload of one `data:` line. Token events
// carry no type field on the wire.
func ParseStreamEvent(data string) (StreamEvent, error) {
	data = strings.TrimSpace(data)
	var ev StreamEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return StreamEvent{}, fmt.Errorf("invalid stream event: %w", err)
	}
	switch ev.Type {
	case "":
		if ev.Token == "" && ev.Error == "" {
			return StreamEvent{}, ErrUnsupportedType
		}
		if ev.Error != "" {
			ev.Type = StreamError
		} else {
			ev.Type = StreamToken
		}
	case StreamToken, StreamComplete, StreamError:
	default:
		return StreamEvent{}, ErrUnsupportedType
	}
	return ev, nil
}

// EncodeStreamEvent renders an event as one SSE frame, omitting the type on
// token events the way the backend does.
func EncodeStreamEvent(ev StreamEvent) ([]byte, error) {
	if ev.Type == StreamToken {
		ev.Type = ""
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(raw)+8)
	out = append(out, "data: "...)
	out = append(out, raw...)
	out = append(out, '\n', '\n')
	return out, nil
}
