package protocol

import (
	"encoding/json"
	"fmt"
)

// FrameType identifies render-bridge payload variants.
type FrameType string

const (
	TypeVisualizerScale FrameType = "visualizer_scale"
	TypeMorphFrame      FrameType = "morph_frame"
	TypeReplyText       FrameType = "reply_text"
	TypeSessionState    FrameType = "session_state"

	// Renderer to client.
	TypeModelLoaded FrameType = "model_loaded"
	TypeRenderError FrameType = "render_error"
)

// VisualizerScale drives the 2D recording/playback affordance.
type VisualizerScale struct {
	Type   FrameType `json:"type"`
	Source string    `json:"source"`
	Scale  float64   `json:"scale"`
}

// MorphFrame carries morph-target influences for one mesh.
type MorphFrame struct {
	Type       FrameType          `json:"type"`
	Mesh       string             `json:"mesh"`
	Influences map[string]float64 `json:"influences"`
}

type ReplyText struct {
	Type FrameType `json:"type"`
	Text string    `json:"text"`
}

type SessionState struct {
	Type             FrameType `json:"type"`
	SessionID        string    `json:"session_id,omitempty"`
	State            string    `json:"state"`
	RemainingSeconds int       `json:"remaining_seconds"`
	RemainingQuota   int       `json:"remaining_quota"`
}

// ModelLoaded announces that a mesh and its morph targets are ready.
type ModelLoaded struct {
	Type         FrameType `json:"type"`
	Mesh         string    `json:"mesh"`
	MorphTargets []string  `json:"morph_targets"`
}

// RenderError reports that the renderer fell back to its text view.
type RenderError struct {
	Type   FrameType `json:"type"`
	Detail string    `json:"detail"`
}

// ParseRendererMessage decodes one inbound renderer frame.
func ParseRendererMessage(data []byte) (any, error) {
	var probe struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("invalid renderer frame: %w", err)
	}
	switch probe.Type {
	case TypeModelLoaded:
		var m ModelLoaded
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("invalid %s frame: %w", probe.Type, err)
		}
		if m.Mesh == "" {
			return nil, fmt.Errorf("%s frame without mesh", probe.Type)
		}
		return m, nil
	case TypeRenderError:
		var m RenderError
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("invalid %s frame: %w", probe.Type, err)
		}
		return m, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// FrameTypeOf reports the frame type of a render payload.
func FrameTypeOf(v any) (FrameType, bool) {
	switch m := v.(type) {
	case VisualizerScale:
		return m.Type, true
	case MorphFrame:
		return m.Type, true
	case ReplyText:
		return m.Type, true
	case SessionState:
		return m.Type, true
	case ModelLoaded:
		return m.Type, true
	case RenderError:
		return m.Type, true
	default:
		return "", false
	}
}
