package voice

import (
	"errors"

	"github.com/ent0n29/minacoach/internal/protocol"
)

// State is the pipeline position of the current turn.
type State string

const (
	StateIdle                   State = "idle"
	StateTranscribing           State = "transcribing"
	StateAwaitingReply          State = "awaiting_reply"
	StateGeneratingAudioAndCues State = "generating_audio_and_cues"
	StatePlaying                State = "playing"
	// StateStreaming is the text-mode equivalent of AwaitingReply while
	// tokens arrive.
	StateStreaming State = "streaming"
)

// Busy reports whether a turn is waiting on the backend.
func (s State) Busy() bool {
	switch s {
	case StateTranscribing, StateAwaitingReply, StateGeneratingAudioAndCues, StateStreaming:
		return true
	default:
		return false
	}
}

var (
	ErrTurnInFlight    = errors.New("a turn is already in progress")
	ErrEmptyTranscript = errors.New("no speech detected, try recording again")
	ErrEmptyReply      = errors.New("coach returned an empty reply")
	ErrEmptyMessage    = errors.New("message is empty")
	ErrNoReport        = errors.New("no report requested")
)

// Mode selects how replies are delivered.
type Mode string

const (
	// ModeVoice speaks replies with lip-sync.
	ModeVoice Mode = "voice"
	// ModeText renders replies as text only.
	ModeText Mode = "text"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleError     Role = "error"
)

// Message is one entry of the in-memory conversation.
type Message struct {
	TurnID string
	Role   Role
	Text   string
}

type EventType string

const (
	EventState   EventType = "state"
	EventMessage EventType = "message"
	EventToken   EventType = "token"
	EventReply   EventType = "reply"
	EventError   EventType = "error"
	EventReport  EventType = "report"
)

// Event is published to subscribers as the pipeline advances.
type Event struct {
	Type          EventType
	TurnID        string
	State         State
	Message       Message
	Token         string
	Err           error
	SessionID     string
	SessionActive bool
	Report        *protocol.ReportData
}
