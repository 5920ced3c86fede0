package voice

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/minacoach/internal/observability"
)

// textReply waits for the full reply and renders it without audio.
func (o *Orchestrator) textReply(ctx context.Context, t *turn, text string) error {
	if !o.recordUserMessage(t, text, StateAwaitingReply) {
		return nil
	}
	stageStart := o.clock.Now()
	res, err := o.backend.Chat(ctx, o.chatRequest(text, t.isEnd, o.SessionID()))
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
	if reply == "" && !t.isEnd {
		return o.failTurn(t, observability.StageChat, ErrEmptyReply)
	}
	if reply != "" && !o.recordReply(t, reply) {
		return nil
	}
	o.finishTurn(t)
	return nil
}

// streamReply appends reply tokens to one assistant message in arrival order.
// The terminal complete event finalizes the turn; an error event fails it.
func (o *Orchestrator) streamReply(ctx context.Context, t *turn, text string) error {
	if !o.recordUserMessage(t, text, StateStreaming) {
		return nil
	}

	o.mu.Lock()
	if o.current != t {
		o.mu.Unlock()
		return nil
	}
	o.messages = append(o.messages, Message{TurnID: t.id, Role: RoleAssistant})
	idx := len(o.messages) - 1
	o.mu.Unlock()

	stageStart := o.clock.Now()
	firstToken := true
	final, err := o.backend.ChatStream(ctx, o.chatRequest(text, t.isEnd, o.SessionID()), func(token string) error {
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.current != t {
			return context.Canceled
		}
		if firstToken {
			firstToken = false
			o.observe(observability.StageFirstToken, o.clock.Now().Sub(stageStart))
		}
		o.messages[idx].Text += token
		o.publishLocked(Event{Type: EventToken, TurnID: t.id, Token: token})
		return nil
	})
	o.observe(observability.StageChat, o.clock.Now().Sub(stageStart))
	if err != nil {
		o.dropEmptyReply(t, idx)
		return o.failTurn(t, observability.StageChat, fmt.Errorf("chat stream: %w", err))
	}
	active := true
	if final.SessionActive != nil {
		active = *final.SessionActive
	}
	sessionID, live := o.adoptSession(t, final.SessionID, active)
	if !live {
		return nil
	}
	if !active || t.isEnd {
		o.requestReport(sessionID)
	}

	o.mu.Lock()
	if o.current != t || idx >= len(o.messages) {
		// Reset or a newer turn took over while the stream finished.
		o.mu.Unlock()
		return nil
	}
	reply := o.messages[idx]
	o.mu.Unlock()
	if strings.TrimSpace(reply.Text) == "" && !t.isEnd {
		o.dropEmptyReply(t, idx)
		return o.failTurn(t, observability.StageChat, ErrEmptyReply)
	}
	o.mu.Lock()
	if o.current == t {
		o.publishLocked(Event{Type: EventReply, TurnID: t.id, Message: reply})
	}
	o.mu.Unlock()
	o.finishTurn(t)
	return nil
}

// dropEmptyReply removes the assistant placeholder of a failed stream when no
// token reached it.
func (o *Orchestrator) dropEmptyReply(t *turn, idx int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != t || idx >= len(o.messages) {
		return
	}
	if o.messages[idx].TurnID == t.id && o.messages[idx].Text == "" {
		o.messages = append(o.messages[:idx], o.messages[idx+1:]...)
	}
}
