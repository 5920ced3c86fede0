package httpapi

import (
	"net/http"
	"time"

	"github.com/ent0n29/minacoach/internal/devbackend"
	"github.com/ent0n29/minacoach/internal/protocol"
)

// streamReply sends the reply as server-sent events: one data line per
// token, then a complete event carrying the session state.
func (s *Server) streamReply(w http.ResponseWriter, r *http.Request, reply devbackend.Reply) {
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	write := func(ev protocol.StreamEvent) bool {
		frame, err := protocol.EncodeStreamEvent(ev)
		if err != nil {
			s.log.Error().Err(err).Msg("encode stream event")
			return false
		}
		if _, err := w.Write(frame); err != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}

	for _, tok := range reply.Tokens {
		if s.opts.TokenDelay > 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(s.opts.TokenDelay):
			}
		}
		if !write(protocol.StreamEvent{Type: protocol.StreamToken, Token: tok}) {
			return
		}
	}
	active := reply.SessionActive
	write(protocol.StreamEvent{
		Type:          protocol.StreamComplete,
		SessionID:     reply.SessionID,
		SessionActive: &active,
	})
}
