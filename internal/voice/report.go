package voice

import (
	"context"
	"fmt"
	"time"

	"github.com/ent0n29/minacoach/internal/observability"
	"github.com/ent0n29/minacoach/internal/protocol"
)

const reportTimeout = 90 * time.Second

// requestReport asks for the session report in the background. A session is
// reported at most once.
func (o *Orchestrator) requestReport(sessionID string) {
	if sessionID == "" {
		o.log.Warn().Msg("session ended before an id was assigned, no report")
		return
	}
	o.mu.Lock()
	if o.report != nil && o.report.sessionID == sessionID {
		o.mu.Unlock()
		return
	}
	req := &reportRequest{sessionID: sessionID, done: make(chan struct{})}
	o.report = req
	o.bg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.bg.Done()
		defer close(req.done)

		ctx, cancel := context.WithTimeout(o.baseCtx, reportTimeout)
		defer cancel()
		start := o.clock.Now()
		data, err := o.backend.GenerateReport(ctx, sessionID, o.opts.UserID, o.opts.UserName)
		o.observe(observability.StageReport, o.clock.Now().Sub(start))

		o.mu.Lock()
		defer o.mu.Unlock()
		if err != nil {
			req.err = fmt.Errorf("generate report: %w", err)
			o.log.Error().Err(err).Str("session_id", sessionID).Msg("report generation failed")
			if o.report == req {
				o.publishLocked(Event{Type: EventError, SessionID: sessionID, Err: req.err})
			}
			return
		}
		req.data = data
		o.log.Info().Str("session_id", sessionID).Msg("session report ready")
		if o.report == req {
			o.publishLocked(Event{Type: EventReport, SessionID: sessionID, Report: &req.data})
		}
	}()
}

// RequestReport asks for the report of the current session unless one was
// already requested.
func (o *Orchestrator) RequestReport() {
	o.requestReport(o.SessionID())
}

// AwaitReport waits for the pending report request of this session.
func (o *Orchestrator) AwaitReport(ctx context.Context) (protocol.ReportData, error) {
	o.mu.Lock()
	req := o.report
	o.mu.Unlock()
	if req == nil {
		return protocol.ReportData{}, ErrNoReport
	}
	select {
	case <-req.done:
		return req.data, req.err
	case <-ctx.Done():
		return protocol.ReportData{}, ctx.Err()
	}
}
