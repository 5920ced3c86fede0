// Package session owns the lifecycle of one coaching session: the quota
// check before it starts, the countdown, and the single end path shared by
// the user, the timer and shutdown.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/minacoach/internal/clock"
	"github.com/ent0n29/minacoach/internal/observability"
	"github.com/ent0n29/minacoach/internal/protocol"
	"github.com/ent0n29/minacoach/internal/quota"
	"github.com/ent0n29/minacoach/internal/timer"
	"github.com/ent0n29/minacoach/internal/voice"
)

var (
	ErrQuotaExhausted = errors.New("you have reached your coaching session limit")
	ErrNotStarted     = errors.New("session not started")
)

// QuotaService reads and decrements the remaining-session quota.
type QuotaService interface {
	EndSession(ctx context.Context, userID string) (protocol.QuotaResponse, error)
	RemainingSessions(ctx context.Context, userID string) (int, error)
}

// Pipeline is the turn orchestrator as seen by the lifecycle.
type Pipeline interface {
	SessionID() string
	SessionActive() bool
	SendEndOfSession(ctx context.Context) error
	RequestReport()
	AwaitReport(ctx context.Context) (protocol.ReportData, error)
	StopPlayback()
	Reset()
	Close()
}

// Canceler abandons work in progress, e.g. an open recording.
type Canceler interface {
	Cancel()
}

// Reason records what ended a session.
type Reason string

const (
	ReasonUser   Reason = "user"
	ReasonTimeUp Reason = "time_up"
	ReasonClosed Reason = "closed"
)

// State is a snapshot of the session.
type State struct {
	SessionID      string
	Active         bool
	StartedAt      time.Time
	RemainingQuota int
	Ended          bool
}

// Summary describes how a session ended.
type Summary struct {
	SessionID      string
	Reason         Reason
	RemainingQuota int
	QuotaErr       error
	TurnErr        error
	Report         *protocol.ReportData
	ReportErr      error
}

type Options struct {
	UserID   string
	Pipeline Pipeline
	Quota    QuotaService
	Cache    *quota.Cache
	Timer    *timer.Timer
	Recorder Canceler
	Metrics  *observability.Metrics
	Clock    clock.Clock
	// ReportTimeout bounds how long EndSession waits for the report.
	ReportTimeout time.Duration
	// OnChange is called after every lifecycle transition.
	OnChange func(State)
	Log      zerolog.Logger
}

// Manager drives one session at a time. EndSession charges the quota at most
// once per session however many times it is called.
type Manager struct {
	opts Options
	log  zerolog.Logger

	bg        sync.WaitGroup
	closeOnce sync.Once

	mu        sync.Mutex
	began     bool
	ending    bool
	ended     bool
	startedAt time.Time
	remaining int
	summary   *Summary
}

func New(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.ReportTimeout <= 0 {
		opts.ReportTimeout = 90 * time.Second
	}
	if opts.Timer == nil {
		opts.Timer = timer.New(timer.DefaultDuration, opts.Clock, nil)
	}
	m := &Manager{
		opts: opts,
		log:  opts.Log.With().Str("component", "session").Str("user_id", opts.UserID).Logger(),
	}
	opts.Timer.SetTimeUp(m.onTimeUp)
	return m
}

func (m *Manager) Timer() *timer.Timer { return m.opts.Timer }

// Begin checks the quota and opens the session. The countdown does not start
// until the first interaction.
func (m *Manager) Begin(ctx context.Context) (int, error) {
	remaining, err := m.RemainingQuota(ctx)
	if err != nil {
		return 0, err
	}
	if remaining <= 0 {
		m.log.Info().Msg("session refused, quota exhausted")
		return remaining, ErrQuotaExhausted
	}

	m.mu.Lock()
	if m.began && !m.ended {
		m.mu.Unlock()
		return remaining, nil
	}
	m.began = true
	m.ending = false
	m.ended = false
	m.summary = nil
	m.startedAt = m.opts.Clock.Now()
	m.mu.Unlock()

	if m.opts.Metrics != nil {
		m.opts.Metrics.ActiveSessions.Inc()
		m.opts.Metrics.SessionEvents.WithLabelValues("begin").Inc()
	}
	m.log.Info().Int("remaining_sessions", remaining).Msg("session opened")
	m.changed()
	return remaining, nil
}

// RemainingQuota answers from the quota cache, asking the backend on a miss.
func (m *Manager) RemainingQuota(ctx context.Context) (int, error) {
	var (
		remaining int
		err       error
	)
	if m.opts.Cache != nil {
		remaining, err = m.opts.Cache.Remaining(ctx, m.opts.UserID, m.opts.Quota.RemainingSessions)
	} else {
		remaining, err = m.opts.Quota.RemainingSessions(ctx, m.opts.UserID)
	}
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	m.remaining = remaining
	m.mu.Unlock()
	if m.opts.Metrics != nil {
		m.opts.Metrics.QuotaRemaining.Set(float64(remaining))
	}
	return remaining, nil
}

// Touch marks a user interaction. The first one starts the countdown.
func (m *Manager) Touch() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.began {
		return ErrNotStarted
	}
	if m.ending || m.ended {
		return nil
	}
	m.opts.Timer.Start()
	return nil
}

// StartNewSession clears every turn, audio, cue and error left by the
// previous session, rewinds the countdown and opens a fresh session.
func (m *Manager) StartNewSession(ctx context.Context) (int, error) {
	m.opts.Pipeline.Reset()
	m.opts.Timer.Reset()

	m.mu.Lock()
	wasOpen := m.began && !m.ended
	m.began = false
	m.ending = false
	m.ended = false
	m.summary = nil
	m.mu.Unlock()

	if wasOpen && m.opts.Metrics != nil {
		m.opts.Metrics.ActiveSessions.Dec()
	}
	m.log.Info().Msg("starting new session")
	return m.Begin(ctx)
}

func (m *Manager) onTimeUp() {
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		m.log.Info().Msg("session time is up")
		if _, err := m.end(context.Background(), ReasonTimeUp, true); err != nil {
			m.log.Error().Err(err).Msg("timed session end failed")
		}
	}()
}

// EndSession ends the session for the user. It returns nil when the session
// was not running or another call already ended it.
func (m *Manager) EndSession(ctx context.Context) (*Summary, error) {
	return m.end(ctx, ReasonUser, false)
}

func (m *Manager) end(ctx context.Context, reason Reason, expired bool) (*Summary, error) {
	m.mu.Lock()
	running := m.opts.Timer.Active() || expired
	if !m.began || m.ending || m.ended || !running || !m.opts.Pipeline.SessionActive() {
		m.mu.Unlock()
		m.log.Debug().Str("reason", string(reason)).Msg("end session skipped")
		return nil, nil
	}
	m.ending = true
	m.mu.Unlock()

	m.opts.Timer.Stop()
	m.opts.Pipeline.StopPlayback()
	m.log.Info().Str("reason", string(reason)).Msg("ending session")

	sum := &Summary{Reason: reason}

	res, err := m.opts.Quota.EndSession(ctx, m.opts.UserID)
	if err != nil {
		sum.QuotaErr = err
		m.log.Error().Err(err).Msg("quota decrement failed")
	} else {
		sum.RemainingQuota = res.RemainingSessions
		if m.opts.Cache != nil {
			if cerr := m.opts.Cache.Set(m.opts.UserID, res.RemainingSessions); cerr != nil {
				m.log.Warn().Err(cerr).Msg("quota cache update failed")
			}
		}
		m.mu.Lock()
		m.remaining = res.RemainingSessions
		m.mu.Unlock()
		if m.opts.Metrics != nil {
			m.opts.Metrics.QuotaRemaining.Set(float64(res.RemainingSessions))
		}
	}

	if err := m.opts.Pipeline.SendEndOfSession(ctx); err != nil {
		sum.TurnErr = err
		m.log.Warn().Err(err).Msg("closing turn failed, requesting report directly")
		m.opts.Pipeline.RequestReport()
	}
	sum.SessionID = m.opts.Pipeline.SessionID()

	rctx, cancel := context.WithTimeout(ctx, m.opts.ReportTimeout)
	report, err := m.opts.Pipeline.AwaitReport(rctx)
	cancel()
	switch {
	case err == nil:
		sum.Report = &report
	case errors.Is(err, voice.ErrNoReport):
		m.log.Info().Msg("no report, session had no turns")
	default:
		sum.ReportErr = err
		m.log.Error().Err(err).Msg("session report unavailable")
	}

	m.mu.Lock()
	m.ending = false
	m.ended = true
	if sum.QuotaErr != nil {
		sum.RemainingQuota = m.remaining
	}
	m.summary = sum
	m.mu.Unlock()

	if m.opts.Metrics != nil {
		m.opts.Metrics.ActiveSessions.Dec()
		m.opts.Metrics.SessionEvents.WithLabelValues("end_" + string(reason)).Inc()
	}
	m.log.Info().
		Str("session_id", sum.SessionID).
		Int("remaining_sessions", sum.RemainingQuota).
		Bool("report", sum.Report != nil).
		Msg("session ended")
	m.changed()
	return sum, nil
}

// Close is the shutdown path: it ends a running session, then releases the
// microphone, playback and frame loops.
func (m *Manager) Close(ctx context.Context) {
	m.closeOnce.Do(func() {
		if _, err := m.end(ctx, ReasonClosed, false); err != nil {
			m.log.Error().Err(err).Msg("end session on close failed")
		}
		m.opts.Timer.Stop()
		m.bg.Wait()
		if m.opts.Recorder != nil {
			m.opts.Recorder.Cancel()
		}
		m.opts.Pipeline.Close()
	})
}

// Summary returns how the last session ended, or nil.
func (m *Manager) Summary() *Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.summary
}

func (m *Manager) Ended() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ended
}

func (m *Manager) State() State {
	m.mu.Lock()
	st := State{
		Active:         m.began && !m.ended,
		StartedAt:      m.startedAt,
		RemainingQuota: m.remaining,
		Ended:          m.ended,
	}
	m.mu.Unlock()
	st.SessionID = m.opts.Pipeline.SessionID()
	return st
}

func (m *Manager) changed() {
	if m.opts.OnChange != nil {
		m.opts.OnChange(m.State())
	}
}
