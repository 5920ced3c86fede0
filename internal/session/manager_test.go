package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/minacoach/internal/clock"
	"github.com/ent0n29/minacoach/internal/protocol"
	"github.com/ent0n29/minacoach/internal/quota"
	"github.com/ent0n29/minacoach/internal/timer"
	"github.com/ent0n29/minacoach/internal/voice"
)

type fakeQuota struct {
	mu        sync.Mutex
	remaining int
	endCalls  atomic.Int32
	endErr    error
}

func (q *fakeQuota) EndSession(_ context.Context, _ string) (protocol.QuotaResponse, error) {
	q.endCalls.Add(1)
	if q.endErr != nil {
		return protocol.QuotaResponse{}, q.endErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.remaining--
	return protocol.QuotaResponse{Success: true, Message: "ok", RemainingSessions: q.remaining}, nil
}

func (q *fakeQuota) RemainingSessions(context.Context, string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.remaining, nil
}

type fakePipeline struct {
	mu          sync.Mutex
	sessionID   string
	inactive    bool
	endTurns    atomic.Int32
	endErr      error
	reportAsked atomic.Int32
	reported    bool
	stops       atomic.Int32
	resets      atomic.Int32
	closed      atomic.Int32
	report      protocol.ReportData
}

func (p *fakePipeline) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

func (p *fakePipeline) SessionActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.inactive
}

func (p *fakePipeline) SendEndOfSession(context.Context) error {
	p.endTurns.Add(1)
	if p.endErr != nil {
		return p.endErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reported = p.sessionID != ""
	return nil
}

func (p *fakePipeline) RequestReport() {
	p.reportAsked.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reported = p.sessionID != ""
}

func (p *fakePipeline) AwaitReport(context.Context) (protocol.ReportData, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.reported {
		return protocol.ReportData{}, voice.ErrNoReport
	}
	return p.report, nil
}

func (p *fakePipeline) StopPlayback() { p.stops.Add(1) }
func (p *fakePipeline) Reset()        { p.resets.Add(1) }
func (p *fakePipeline) Close()        { p.closed.Add(1) }

type fakeRecorder struct{ cancels atomic.Int32 }

func (r *fakeRecorder) Cancel() { r.cancels.Add(1) }

type fixture struct {
	clock    *clock.Manual
	timer    *timer.Timer
	quota    *fakeQuota
	pipeline *fakePipeline
	recorder *fakeRecorder
	cache    *quota.Cache
	manager  *Manager
}

func newFixture(t *testing.T, remaining int) *fixture {
	t.Helper()
	clk := clock.NewManual(time.Unix(0, 0))
	f := &fixture{
		clock:    clk,
		timer:    timer.New(3*time.Second, clk, nil),
		quota:    &fakeQuota{remaining: remaining},
		pipeline: &fakePipeline{sessionID: "s1", report: protocol.ReportData{Mood: "hopeful"}},
		recorder: &fakeRecorder{},
		cache:    quota.New(filepath.Join(t.TempDir(), "state.yaml"), time.Minute),
	}
	f.manager = New(Options{
		UserID:   "u1",
		Pipeline: f.pipeline,
		Quota:    f.quota,
		Cache:    f.cache,
		Timer:    f.timer,
		Recorder: f.recorder,
		Clock:    clk,
		Log:      zerolog.Nop(),
	})
	return f
}

func (f *fixture) beginAndTouch(t *testing.T) {
	t.Helper()
	_, err := f.manager.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.manager.Touch())
	require.True(t, f.timer.Active())
}

func TestEndSessionTwiceChargesQuotaOnce(t *testing.T) {
	f := newFixture(t, 5)
	f.beginAndTouch(t)

	var wg sync.WaitGroup
	results := make([]*Summary, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = f.manager.EndSession(context.Background())
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, f.quota.endCalls.Load())
	assert.EqualValues(t, 1, f.pipeline.endTurns.Load())
	ended := 0
	for _, s := range results {
		if s != nil {
			ended++
			assert.Equal(t, 4, s.RemainingQuota)
			assert.Equal(t, ReasonUser, s.Reason)
		}
	}
	assert.Equal(t, 1, ended)

	again, err := f.manager.EndSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, again)
	assert.EqualValues(t, 1, f.quota.endCalls.Load())
}

func TestEndSessionDeliversReportAndUpdatesCache(t *testing.T) {
	f := newFixture(t, 3)
	f.beginAndTouch(t)

	sum, err := f.manager.EndSession(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sum)
	require.NotNil(t, sum.Report)
	assert.Equal(t, "hopeful", sum.Report.Mood)
	assert.Equal(t, "s1", sum.SessionID)
	assert.False(t, f.timer.Active())
	assert.EqualValues(t, 1, f.pipeline.stops.Load())

	n, ok := f.cache.Get("u1")
	require.True(t, ok)
	assert.Equal(t, 2, n)
	assert.True(t, f.manager.Ended())
	assert.Equal(t, 2, f.manager.State().RemainingQuota)
}

func TestEndSessionBeforeFirstInteractionIsNoop(t *testing.T) {
	f := newFixture(t, 3)
	_, err := f.manager.Begin(context.Background())
	require.NoError(t, err)

	sum, err := f.manager.EndSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sum)
	assert.EqualValues(t, 0, f.quota.endCalls.Load())
}

func TestServerEndedSessionIsNotChargedAgain(t *testing.T) {
	f := newFixture(t, 3)
	f.beginAndTouch(t)
	f.pipeline.mu.Lock()
	f.pipeline.inactive = true
	f.pipeline.mu.Unlock()

	sum, err := f.manager.EndSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sum)
	assert.EqualValues(t, 0, f.quota.endCalls.Load())
}

func TestTimeUpEndsSessionOnce(t *testing.T) {
	f := newFixture(t, 2)
	f.beginAndTouch(t)

	f.clock.Advance(3 * time.Second)
	require.Eventually(t, f.manager.Ended, time.Second, time.Millisecond)

	sum := f.manager.Summary()
	require.NotNil(t, sum)
	assert.Equal(t, ReasonTimeUp, sum.Reason)
	assert.Equal(t, 1, sum.RemainingQuota)
	assert.EqualValues(t, 1, f.quota.endCalls.Load())
	assert.EqualValues(t, 1, f.pipeline.endTurns.Load())

	// The unmount path afterwards must not charge again.
	f.manager.Close(context.Background())
	assert.EqualValues(t, 1, f.quota.endCalls.Load())
}

func TestBeginRefusedWhenQuotaExhausted(t *testing.T) {
	f := newFixture(t, 0)
	remaining, err := f.manager.Begin(context.Background())
	require.ErrorIs(t, err, ErrQuotaExhausted)
	assert.Equal(t, 0, remaining)
	assert.ErrorIs(t, f.manager.Touch(), ErrNotStarted)
	assert.False(t, f.timer.Active())
}

func TestClosingTurnFailureStillRequestsReport(t *testing.T) {
	f := newFixture(t, 3)
	f.pipeline.endErr = voice.ErrTurnInFlight
	f.beginAndTouch(t)

	sum, err := f.manager.EndSession(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.ErrorIs(t, sum.TurnErr, voice.ErrTurnInFlight)
	assert.EqualValues(t, 1, f.pipeline.reportAsked.Load())
	assert.NotNil(t, sum.Report)
}

func TestQuotaFailureDoesNotBlockReport(t *testing.T) {
	f := newFixture(t, 3)
	f.quota.endErr = errors.New("quota service down")
	f.beginAndTouch(t)

	sum, err := f.manager.EndSession(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.Error(t, sum.QuotaErr)
	assert.Equal(t, 3, sum.RemainingQuota)
	assert.NotNil(t, sum.Report)
}

func TestStartNewSessionResetsEverything(t *testing.T) {
	f := newFixture(t, 3)
	f.beginAndTouch(t)
	f.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return f.timer.Remaining() == 2 }, time.Second, time.Millisecond)

	_, err := f.manager.EndSession(context.Background())
	require.NoError(t, err)

	remaining, err := f.manager.StartNewSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)
	assert.EqualValues(t, 1, f.pipeline.resets.Load())
	assert.Equal(t, 3, f.timer.Remaining())
	assert.False(t, f.timer.Active())
	assert.False(t, f.manager.Ended())
	assert.Nil(t, f.manager.Summary())
	assert.True(t, f.manager.State().Active)
}

func TestCloseEndsRunningSessionAndReleasesResources(t *testing.T) {
	f := newFixture(t, 3)
	f.beginAndTouch(t)

	f.manager.Close(context.Background())
	f.manager.Close(context.Background())

	assert.EqualValues(t, 1, f.quota.endCalls.Load())
	assert.EqualValues(t, 1, f.recorder.cancels.Load())
	assert.EqualValues(t, 1, f.pipeline.closed.Load())
	require.NotNil(t, f.manager.Summary())
	assert.Equal(t, ReasonClosed, f.manager.Summary().Reason)
}
