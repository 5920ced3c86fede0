package observability

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveStageFeedsWindowAndHistogram(t *testing.T) {
	m := NewMetrics("mina_test")
	m.ObserveStage(StageSTT, 120*time.Millisecond)
	m.ObserveStage(StageSTT, 80*time.Millisecond)
	m.ObserveIndicator("turn_failed")

	snap := m.StageSnapshot()
	require.Len(t, snap.Stages, 1)
	assert.Equal(t, StageSTT, snap.Stages[0].Stage)
	assert.Equal(t, 2, snap.Stages[0].Samples)
	assert.Equal(t, 100.0, snap.Stages[0].AvgMS)
	assert.Equal(t, 1500.0, snap.Stages[0].TargetP95MS)
	require.Len(t, snap.Indicators, 1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.True(t, strings.Contains(string(body), `mina_test_turn_stage_latency_ms_count{stage="stt"} 2`))
}

func TestNewMetricsTwiceDoesNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics("mina_dup")
		NewMetrics("mina_dup")
	})
}
