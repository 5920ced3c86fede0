package observability

import (
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Pipeline stage names.
const (
	StageSTT          = "stt"
	StageChat         = "chat"
	StageFirstToken   = "chat_first_token"
	StageAudioAndCues = "tts_and_cues"
	StagePlayback     = "playback"
	StageTurnToAudio  = "turn_to_audio"
	StageTurnTotal    = "turn_total"
	StageReport       = "report"
)

// stageTargets are the p95 budgets, in milliseconds, a coaching turn should
// stay under. Stages without a budget are reported without one.
var stageTargets = map[string]float64{
	StageSTT:          1500,
	StageChat:         2500,
	StageFirstToken:   900,
	StageAudioAndCues: 2000,
	StageTurnToAudio:  5000,
}

type TurnStageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type TurnIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// TurnStageSnapshot summarizes the most recent samples of every stage.
type TurnStageSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Stages      []TurnStageStats `json:"stages"`
	Indicators  []TurnIndicator  `json:"indicators,omitempty"`
}

// samples keeps the last len(buf) observations of one stage.
type samples struct {
	buf  []float64
	head int
	n    int
	last float64
}

func (s *samples) add(ms float64) {
	s.buf[s.head] = ms
	s.head = (s.head + 1) % len(s.buf)
	if s.n < len(s.buf) {
		s.n++
	}
	s.last = ms
}

func (s *samples) sorted() []float64 {
	out := make([]float64, s.n)
	copy(out, s.buf[:s.n])
	slices.Sort(out)
	return out
}

type stageWindow struct {
	size int

	mu         sync.Mutex
	stages     map[string]*samples
	indicators map[string]int
}

func newStageWindow(size int) *stageWindow {
	if size <= 0 {
		size = 256
	}
	w := &stageWindow{size: size}
	w.clear()
	return w
}

func (w *stageWindow) clear() {
	w.stages = make(map[string]*samples)
	w.indicators = make(map[string]int)
}

func (w *stageWindow) observe(stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stages[stage]
	if s == nil {
		s = &samples{buf: make([]float64, w.size)}
		w.stages[stage] = s
	}
	s.add(ms)
}

func (w *stageWindow) count(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	w.indicators[name]++
	w.mu.Unlock()
}

func (w *stageWindow) reset() {
	w.mu.Lock()
	w.clear()
	w.mu.Unlock()
}

func (w *stageWindow) snapshot(now time.Time) TurnStageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := TurnStageSnapshot{GeneratedAt: now.UTC(), WindowSize: w.size, Stages: []TurnStageStats{}}
	for _, name := range sortedKeys(w.stages) {
		if s := w.stages[name]; s.n > 0 {
			snap.Stages = append(snap.Stages, summarize(name, s))
		}
	}
	for _, name := range sortedKeys(w.indicators) {
		snap.Indicators = append(snap.Indicators, TurnIndicator{Name: name, Count: w.indicators[name]})
	}
	return snap
}

func summarize(stage string, s *samples) TurnStageStats {
	vals := s.sorted()
	var total float64
	for _, v := range vals {
		total += v
	}
	return TurnStageStats{
		Stage:       stage,
		Samples:     len(vals),
		LastMS:      round2(s.last),
		AvgMS:       round2(total / float64(len(vals))),
		P50MS:       round2(percentile(vals, 50)),
		P95MS:       round2(percentile(vals, 95)),
		P99MS:       round2(percentile(vals, 99)),
		TargetP95MS: stageTargets[stage],
	}
}

// percentile uses the nearest-rank method on sorted values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	rank = min(max(rank, 1), len(sorted))
	return sorted[rank-1]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
