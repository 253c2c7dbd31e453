package latency

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/MrWong99/cadence/internal/observe"
)

// DefaultWindow is the number of samples retained per stage.
const DefaultWindow = 100

// Metrics accumulates per-stage latencies and turn outcomes for one call
// session and drives the [Degradation] tracker. It keeps a bounded ring buffer
// of recent observations per stage from which percentiles are computed on
// demand, and mirrors every sample into the OTel instruments when configured.
//
// Thread-safe for concurrent use.
type Metrics struct {
	mu sync.Mutex

	budget Budget
	window int

	stages        map[Stage]*latencyBuffer
	stageOverruns map[Stage]int64
	outcomes      map[Outcome]int64
	turns         int64
	overBudget    int64

	degradation *Degradation
	inst        *observe.Metrics
}

// MetricsOption configures a [Metrics].
type MetricsOption func(*Metrics)

// WithWindow sets the number of samples retained per stage.
func WithWindow(n int) MetricsOption {
	return func(m *Metrics) {
		if n > 0 {
			m.window = n
		}
	}
}

// WithInstruments mirrors recorded samples into the given OTel instruments.
func WithInstruments(inst *observe.Metrics) MetricsOption {
	return func(m *Metrics) { m.inst = inst }
}

// WithDegradation replaces the default 3/3 degradation tracker.
func WithDegradation(d *Degradation) MetricsOption {
	return func(m *Metrics) {
		if d != nil {
			m.degradation = d
		}
	}
}

// NewMetrics creates a Metrics for the given budget.
func NewMetrics(budget Budget, opts ...MetricsOption) *Metrics {
	m := &Metrics{
		budget:        budget,
		window:        DefaultWindow,
		stages:        make(map[Stage]*latencyBuffer, len(Stages)),
		stageOverruns: make(map[Stage]int64),
		outcomes:      make(map[Outcome]int64),
	}
	for _, o := range opts {
		o(m)
	}
	if m.degradation == nil {
		m.degradation = NewDegradation(DefaultTriggerCount, DefaultRecoveryCount)
	}
	for _, s := range Stages {
		m.stages[s] = newLatencyBuffer(m.window)
	}
	return m
}

// Budget returns the configured latency budget.
func (m *Metrics) Budget() Budget {
	return m.budget
}

// OverBudget reports whether s counts as a budget overrun and whether it
// counts toward the degradation trend at all. Turns that were suppressed
// before reasoning started carry no agent latency and are not measured.
//
// A measured turn is over budget when it timed out, when its response
// latency exceeds the total budget, or when its first reasoning token
// arrived after the reasoning sub-budget.
func (m *Metrics) OverBudget(s Sample) (over, measured bool) {
	resp, hasResp := s.Stages[StageResponse]
	first, hasFirst := s.Stages[StageReasoningFirstToken]
	if !hasResp && !hasFirst && !s.TimedOut {
		return false, false
	}
	if s.TimedOut {
		return true, true
	}
	if hasResp && resp > m.budget.Total {
		return true, true
	}
	if hasFirst && m.budget.ReasoningFirstToken > 0 && first > m.budget.ReasoningFirstToken {
		return true, true
	}
	return false, true
}

// Record adds one turn sample. It updates the stage buffers and outcome
// counters, feeds the degradation tracker and returns the resulting degraded
// flag and whether it changed with this sample.
//
// The sample's OverBudget and Degraded fields are ignored on input; use the
// returned values.
func (m *Metrics) Record(ctx context.Context, s Sample) (degraded, changed bool) {
	over, measured := m.OverBudget(s)

	m.mu.Lock()
	m.turns++
	m.outcomes[s.Outcome]++
	for stage, d := range s.Stages {
		buf, ok := m.stages[stage]
		if !ok {
			continue
		}
		buf.add(d)
		if limit := m.budget.Limit(stage); limit > 0 && d > limit {
			m.stageOverruns[stage]++
		}
	}
	if over {
		m.overBudget++
	}
	m.mu.Unlock()

	if measured {
		degraded, changed = m.degradation.Observe(over)
	} else {
		degraded = m.degradation.Degraded()
	}

	if m.inst != nil {
		for stage, d := range s.Stages {
			m.inst.RecordStage(ctx, string(stage), d.Seconds())
		}
		m.inst.RecordTurn(ctx, string(s.Outcome), s.Tier)
		if over {
			m.inst.BudgetOverruns.Add(ctx, 1)
		}
		if changed {
			delta := int64(1)
			if !degraded {
				delta = -1
			}
			m.inst.DegradedSessions.Add(ctx, delta)
		}
	}
	return degraded, changed
}

// Degraded reports whether degraded mode is active.
func (m *Metrics) Degraded() bool {
	return m.degradation.Degraded()
}

// LatencyPercentiles holds p50 and p95 values for a latency stage.
type LatencyPercentiles struct {
	P50   time.Duration `json:"p50_ns"`
	P95   time.Duration `json:"p95_ns"`
	Count int           `json:"count"`
}

// Snapshot is a point-in-time view of the session's pipeline statistics.
type Snapshot struct {
	Stages              map[Stage]LatencyPercentiles `json:"stages"`
	StageOverruns       map[Stage]int64              `json:"stage_overruns"`
	Outcomes            map[Outcome]int64            `json:"outcomes"`
	Turns               int64                        `json:"turns"`
	OverBudget          int64                        `json:"over_budget"`
	ConsecutiveOverruns int                          `json:"consecutive_overruns"`
	Degraded            bool                         `json:"degraded"`
}

// Snapshot returns a point-in-time view of all statistics.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	snap := Snapshot{
		Stages:        make(map[Stage]LatencyPercentiles, len(m.stages)),
		StageOverruns: make(map[Stage]int64, len(m.stageOverruns)),
		Outcomes:      make(map[Outcome]int64, len(m.outcomes)),
		Turns:         m.turns,
		OverBudget:    m.overBudget,
	}
	for s, buf := range m.stages {
		snap.Stages[s] = buf.percentiles()
	}
	for s, n := range m.stageOverruns {
		snap.StageOverruns[s] = n
	}
	for o, n := range m.outcomes {
		snap.Outcomes[o] = n
	}
	m.mu.Unlock()

	snap.ConsecutiveOverruns = m.degradation.ConsecutiveOverruns()
	snap.Degraded = m.degradation.Degraded()
	return snap
}

// latencyBuffer is a bounded ring buffer of duration samples.
type latencyBuffer struct {
	data []time.Duration
	pos  int
	full bool
}

func newLatencyBuffer(size int) *latencyBuffer {
	return &latencyBuffer{data: make([]time.Duration, size)}
}

func (lb *latencyBuffer) add(d time.Duration) {
	lb.data[lb.pos] = d
	lb.pos++
	if lb.pos >= len(lb.data) {
		lb.pos = 0
		lb.full = true
	}
}

func (lb *latencyBuffer) len() int {
	if lb.full {
		return len(lb.data)
	}
	return lb.pos
}

func (lb *latencyBuffer) percentiles() LatencyPercentiles {
	n := lb.len()
	if n == 0 {
		return LatencyPercentiles{}
	}
	sorted := make([]time.Duration, n)
	copy(sorted, lb.data[:n])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return LatencyPercentiles{
		P50:   percentile(sorted, 0.50),
		P95:   percentile(sorted, 0.95),
		Count: n,
	}
}

// percentile returns the nearest-rank value at p (0.0-1.0) from a sorted
// slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	idx = max(idx, 0)
	idx = min(idx, len(sorted)-1)
	return sorted[idx]
}
