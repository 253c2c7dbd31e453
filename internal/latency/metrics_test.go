package latency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/cadence/internal/observe"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func spoken(resp time.Duration) Sample {
	return Sample{
		Outcome: OutcomeSpoken,
		Tier:    "fast",
		Stages: map[Stage]time.Duration{
			StageReasoningFirstToken: resp / 2,
			StageResponse:            resp,
		},
	}
}

func TestMetrics_Percentiles(t *testing.T) {
	t.Parallel()

	m := NewMetrics(DefaultBudget())
	ctx := context.Background()
	for i := 1; i <= 100; i++ {
		m.Record(ctx, Sample{
			Outcome: OutcomeSpoken,
			Stages:  map[Stage]time.Duration{StageSynthesisFirstByte: time.Duration(i) * time.Millisecond},
		})
	}

	snap := m.Snapshot()
	got := snap.Stages[StageSynthesisFirstByte]
	if got.P50 != 50*time.Millisecond {
		t.Errorf("P50 = %v, want 50ms", got.P50)
	}
	if got.P95 != 95*time.Millisecond {
		t.Errorf("P95 = %v, want 95ms", got.P95)
	}
	if got.Count != 100 {
		t.Errorf("Count = %d, want 100", got.Count)
	}
	if snap.Turns != 100 || snap.Outcomes[OutcomeSpoken] != 100 {
		t.Errorf("turns = %d, spoken = %d, want 100/100", snap.Turns, snap.Outcomes[OutcomeSpoken])
	}
}

func TestMetrics_WindowEvictsOldest(t *testing.T) {
	t.Parallel()

	m := NewMetrics(DefaultBudget(), WithWindow(3))
	ctx := context.Background()
	for _, ms := range []int{900, 10, 20, 30} {
		m.Record(ctx, Sample{
			Outcome: OutcomeSpoken,
			Stages:  map[Stage]time.Duration{StageAvatarDispatch: time.Duration(ms) * time.Millisecond},
		})
	}

	got := m.Snapshot().Stages[StageAvatarDispatch]
	if got.Count != 3 {
		t.Fatalf("Count = %d, want 3", got.Count)
	}
	if got.P95 != 30*time.Millisecond {
		t.Errorf("P95 = %v, want 30ms (900ms sample should be evicted)", got.P95)
	}
}

func TestMetrics_EmptySnapshot(t *testing.T) {
	t.Parallel()

	snap := NewMetrics(DefaultBudget()).Snapshot()
	for _, s := range Stages {
		if p := snap.Stages[s]; p.P50 != 0 || p.P95 != 0 || p.Count != 0 {
			t.Errorf("stage %s: want zero percentiles, got %+v", s, p)
		}
	}
	if snap.Degraded {
		t.Error("fresh metrics must not be degraded")
	}
}

func TestMetrics_OverBudget(t *testing.T) {
	t.Parallel()

	m := NewMetrics(DefaultBudget())
	tests := []struct {
		name         string
		sample       Sample
		wantOver     bool
		wantMeasured bool
	}{
		{"within budget", spoken(800 * time.Millisecond), false, true},
		{"response over total", spoken(1200 * time.Millisecond), true, true},
		{
			"first token over sub-budget",
			Sample{Stages: map[Stage]time.Duration{StageReasoningFirstToken: 600 * time.Millisecond}},
			true, true,
		},
		{"timed out", Sample{Outcome: OutcomeFailed, TimedOut: true}, true, true},
		{
			"suppressed before reasoning",
			Sample{Outcome: OutcomeSuppressed, Stages: map[Stage]time.Duration{StageTurnWait: 2 * time.Second}},
			false, false,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			over, measured := m.OverBudget(tc.sample)
			if over != tc.wantOver || measured != tc.wantMeasured {
				t.Errorf("OverBudget = (%v, %v), want (%v, %v)", over, measured, tc.wantOver, tc.wantMeasured)
			}
		})
	}
}

func TestMetrics_DegradationHysteresis(t *testing.T) {
	t.Parallel()

	m := NewMetrics(DefaultBudget())
	ctx := context.Background()
	slow := spoken(1500 * time.Millisecond)
	fast := spoken(400 * time.Millisecond)

	for i := range 2 {
		if degraded, _ := m.Record(ctx, slow); degraded {
			t.Fatalf("degraded after %d overruns, want only after 3", i+1)
		}
	}
	degraded, changed := m.Record(ctx, slow)
	if !degraded || !changed {
		t.Fatalf("third overrun: want (true, true), got (%v, %v)", degraded, changed)
	}

	// One in-budget turn does not clear the flag.
	if degraded, _ := m.Record(ctx, fast); !degraded {
		t.Fatal("one in-budget turn must not clear degraded mode")
	}
	// A suppressed turn is not measured and does not break the recovery run.
	m.Record(ctx, Sample{Outcome: OutcomeSuppressed})
	if degraded, _ := m.Record(ctx, fast); !degraded {
		t.Fatal("two in-budget turns must not clear degraded mode")
	}
	degraded, changed = m.Record(ctx, fast)
	if degraded || !changed {
		t.Fatalf("third in-budget turn: want (false, true), got (%v, %v)", degraded, changed)
	}

	snap := m.Snapshot()
	if snap.OverBudget != 3 {
		t.Errorf("OverBudget = %d, want 3", snap.OverBudget)
	}
	if snap.StageOverruns[StageResponse] != 3 {
		t.Errorf("StageOverruns[response] = %d, want 3", snap.StageOverruns[StageResponse])
	}
}

func TestMetrics_OverrunStreakBrokenByInBudgetTurn(t *testing.T) {
	t.Parallel()

	m := NewMetrics(DefaultBudget())
	ctx := context.Background()
	slow := spoken(1500 * time.Millisecond)

	m.Record(ctx, slow)
	m.Record(ctx, slow)
	m.Record(ctx, spoken(300*time.Millisecond))
	if degraded, _ := m.Record(ctx, slow); degraded {
		t.Fatal("overrun counter must reset on an in-budget turn")
	}
	if got := m.Snapshot().ConsecutiveOverruns; got != 1 {
		t.Errorf("ConsecutiveOverruns = %d, want 1", got)
	}
}

func TestMetrics_MirrorsToInstruments(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	inst, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	m := NewMetrics(DefaultBudget(), WithInstruments(inst))
	ctx := context.Background()
	for range 3 {
		m.Record(ctx, spoken(1500*time.Millisecond))
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if sum, ok := met.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					sums[met.Name] += dp.Value
				}
			}
		}
	}
	if sums["cadence.pipeline.turns"] != 3 {
		t.Errorf("turns = %d, want 3", sums["cadence.pipeline.turns"])
	}
	if sums["cadence.pipeline.budget_overruns"] != 3 {
		t.Errorf("budget_overruns = %d, want 3", sums["cadence.pipeline.budget_overruns"])
	}
	if sums["cadence.degraded_sessions"] != 1 {
		t.Errorf("degraded_sessions = %d, want 1", sums["cadence.degraded_sessions"])
	}
}

func TestMetrics_ConcurrentRecord(t *testing.T) {
	t.Parallel()

	m := NewMetrics(DefaultBudget(), WithWindow(10))
	ctx := context.Background()
	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for range 50 {
				m.Record(ctx, spoken(200*time.Millisecond))
				_ = m.Snapshot()
			}
		})
	}
	wg.Wait()

	if got := m.Snapshot().Turns; got != 400 {
		t.Errorf("Turns = %d, want 400", got)
	}
}

func TestBudget_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		budget  Budget
		wantErr bool
	}{
		{"default", DefaultBudget(), false},
		{"zero total", Budget{}, true},
		{
			"sub-budgets exceed total",
			Budget{Total: time.Second, Recognition: 400 * time.Millisecond, ReasoningFirstToken: 500 * time.Millisecond, SynthesisFirstByte: 300 * time.Millisecond},
			true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if err := tc.budget.Validate(); (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestBudget_Limit(t *testing.T) {
	t.Parallel()

	b := DefaultBudget()
	if got := b.Limit(StageReasoningFirstToken); got != 500*time.Millisecond {
		t.Errorf("Limit(reasoning_first_token) = %v, want 500ms", got)
	}
	if got := b.Limit(StageTurnWait); got != 0 {
		t.Errorf("Limit(turn_wait) = %v, want 0", got)
	}
}
