package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/cadence/internal/observe"
	llmmock "github.com/MrWong99/cadence/pkg/provider/llm/mock"
)

func newManager(t *testing.T, inst *observe.Metrics) (*Manager, *atomic.Int32, map[string]*fixture) {
	t.Helper()
	var built atomic.Int32
	fixtures := make(map[string]*fixture)
	factory := func(_ context.Context, id string) (*Session, error) {
		if id == "broken" {
			return nil, errors.New("avatar unreachable")
		}
		built.Add(1)
		f := newFixture(t, &llmmock.Provider{StreamChunks: reply("[CONF:0.9]Hi.")})
		f.s.id = id
		fixtures[id] = f
		return f.s, nil
	}
	m := NewManager(context.Background(), factory, inst)
	t.Cleanup(func() { _ = m.Shutdown() })
	return m, &built, fixtures
}

func TestManager_OpenIsIdempotent(t *testing.T) {
	t.Parallel()

	m, built, _ := newManager(t, nil)

	s1, created, err := m.Open("call-1")
	if err != nil || !created {
		t.Fatalf("first Open: created=%v err=%v", created, err)
	}
	s2, created, err := m.Open("call-1")
	if err != nil || created {
		t.Fatalf("second Open: created=%v err=%v", created, err)
	}
	if s1 != s2 {
		t.Error("want the same session for the same id")
	}
	if got := built.Load(); got != 1 {
		t.Errorf("factory called %d times, want 1", got)
	}
	if got, ok := m.Get("call-1"); !ok || got != s1 {
		t.Error("Get did not return the open session")
	}
}

func TestManager_OpenFactoryError(t *testing.T) {
	t.Parallel()

	m, _, _ := newManager(t, nil)
	if _, _, err := m.Open("broken"); err == nil {
		t.Fatal("want factory error")
	}
	if _, ok := m.Get("broken"); ok {
		t.Error("failed session must not be registered")
	}
}

func TestManager_CloseStopsLoopAndClosesSession(t *testing.T) {
	t.Parallel()

	m, _, fixtures := newManager(t, nil)
	if _, _, err := m.Open("call-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	fixtures["call-1"].final(caller, "Hello?")
	select {
	case <-fixtures["call-1"].turns:
	case <-time.After(3 * time.Second):
		t.Fatal("session loop did not run the turn")
	}

	if err := m.Close("call-1"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := m.Get("call-1"); ok {
		t.Error("closed session still registered")
	}
	if !fixtures["call-1"].sink.IsClosed() {
		t.Error("session closers did not run")
	}
	if err := m.Close("call-1"); err != nil {
		t.Errorf("closing an unknown session: want nil, got %v", err)
	}
}

func TestManager_ListSortedByID(t *testing.T) {
	t.Parallel()

	m, _, _ := newManager(t, nil)
	for _, id := range []string{"call-b", "call-a", "call-c"} {
		if _, _, err := m.Open(id); err != nil {
			t.Fatalf("Open(%s): %v", id, err)
		}
	}
	got := m.List()
	if len(got) != 3 || got[0].ID != "call-a" || got[1].ID != "call-b" || got[2].ID != "call-c" {
		t.Errorf("List: got %+v", got)
	}
}

func TestManager_ApplyThresholds(t *testing.T) {
	t.Parallel()

	m, _, fixtures := newManager(t, nil)
	for _, id := range []string{"call-1", "call-2"} {
		if _, _, err := m.Open(id); err != nil {
			t.Fatalf("Open(%s): %v", id, err)
		}
	}
	m.ApplyThreshold(0.55)
	m.ApplyTurnThresholds(700*time.Millisecond, 2*time.Second)

	for id, f := range fixtures {
		if got := f.checker.Threshold(); got != 0.55 {
			t.Errorf("%s: Threshold = %v, want 0.55", id, got)
		}
		if eot, think := f.det.Thresholds(); eot != 700*time.Millisecond || think != 2*time.Second {
			t.Errorf("%s: Thresholds = (%v, %v)", id, eot, think)
		}
	}
}

func TestManager_ShutdownRejectsOpen(t *testing.T) {
	t.Parallel()

	m, _, fixtures := newManager(t, nil)
	if _, _, err := m.Open("call-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := m.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !fixtures["call-1"].sink.IsClosed() {
		t.Error("Shutdown did not close the session")
	}
	if _, _, err := m.Open("call-2"); !errors.Is(err, ErrClosed) {
		t.Errorf("Open after Shutdown: want ErrClosed, got %v", err)
	}
}

func TestManager_ActiveSessionsGauge(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	inst, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	m, _, _ := newManager(t, inst)
	for _, id := range []string{"call-1", "call-2"} {
		if _, _, err := m.Open(id); err != nil {
			t.Fatalf("Open(%s): %v", id, err)
		}
	}
	if err := m.Close("call-1"); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var active int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "cadence.active_sessions" {
				continue
			}
			for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
				active += dp.Value
			}
		}
	}
	if active != 1 {
		t.Errorf("active_sessions = %d, want 1", active)
	}
}
