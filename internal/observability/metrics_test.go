package observability

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordDispatch(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordDispatch("bash", "ok", 20*time.Millisecond)
	m.RecordDispatch("bash", "ok", 2*time.Second)
	m.RecordDispatch("str_replace_editor", "error", time.Millisecond)

	expected := `
		# HELP deckhand_tool_dispatches_total Total number of tool dispatches by tool and status
		# TYPE deckhand_tool_dispatches_total counter
		deckhand_tool_dispatches_total{status="error",tool="str_replace_editor"} 1
		deckhand_tool_dispatches_total{status="ok",tool="bash"} 2
	`
	if err := testutil.CollectAndCompare(m.ToolDispatches, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected dispatch counts: %v", err)
	}
	if count := testutil.CollectAndCount(m.ToolDuration); count != 2 {
		t.Errorf("expected 2 duration series, got %d", count)
	}
}

func TestRecordApprovalAndRuns(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordApproval("yes")
	m.RecordApproval("no")
	m.RecordApproval("yes")
	m.RecordRoundTrip()
	m.RecordRoundTrip()
	m.RecordRun("end_turn")
	m.RecordRun("max_turns")
	m.RecordProtocolError()

	if got := testutil.ToFloat64(m.ApprovalDecisions.WithLabelValues("yes")); got != 2 {
		t.Errorf("yes decisions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ModelRoundTrips); got != 2 {
		t.Errorf("round-trips = %v, want 2", got)
	}
	if count := testutil.CollectAndCount(m.Runs); count != 2 {
		t.Errorf("expected 2 run reasons, got %d", count)
	}
	if got := testutil.ToFloat64(m.ProtocolErrors); got != 1 {
		t.Errorf("protocol errors = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordDispatch("bash", "ok", time.Second)
	m.RecordApproval("yes")
	m.RecordRoundTrip()
	m.RecordRun("end_turn")
	m.RecordProtocolError()
}

func TestNewMetricsRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.RecordRoundTrip()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, family := range families {
		if family.GetName() == "deckhand_model_round_trips_total" {
			found = true
		}
	}
	if !found {
		t.Fatal("round-trip counter not registered")
	}
}

func TestConcurrentDispatchRecording(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.RecordDispatch("bash", "ok", time.Millisecond)
			}
		}()
	}
	wg.Wait()

	if got := testutil.ToFloat64(m.ToolDispatches.WithLabelValues("bash", "ok")); got != 1000 {
		t.Errorf("dispatches = %v, want 1000", got)
	}
}
