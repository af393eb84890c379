package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersAll(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Enqueued("autosave")
	m.Enqueued("autosave")
	m.Flush("autosave", "success")
	m.Depth("autosave", 3)
	m.BufferError("autosave")
	m.PreferenceRead("cache")
	m.LogoutCompleted()

	if got := testutil.ToFloat64(m.MessagesEnqueued.WithLabelValues("autosave")); got != 2 {
		t.Fatalf("expected 2 enqueued, got %v", got)
	}
	if got := testutil.ToFloat64(m.QueueDepth.WithLabelValues("autosave")); got != 3 {
		t.Fatalf("expected depth 3, got %v", got)
	}
	if got := testutil.ToFloat64(m.LogoutsCompleted); got != 1 {
		t.Fatalf("expected 1 logout, got %v", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) != 6 {
		t.Fatalf("expected 6 metric families, got %d", len(families))
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Enqueued("q")
	m.Flush("q", "failure")
	m.Depth("q", 1)
	m.BufferError("q")
	m.PreferenceRead("network")
	m.LogoutCompleted()
}
