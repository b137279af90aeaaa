package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumWhere returns the value of the int64 sum data point carrying
// attribute key=value, or -1 when there is none.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	return -1
}

func TestRecordStage(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordStage(ctx, "explicit", 2*time.Millisecond, "")
	m.RecordStage(ctx, "semantic", 40*time.Millisecond, "panic")
	m.RecordStage(ctx, "semantic", 30*time.Millisecond, "")

	rm := collect(t, reader)
	met := findMetric(rm, "sermonflow.stage.duration")
	if met == nil {
		t.Fatal("stage duration not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("stage duration is not a histogram")
	}
	var total uint64
	for _, dp := range hist.DataPoints {
		total += dp.Count
	}
	if total != 3 {
		t.Errorf("stage samples = %d, want 3", total)
	}
	if got := sumWhere(t, rm, "sermonflow.stage.errors", "kind", "panic"); got != 1 {
		t.Errorf("panic errors = %d, want 1", got)
	}
}

func TestDetectionAndCandidateCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCandidates(ctx, "explicit", 2)
	m.RecordCandidates(ctx, "cache", 0)
	m.RecordDetection(ctx, "regex", "high")
	m.RecordDetection(ctx, "cache", "medium")
	m.RecordDetection(ctx, "regex", "high")

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "sermonflow.candidates", "stage", "explicit"); got != 2 {
		t.Errorf("explicit candidates = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "sermonflow.candidates", "stage", "cache"); got != -1 {
		t.Errorf("zero candidates should record nothing, got %d", got)
	}
	if got := sumWhere(t, rm, "sermonflow.detections", "level", "high"); got != 2 {
		t.Errorf("high detections = %d, want 2", got)
	}
}

func TestChunkAndEscalationCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordChunk(ctx, false, "debounced")
	m.RecordChunk(ctx, true, "processed")
	m.RecordChunk(ctx, true, "processed")
	m.RecordEscalation(ctx, "medium_only")
	m.RecordProviderRequest(ctx, "openai", "embeddings", "ok")

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "sermonflow.chunks", "kind", "final"); got != 2 {
		t.Errorf("final chunks = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "sermonflow.escalations", "reason", "medium_only"); got != 1 {
		t.Errorf("escalations = %d, want 1", got)
	}
	if got := sumWhere(t, rm, "sermonflow.provider.requests", "kind", "embeddings"); got != 1 {
		t.Errorf("provider requests = %d, want 1", got)
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)
	m.PendingCandidates.Add(ctx, 4)

	rm := collect(t, reader)
	for name, want := range map[string]int64{
		"sermonflow.active_sessions":    1,
		"sermonflow.pending_candidates": 4,
	} {
		met := findMetric(rm, name)
		if met == nil {
			t.Fatalf("metric %q not found", name)
		}
		sum := met.Data.(metricdata.Sum[int64])
		if len(sum.DataPoints) == 0 || sum.DataPoints[0].Value != want {
			t.Errorf("%s = %+v, want %d", name, sum.DataPoints, want)
		}
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different pointers")
	}
}
