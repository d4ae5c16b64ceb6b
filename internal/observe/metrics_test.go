package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
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

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
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

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"dictare.transcription.duration", m.TranscriptionDuration},
		{"dictare.refinement.duration", m.RefinementDuration},
		{"dictare.sync.flush.duration", m.SyncFlushDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			got := findMetric(rm, tc.name)
			if got == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := got.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is %T, want Histogram[float64]", tc.name, got.Data)
			}
			if len(hist.DataPoints) != 1 {
				t.Fatalf("metric %q has %d data points, want 1", tc.name, len(hist.DataPoints))
			}
			if hist.DataPoints[0].Count != 2 {
				t.Errorf("metric %q count = %d, want 2", tc.name, hist.DataPoints[0].Count)
			}
		})
	}
}

func TestRecordSessionCompleted(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSessionCompleted(ctx, "cleanup", "edit_review")
	m.RecordSessionCompleted(ctx, "cleanup", "edit_review")
	m.RecordSessionCompleted(ctx, "email", "none")

	rm := collect(t, reader)
	got := findMetric(rm, "dictare.sessions.completed")
	if got == nil {
		t.Fatal("dictare.sessions.completed not found")
	}
	sum, ok := got.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("data is %T, want Sum[int64]", got.Data)
	}
	// Two distinct attribute sets.
	if len(sum.DataPoints) != 2 {
		t.Fatalf("data points = %d, want 2", len(sum.DataPoints))
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 3 {
		t.Errorf("total sessions = %d, want 3", total)
	}
}

func TestSyncQueueDepthGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.SyncQueueDepth.Add(ctx, 3)
	m.SyncQueueDepth.Add(ctx, -1)

	rm := collect(t, reader)
	got := findMetric(rm, "dictare.sync.queue_depth")
	if got == nil {
		t.Fatal("dictare.sync.queue_depth not found")
	}
	sum, ok := got.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("data is %T, want Sum[int64]", got.Data)
	}
	if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 2 {
		t.Errorf("queue depth = %+v, want single point of 2", sum.DataPoints)
	}
}
