package observe

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
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
		t.Fatalf("collect: %v", err)
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

func TestNewMetricsCreatesAllInstruments(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m.ScriptDuration == nil || m.TTSDuration == nil || m.MixDuration == nil ||
		m.GenerationDuration == nil || m.ProviderRequests == nil || m.TaskRuns == nil ||
		m.PlaysRecorded == nil || m.ProviderErrors == nil || m.PushClients == nil ||
		m.HTTPRequestDuration == nil {
		t.Fatal("some instruments are nil")
	}
}

func TestRecordProviderRequest(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "elevenlabs", "tts", "ok")
	m.RecordProviderRequest(ctx, "elevenlabs", "tts", "ok")
	m.RecordProviderError(ctx, "openai", "script")

	rm := collect(t, reader)
	requests := findMetric(rm, "haywire.provider.requests")
	if requests == nil {
		t.Fatal("provider requests metric missing")
	}
	sum, ok := requests.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 2 {
		t.Errorf("requests data = %+v", requests.Data)
	}

	if findMetric(rm, "haywire.provider.errors") == nil {
		t.Error("provider errors metric missing")
	}
}

func TestRecordTaskRunAndPlay(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTaskRun(ctx, "break_schedule", "ok")
	m.RecordPlay(ctx, "music")
	m.GenerationDuration.Record(ctx, 42.5)

	rm := collect(t, reader)
	for _, name := range []string{
		"haywire.task.runs",
		"haywire.plays.recorded",
		"haywire.generation.duration",
	} {
		if findMetric(rm, name) == nil {
			t.Errorf("metric %s missing after record", name)
		}
	}
}

func TestRecordStageDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordStageDuration(ctx, "script", 2*time.Second)
	m.RecordStageDuration(ctx, "tts", time.Second)
	m.RecordStageDuration(ctx, "mix", 500*time.Millisecond)
	m.RecordStageDuration(ctx, "no-such-stage", time.Second)

	rm := collect(t, reader)
	for _, name := range []string{
		"haywire.script.duration",
		"haywire.tts.duration",
		"haywire.mix.duration",
	} {
		metric := findMetric(rm, name)
		if metric == nil {
			t.Errorf("metric %s missing after record", name)
			continue
		}
		hist, ok := metric.Data.(metricdata.Histogram[float64])
		if !ok || len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
			t.Errorf("%s data = %+v", name, metric.Data)
		}
	}
}

func TestDefaultMetricsIsSingleton(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different pointers")
	}
}
