package integrity

import (
	"context"
	"errors"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestOTelMetricsCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := NewOTelMetrics(OTelMetricsOptions{MeterProvider: provider})
	if err != nil {
		t.Fatalf("NewOTelMetrics: %v", err)
	}

	workerAttrs := map[string]string{
		labelWorker: "0",
		labelStatus: "ok",
	}
	metrics.WorkerStarted(workerAttrs)
	metrics.WorkerStopped(workerAttrs)

	requestAttrs := map[string]string{
		labelDevice:    "blkit0",
		labelDirection: "read",
		labelCsum:      "crc",
	}
	metrics.VerifyScheduled(requestAttrs)
	metrics.VerifyCompleted(requestAttrs)
	metrics.VerifyFailed(errors.New("mismatch"), requestAttrs)
	metrics.GenerateCompleted(requestAttrs)
	metrics.PrepareFailed(errors.New("exhausted"), requestAttrs)
	metrics.MapCompleted(requestAttrs)
	metrics.MapFailed(errors.New("too large"), requestAttrs)

	ctx := context.Background()
	if err := provider.ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	cases := map[string]float64{
		"blkintegrity.controller.worker.started":     1,
		"blkintegrity.controller.worker.stopped":     1,
		"blkintegrity.controller.verify.scheduled":   1,
		"blkintegrity.controller.verify.completed":   1,
		"blkintegrity.controller.verify.failed":      1,
		"blkintegrity.controller.generate.completed": 1,
		"blkintegrity.controller.prepare.failed":     1,
		"blkintegrity.controller.map.completed":      1,
		"blkintegrity.controller.map.failed":         1,
	}

	for name, want := range cases {
		if got := otelCounterValue(rm, name); got != want {
			t.Fatalf("unexpected counter %s: got %v want %v", name, got, want)
		}
	}

	if err := provider.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func otelCounterValue(rm metricdata.ResourceMetrics, name string) float64 {
	for _, scope := range rm.ScopeMetrics {
		for _, metric := range scope.Metrics {
			if metric.Name != name {
				continue
			}
			switch data := metric.Data.(type) {
			case metricdata.Sum[int64]:
				var sum float64
				for _, dp := range data.DataPoints {
					sum += float64(dp.Value)
				}
				return sum
			}
		}
	}
	return 0
}
