package integrity

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestPrometheusMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("NewPrometheusMetrics: %v", err)
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

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	cases := map[string]float64{
		"blkintegrity_verify_worker_started_total": 1,
		"blkintegrity_verify_worker_stopped_total": 1,
		"blkintegrity_verify_scheduled_total":      1,
		"blkintegrity_verify_completed_total":      1,
		"blkintegrity_verify_failed_total":         1,
		"blkintegrity_generate_completed_total":    1,
		"blkintegrity_prepare_failed_total":        1,
		"blkintegrity_map_completed_total":         1,
		"blkintegrity_map_failed_total":            1,
	}

	for name, want := range cases {
		if got := findCounterValue(mfs, name); got != want {
			t.Fatalf("unexpected counter %s: got %v want %v", name, got, want)
		}
	}
}

func TestPrometheusMetricsReregister(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg}); err != nil {
		t.Fatalf("NewPrometheusMetrics: %v", err)
	}
	if _, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg}); err != nil {
		t.Fatalf("NewPrometheusMetrics against a populated registry: %v", err)
	}
}

func findCounterValue(mfs []*dto.MetricFamily, name string) float64 {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range mf.Metric {
			sum += m.GetCounter().GetValue()
		}
		return sum
	}
	return 0
}
