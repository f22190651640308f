package integrity

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry counters.
type OTelMetrics struct {
	meter             metric.Meter
	workerStarted     metric.Int64Counter
	workerStopped     metric.Int64Counter
	verifyScheduled   metric.Int64Counter
	verifyCompleted   metric.Int64Counter
	verifyFailed      metric.Int64Counter
	generateCompleted metric.Int64Counter
	prepareFailed     metric.Int64Counter
	mapCompleted      metric.Int64Counter
	mapFailed         metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/blkintegrity-go/integrity"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	workerStarted, err := meter.Int64Counter("blkintegrity.controller.worker.started")
	if err != nil {
		return nil, err
	}
	workerStopped, err := meter.Int64Counter("blkintegrity.controller.worker.stopped")
	if err != nil {
		return nil, err
	}
	verifyScheduled, err := meter.Int64Counter("blkintegrity.controller.verify.scheduled")
	if err != nil {
		return nil, err
	}
	verifyCompleted, err := meter.Int64Counter("blkintegrity.controller.verify.completed")
	if err != nil {
		return nil, err
	}
	verifyFailed, err := meter.Int64Counter("blkintegrity.controller.verify.failed")
	if err != nil {
		return nil, err
	}
	generateCompleted, err := meter.Int64Counter("blkintegrity.controller.generate.completed")
	if err != nil {
		return nil, err
	}
	prepareFailed, err := meter.Int64Counter("blkintegrity.controller.prepare.failed")
	if err != nil {
		return nil, err
	}
	mapCompleted, err := meter.Int64Counter("blkintegrity.controller.map.completed")
	if err != nil {
		return nil, err
	}
	mapFailed, err := meter.Int64Counter("blkintegrity.controller.map.failed")
	if err != nil {
		return nil, err
	}

	return &OTelMetrics{
		meter:             meter,
		workerStarted:     workerStarted,
		workerStopped:     workerStopped,
		verifyScheduled:   verifyScheduled,
		verifyCompleted:   verifyCompleted,
		verifyFailed:      verifyFailed,
		generateCompleted: generateCompleted,
		prepareFailed:     prepareFailed,
		mapCompleted:      mapCompleted,
		mapFailed:         mapFailed,
	}, nil
}

// WorkerStarted records that a verify worker loop has started executing.
func (o *OTelMetrics) WorkerStarted(attrs map[string]string) {
	o.workerStarted.Add(context.Background(), 1, metric.WithAttributes(otelWorkerAttrs(attrs)...))
}

// WorkerStopped records that a verify worker loop has exited.
func (o *OTelMetrics) WorkerStopped(attrs map[string]string) {
	o.workerStopped.Add(context.Background(), 1, metric.WithAttributes(otelWorkerAttrs(attrs)...))
}

// VerifyScheduled records a read completion that was deferred to the verify workers.
func (o *OTelMetrics) VerifyScheduled(attrs map[string]string) {
	o.verifyScheduled.Add(context.Background(), 1, metric.WithAttributes(otelRequestAttrs(attrs)...))
}

// VerifyCompleted records a verification that passed.
func (o *OTelMetrics) VerifyCompleted(attrs map[string]string) {
	o.verifyCompleted.Add(context.Background(), 1, metric.WithAttributes(otelRequestAttrs(attrs)...))
}

// VerifyFailed records a verification that surfaced an integrity error.
func (o *OTelMetrics) VerifyFailed(_ error, attrs map[string]string) {
	o.verifyFailed.Add(context.Background(), 1, metric.WithAttributes(otelRequestAttrs(attrs)...))
}

// GenerateCompleted records a write payload generated during preparation.
func (o *OTelMetrics) GenerateCompleted(attrs map[string]string) {
	o.generateCompleted.Add(context.Background(), 1, metric.WithAttributes(otelRequestAttrs(attrs)...))
}

// PrepareFailed records a request failed during preparation.
func (o *OTelMetrics) PrepareFailed(_ error, attrs map[string]string) {
	o.prepareFailed.Add(context.Background(), 1, metric.WithAttributes(otelRequestAttrs(attrs)...))
}

// MapCompleted records a caller buffer mapped as an integrity vector.
func (o *OTelMetrics) MapCompleted(attrs map[string]string) {
	o.mapCompleted.Add(context.Background(), 1, metric.WithAttributes(otelRequestAttrs(attrs)...))
}

// MapFailed records a caller buffer mapping that was rejected.
func (o *OTelMetrics) MapFailed(_ error, attrs map[string]string) {
	o.mapFailed.Add(context.Background(), 1, metric.WithAttributes(otelRequestAttrs(attrs)...))
}

func otelRequestAttrs(attrs map[string]string) []attribute.KeyValue {
	kvs := []attribute.KeyValue{
		attribute.String(labelDevice, attrs[labelDevice]),
		attribute.String(labelDirection, attrs[labelDirection]),
	}
	if v := attrs[labelCsum]; v != "" {
		kvs = append(kvs, attribute.String(labelCsum, v))
	}
	return kvs
}

func otelWorkerAttrs(attrs map[string]string) []attribute.KeyValue {
	kvs := []attribute.KeyValue{
		attribute.String(labelWorker, attrs[labelWorker]),
	}
	if v := attrs[labelStatus]; v != "" {
		kvs = append(kvs, attribute.String(labelStatus, v))
	}
	return kvs
}
