package integrity

import "github.com/prometheus/client_golang/prometheus"

const (
	labelDevice    = "device"
	labelDirection = "direction"
	labelCsum      = "csum"
	labelWorker    = "worker"
	labelStatus    = "status"
)

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters.
type PrometheusMetrics struct {
	workerStarted     *prometheus.CounterVec
	workerStopped     *prometheus.CounterVec
	verifyScheduled   *prometheus.CounterVec
	verifyCompleted   *prometheus.CounterVec
	verifyFailed      *prometheus.CounterVec
	generateCompleted *prometheus.CounterVec
	prepareFailed     *prometheus.CounterVec
	mapCompleted      *prometheus.CounterVec
	mapFailed         *prometheus.CounterVec
}

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	counter := func(name, help string, keys []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: opts.ConstLabels,
		}, keys)
	}

	p := &PrometheusMetrics{
		workerStarted:     counter("blkintegrity_verify_worker_started_total", "Number of times a verify worker started", workerStartLabelKeys),
		workerStopped:     counter("blkintegrity_verify_worker_stopped_total", "Number of times a verify worker stopped", workerStopLabelKeys),
		verifyScheduled:   counter("blkintegrity_verify_scheduled_total", "Number of read completions deferred to the verify workers", requestLabelKeys),
		verifyCompleted:   counter("blkintegrity_verify_completed_total", "Number of verifications that passed", requestLabelKeys),
		verifyFailed:      counter("blkintegrity_verify_failed_total", "Number of verifications that surfaced an integrity error", requestLabelKeys),
		generateCompleted: counter("blkintegrity_generate_completed_total", "Number of write payloads generated during preparation", requestLabelKeys),
		prepareFailed:     counter("blkintegrity_prepare_failed_total", "Number of requests failed during preparation", requestLabelKeys),
		mapCompleted:      counter("blkintegrity_map_completed_total", "Number of caller buffers mapped as integrity vectors", requestLabelKeys),
		mapFailed:         counter("blkintegrity_map_failed_total", "Number of caller buffer mappings rejected", requestLabelKeys),
	}

	var err error
	if p.workerStarted, err = registerCounterVec(reg, p.workerStarted); err != nil {
		return nil, err
	}
	if p.workerStopped, err = registerCounterVec(reg, p.workerStopped); err != nil {
		return nil, err
	}
	if p.verifyScheduled, err = registerCounterVec(reg, p.verifyScheduled); err != nil {
		return nil, err
	}
	if p.verifyCompleted, err = registerCounterVec(reg, p.verifyCompleted); err != nil {
		return nil, err
	}
	if p.verifyFailed, err = registerCounterVec(reg, p.verifyFailed); err != nil {
		return nil, err
	}
	if p.generateCompleted, err = registerCounterVec(reg, p.generateCompleted); err != nil {
		return nil, err
	}
	if p.prepareFailed, err = registerCounterVec(reg, p.prepareFailed); err != nil {
		return nil, err
	}
	if p.mapCompleted, err = registerCounterVec(reg, p.mapCompleted); err != nil {
		return nil, err
	}
	if p.mapFailed, err = registerCounterVec(reg, p.mapFailed); err != nil {
		return nil, err
	}

	return p, nil
}

var (
	workerStartLabelKeys = []string{labelWorker}
	workerStopLabelKeys  = []string{labelWorker, labelStatus}
	requestLabelKeys     = []string{labelDevice, labelDirection, labelCsum}
)

func (p *PrometheusMetrics) WorkerStarted(attrs map[string]string) {
	p.workerStarted.With(labels(attrs, workerStartLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) WorkerStopped(attrs map[string]string) {
	p.workerStopped.With(labels(attrs, workerStopLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) VerifyScheduled(attrs map[string]string) {
	p.verifyScheduled.With(labels(attrs, requestLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) VerifyCompleted(attrs map[string]string) {
	p.verifyCompleted.With(labels(attrs, requestLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) VerifyFailed(_ error, attrs map[string]string) {
	p.verifyFailed.With(labels(attrs, requestLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) GenerateCompleted(attrs map[string]string) {
	p.generateCompleted.With(labels(attrs, requestLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) PrepareFailed(_ error, attrs map[string]string) {
	p.prepareFailed.With(labels(attrs, requestLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) MapCompleted(attrs map[string]string) {
	p.mapCompleted.With(labels(attrs, requestLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) MapFailed(_ error, attrs map[string]string) {
	p.mapFailed.With(labels(attrs, requestLabelKeys...)).Inc()
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}
