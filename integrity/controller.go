package integrity

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rocketbitz/blkintegrity-go/bi"
)

// ChecksumProvider is the external collaborator that owns the checksum
// math. Generate fills the payload's protection bytes for a write; Verify
// checks them for a completed read and reports a mismatch as an error
// wrapping bi.ErrChecksumMismatch.
type ChecksumProvider interface {
	Generate(req *bi.Request, p *bi.Payload)
	Verify(req *bi.Request, p *bi.Payload) error
}

// PrepareResult tells the caller whether the request may proceed.
type PrepareResult int

const (
	// Continue means the request is ready for dispatch, with or without a
	// payload attached.
	Continue PrepareResult = iota
	// AlreadyComplete means preparation failed terminally and completion
	// has already been signaled; the caller must not dispatch the request.
	AlreadyComplete
)

func (r PrepareResult) String() string {
	if r == AlreadyComplete {
		return "already-complete"
	}
	return "continue"
}

// Disposition tells the completion caller who signals the request.
type Disposition int

const (
	// FinishNow means the payload has been retired synchronously and the
	// caller signals completion.
	FinishNow Disposition = iota
	// DeferredVerifyScheduled means an asynchronous verification task now
	// owns the request and will signal completion when it finishes.
	DeferredVerifyScheduled
)

func (d Disposition) String() string {
	if d == DeferredVerifyScheduled {
		return "deferred-verify"
	}
	return "finish-now"
}

// Config controls New behaviour for the Controller.
type Config struct {
	// Provider is the checksum collaborator. Required.
	Provider ChecksumProvider
	// VerifyWorkers bounds verification concurrency. Verification is
	// CPU-bound; the default of 1 keeps it serialized away from
	// latency-sensitive dispatch.
	VerifyWorkers int
	// QueueDepth is the verify queue capacity. Default 256.
	QueueDepth int

	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

// Controller owns the integrity subsystem state: the verify worker pool and
// the observability hooks. Construct one per storage subsystem instance and
// pass it to every operation.
type Controller struct {
	cfg    Config
	queue  chan *bi.Request
	stopCh chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool

	mu      sync.Mutex
	cond    *sync.Cond
	pending int

	logger           Logger
	structuredLogger StructuredLogger
	tracer           Tracer
	metrics          MetricHook
	stats            controllerStats
}

// Logger provides printf-style debug logging hooks for the controller.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute represents a tracing attribute attached to worker spans or events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans that wrap verify worker activity.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records worker lifecycle, events, and errors for tracing systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// MetricHook captures controller telemetry events.
type MetricHook interface {
	WorkerStarted(attrs map[string]string)
	WorkerStopped(attrs map[string]string)
	VerifyScheduled(attrs map[string]string)
	VerifyCompleted(attrs map[string]string)
	VerifyFailed(err error, attrs map[string]string)
	GenerateCompleted(attrs map[string]string)
	PrepareFailed(err error, attrs map[string]string)
	MapCompleted(attrs map[string]string)
	MapFailed(err error, attrs map[string]string)
}

// Stats contains counters for controller operations.
type Stats struct {
	Prepared        uint64
	PrepareFailed   uint64
	Generated       uint64
	VerifyScheduled uint64
	VerifyCompleted uint64
	VerifyFailed    uint64
	Mapped          uint64
	MapFailed       uint64
}

type controllerStats struct {
	prepared        atomic.Uint64
	prepareFailed   atomic.Uint64
	generated       atomic.Uint64
	verifyScheduled atomic.Uint64
	verifyCompleted atomic.Uint64
	verifyFailed    atomic.Uint64
	mapped          atomic.Uint64
	mapFailed       atomic.Uint64
}

// New constructs a controller and starts its verify workers.
func New(cfg Config) (*Controller, error) {
	if cfg.Provider == nil {
		return nil, errors.New("blkintegrity controller: checksum provider required")
	}
	if cfg.VerifyWorkers <= 0 {
		cfg.VerifyWorkers = 1
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}

	structured := cfg.StructuredLogger
	if structured == nil {
		if logger, ok := cfg.Logger.(StructuredLogger); ok {
			structured = logger
		}
	}

	c := &Controller{
		cfg:              cfg,
		queue:            make(chan *bi.Request, cfg.QueueDepth),
		stopCh:           make(chan struct{}),
		logger:           cfg.Logger,
		structuredLogger: structured,
		tracer:           cfg.Tracer,
		metrics:          cfg.Metrics,
	}
	c.cond = sync.NewCond(&c.mu)

	for i := 0; i < cfg.VerifyWorkers; i++ {
		c.wg.Add(1)
		go c.verifyWorker(i)
	}
	return c, nil
}

// Close stops the verify workers after they drain any queued work.
// Close is idempotent.
func (c *Controller) Close() error {
	if c == nil || !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.stopCh)
	c.wg.Wait()

	// A completion racing Close may have slipped into the queue after the
	// workers drained; retire it here so no scheduled verification is lost.
	c.drainQueue()
	return nil
}

func (c *Controller) drainQueue() {
	for {
		select {
		case req := <-c.queue:
			c.verifyRequest(req, nil)
		default:
			return
		}
	}
}

// Prepare attaches integrity metadata to the request when the target
// device's profile calls for it: a freshly generated payload for writes, an
// empty receiving payload for reads. Requests that need no payload pass
// through with Continue. On allocation failure the request is failed with a
// resource status and completed; the caller must not dispatch it.
func (c *Controller) Prepare(req *bi.Request) PrepareResult {
	if c == nil || req == nil {
		return Continue
	}
	prof := req.Device().Integrity
	if prof == nil || req.Sectors() == 0 || req.Payload() != nil {
		return Continue
	}
	switch req.Direction() {
	case bi.DirRead:
		if prof.Flags&bi.ProfileNoVerify != 0 {
			return Continue
		}
	case bi.DirWrite:
		if prof.Flags&bi.ProfileNoGenerate != 0 {
			return Continue
		}
	}

	n := prof.MetaBytes(req.Sectors())
	if n == 0 {
		return Continue
	}

	// Regions come back zeroed, so a CsumNone write never leaks
	// uninitialized memory to the medium.
	scratch := bi.AllocRegionBytes(int(n))

	p, err := bi.AllocPayload(req, bi.AllocWait, 1)
	if err != nil {
		return c.prepareFailed(req, err)
	}
	p.SetFlags(bi.FlagAutoGenerated)
	p.SetSeed(req.Sector())
	p.SetCsum(prof.Csum)

	if p.AddSegment(scratch.Page(0), n, 0) < n {
		// A one-segment payload the device cannot accept is a limit
		// misconfiguration, not something the caller can split around.
		p.Free()
		return c.prepareFailed(req, bi.ErrResourceExhausted)
	}

	if req.Direction() == bi.DirWrite {
		c.cfg.Provider.Generate(req, p)
		c.stats.generated.Add(1)
		c.metricGenerateCompleted(req)
	} else {
		p.SaveDataIter(req.DataIter())
	}

	c.stats.prepared.Add(1)
	return Continue
}

func (c *Controller) prepareFailed(req *bi.Request, err error) PrepareResult {
	req.Fail(bi.StatusResource)
	req.Complete()
	c.stats.prepareFailed.Add(1)
	c.logEvent("prepare_failed", requestFields(req, logKV("error", err))...)
	c.metricPrepareFailed(req, err)
	return AlreadyComplete
}

// OnRequestComplete retires the request's payload. Reads that completed
// cleanly with a prepared payload against a checksum-carrying profile are
// handed to the verify workers and complete asynchronously. Caller-mapped
// vectors pass through untouched: their pins and any pending copy-back
// belong to the caller, who retires them with UnmapUserBuffer. Everything
// else is freed in place and the caller signals completion.
func (c *Controller) OnRequestComplete(req *bi.Request) Disposition {
	if c == nil || req == nil {
		return FinishNow
	}
	p := req.Payload()
	if p == nil {
		return FinishNow
	}
	if p.Flags()&bi.FlagUserMapped != 0 {
		return FinishNow
	}
	prof := req.Device().Integrity

	if req.Direction() == bi.DirRead && req.Status() == bi.StatusOK &&
		p.Flags()&bi.FlagAutoGenerated != 0 &&
		prof != nil && prof.Csum != bi.CsumNone {
		c.taskStarted()
		if c.closed.Load() {
			c.verifyRequest(req, nil)
			return FinishNow
		}
		select {
		case c.queue <- req:
			c.stats.verifyScheduled.Add(1)
			c.metricVerifyScheduled(req)
			if c.closed.Load() {
				// Close may have finished its drain between the earlier
				// closed check and the send; sweep the queue so the
				// request is not stranded.
				c.drainQueue()
			}
			return DeferredVerifyScheduled
		case <-c.stopCh:
			// Shutdown fallback: the verification still runs, in the
			// caller's context.
			c.verifyRequest(req, nil)
			return FinishNow
		}
	}

	p.Free()
	return FinishNow
}

// MapUserBuffer maps a caller buffer as the request's integrity vector,
// recording the outcome in the controller's telemetry.
func (c *Controller) MapUserBuffer(req *bi.Request, buf bi.Buffer, seed uint64) error {
	err := bi.MapUserBuffer(req, buf, seed)
	if err != nil {
		c.stats.mapFailed.Add(1)
		c.metricMapFailed(req, err)
		return err
	}
	c.stats.mapped.Add(1)
	c.metricMapCompleted(req)
	return nil
}

// MapUserPages is the page-list form of MapUserBuffer, for caller memory
// that is not one contiguous window.
func (c *Controller) MapUserPages(req *bi.Request, pages []*bi.Page, offset, length int, seed uint64) error {
	err := bi.MapUserPages(req, pages, offset, length, seed)
	if err != nil {
		c.stats.mapFailed.Add(1)
		c.metricMapFailed(req, err)
		return err
	}
	c.stats.mapped.Add(1)
	c.metricMapCompleted(req)
	return nil
}

// UnmapUserBuffer reverses MapUserBuffer. A short copy back to the caller's
// pages fails the request with a fault status.
func (c *Controller) UnmapUserBuffer(req *bi.Request) error {
	err := bi.UnmapUserBuffer(req)
	if errors.Is(err, bi.ErrCopyFault) {
		req.Fail(bi.StatusFault)
	}
	return err
}

// Flush blocks until every scheduled verification task has run.
func (c *Controller) Flush() {
	if c == nil {
		return
	}
	c.mu.Lock()
	for c.pending > 0 {
		c.cond.Wait()
	}
	c.mu.Unlock()
}

// Stats returns a snapshot of the controller's counters.
func (c *Controller) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	return Stats{
		Prepared:        c.stats.prepared.Load(),
		PrepareFailed:   c.stats.prepareFailed.Load(),
		Generated:       c.stats.generated.Load(),
		VerifyScheduled: c.stats.verifyScheduled.Load(),
		VerifyCompleted: c.stats.verifyCompleted.Load(),
		VerifyFailed:    c.stats.verifyFailed.Load(),
		Mapped:          c.stats.mapped.Load(),
		MapFailed:       c.stats.mapFailed.Load(),
	}
}

func (c *Controller) taskStarted() {
	c.mu.Lock()
	c.pending++
	c.mu.Unlock()
}

func (c *Controller) taskDone() {
	c.mu.Lock()
	c.pending--
	if c.pending == 0 {
		c.cond.Broadcast()
	}
	c.mu.Unlock()
}

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

func requestFields(req *bi.Request, extra ...logField) []logField {
	fields := []logField{
		logKV("device", req.Device().Name),
		logKV("direction", req.Direction().String()),
	}
	return append(fields, extra...)
}

func (c *Controller) metricAttrs(req *bi.Request, fields ...logField) map[string]string {
	attrs := make(map[string]string, len(fields)+3)
	if req != nil {
		attrs["device"] = req.Device().Name
		attrs["direction"] = req.Direction().String()
		if prof := req.Device().Integrity; prof != nil {
			attrs["csum"] = prof.Csum.String()
		}
	}
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

func (c *Controller) logEvent(event string, fields ...logField) {
	if c == nil {
		return
	}
	if c.structuredLogger != nil {
		kv := make([]any, 0, len(fields)*2+2)
		kv = append(kv, "event", event)
		for _, field := range fields {
			if field.key == "" {
				continue
			}
			kv = append(kv, field.key, field.value)
		}
		c.structuredLogger.Debugw("blkintegrity controller", kv...)
		return
	}
	if c.logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(field.value))
	}
	c.logger.Debugf("controller %s", b.String())
}

func (c *Controller) metricWorkerStarted(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.WorkerStarted(c.metricAttrs(nil, fields...))
}

func (c *Controller) metricWorkerStopped(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.WorkerStopped(c.metricAttrs(nil, fields...))
}

func (c *Controller) metricVerifyScheduled(req *bi.Request) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.VerifyScheduled(c.metricAttrs(req))
}

func (c *Controller) metricVerifyCompleted(req *bi.Request) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.VerifyCompleted(c.metricAttrs(req))
}

func (c *Controller) metricVerifyFailed(req *bi.Request, err error) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.VerifyFailed(err, c.metricAttrs(req))
}

func (c *Controller) metricGenerateCompleted(req *bi.Request) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.GenerateCompleted(c.metricAttrs(req))
}

func (c *Controller) metricPrepareFailed(req *bi.Request, err error) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.PrepareFailed(err, c.metricAttrs(req))
}

func (c *Controller) metricMapCompleted(req *bi.Request) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.MapCompleted(c.metricAttrs(req))
}

func (c *Controller) metricMapFailed(req *bi.Request, err error) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.MapFailed(err, c.metricAttrs(req))
}

func attributesFromFields(fields ...logField) []TraceAttribute {
	attrs := make([]TraceAttribute, 0, len(fields))
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs = append(attrs, TraceAttribute{Key: field.key, Value: field.value})
	}
	return attrs
}

func spanAddEvent(span Span, name string, fields ...logField) {
	if span == nil {
		return
	}
	span.AddEvent(name, attributesFromFields(fields...)...)
}

func spanRecordError(span Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
}
