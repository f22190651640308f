package integrity

import (
	"strconv"

	"github.com/rocketbitz/blkintegrity-go/bi"
)

// verifyWorker drains the verify queue until the controller stops.
// Verification is CPU-heavy and must never occupy the completion path, so
// all read verification funnels through here. Work already queued when the
// stop signal arrives still runs to completion; there is no cancellation
// for scheduled verification.
func (c *Controller) verifyWorker(id int) {
	defer c.wg.Done()

	span := c.startWorkerSpan(id)
	startFields := []logField{logKV("worker", id)}
	c.logEvent("start", startFields...)
	spanAddEvent(span, "start", startFields...)
	c.metricWorkerStarted(startFields...)

	var lastErr error
	defer func() {
		status := "ok"
		fields := []logField{logKV("worker", id), logKV("status", status)}
		if lastErr != nil {
			status = "error"
			fields[1] = logKV("status", status)
			fields = append(fields, logKV("error", lastErr))
			spanRecordError(span, lastErr)
		}
		c.logEvent("stop", fields...)
		spanAddEvent(span, "stop", fields...)
		c.metricWorkerStopped(fields...)
		c.finishWorkerSpan(span, lastErr)
	}()

	for {
		select {
		case req := <-c.queue:
			if err := c.verifyRequest(req, span); err != nil {
				lastErr = err
			}
		case <-c.stopCh:
			for {
				select {
				case req := <-c.queue:
					if err := c.verifyRequest(req, span); err != nil {
						lastErr = err
					}
				default:
					return
				}
			}
		}
	}
}

// verifyRequest runs the external verifier against the request's payload,
// retires the payload, and signals completion. A mismatch surfaces as a
// protection status on the request, never as a silent success.
func (c *Controller) verifyRequest(req *bi.Request, span Span) error {
	defer c.taskDone()

	p := req.Payload()
	if p == nil {
		req.Complete()
		return nil
	}

	// Restore the data cursor captured at preparation so the verifier sees
	// the request as it was dispatched, not as it completed.
	if p.Flags()&bi.FlagAutoGenerated != 0 {
		req.SetDataIter(p.SavedDataIter())
	}

	err := c.cfg.Provider.Verify(req, p)
	if err != nil {
		req.Fail(bi.StatusProtection)
		c.stats.verifyFailed.Add(1)
		fields := requestFields(req, logKV("error", err))
		c.logEvent("verify_failed", fields...)
		spanAddEvent(span, "verify_failed", fields...)
		spanRecordError(span, err)
		c.metricVerifyFailed(req, err)
	} else {
		c.stats.verifyCompleted.Add(1)
		c.metricVerifyCompleted(req)
	}

	p.Free()
	req.Complete()
	return err
}

func (c *Controller) startWorkerSpan(id int) Span {
	if c == nil || c.tracer == nil {
		return nil
	}
	attrs := []TraceAttribute{
		{Key: "component", Value: "blkintegrity-controller"},
		{Key: "worker", Value: strconv.Itoa(id)},
	}
	return c.tracer.StartSpan("blkintegrity-verify-worker", attrs...)
}

func (c *Controller) finishWorkerSpan(span Span, err error) {
	if span == nil {
		return
	}
	span.End(err)
}
