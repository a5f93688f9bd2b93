package coordinator

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kate-wakatime/wakatime-agent/internal/activity"
	"github.com/kate-wakatime/wakatime-agent/internal/notify"
	"github.com/kate-wakatime/wakatime-agent/internal/observability"
	"github.com/kate-wakatime/wakatime-agent/pkg/types"
)

// FlushReport summarizes one Flush call.
type FlushReport struct {
	Batches   int `json:"batches"`
	Delivered int `json:"delivered"`
	Requeued  int `json:"requeued"`
	Dropped   int `json:"dropped"`

	// Busy is set when another flush was already running
	Busy bool `json:"busy,omitempty"`
}

// Failed reports whether any row had to go back to the queue.
func (r FlushReport) Failed() bool {
	return r.Requeued > 0
}

// Flush drains the queue in bulk requests of up to the batch size. Rows are
// removed from the queue before sending; rows that fail, whether rejected
// or unreachable, are pushed back and the flush stops. Rows whose payload
// cannot be read are dropped.
func (c *Coordinator) Flush(ctx context.Context) FlushReport {
	if !c.flushMu.TryLock() {
		return FlushReport{Busy: true}
	}
	defer c.flushMu.Unlock()

	var report FlushReport
	for ctx.Err() == nil {
		rows := c.store.PopMany(ctx, c.batchSize)
		if len(rows) == 0 {
			break
		}
		report.Batches++
		counts := c.sendBatch(ctx, rows)
		report.Delivered += counts[observability.FlushDelivered]
		report.Requeued += counts[observability.FlushRequeued]
		report.Dropped += counts[observability.FlushDropped]

		if counts[observability.FlushRequeued] > 0 || len(rows) < c.batchSize {
			break
		}
	}

	if report.Batches > 0 {
		c.logger.Info("queue flushed",
			"batches", report.Batches,
			"delivered", report.Delivered,
			"requeued", report.Requeued,
			"dropped", report.Dropped)
		c.notifier.Publish(notify.Notification{Type: notify.Flushed, Count: report.Delivered})
	}
	return report
}

func (c *Coordinator) sendBatch(ctx context.Context, rows []types.Row) map[string]int {
	if c.inFlight != nil && c.inFlight.TrackRequest() {
		defer c.inFlight.UntrackRequest()
	}

	start := time.Now()
	out := c.sender.SendBatch(ctx, rows)
	c.stats.ObserveSend(c.sender.Name(), "bulk", time.Since(start))

	counts := map[string]int{}
	reported := false
	for i, row := range rows {
		item := out.Item(i)
		switch {
		case item.OK():
			counts[observability.FlushDelivered]++
		case item.Retryable():
			// context may be cancelled mid-flush; the row must still go back
			if !c.store.Push(context.WithoutCancel(ctx), row) {
				c.logger.Warn("could not requeue heartbeat", "row_id", row.ID)
				counts[observability.FlushDropped]++
			} else {
				counts[observability.FlushRequeued]++
			}
			if !reported {
				reported = true
				c.reportFailure("heartbeat batch", item)
			}
		default:
			// only rows the transport cannot read end up here
			c.logger.Warn("dropping unreadable queued heartbeat",
				"row_id", row.ID, "error", item.Err)
			counts[observability.FlushDropped]++
		}
	}

	if counts[observability.FlushDelivered] > 0 && counts[observability.FlushRequeued] == 0 {
		c.offline.Store(false)
	}
	c.stats.RecordFlush(counts)
	return counts
}

// Run consumes src until it closes or ctx ends, flushing the queue in the
// background. A last flush runs, bounded by the shutdown flush timeout,
// before Run returns.
func (c *Coordinator) Run(ctx context.Context, src activity.Source) error {
	loopCtx, stopLoop := context.WithCancel(ctx)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		c.flushLoop(loopCtx)
	}()

	events := src.Events()
	for running := true; running; {
		select {
		case <-ctx.Done():
			running = false
		case ev, ok := <-events:
			if !ok {
				running = false
				break
			}
			res := c.Handle(ctx, ev)
			c.logger.Debug("event handled", "entity", ev.File, "state", res.State.String(), "row_id", res.RowID)
		}
	}

	stopLoop()
	<-loopDone

	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.shutdownTimeout)
	defer cancel()
	c.Flush(finalCtx)
	return ctx.Err()
}

// flushLoop flushes at startup, then every flush interval. After a failed
// flush the wait grows exponentially, capped at the max backoff. A delivery
// after an outage triggers an immediate flush.
func (c *Coordinator) flushLoop(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInterval
	b.MaxInterval = c.maxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	wait := time.Duration(0)
	for {
		if wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-c.flushNow:
			case <-c.clock.After(wait):
			}
		}
		if ctx.Err() != nil {
			return
		}

		report := c.Flush(ctx)
		switch {
		case report.Busy:
			wait = c.flushInterval
		case report.Failed():
			wait = b.NextBackOff()
			c.logger.Debug("flush failed, backing off", "wait", wait)
		default:
			b.Reset()
			wait = c.flushInterval
		}
	}
}
