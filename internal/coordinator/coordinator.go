// Package coordinator ties the throttle, the sender and the durable queue
// together. Every editor event is evaluated, persisted and then sent; rows
// leave the queue only once the remote end has accepted them, or through
// a bulk flush.
package coordinator

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kate-wakatime/wakatime-agent/internal/activity"
	"github.com/kate-wakatime/wakatime-agent/internal/clock"
	agenterrors "github.com/kate-wakatime/wakatime-agent/internal/errors"
	"github.com/kate-wakatime/wakatime-agent/internal/notify"
	"github.com/kate-wakatime/wakatime-agent/internal/observability"
	"github.com/kate-wakatime/wakatime-agent/internal/project"
	"github.com/kate-wakatime/wakatime-agent/internal/queue"
	"github.com/kate-wakatime/wakatime-agent/internal/sender"
	"github.com/kate-wakatime/wakatime-agent/internal/throttle"
	"github.com/kate-wakatime/wakatime-agent/pkg/types"
)

const (
	// DefaultBatchSize is the bulk request ceiling.
	DefaultBatchSize = 25

	DefaultFlushInterval        = 5 * time.Minute
	DefaultRetryInterval        = 30 * time.Second
	DefaultMaxFlushBackoff      = 30 * time.Minute
	DefaultShutdownFlushTimeout = 10 * time.Second
)

// State is where a single event ended up.
type State int

const (
	Suppressed State = iota
	Delivered
	Queued
	NothingToSend
	Dropped
)

func (s State) String() string {
	switch s {
	case Suppressed:
		return "suppressed"
	case Delivered:
		return "delivered"
	case Queued:
		return "queued"
	case NothingToSend:
		return "nothing_to_send"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Result describes the handling of one event.
type Result struct {
	State     State
	Outcome   sender.Outcome
	RowID     string
	Heartbeat types.Heartbeat
}

// ProjectResolver supplies project and branch names for a file.
type ProjectResolver interface {
	Resolve(ctx context.Context, file string, withBranch bool) project.Info
}

// InFlightTracker is told about every delivery in progress so that
// shutdown can wait for them. TrackRequest returns false once shutdown has
// begun; the delivery still proceeds but is not waited for.
type InFlightTracker interface {
	TrackRequest() bool
	UntrackRequest()
}

// Options configures a Coordinator.
type Options struct {
	Store  queue.Store
	Sender sender.Sender

	// Resolver detects projects; nil disables detection
	Resolver ProjectResolver

	ThrottleInterval time.Duration
	HideFilenames    bool

	BatchSize            int
	FlushInterval        time.Duration
	RetryInterval        time.Duration
	MaxFlushBackoff      time.Duration
	ShutdownFlushTimeout time.Duration

	Clock    clock.Clock
	Notifier *notify.Notifier
	Stats    *observability.DeliveryStats
	InFlight InFlightTracker
	Logger   *slog.Logger
}

// Coordinator is the delivery state machine. One instance owns one
// throttle state; Handle and Flush are safe for concurrent use.
type Coordinator struct {
	store    queue.Store
	sender   sender.Sender
	resolver ProjectResolver
	throttle *throttle.Throttle
	hide     bool

	batchSize       int
	flushInterval   time.Duration
	retryInterval   time.Duration
	maxBackoff      time.Duration
	shutdownTimeout time.Duration

	clock    clock.Clock
	notifier *notify.Notifier
	stats    *observability.DeliveryStats
	inFlight InFlightTracker
	logger   *slog.Logger

	// handleMu serializes Handle so that per-file order is preserved
	handleMu sync.Mutex
	flushMu  sync.Mutex

	authNoticed atomic.Bool
	offline     atomic.Bool
	flushNow    chan struct{}
}

// New creates a Coordinator.
func New(opts Options) *Coordinator {
	c := &Coordinator{
		store:           opts.Store,
		sender:          opts.Sender,
		resolver:        opts.Resolver,
		throttle:        throttle.New(opts.ThrottleInterval),
		hide:            opts.HideFilenames,
		batchSize:       opts.BatchSize,
		flushInterval:   opts.FlushInterval,
		retryInterval:   opts.RetryInterval,
		maxBackoff:      opts.MaxFlushBackoff,
		shutdownTimeout: opts.ShutdownFlushTimeout,
		clock:           opts.Clock,
		notifier:        opts.Notifier,
		stats:           opts.Stats,
		inFlight:        opts.InFlight,
		logger:          opts.Logger,
		flushNow:        make(chan struct{}, 1),
	}
	if c.batchSize <= 0 {
		c.batchSize = DefaultBatchSize
	}
	if c.flushInterval <= 0 {
		c.flushInterval = DefaultFlushInterval
	}
	if c.retryInterval <= 0 {
		c.retryInterval = DefaultRetryInterval
	}
	if c.maxBackoff <= 0 {
		c.maxBackoff = DefaultMaxFlushBackoff
	}
	if c.shutdownTimeout <= 0 {
		c.shutdownTimeout = DefaultShutdownFlushTimeout
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.notifier == nil {
		c.notifier = notify.NewNotifier(0)
	}
	if c.stats == nil {
		c.stats = observability.NewDeliveryStats(nil)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	c.logger = c.logger.With("component", "coordinator")
	return c
}

// Handle evaluates one editor event: throttle, persist, send, and confirm.
// It never returns an error; the Result says what happened.
func (c *Coordinator) Handle(ctx context.Context, ev activity.Event) Result {
	c.handleMu.Lock()
	defer c.handleMu.Unlock()

	if ev.File == "" {
		c.stats.RecordHeartbeat(observability.OutcomeNothingToSend)
		return Result{State: NothingToSend, Outcome: sender.NothingToSendOutcome()}
	}

	now := ev.Time
	if now.IsZero() {
		now = c.clock.Now()
	}
	// opaque identifiers such as URLs are sent as given
	file := ev.File
	if filepath.IsAbs(file) {
		file = filepath.Clean(file)
	}
	tev := throttle.Event{File: file, IsWrite: ev.IsWrite, Time: now}

	if c.throttle.Check(tev) == throttle.Suppress {
		c.stats.RecordHeartbeat(observability.OutcomeSuppressed)
		c.notifier.Publish(notify.Notification{Type: notify.Suppressed, Entity: file})
		return Result{
			State:   Suppressed,
			Outcome: sender.Outcome{Status: sender.Rejected, State: sender.TooSoon, Err: agenterrors.NewSuppressed(file)},
		}
	}

	hb := c.build(ctx, ev, file, now)
	row, err := types.NewRow(hb)
	if err != nil {
		c.logger.Warn("dropping invalid heartbeat", "entity", file, "error", err)
		c.stats.RecordHeartbeat(observability.OutcomeDropped)
		return Result{State: Dropped, Heartbeat: hb, Outcome: sender.Outcome{
			Status: sender.Rejected, State: sender.SendError, Err: agenterrors.NewInvalidHeartbeat(err.Error()),
		}}
	}

	// save-then-send: the row is durable before the request leaves
	queued := c.store.Push(ctx, row)

	out := c.send(ctx, row)
	res := Result{Outcome: out, RowID: row.ID, Heartbeat: hb}

	if out.OK() {
		if queued {
			c.store.Remove(ctx, row.ID)
		}
		c.throttle.Record(tev)
		c.stats.RecordHeartbeat(observability.OutcomeDelivered)
		c.notifier.Publish(notify.Notification{Type: notify.Delivered, Entity: file, RowID: row.ID})
		if c.offline.Swap(false) {
			c.TriggerFlush()
		}
		res.State = Delivered
		return res
	}

	// rejected and unreachable are queued alike
	c.reportFailure("heartbeat", out)

	if !queued {
		c.logger.Warn("heartbeat lost: not delivered and queue unavailable", "entity", file)
		c.stats.RecordHeartbeat(observability.OutcomeDropped)
		res.State = Dropped
		return res
	}

	c.throttle.Record(tev)
	c.stats.RecordHeartbeat(observability.OutcomeQueued)
	c.notifier.Publish(notify.Notification{Type: notify.Queued, Entity: file, RowID: row.ID})
	res.State = Queued
	return res
}

// build assembles the heartbeat for ev.
func (c *Coordinator) build(ctx context.Context, ev activity.Event, file string, now time.Time) types.Heartbeat {
	hb := types.Heartbeat{
		Entity:        file,
		Time:          now.Unix(),
		Type:          types.EntityTypeFile,
		Category:      types.CategoryCoding,
		Language:      ev.Language,
		IsWrite:       ev.IsWrite,
		HideFilenames: c.hide,
	}
	if ev.LineNo != nil && *ev.LineNo >= 1 {
		hb.LineNo = types.IntPtr(*ev.LineNo)
	}
	if ev.CursorPos != nil && *ev.CursorPos >= 1 {
		hb.CursorPos = types.IntPtr(*ev.CursorPos)
	}
	if ev.Lines != nil && *ev.Lines >= 0 {
		hb.Lines = types.IntPtr(*ev.Lines)
	}

	if c.resolver != nil {
		info := c.resolver.Resolve(ctx, file, !c.hide)
		hb.Project = info.Name
		hb.Branch = info.Branch
	}
	if ev.Project != "" {
		hb.Project = ev.Project
	}
	return hb
}

func (c *Coordinator) send(ctx context.Context, row types.Row) sender.Outcome {
	if c.inFlight != nil && c.inFlight.TrackRequest() {
		defer c.inFlight.UntrackRequest()
	}
	start := time.Now()
	out := c.sender.Send(ctx, row)
	c.stats.ObserveSend(c.sender.Name(), "single", time.Since(start))
	return out
}

// reportFailure logs a failed attempt. Authentication failures are
// surfaced once through the notifier; everything else is only logged.
func (c *Coordinator) reportFailure(what string, out sender.Outcome) {
	c.stats.RecordFailure(out.Err)
	if out.Status == sender.Unreachable {
		c.offline.Store(true)
	}

	if out.AuthFailed() {
		if c.authNoticed.CompareAndSwap(false, true) {
			c.logger.Error("api key rejected, check your wakatime api key", "code", out.Code)
			c.notifier.Publish(notify.Notification{
				Type:    notify.AuthFailed,
				Message: "WakaTime rejected the API key. Heartbeats are kept until it is fixed.",
			})
		}
		return
	}
	c.logger.Warn(what+" not delivered", "status", out.Status.String(), "code", out.Code, "error", out.Err)
}

// AuthNoticeShown reports whether the one-time authentication notice fired.
func (c *Coordinator) AuthNoticeShown() bool {
	return c.authNoticed.Load()
}

// ThrottleState returns a snapshot of the throttle state.
func (c *Coordinator) ThrottleState() throttle.State {
	return c.throttle.State()
}

// Offline reports whether the last attempt found the endpoint unreachable.
func (c *Coordinator) Offline() bool {
	return c.offline.Load()
}

// Status is a point-in-time view of the coordinator.
type Status struct {
	Transport       string                 `json:"transport"`
	QueueDepth      int                    `json:"queue_depth"`
	StoreFailed     bool                   `json:"store_failed"`
	Offline         bool                   `json:"offline"`
	AuthNoticeShown bool                   `json:"auth_notice_shown"`
	Throttle        ThrottleStatus         `json:"throttle"`
	Stats           observability.Snapshot `json:"stats"`
}

// ThrottleStatus is the JSON form of the throttle state.
type ThrottleStatus struct {
	HasSent      bool   `json:"has_sent"`
	LastFileSent string `json:"last_file_sent,omitempty"`
	LastTimeSent int64  `json:"last_time_sent"`
}

// Status reports queue depth, store health, throttle state and counters.
func (c *Coordinator) Status(ctx context.Context) Status {
	ts := c.throttle.State()
	return Status{
		Transport:       c.sender.Name(),
		QueueDepth:      c.store.Count(ctx),
		StoreFailed:     c.store.Failed(),
		Offline:         c.offline.Load(),
		AuthNoticeShown: c.authNoticed.Load(),
		Throttle: ThrottleStatus{
			HasSent:      ts.HasSent,
			LastFileSent: ts.LastFileSent,
			LastTimeSent: ts.LastTimeSent.Unix(),
		},
		Stats: c.stats.Snapshot(),
	}
}

// TriggerFlush asks the running flush loop to flush now. It never blocks.
func (c *Coordinator) TriggerFlush() {
	select {
	case c.flushNow <- struct{}{}:
	default:
	}
}
