package coordinator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kate-wakatime/wakatime-agent/internal/activity"
	"github.com/kate-wakatime/wakatime-agent/internal/clock"
	agenterrors "github.com/kate-wakatime/wakatime-agent/internal/errors"
	"github.com/kate-wakatime/wakatime-agent/internal/notify"
	"github.com/kate-wakatime/wakatime-agent/internal/project"
	"github.com/kate-wakatime/wakatime-agent/internal/queue"
	"github.com/kate-wakatime/wakatime-agent/internal/sender"
	"github.com/kate-wakatime/wakatime-agent/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedResolver struct {
	mu    sync.Mutex
	info  project.Info
	calls []bool
}

func (r *fixedResolver) Resolve(_ context.Context, _ string, withBranch bool) project.Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, withBranch)
	info := r.info
	if !withBranch {
		info.Branch = ""
	}
	return info
}

type harness struct {
	c        *Coordinator
	store    *queue.SQLiteStore
	sender   *sender.MemorySender
	clock    *clock.FakeClock
	notifier *notify.Notifier
	resolver *fixedResolver
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		store:    queue.NewSQLiteStore(queue.Options{Path: filepath.Join(t.TempDir(), "wakatime.db")}),
		sender:   sender.NewMemorySender(),
		clock:    clock.Fake(time.Unix(1000, 0)),
		notifier: notify.NewNotifier(16),
		resolver: &fixedResolver{info: project.Info{Name: "kate", Branch: "master"}},
	}
	t.Cleanup(func() { h.store.Close() })

	opts := Options{
		Store:    h.store,
		Sender:   h.sender,
		Resolver: h.resolver,
		Clock:    h.clock,
		Notifier: h.notifier,
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.c = New(opts)
	return h
}

func event(file string, sec int64, write bool) activity.Event {
	return activity.Event{File: file, Time: time.Unix(sec, 0), IsWrite: write}
}

func pushRows(t *testing.T, s queue.Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		hb := types.Heartbeat{Entity: fmt.Sprintf("/src/f%d.go", i), Time: int64(2000 + i)}
		row, err := types.NewRow(hb)
		require.NoError(t, err)
		require.True(t, s.Push(context.Background(), row))
	}
}

func TestHandle_DeliversAndThrottles(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	res := h.c.Handle(ctx, event("/a.cpp", 1000, false))
	assert.Equal(t, Delivered, res.State)

	res = h.c.Handle(ctx, event("/a.cpp", 1050, false))
	assert.Equal(t, Suppressed, res.State)
	assert.Equal(t, sender.TooSoon, res.Outcome.State)
	assert.Equal(t, agenterrors.CodeSuppressed, agenterrors.GetCode(res.Outcome.Err))

	res = h.c.Handle(ctx, event("/a.cpp", 1060, true))
	assert.Equal(t, Delivered, res.State)

	assert.Len(t, h.sender.Sent(), 2)
	assert.Equal(t, 0, h.store.Count(ctx))

	state := h.c.ThrottleState()
	assert.True(t, state.HasSent)
	assert.Equal(t, "/a.cpp", state.LastFileSent)
	assert.Equal(t, int64(1060), state.LastTimeSent.Unix())
}

func TestHandle_SuppressedEventDoesNoDetection(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.c.Handle(ctx, event("/a.cpp", 1000, false))
	h.c.Handle(ctx, event("/a.cpp", 1010, false))

	assert.Len(t, h.resolver.calls, 1)
}

func TestHandle_OtherFileIsNotThrottled(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	assert.Equal(t, Delivered, h.c.Handle(ctx, event("/a.cpp", 1000, false)).State)
	assert.Equal(t, Delivered, h.c.Handle(ctx, event("/b.cpp", 1001, false)).State)
}

func TestHandle_EmptyFile(t *testing.T) {
	h := newHarness(t, nil)

	res := h.c.Handle(context.Background(), activity.Event{})
	assert.Equal(t, NothingToSend, res.State)
	assert.Equal(t, sender.NothingToSend, res.Outcome.State)
	assert.Empty(t, h.sender.Sent())
}

func TestHandle_UsesClockWhenTimeUnset(t *testing.T) {
	h := newHarness(t, nil)
	h.clock.Set(time.Unix(4242, 0))

	res := h.c.Handle(context.Background(), activity.Event{File: "/a.cpp"})
	require.Equal(t, Delivered, res.State)
	assert.Equal(t, int64(4242), res.Heartbeat.Time)
}

func TestHandle_UnreachableQueuesRow(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.sender.SetStatus(sender.Unreachable, 0)

	queued := h.notifier.Subscribe("test", notify.Queued)

	res := h.c.Handle(ctx, event("/home/u/p/main.cpp", 1000, false))
	require.Equal(t, Queued, res.State)
	assert.Equal(t, "1000-file-coding-kate-master-/home/u/p/main.cpp-false", res.RowID)
	assert.Equal(t, 1, h.store.Count(ctx))
	assert.True(t, h.c.Offline())

	select {
	case n := <-queued.Ch:
		assert.Equal(t, res.RowID, n.RowID)
	default:
		t.Fatal("expected a queued notification")
	}

	// queued counts as sent for throttling
	assert.Equal(t, Suppressed, h.c.Handle(ctx, event("/home/u/p/main.cpp", 1030, false)).State)

	h.sender.SetStatus(sender.Delivered, 201)
	report := h.c.Flush(ctx)
	assert.Equal(t, 1, report.Batches)
	assert.Equal(t, 1, report.Delivered)
	assert.Equal(t, 0, h.store.Count(ctx))
	assert.False(t, h.c.Offline())

	batches := h.sender.Batches()
	require.Len(t, batches, 1)
	assert.Equal(t, res.RowID, batches[0][0].ID)
}

func TestHandle_AuthNoticeShownOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.sender.SetStatus(sender.Rejected, 401)

	auth := h.notifier.Subscribe("auth", notify.AuthFailed)

	for i, file := range []string{"/a.cpp", "/b.cpp", "/c.cpp"} {
		res := h.c.Handle(ctx, event(file, int64(1000+i), false))
		assert.Equal(t, Queued, res.State)
		assert.True(t, res.Outcome.AuthFailed())
	}

	assert.True(t, h.c.AuthNoticeShown())
	assert.Len(t, auth.Ch, 1)
	assert.Equal(t, 3, h.store.Count(ctx))
}

func TestHandle_RejectedHeartbeatStaysQueued(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.sender.SetStatus(sender.Rejected, 400)

	res := h.c.Handle(ctx, event("/a.cpp", 1000, false))
	assert.Equal(t, Queued, res.State)
	assert.Equal(t, 400, res.Outcome.Code)
	assert.Equal(t, 1, h.store.Count(ctx))
	assert.False(t, h.c.AuthNoticeShown())
	assert.False(t, h.c.Offline())

	// a later delivery drains it
	h.sender.SetStatus(sender.Delivered, 201)
	report := h.c.Flush(ctx)
	assert.Equal(t, 1, report.Delivered)
	assert.Equal(t, 0, h.store.Count(ctx))
}

func TestHandle_StoreUnavailable(t *testing.T) {
	broken := queue.NewSQLiteStore(queue.Options{Path: filepath.Join(t.TempDir(), "missing", "dir", "wakatime.db")})
	t.Cleanup(func() { broken.Close() })
	h := newHarness(t, func(o *Options) { o.Store = broken })
	ctx := context.Background()

	// delivery does not depend on the queue
	assert.Equal(t, Delivered, h.c.Handle(ctx, event("/a.cpp", 1000, false)).State)
	assert.True(t, broken.Failed())

	h.sender.SetStatus(sender.Unreachable, 0)
	assert.Equal(t, Dropped, h.c.Handle(ctx, event("/b.cpp", 1001, false)).State)
}

func TestHandle_HideFilenames(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.HideFilenames = true })
	lineno := 12

	ev := event("/home/u/secret/plan.tar.gz", 1000, true)
	ev.LineNo = &lineno
	res := h.c.Handle(context.Background(), ev)
	require.Equal(t, Delivered, res.State)

	sent := h.sender.Sent()
	require.Len(t, sent, 1)
	hb, err := types.ParseHeartbeat(sent[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "HIDDEN.tar.gz", hb.Entity)
	assert.Nil(t, hb.LineNo)
	assert.Empty(t, hb.Branch)
	assert.Equal(t, []bool{false}, h.resolver.calls)
}

func TestHandle_ProjectOverride(t *testing.T) {
	h := newHarness(t, nil)

	ev := event("/a.cpp", 1000, false)
	ev.Project = "override"
	res := h.c.Handle(context.Background(), ev)
	assert.Equal(t, "override", res.Heartbeat.Project)
	assert.Equal(t, "master", res.Heartbeat.Branch)
}

func TestHandle_InvalidPositionsAreCleared(t *testing.T) {
	h := newHarness(t, nil)
	zero, negative := 0, -1

	ev := event("/a.cpp", 1000, false)
	ev.LineNo = &zero
	ev.Lines = &negative
	res := h.c.Handle(context.Background(), ev)
	require.Equal(t, Delivered, res.State)
	assert.Nil(t, res.Heartbeat.LineNo)
	assert.Nil(t, res.Heartbeat.Lines)
}

func TestHandle_DeliveryAfterOutageTriggersFlush(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.sender.SetStatus(sender.Unreachable, 0)
	h.c.Handle(ctx, event("/a.cpp", 1000, false))
	require.True(t, h.c.Offline())

	h.sender.SetStatus(sender.Delivered, 201)
	h.c.Handle(ctx, event("/b.cpp", 1001, false))

	select {
	case <-h.c.flushNow:
	default:
		t.Fatal("expected a flush request")
	}
}

func TestStatus_ReflectsQueueAndThrottle(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	st := h.c.Status(ctx)
	assert.Equal(t, "memory", st.Transport)
	assert.Zero(t, st.QueueDepth)
	assert.False(t, st.Throttle.HasSent)

	require.Equal(t, Delivered, h.c.Handle(ctx, event("/src/a.go", 1000, false)).State)
	h.sender.SetStatus(sender.Unreachable, 0)
	require.Equal(t, Queued, h.c.Handle(ctx, event("/src/b.go", 1001, false)).State)

	st = h.c.Status(ctx)
	assert.Equal(t, 1, st.QueueDepth)
	assert.False(t, st.StoreFailed)
	assert.True(t, st.Offline)
	assert.True(t, st.Throttle.HasSent)
	assert.Equal(t, "/src/b.go", st.Throttle.LastFileSent)
	assert.Equal(t, int64(1001), st.Throttle.LastTimeSent)
	assert.Equal(t, int64(1), st.Stats.Outcomes["delivered"])
	assert.Equal(t, int64(1), st.Stats.Outcomes["queued"])
	assert.NotEmpty(t, st.Stats.LastError)
}

func TestHandle_EntityCleaning(t *testing.T) {
	tests := []struct {
		name string
		file string
		want string
	}{
		{"absolute path", "/home/u/p/../p/main.cpp", "/home/u/p/main.cpp"},
		{"url", "sftp://host/x//y.cpp", "sftp://host/x//y.cpp"},
		{"opaque id", "untitled:1", "untitled:1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			res := h.c.Handle(context.Background(), event(tt.file, 1000, false))
			require.Equal(t, Delivered, res.State)
			assert.Equal(t, tt.want, res.Heartbeat.Entity)
			assert.Contains(t, res.RowID, "-"+tt.want+"-")
		})
	}
}
