package http

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kate-wakatime/wakatime-agent/internal/activity"
	"github.com/kate-wakatime/wakatime-agent/internal/coordinator"
)

type fakeAgent struct {
	report coordinator.FlushReport
	status coordinator.Status
}

func (a *fakeAgent) Flush(context.Context) coordinator.FlushReport { return a.report }
func (a *fakeAgent) Status(context.Context) coordinator.Status     { return a.status }

type recordingEmitter struct {
	mu     sync.Mutex
	events []activity.Event
	err    error
}

func (e *recordingEmitter) Emit(_ context.Context, ev activity.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.events = append(e.events, ev)
	return nil
}

func newTestRouter(agent *fakeAgent, emitter *recordingEmitter) http.Handler {
	return NewRouter(RouterConfig{
		Agent:    agent,
		Emitter:  emitter,
		Gatherer: prometheus.NewRegistry(),
	})
}

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestEvents_SingleObject(t *testing.T) {
	emitter := &recordingEmitter{}
	h := newTestRouter(&fakeAgent{}, emitter)

	rec := serve(h, http.MethodPost, "/v1/events", `{"file":"/src/main.go","is_write":true,"lineno":3,"time":1000.5}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp EventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Accepted)
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, resp.RequestID, rec.Header().Get("X-Request-ID"))

	require.Len(t, emitter.events, 1)
	ev := emitter.events[0]
	assert.Equal(t, "/src/main.go", ev.File)
	assert.True(t, ev.IsWrite)
	assert.Equal(t, 3, *ev.LineNo)
	assert.Equal(t, int64(1000), ev.Time.Unix())
}

func TestEvents_ArrayKeepsOrder(t *testing.T) {
	emitter := &recordingEmitter{}
	h := newTestRouter(&fakeAgent{}, emitter)

	rec := serve(h, http.MethodPost, "/v1/events", `[{"file":"/a.go"},{"file":"/b.go"},{"file":"/c.go"}]`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Len(t, emitter.events, 3)
	assert.Equal(t, "/a.go", emitter.events[0].File)
	assert.Equal(t, "/c.go", emitter.events[2].File)
}

func TestEvents_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"not json", "file=/a.go"},
		{"empty array", "[]"},
		{"missing file", `{"is_write":true}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			emitter := &recordingEmitter{}
			rec := serve(newTestRouter(&fakeAgent{}, emitter), http.MethodPost, "/v1/events", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, emitter.events)
		})
	}
}

func TestEvents_SourceClosed(t *testing.T) {
	emitter := &recordingEmitter{err: activity.ErrSourceClosed}
	rec := serve(newTestRouter(&fakeAgent{}, emitter), http.MethodPost, "/v1/events", `{"file":"/a.go"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	emitter = &recordingEmitter{err: context.Canceled}
	rec = serve(newTestRouter(&fakeAgent{}, emitter), http.MethodPost, "/v1/events", `{"file":"/a.go"}`)
	assert.Equal(t, http.StatusRequestTimeout, rec.Code)
}

func TestEvents_MethodNotAllowed(t *testing.T) {
	rec := serve(newTestRouter(&fakeAgent{}, &recordingEmitter{}), http.MethodGet, "/v1/events", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestFlush(t *testing.T) {
	agent := &fakeAgent{report: coordinator.FlushReport{Batches: 2, Delivered: 30}}
	rec := serve(newTestRouter(agent, &recordingEmitter{}), http.MethodPost, "/v1/flush", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp FlushResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Batches)
	assert.Equal(t, 30, resp.Delivered)
	assert.NotEmpty(t, resp.RequestID)
}

func TestFlush_Busy(t *testing.T) {
	agent := &fakeAgent{report: coordinator.FlushReport{Busy: true}}
	rec := serve(newTestRouter(agent, &recordingEmitter{}), http.MethodPost, "/v1/flush", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStatus(t *testing.T) {
	agent := &fakeAgent{status: coordinator.Status{
		Transport:  "http",
		QueueDepth: 4,
		Offline:    true,
		Throttle:   coordinator.ThrottleStatus{HasSent: true, LastFileSent: "/a.go", LastTimeSent: 1000},
	}}
	rec := serve(newTestRouter(agent, &recordingEmitter{}), http.MethodGet, "/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, float64(4), got["queue_depth"])
	assert.Equal(t, true, got["offline"])
	assert.Equal(t, "/a.go", got["throttle"].(map[string]interface{})["last_file_sent"])
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "wakatime_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	h := NewRouter(RouterConfig{Agent: &fakeAgent{}, Emitter: &recordingEmitter{}, Gatherer: reg})

	rec := serve(h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "wakatime_test_total 1")
}

func TestRecoveryMiddleware(t *testing.T) {
	var logs bytes.Buffer
	h := DefaultMiddleware(slog.New(slog.NewTextHandler(&logs, nil)))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := serve(h, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "internal server error", resp.Error)
	assert.NotEmpty(t, resp.RequestID)
	assert.Contains(t, logs.String(), "[INTERNAL:UNEXPECTED] handler panic: boom")
}

func TestRequestIDMiddleware_KeepsIncomingID(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "editor-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "editor-42", seen)
	assert.Equal(t, "editor-42", rec.Header().Get("X-Request-ID"))
}
