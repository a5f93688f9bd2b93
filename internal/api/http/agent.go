package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kate-wakatime/wakatime-agent/internal/coordinator"
)

// Agent is the coordinator surface exposed over HTTP.
type Agent interface {
	Flush(ctx context.Context) coordinator.FlushReport
	Status(ctx context.Context) coordinator.Status
}

// FlushResponse represents the flush response.
type FlushResponse struct {
	coordinator.FlushReport
	RequestID string `json:"request_id"`
}

// FlushHandler handles POST /v1/flush requests. The flush runs
// synchronously; a concurrent flush answers 409.
type FlushHandler struct {
	agent Agent
}

// NewFlushHandler creates a new flush handler.
func NewFlushHandler(agent Agent) *FlushHandler {
	return &FlushHandler{agent: agent}
}

// ServeHTTP handles the flush HTTP request.
func (h *FlushHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	report := h.agent.Flush(r.Context())
	if report.Busy {
		writeError(w, http.StatusConflict, "a flush is already running", requestID)
		return
	}
	writeJSON(w, http.StatusOK, FlushResponse{FlushReport: report, RequestID: requestID})
}

// StatusHandler handles GET /v1/status requests.
type StatusHandler struct {
	agent Agent
}

// NewStatusHandler creates a new status handler.
func NewStatusHandler(agent Agent) *StatusHandler {
	return &StatusHandler{agent: agent}
}

// ServeHTTP handles the status HTTP request.
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", GetRequestID(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, h.agent.Status(r.Context()))
}

// RouterConfig holds what the router serves.
type RouterConfig struct {
	Agent   Agent
	Emitter Emitter

	// Gatherer backs /metrics; nil uses the default registry
	Gatherer prometheus.Gatherer

	// Wrap is applied inside the default middleware, e.g. shutdown tracking
	Wrap   func(http.Handler) http.Handler
	Logger *slog.Logger
}

// NewRouter builds the local API handler.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/events", NewEventsHandler(cfg.Emitter))
	mux.Handle("/v1/flush", NewFlushHandler(cfg.Agent))
	mux.Handle("/v1/status", NewStatusHandler(cfg.Agent))
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	var handler http.Handler = mux
	if cfg.Wrap != nil {
		handler = cfg.Wrap(handler)
	}
	return DefaultMiddleware(logger.With("component", "api"))(handler)
}
