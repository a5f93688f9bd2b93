package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/kate-wakatime/wakatime-agent/internal/activity"
)

// maxEventsBody bounds one POST /v1/events body.
const maxEventsBody = 1 << 20

// Emitter accepts activity events for the coordinator.
type Emitter interface {
	Emit(ctx context.Context, ev activity.Event) error
}

// EventsResponse represents the events response.
type EventsResponse struct {
	Accepted  int    `json:"accepted"`
	RequestID string `json:"request_id"`
}

// EventsHandler handles POST /v1/events requests. The body is one event
// object or an array of them; events are queued for the coordinator in
// order and the handler answers 202 without waiting for delivery.
type EventsHandler struct {
	emitter Emitter
}

// NewEventsHandler creates a new events handler.
func NewEventsHandler(emitter Emitter) *EventsHandler {
	return &EventsHandler{emitter: emitter}
}

// ServeHTTP handles the events HTTP request.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventsBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to read body: %v", err), requestID)
		return
	}
	if len(body) > maxEventsBody {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large", requestID)
		return
	}

	events, err := decodeEvents(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), requestID)
		return
	}
	for i, ev := range events {
		if ev.File == "" {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("event %d: file is required", i), requestID)
			return
		}
	}

	accepted := 0
	for _, ev := range events {
		if err := h.emitter.Emit(r.Context(), ev); err != nil {
			status := http.StatusServiceUnavailable
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				status = http.StatusRequestTimeout
			}
			writeError(w, status, fmt.Sprintf("accepted %d of %d events: %v", accepted, len(events), err), requestID)
			return
		}
		accepted++
	}

	writeJSON(w, http.StatusAccepted, EventsResponse{Accepted: accepted, RequestID: requestID})
}

// decodeEvents accepts a single JSON object or an array of objects.
func decodeEvents(body []byte) ([]activity.Event, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}

	if body[0] == '[' {
		var events []activity.Event
		if err := json.Unmarshal(body, &events); err != nil {
			return nil, err
		}
		if len(events) == 0 {
			return nil, errors.New("events must not be empty")
		}
		return events, nil
	}

	var ev activity.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, err
	}
	return []activity.Event{ev}, nil
}
