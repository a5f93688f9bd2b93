package sender

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	agenterrors "github.com/kate-wakatime/wakatime-agent/internal/errors"
	"github.com/kate-wakatime/wakatime-agent/pkg/types"
)

const (
	heartbeatsPath     = "users/current/heartbeats"
	bulkHeartbeatsPath = "users/current/heartbeats.bulk"

	// DefaultHTTPTimeout bounds one request, including reading the body.
	DefaultHTTPTimeout = 30 * time.Second

	maxResponseBytes = 1 << 20
)

// HTTPOptions configures an HTTPSender.
type HTTPOptions struct {
	// APIURL is the API base, e.g. https://api.wakatime.com/api/v1/
	APIURL string
	APIKey string

	// Plugin and AgentVersion form the User-Agent
	Plugin       string
	AgentVersion string

	// SingleViaBulk sends single heartbeats to the bulk endpoint as a
	// one-element array.
	SingleViaBulk bool

	Timeout time.Duration
	Client  *http.Client
	Logger  *slog.Logger
}

// HTTPSender posts heartbeats to the WakaTime-compatible API.
type HTTPSender struct {
	baseURL       string
	auth          string
	userAgent     string
	singleViaBulk bool
	client        *http.Client
	logger        *slog.Logger
}

// NewHTTPSender creates an HTTP transport.
func NewHTTPSender(opts HTTPOptions) *HTTPSender {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultHTTPTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &HTTPSender{
		baseURL:       strings.TrimRight(strings.TrimSpace(opts.APIURL), "/") + "/",
		auth:          "Basic " + base64.StdEncoding.EncodeToString([]byte(opts.APIKey)),
		userAgent:     UserAgent(opts.Plugin, opts.AgentVersion),
		singleViaBulk: opts.SingleViaBulk,
		client:        client,
		logger:        logger.With("component", "sender", "transport", "http"),
	}
}

// UserAgent builds the User-Agent header value.
func UserAgent(plugin, version string) string {
	if version == "" {
		version = "dev"
	}
	return fmt.Sprintf("%s wakatime-agent/%s (%s-%s)", plugin, version, runtime.GOOS, runtime.GOARCH)
}

// Name identifies the transport.
func (s *HTTPSender) Name() string { return "http" }

// apiResponse is the envelope of the single-heartbeat endpoint.
type apiResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors json.RawMessage `json:"errors"`
	Error  string          `json:"error"`
}

// bulkResponse carries one [body, status] pair per submitted heartbeat.
type bulkResponse struct {
	Responses []json.RawMessage `json:"responses"`
	Errors    json.RawMessage   `json:"errors"`
	Error     string            `json:"error"`
}

// Send posts one heartbeat. Success is 201.
func (s *HTTPSender) Send(ctx context.Context, row types.Row) Outcome {
	if s.singleViaBulk {
		return s.SendBatch(ctx, []types.Row{row}).Item(0)
	}

	status, body, err := s.post(ctx, heartbeatsPath, []byte(row.Payload))
	if err != nil {
		return unreachable(SendError, agenterrors.NewUnreachable("post heartbeat", err))
	}

	var resp apiResponse
	decodeErr := json.Unmarshal(body, &resp)

	if status != http.StatusCreated {
		return rejected(status, rejection(status, resp.Error, resp.Errors))
	}
	if decodeErr != nil {
		return rejected(status, agenterrors.NewMalformedResponse("decode heartbeat response", decodeErr))
	}
	s.logRemoteErrors(resp.Errors)
	return delivered(status)
}

// SendBatch posts rows as one JSON array. The array is assembled from the
// stored payloads without re-encoding them. Success is 201 or 202.
func (s *HTTPSender) SendBatch(ctx context.Context, rows []types.Row) BatchOutcome {
	if len(rows) == 0 {
		return BatchOutcome{Outcome: delivered(0)}
	}

	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, row := range rows {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(row.Payload)
	}
	buf.WriteByte(']')

	status, body, err := s.post(ctx, bulkHeartbeatsPath, buf.Bytes())
	if err != nil {
		return BatchOutcome{Outcome: unreachable(SendError, agenterrors.NewUnreachable("post heartbeat batch", err))}
	}

	var resp bulkResponse
	decodeErr := json.Unmarshal(body, &resp)

	if !bulkAccepted(status) {
		return BatchOutcome{Outcome: rejected(status, rejection(status, resp.Error, resp.Errors))}
	}
	if decodeErr != nil {
		return BatchOutcome{Outcome: rejected(status, agenterrors.NewMalformedResponse("decode bulk response", decodeErr))}
	}
	s.logRemoteErrors(resp.Errors)

	out := BatchOutcome{Outcome: delivered(status)}
	if len(resp.Responses) != len(rows) {
		return out
	}
	out.Items = make([]Outcome, len(rows))
	for i, raw := range resp.Responses {
		out.Items[i] = itemOutcome(raw)
	}
	return out
}

// itemOutcome decodes one [body, status] pair of a bulk response.
func itemOutcome(raw json.RawMessage) Outcome {
	var pair []json.RawMessage
	if err := json.Unmarshal(raw, &pair); err != nil || len(pair) < 2 {
		return rejected(0, agenterrors.NewMalformedResponse("decode bulk item", err))
	}
	var status int
	if err := json.Unmarshal(pair[1], &status); err != nil {
		return rejected(0, agenterrors.NewMalformedResponse("decode bulk item status", err))
	}
	if bulkAccepted(status) {
		return delivered(status)
	}
	var item apiResponse
	_ = json.Unmarshal(pair[0], &item)
	return rejected(status, rejection(status, item.Error, item.Errors))
}

func bulkAccepted(status int) bool {
	return status == http.StatusCreated || status == http.StatusAccepted
}

func rejection(status int, msg string, errs json.RawMessage) error {
	if msg == "" && len(errs) > 0 && string(errs) != "null" {
		msg = string(errs)
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	if status == http.StatusUnauthorized {
		msg = "invalid api key: " + msg
	}
	return agenterrors.NewRejected(status, msg)
}

func (s *HTTPSender) logRemoteErrors(errs json.RawMessage) {
	if len(errs) == 0 || string(errs) == "null" || string(errs) == "[]" || string(errs) == "{}" {
		return
	}
	s.logger.Warn("api reported errors", "errors", string(errs))
}

func (s *HTTPSender) post(ctx context.Context, path string, payload []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", s.auth)
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("TimeZone", timeZoneName())
	req.Header.Set("X-Request-ID", requestID)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	s.logger.Debug("api response", "path", path, "status", resp.StatusCode, "request_id", requestID)
	return resp.StatusCode, body, nil
}

// timeZoneName prefers the IANA name and falls back to the abbreviation.
func timeZoneName() string {
	now := time.Now()
	if name := now.Location().String(); name != "" && name != "Local" {
		return name
	}
	abbr, _ := now.Zone()
	return abbr
}
