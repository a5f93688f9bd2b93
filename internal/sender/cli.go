package sender

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kate-wakatime/wakatime-agent/internal/binpath"
	agenterrors "github.com/kate-wakatime/wakatime-agent/internal/errors"
	"github.com/kate-wakatime/wakatime-agent/pkg/types"
)

// Helper binaries, in lookup order.
var helperNames = []string{"wakatime-cli", "wakatime"}

const (
	// DefaultCLITimeout bounds one helper invocation.
	DefaultCLITimeout = 30 * time.Second

	// DefaultCLIConcurrency caps helper processes running at once.
	DefaultCLIConcurrency = 2

	// exitAuthError is wakatime-cli's exit code for a rejected api key.
	exitAuthError = 104
)

// CLIOptions configures a CLISender.
type CLIOptions struct {
	// Path pins the helper; empty means look up wakatime-cli, then wakatime
	Path string

	// Bins resolves helper names; it is owned by the sender
	Bins *binpath.Cache

	APIKey        string
	APIURL        string
	Plugin        string
	HideFilenames bool

	Timeout time.Duration

	// MaxConcurrent caps concurrent helper processes; 0 means the default
	MaxConcurrent int

	Logger *slog.Logger
}

// CLISender delivers heartbeats by running the wakatime command line helper.
// Each call blocks for the lifetime of the subprocess.
type CLISender struct {
	path    string
	bins    *binpath.Cache
	opts    CLIOptions
	timeout time.Duration
	slots   *semaphore.Weighted
	logger  *slog.Logger
}

// NewCLISender creates an external-process transport.
func NewCLISender(opts CLIOptions) *CLISender {
	bins := opts.Bins
	if bins == nil {
		bins = binpath.New(binpath.Options{})
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultCLITimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	concurrency := opts.MaxConcurrent
	if concurrency <= 0 {
		concurrency = DefaultCLIConcurrency
	}
	return &CLISender{
		path:    opts.Path,
		bins:    bins,
		opts:    opts,
		timeout: timeout,
		slots:   semaphore.NewWeighted(int64(concurrency)),
		logger:  logger.With("component", "sender", "transport", "cli"),
	}
}

// Name identifies the transport.
func (s *CLISender) Name() string { return "cli" }

// Executable returns the resolved helper path.
func (s *CLISender) Executable() (string, bool) {
	if s.path != "" {
		return s.path, true
	}
	return s.bins.Find(helperNames...)
}

// Send runs the helper for one heartbeat.
func (s *CLISender) Send(ctx context.Context, row types.Row) Outcome {
	h, err := types.ParseHeartbeat(row.Payload)
	if err != nil {
		return rejected(0, agenterrors.NewInvalidHeartbeat(err.Error()))
	}
	if h.Entity == "" {
		return NothingToSendOutcome()
	}
	exe, ok := s.Executable()
	if !ok {
		return unreachable(ExecutableNotFound, agenterrors.NewExecutableNotFound(strings.Join(helperNames, " or ")))
	}
	return s.run(ctx, exe, s.Args(h), nil)
}

// SendBatch runs the helper once: the first heartbeat goes on the command
// line and the rest are piped to stdin with --extra-heartbeats.
func (s *CLISender) SendBatch(ctx context.Context, rows []types.Row) BatchOutcome {
	if len(rows) == 0 {
		return BatchOutcome{Outcome: delivered(0)}
	}

	var (
		items   = make([]Outcome, len(rows))
		valid   []int
		first   types.Heartbeat
		invalid bool
	)
	for i, row := range rows {
		h, err := types.ParseHeartbeat(row.Payload)
		if err != nil || h.Entity == "" {
			items[i] = rejected(0, agenterrors.NewInvalidHeartbeat("unreadable queued heartbeat"))
			invalid = true
			continue
		}
		if len(valid) == 0 {
			first = h
		}
		valid = append(valid, i)
	}
	if len(valid) == 0 {
		return BatchOutcome{Outcome: NothingToSendOutcome(), Items: items}
	}

	exe, ok := s.Executable()
	if !ok {
		return s.spread(unreachable(ExecutableNotFound, agenterrors.NewExecutableNotFound(strings.Join(helperNames, " or "))), items, valid, invalid)
	}

	args := s.Args(first)
	var stdin []byte
	if len(valid) > 1 {
		var buf bytes.Buffer
		buf.WriteByte('[')
		for n, i := range valid[1:] {
			if n > 0 {
				buf.WriteByte(',')
			}
			buf.WriteString(rows[i].Payload)
		}
		buf.WriteByte(']')
		stdin = buf.Bytes()
		args = append(args, "--extra-heartbeats")
	}

	return s.spread(s.run(ctx, exe, args, stdin), items, valid, invalid)
}

// spread applies o to every valid row, keeping per-row outcomes for rows
// that could not be read.
func (s *CLISender) spread(o Outcome, items []Outcome, valid []int, invalid bool) BatchOutcome {
	if !invalid {
		return BatchOutcome{Outcome: o}
	}
	for _, i := range valid {
		items[i] = o
	}
	return BatchOutcome{Outcome: o, Items: items}
}

// Args builds the helper arguments for h.
func (s *CLISender) Args(h types.Heartbeat) []string {
	args := []string{
		"--entity", h.Entity,
		"--plugin", s.opts.Plugin,
		"--time", strconv.FormatInt(h.Time, 10),
	}
	if s.opts.APIKey != "" {
		args = append(args, "--key", s.opts.APIKey)
	}
	if s.opts.APIURL != "" {
		args = append(args, "--api-url", s.opts.APIURL)
	}
	if s.opts.HideFilenames {
		args = append(args, "--hide-filenames")
	}
	if h.Project != "" {
		args = append(args, "--alternate-project", h.Project)
	}
	if h.Branch != "" {
		args = append(args, "--alternate-branch", h.Branch)
	}
	if h.IsWrite {
		args = append(args, "--write")
	}
	if h.Language != "" {
		args = append(args, "--language", h.Language)
	}
	if h.LineNo != nil {
		args = append(args, "--lineno", strconv.Itoa(*h.LineNo))
	}
	if h.CursorPos != nil {
		args = append(args, "--cursorpos", strconv.Itoa(*h.CursorPos))
	}
	if h.Lines != nil {
		args = append(args, "--lines-in-file", strconv.Itoa(*h.Lines))
	}
	return args
}

func (s *CLISender) run(ctx context.Context, exe string, args []string, stdin []byte) Outcome {
	if err := s.slots.Acquire(ctx, 1); err != nil {
		return unreachable(SendError, agenterrors.NewUnreachable("waiting for a helper slot", err))
	}
	defer s.slots.Release(1)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var stderr bytes.Buffer
	command := exec.CommandContext(ctx, exe, args...)
	command.Stderr = &stderr
	command.WaitDelay = time.Second
	if stdin != nil {
		command.Stdin = bytes.NewReader(stdin)
	}

	err := command.Run()
	if err == nil {
		return delivered(0)
	}
	if ctx.Err() != nil {
		return unreachable(SendError, agenterrors.NewUnreachable("helper did not finish", ctx.Err()))
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return unreachable(SendError, agenterrors.NewUnreachable("start helper "+exe, err))
	}

	code := exitErr.ExitCode()
	msg := strings.TrimSpace(stderr.String())
	if msg == "" {
		msg = fmt.Sprintf("helper exited with code %d", code)
	}
	s.logger.Debug("helper failed", "exe", exe, "exit_code", code, "stderr", msg)

	errCode := agenterrors.CodeRejected
	if code == exitAuthError {
		errCode = agenterrors.CodeUnauthorized
	}
	return rejected(code, agenterrors.New(agenterrors.ErrCategoryRemote, errCode, msg).
		WithDetails(map[string]interface{}{"exit_code": code}))
}
