// Package main sends a single heartbeat and exits. When the heartbeat is
// delivered the offline queue is flushed as well. The exit code tells the
// caller where the heartbeat ended up.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/kate-wakatime/wakatime-agent/internal/activity"
	"github.com/kate-wakatime/wakatime-agent/internal/app"
	"github.com/kate-wakatime/wakatime-agent/internal/config"
	"github.com/kate-wakatime/wakatime-agent/internal/coordinator"
)

// Exit codes follow wakatime-cli so editor plugins can share handling.
const (
	exitSuccess     = 0
	exitFailure     = 1
	exitQueued      = 102
	exitAuthInvalid = 104
)

var version = "dev"

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	var (
		flags     config.Flags
		entity    string
		isWrite   bool
		language  string
		lineNo    int
		cursorPos int
		lines     int
		project   string
		timestamp float64
	)

	flagSet := pflag.NewFlagSet("wakatime-send", pflag.ContinueOnError)
	flags.AddFlags(flagSet)
	flagSet.StringVar(&entity, "entity", "", "absolute path of the file being edited (required)")
	flagSet.BoolVar(&isWrite, "write", false, "the file was saved")
	flagSet.StringVar(&language, "language", "", "language reported by the editor")
	flagSet.IntVar(&lineNo, "lineno", 0, "current line, 1-based")
	flagSet.IntVar(&cursorPos, "cursorpos", 0, "current column, 1-based")
	flagSet.IntVar(&lines, "lines-in-file", 0, "number of lines in the file")
	flagSet.StringVar(&project, "alternate-project", "", "project name to use instead of detection")
	flagSet.Float64Var(&timestamp, "time", 0, "unix time of the activity, fractional seconds allowed; default now")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitSuccess, nil
		}
		return exitFailure, err
	}
	if entity == "" {
		return exitFailure, fmt.Errorf("--entity is required")
	}
	config.AgentVersion = version

	cfg, err := flags.Load()
	if err != nil {
		return exitFailure, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))

	core, err := app.NewCore(cfg, app.CoreOptions{Logger: logger})
	if err != nil {
		return exitFailure, err
	}
	defer core.Close()

	ev := activity.Event{
		File:     entity,
		Language: language,
		IsWrite:  isWrite,
		Project:  project,
	}
	if flagSet.Changed("lineno") {
		ev.LineNo = &lineNo
	}
	if flagSet.Changed("cursorpos") {
		ev.CursorPos = &cursorPos
	}
	if flagSet.Changed("lines-in-file") {
		ev.Lines = &lines
	}
	if timestamp > 0 {
		sec, frac := math.Modf(timestamp)
		ev.Time = time.Unix(int64(sec), int64(frac*1e9))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout+coordinator.DefaultShutdownFlushTimeout)
	defer cancel()

	res := core.Coordinator.Handle(ctx, ev)
	logger.Debug("heartbeat handled", "state", res.State.String(), "row_id", res.RowID)

	switch res.State {
	case coordinator.Delivered:
		report := core.Coordinator.Flush(ctx)
		if report.Batches > 0 {
			logger.Debug("offline queue flushed", "delivered", report.Delivered, "requeued", report.Requeued)
		}
		return exitSuccess, nil
	case coordinator.Suppressed, coordinator.NothingToSend:
		return exitSuccess, nil
	case coordinator.Queued:
		if res.Outcome.AuthFailed() {
			return exitAuthInvalid, fmt.Errorf("api key rejected; heartbeat queued")
		}
		return exitQueued, nil
	default:
		if res.Outcome.AuthFailed() {
			return exitAuthInvalid, res.Outcome.Err
		}
		if res.Outcome.Err != nil {
			return exitFailure, res.Outcome.Err
		}
		return exitFailure, fmt.Errorf("heartbeat dropped")
	}
}
