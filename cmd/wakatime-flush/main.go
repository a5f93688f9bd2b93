// Package main drains the offline heartbeat queue once and prints a JSON
// report of what happened.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/kate-wakatime/wakatime-agent/internal/app"
	"github.com/kate-wakatime/wakatime-agent/internal/config"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		flags   config.Flags
		timeout time.Duration
	)

	flagSet := pflag.NewFlagSet("wakatime-flush", pflag.ContinueOnError)
	flags.AddFlags(flagSet)
	flagSet.DurationVar(&timeout, "deadline", 2*time.Minute, "give up flushing after this long")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	config.AgentVersion = version

	cfg, err := flags.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))

	core, err := app.NewCore(cfg, app.CoreOptions{Logger: logger})
	if err != nil {
		return err
	}
	defer core.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	before := core.Store.Count(ctx)
	report := core.Coordinator.Flush(ctx)
	logger.Info("flush finished", "queued_before", before, "queued_after", core.Store.Count(ctx))

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	if report.Failed() {
		return fmt.Errorf("%d heartbeats could not be delivered and stay queued", report.Requeued)
	}
	return nil
}
