// Package main runs the long-lived heartbeat agent: it accepts editor
// activity on the local API or on stdin, delivers heartbeats and keeps the
// offline queue drained until it receives SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/kate-wakatime/wakatime-agent/internal/activity"
	"github.com/kate-wakatime/wakatime-agent/internal/app"
	"github.com/kate-wakatime/wakatime-agent/internal/config"
	"github.com/kate-wakatime/wakatime-agent/internal/notify"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		flags       config.Flags
		listenAddr  string
		readStdin   bool
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("wakatime-agent", pflag.ContinueOnError)
	flags.AddFlags(flagSet)
	flagSet.StringVar(&listenAddr, "listen", config.DefaultListenAddr, "local API address; empty disables it")
	flagSet.BoolVar(&readStdin, "stdin", false, "read newline-delimited JSON events from stdin")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "wakatime-agent - deliver editor heartbeats with an offline queue\n\n")
		fmt.Fprintf(os.Stderr, "Usage: wakatime-agent [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flagSet.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  wakatime-agent --key $WAKATIME_API_KEY\n")
		fmt.Fprintf(os.Stderr, "  editor-hook | wakatime-agent --stdin --listen ''\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  WAKATIME_HOME           Directory holding .wakatime.cfg\n")
		fmt.Fprintf(os.Stderr, "  WAKATIME_API_KEY        API key\n")
		fmt.Fprintf(os.Stderr, "  WAKATIME_TRANSPORT      http or cli\n")
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("wakatime-agent version %s (commit: %s)\n", version, commit)
		return nil
	}
	config.AgentVersion = version

	cfg, err := flags.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if flagSet.Changed("listen") {
		cfg.ListenAddr = listenAddr
	} else if cfg.ListenAddr == "" && !readStdin {
		cfg.ListenAddr = config.DefaultListenAddr
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))
	logger.Info("starting wakatime-agent", "version", version, "config", cfg.Describe())

	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	if !cfg.HasAPIKey() {
		logger.Warn("no api key configured; heartbeats will be queued until one is set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	authSub := a.Notifier.Subscribe("auth-notice", notify.AuthFailed)
	defer a.Notifier.Unsubscribe(authSub.ID)
	go func() {
		for n := range authSub.Ch {
			fmt.Fprintf(os.Stderr, "wakatime: %s\n", n.Message)
		}
	}()

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}

	if readStdin {
		lines := activity.NewLineSource(os.Stdin, logger)
		go func() {
			if err := lines.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("stdin reader stopped", "error", err)
			}
		}()
		go func() {
			for ev := range lines.Events() {
				if err := a.Source().Emit(ctx, ev); err != nil {
					return
				}
			}
			// without a listener there is nothing left to wait for
			if cfg.ListenAddr == "" {
				logger.Info("stdin closed")
				cancel()
			}
		}()
	}

	if err := a.ListenForSignals(ctx); err != nil {
		logger.Warn("shutdown finished with errors", "error", err)
	}
	if err := a.Stop(context.Background()); err != nil {
		return fmt.Errorf("failed to stop agent: %w", err)
	}
	logger.Info("wakatime-agent stopped")
	return nil
}
