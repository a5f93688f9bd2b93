// Package app provides the application lifecycle management for the agent.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/kate-wakatime/wakatime-agent/internal/activity"
	httpapi "github.com/kate-wakatime/wakatime-agent/internal/api/http"
	"github.com/kate-wakatime/wakatime-agent/internal/binpath"
	"github.com/kate-wakatime/wakatime-agent/internal/config"
	"github.com/kate-wakatime/wakatime-agent/internal/coordinator"
	"github.com/kate-wakatime/wakatime-agent/internal/notify"
	"github.com/kate-wakatime/wakatime-agent/internal/observability"
	"github.com/kate-wakatime/wakatime-agent/internal/project"
	"github.com/kate-wakatime/wakatime-agent/internal/queue"
	"github.com/kate-wakatime/wakatime-agent/internal/sender"
	"github.com/kate-wakatime/wakatime-agent/internal/server"
)

// Core is the delivery pipeline without any listeners: the queue, the
// transport and the coordinator over them. The one-shot binaries use it
// directly.
type Core struct {
	Config      *config.Config
	Store       *queue.SQLiteStore
	Sender      sender.Sender
	Coordinator *coordinator.Coordinator
	Notifier    *notify.Notifier
	Stats       *observability.DeliveryStats
	Registry    *prometheus.Registry
}

// CoreOptions adjusts how NewCore builds the pipeline.
type CoreOptions struct {
	Logger *slog.Logger

	// InFlight is told about deliveries in progress
	InFlight coordinator.InFlightTracker

	// Sender replaces the transport chosen by the configuration
	Sender sender.Sender
}

// NewCore validates cfg and builds the pipeline. Nothing touches the
// network or the queue file until the first heartbeat.
func NewCore(cfg *config.Config, opts CoreOptions) (*Core, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	store := queue.NewSQLiteStore(queue.Options{Path: cfg.QueuePath, Logger: logger})
	bins := binpath.New(binpath.Options{})

	snd := opts.Sender
	if snd == nil {
		snd = NewSender(cfg, bins, logger)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	stats := observability.NewDeliveryStats(registry)
	if err := stats.TrackQueueDepth(func() float64 {
		return float64(store.Count(context.Background()))
	}); err != nil {
		return nil, fmt.Errorf("failed to register queue depth: %w", err)
	}

	notifier := notify.NewNotifier(64)

	coord := coordinator.New(coordinator.Options{
		Store:            store,
		Sender:           snd,
		Resolver:         project.NewResolver(bins, project.DefaultBranchTimeout, logger),
		ThrottleInterval: cfg.ThrottleInterval,
		HideFilenames:    cfg.HideFilenames,
		BatchSize:        cfg.BatchSize,
		FlushInterval:    cfg.FlushInterval,
		MaxFlushBackoff:  cfg.FlushMaxBackoff,
		Notifier:         notifier,
		Stats:            stats,
		InFlight:         opts.InFlight,
		Logger:           logger,
	})

	return &Core{
		Config:      cfg,
		Store:       store,
		Sender:      snd,
		Coordinator: coord,
		Notifier:    notifier,
		Stats:       stats,
		Registry:    registry,
	}, nil
}

// Close releases the queue.
func (c *Core) Close() error {
	return c.Store.Close()
}

// NewSender builds the transport selected by cfg.
func NewSender(cfg *config.Config, bins *binpath.Cache, logger *slog.Logger) sender.Sender {
	if cfg.Transport == config.TransportCLI {
		return sender.NewCLISender(sender.CLIOptions{
			Path:          cfg.CLIPath,
			Bins:          bins,
			APIKey:        cfg.APIKey,
			APIURL:        cfg.APIURL,
			Plugin:        cfg.Plugin,
			HideFilenames: cfg.HideFilenames,
			Timeout:       cfg.Timeout,
			Logger:        logger,
		})
	}
	return sender.NewHTTPSender(sender.HTTPOptions{
		APIURL:        cfg.APIURL,
		APIKey:        cfg.APIKey,
		Plugin:        cfg.Plugin,
		AgentVersion:  config.AgentVersion,
		SingleViaBulk: cfg.SingleViaBulk,
		Timeout:       cfg.Timeout,
		Logger:        logger,
	})
}

// App runs the long-lived agent: the coordinator over an event channel, the
// local API and graceful shutdown.
type App struct {
	*Core

	logger   *slog.Logger
	shutdown *server.ShutdownManager
	source   *activity.ChanSource

	listener  net.Listener
	apiServer *http.Server

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	runDone chan struct{}
}

// New creates a new App with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	shutdown := server.NewShutdownManager(server.ShutdownConfig{Logger: logger})

	core, err := NewCore(cfg, CoreOptions{Logger: logger, InFlight: shutdown})
	if err != nil {
		return nil, err
	}

	return &App{
		Core:     core,
		logger:   logger.With("component", "app"),
		shutdown: shutdown,
		source:   activity.NewChanSource(activity.DefaultBufferSize),
		runDone:  make(chan struct{}),
	}, nil
}

// Start starts the coordinator and, when configured, the local API.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	// LIFO: the listener goes first, then the source, then the final
	// flush, and the queue last
	a.shutdown.RegisterCloser("queue", a.Store)
	a.shutdown.RegisterCloser("coordinator", server.CloserFunc(a.waitCoordinator))
	a.shutdown.OnShutdownStart(a.source.Close)

	if a.Config.ListenAddr != "" {
		if err := a.startAPI(); err != nil {
			cancel()
			return fmt.Errorf("failed to start local API: %w", err)
		}
	}

	go func() {
		defer close(a.runDone)
		// the source closing ends Run; ctx only bounds it from outside
		if err := a.Coordinator.Run(context.WithoutCancel(ctx), a.source); err != nil {
			a.logger.Warn("coordinator stopped", "error", err)
		}
	}()

	a.logger.Info("agent started",
		"transport", a.Sender.Name(),
		"queue", a.Store.Path(),
		"listen_addr", a.Addr())
	return nil
}

func (a *App) startAPI() error {
	ln, err := net.Listen("tcp", a.Config.ListenAddr)
	if err != nil {
		return err
	}
	a.listener = ln

	a.apiServer = &http.Server{
		Handler: httpapi.NewRouter(httpapi.RouterConfig{
			Agent:    a.Coordinator,
			Emitter:  a.source,
			Gatherer: a.Registry,
			Wrap:     server.ShutdownMiddleware(a.shutdown),
			Logger:   a.logger,
		}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: a.Config.Timeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info("local API listening", "addr", ln.Addr().String())
		if err := a.shutdown.Serve(a.apiServer, ln); err != nil {
			a.logger.Error("local API server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the local API address, or "" when it is disabled.
func (a *App) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Source returns the channel the coordinator consumes.
func (a *App) Source() *activity.ChanSource {
	return a.source
}

// Forward copies events from src into the coordinator until src is
// exhausted, ctx ends or shutdown begins.
func (a *App) Forward(ctx context.Context, src activity.Source) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-a.shutdown.ShutdownCh():
				return
			case ev, ok := <-src.Events():
				if !ok {
					return
				}
				if err := a.source.Emit(ctx, ev); err != nil {
					if !errors.Is(err, activity.ErrSourceClosed) {
						a.logger.Warn("dropping event", "entity", ev.File, "error", err)
					}
					return
				}
			}
		}
	}()
}

// waitCoordinator blocks until the coordinator has run its final flush.
func (a *App) waitCoordinator() error {
	<-a.runDone
	return nil
}

// ListenForSignals blocks until SIGINT/SIGTERM or ctx ends, then shuts down.
func (a *App) ListenForSignals(ctx context.Context) error {
	return a.shutdown.ListenForSignals(ctx)
}

// Stop shuts the agent down: stop accepting events, drain deliveries in
// progress, flush once more and close the queue.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	err := a.shutdown.Shutdown(ctx, "stop requested")
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	return err
}

// Done is closed once the coordinator has stopped.
func (a *App) Done() <-chan struct{} {
	return a.runDone
}
