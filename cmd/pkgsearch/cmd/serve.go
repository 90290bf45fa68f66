package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/anurse/pkgsearch/internal/config"
	"github.com/anurse/pkgsearch/internal/mcp"
	"github.com/anurse/pkgsearch/internal/scheduler"
	"github.com/anurse/pkgsearch/internal/telemetry"
)

type serveOptions struct {
	transport   string
	metricsAddr string
	noScheduler bool
}

func newServeCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server and the scheduled index updater",
		Long: `Start the MCP server on stdio.

While serving, an update pass runs immediately and then every
scheduler.interval. Passes never overlap. When scheduler.metrics_addr is set,
Prometheus metrics are served at /metrics on that address.

stdout carries MCP frames only; logs go to ~/.pkgsearch/logs/.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.transport, "transport", "", "Transport (stdio); defaults to server.transport")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics at this address; defaults to scheduler.metrics_addr")
	cmd.Flags().BoolVar(&opts.noScheduler, "no-scheduler", false, "Do not run scheduled index updates")

	return cmd
}

func runServe(ctx context.Context, opts serveOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if opts.transport == "" {
		opts.transport = cfg.Server.Transport
	}
	if opts.metricsAddr == "" {
		opts.metricsAddr = cfg.Scheduler.MetricsAddr
	}

	level := cfg.Server.LogLevel
	if debugMode {
		level = "debug"
	}
	if err := setupMCPLogging(level); err != nil {
		return err
	}
	if isatty.IsTerminal(os.Stdin.Fd()) {
		slog.Warn("serve_stdin_is_terminal",
			slog.String("hint", "serve expects an MCP client on stdin"))
	}

	metrics := telemetry.New()
	a, err := openApp(ctx, cfg, appOptions{withUpdater: true, metrics: metrics})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	if st, err := a.status(); err == nil {
		metrics.SetIndexDocuments(st.Documents)
		metrics.SetCheckpoint(st.Checkpoint)
	}

	var sched *scheduler.Scheduler
	if !opts.noScheduler {
		sched, err = newUpdateScheduler(cfg, a)
		if err != nil {
			return err
		}
	}

	server, err := mcp.NewServer(mcp.Dependencies{
		Searcher:  a.engine,
		Updater:   a.updater,
		Status:    a.status,
		Scheduler: sched,
		Metrics:   metrics,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if sched != nil {
		g.Go(func() error {
			if err := sched.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if opts.metricsAddr != "" {
		serveMetrics(gctx, g, opts.metricsAddr, metrics)
	}

	g.Go(func() error {
		// The client closing stdin ends the session and everything else.
		defer cancel()
		return server.Serve(gctx, opts.transport)
	})

	return g.Wait()
}

// newUpdateScheduler runs the app's updater every scheduler.interval.
func newUpdateScheduler(cfg *config.Config, a *app) (*scheduler.Scheduler, error) {
	return scheduler.New(scheduler.Config{
		Name:     "index-update",
		Interval: cfg.SchedulerInterval(),
		Timeout:  cfg.SchedulerTimeout(),
	}, func(ctx context.Context) error {
		_, err := a.updater.UpdateIndex(ctx)
		return err
	})
}

// serveMetrics serves /metrics on addr until ctx is done.
func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, metrics *telemetry.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		slog.Info("metrics_server_starting", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
