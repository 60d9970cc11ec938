package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/dspyvisor"
	"github.com/loykin/dspyvisor/internal/config"
	"github.com/loykin/dspyvisor/internal/history"
	"github.com/loykin/dspyvisor/internal/history/factory"
	"github.com/loykin/dspyvisor/internal/logger"
	"github.com/loykin/dspyvisor/internal/metrics"
	"github.com/loykin/dspyvisor/internal/server"
)

// ServeFlags holds flags for the serve command
type ServeFlags struct {
	ConfigPath string
	NoStart    bool
	Daemonize  bool
	PidFile    string
	LogFile    string
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	sf := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the daemon: supervise the worker and serve the control API",
		Long: `Run the daemon. The worker is started immediately unless --no-start is
given; the control API keeps serving if startup fails so it can be retried.

Examples:
  dspyvisor serve                        # defaults + DSPYVISOR_* env
  dspyvisor serve dspyvisor.toml
  dspyvisor serve --daemonize --pidfile=/tmp/dspyvisor.pid --logfile=/tmp/dspyvisor.log`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sf.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				sf.ConfigPath = args[0]
			}
			if sf.Daemonize {
				return daemonize(sf.PidFile, sf.LogFile)
			}
			defer func() { _ = removePidFile(sf.PidFile) }()
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, sf)
		},
	}
	cmd.Flags().BoolVar(&sf.NoStart, "no-start", false, "do not start the worker until POST /start")
	cmd.Flags().BoolVar(&sf.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&sf.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&sf.LogFile, "logfile", "", "redirect daemon output to file when daemonized")
	return cmd
}

func runServe(ctx context.Context, sf *ServeFlags) error {
	cfg, err := config.Load(sf.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	log, logCloser := logger.New(cfg.Log)
	defer func() { _ = logCloser.Close() }()
	slog.SetDefault(log)

	if cfg.Metrics.Enabled {
		if err := dspyvisor.RegisterMetricsDefault(); err != nil {
			log.Warn("failed to register metrics", "error", err)
		}
	}

	sinks, err := historySinks(cfg.History)
	if err != nil {
		return err
	}

	client, err := dspyvisor.New(cfg.Worker, dspyvisor.Options{
		Logger:        log,
		History:       sinks,
		HistoryBuffer: cfg.History.Buffer,
		Log:           cfg.Log,
	})
	if err != nil {
		for _, s := range sinks {
			if c, ok := s.(interface{ Close() error }); ok {
				_ = c.Close()
			}
		}
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Warn("shutdown", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	var servers []*http.Server
	if cfg.Server.Enabled {
		router := server.NewRouter(client, cfg.Server.BasePath).WithLogger(log)
		if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
			router.WithMetrics(metrics.Handler())
		}
		servers = append(servers, server.NewServer(cfg.Server.Listen, router))
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		servers = append(servers, &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}
	for _, srv := range servers {
		g.Go(func() error {
			log.Info("listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, srv := range servers {
			_ = srv.Shutdown(shutdownCtx)
		}
		return nil
	})

	if cfg.Metrics.Enabled {
		sampler := metrics.NewResourceSampler(cfg.Worker.Name)
		g.Go(func() error {
			sampler.Run(gctx, cfg.Worker.HealthInterval, client.PID)
			return nil
		})
	}

	if !sf.NoStart {
		g.Go(func() error {
			if err := client.Start(gctx); err != nil {
				log.Error("worker failed to start", "error", err)
			}
			return nil
		})
	}

	log.Info("dspyvisor running", "worker", cfg.Worker.Name, "port", cfg.Worker.Port)
	err = g.Wait()
	log.Info("dspyvisor stopping")
	return err
}

func historySinks(h config.History) ([]history.Sink, error) {
	if !h.Enabled {
		return nil, nil
	}
	var sinks []history.Sink
	for _, dsn := range h.DSNs {
		s, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			for _, prev := range sinks {
				if c, ok := prev.(interface{ Close() error }); ok {
					_ = c.Close()
				}
			}
			return nil, fmt.Errorf("history sink %q: %w", redact(dsn), err)
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

// redact hides the password in a DSN for error messages.
func redact(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}
