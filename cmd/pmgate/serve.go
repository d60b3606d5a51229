package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/pmgate/internal/api"
	"github.com/mattjoyce/pmgate/internal/auth"
	"github.com/mattjoyce/pmgate/internal/config"
	"github.com/mattjoyce/pmgate/internal/events"
	"github.com/mattjoyce/pmgate/internal/history"
	"github.com/mattjoyce/pmgate/internal/lock"
	"github.com/mattjoyce/pmgate/internal/log"
	"github.com/mattjoyce/pmgate/internal/metrics"
	"github.com/mattjoyce/pmgate/internal/proxy"
	"github.com/mattjoyce/pmgate/internal/supervisor"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the supervisor and proxy in the foreground",
		Long: `Start the supervisor and proxy in the foreground.

The child is started at boot unless supervisor.autostart is false, in which
case the first proxied request starts it. SIGINT or SIGTERM stops the child
(SIGTERM, then SIGKILL after supervisor.stop_grace) and answers any held
requests with 503.

Example:
  pmgate serve --config /etc/pmgate/config.yaml
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("pmgate starting",
		"version", version,
		"config", cfg.SourcePath,
		"config_fingerprint", config.ShortFingerprint(cfg.Fingerprint),
	)

	if err := history.CheckLocalFilesystem(cfg.Supervisor.Root); err != nil {
		logger.Warn("supervisor root may not lock reliably", "root", cfg.Supervisor.Root, "error", err)
	}

	rootLock, err := lock.AcquireRoot(cfg.Supervisor.Root)
	if err != nil {
		logger.Error("failed to lock supervisor root (another pmgate may be running)", "root", cfg.Supervisor.Root, "error", err)
		return err
	}
	defer rootLock.Release()
	logger.Info("acquired root lock", "path", rootLock.Path())

	db, err := history.OpenSQLite(ctx, cfg.History.Path)
	if err != nil {
		logger.Error("failed to open run history", "path", cfg.History.Path, "error", err)
		return err
	}
	defer db.Close()
	runs := history.NewStore(db)

	hub := events.NewHub(256)

	collector := metrics.Noop()
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		prom := metrics.NewPrometheus(cfg.Metrics.Namespace)
		collector = prom
		metricsHandler = prom.Handler()
	}

	sup, err := supervisor.New(cfg.Supervisor,
		supervisor.WithRecorder(runs),
		supervisor.WithMetrics(collector),
		supervisor.WithPublisher(hub),
		supervisor.WithLogger(log.WithComponent("supervisor")),
	)
	if err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	supDone := make(chan struct{})
	go func() {
		defer close(supDone)
		if err := sup.Run(ctx); err != nil {
			errCh <- fmt.Errorf("supervisor: %w", err)
		}
	}()

	if cfg.Supervisor.AutostartEnabled() {
		// A failed boot start leaves the child crashed; the admin API can
		// retry, so serving continues.
		if err := sup.Start(ctx, supervisor.TriggerBoot); err != nil {
			logger.Error("initial start failed", "error", err)
		}
	}

	dispatcher := proxy.New(sup, proxy.Options{
		RoutePrefix:    cfg.Supervisor.RoutePrefix,
		UpstreamHost:   cfg.Supervisor.UpstreamHost,
		PendingTimeout: cfg.Supervisor.PendingTimeout,
		Metrics:        collector,
		Logger:         log.WithComponent("proxy"),
	})

	apiServer := api.New(api.Config{
		Listen:            cfg.Service.Listen,
		ServiceName:       cfg.Service.Name,
		APIKey:            cfg.API.Auth.APIKey,
		Tokens:            tokenConfigs(cfg.API.Auth.Tokens),
		RoutePrefix:       cfg.Supervisor.RoutePrefix,
		ConfigFingerprint: cfg.Fingerprint,
	}, api.Deps{
		Process:    sup,
		Runs:       runs,
		Events:     hub,
		Dispatcher: dispatcher,
		Metrics:    metricsHandler,
	}, log.WithComponent("api"))

	go func() {
		if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("api: %w", err)
		}
	}()

	go func() {
		err := config.WatchFingerprint(ctx, cfg.SourcePath, cfg.Fingerprint, func(fp string) {
			logger.Warn("config file changed on disk; restart pmgate to apply",
				"config", cfg.SourcePath,
				"loaded", config.ShortFingerprint(cfg.Fingerprint),
				"on_disk", config.ShortFingerprint(fp),
			)
			hub.Publish(events.TypeConfigChanged, map[string]any{
				"path":        cfg.SourcePath,
				"loaded":      cfg.Fingerprint,
				"fingerprint": fp,
			})
		})
		if err != nil {
			logger.Warn("config drift watcher stopped", "error", err)
		}
	}()

	if !auth.Enabled(cfg.API.Auth.APIKey, tokenConfigs(cfg.API.Auth.Tokens)) {
		logger.Warn("no api key or tokens configured; admin API is disabled")
	}
	logger.Info("pmgate running (press Ctrl+C to stop)", "listen", cfg.Service.Listen, "route_prefix", cfg.Supervisor.RoutePrefix)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case runErr = <-errCh:
		logger.Error("component failed", "error", runErr)
	}
	cancel()

	// The child must be gone before the root lock is released.
	<-supDone
	logger.Info("pmgate stopped")
	return runErr
}

func tokenConfigs(tokens []config.APIToken) []auth.TokenConfig {
	out := make([]auth.TokenConfig, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
	}
	return out
}
