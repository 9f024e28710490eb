package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/szaher/council/internal/archive"
	"github.com/szaher/council/internal/auth"
	"github.com/szaher/council/internal/cleanup"
	"github.com/szaher/council/internal/config"
	"github.com/szaher/council/internal/events"
	"github.com/szaher/council/internal/orchestrator"
	"github.com/szaher/council/internal/policy"
	"github.com/szaher/council/internal/runtime"
	"github.com/szaher/council/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	var (
		listen string
		noAuth bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the council HTTP server",
		Long: `Start the deliberation engine with its REST API, SSE and WebSocket
event streams, health probes, and Prometheus metrics. Requires an API
key (server.api_key or COUNCIL_API_KEY) unless --no-auth is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(func(c *config.Config) {
				if cmd.Flags().Changed("listen") {
					c.Server.Listen = listen
				}
				if cmd.Flags().Changed("no-auth") {
					c.Server.NoAuth = noAuth
				}
			})
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", ":8600", "Listen address")
	cmd.Flags().BoolVar(&noAuth, "no-auth", false, "Disable authentication (local use)")

	return cmd
}

func serve(cfg *config.Config) error {
	logger := newCLILogger(os.Stderr, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	locker, closeLocks, err := openLocker(cfg)
	if err != nil {
		return err
	}
	defer closeLocks()

	broadcaster := events.NewBroadcaster()
	defer broadcaster.Close()
	metrics := telemetry.NewMetrics(broadcaster.Dropped)

	prices := newPricingTable(cfg)
	executor := newExecutor(cfg, prices, broadcaster, metrics, logger)

	guard, err := newGuardHolder(cfg.Policy.Halt)
	if err != nil {
		return err
	}

	orc := orchestrator.New(st, executor,
		orchestrator.WithLocker(locker),
		orchestrator.WithSink(broadcaster),
		orchestrator.WithGuard(guard),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithLogger(logger),
	)

	// Sessions left running by a crashed or replaced replica have no
	// driver; park them in paused so a resume can pick them up.
	if n, err := orc.Recover(ctx); err != nil {
		logger.Warn("session recovery incomplete", "error", err)
	} else if n > 0 {
		logger.Info("recovered orphaned sessions", "count", n)
	}

	if cfg.Archive.Enabled() {
		client, err := archive.NewClient(ctx, cfg.Archive.Region, cfg.Archive.Endpoint)
		if err != nil {
			return err
		}
		arch := archive.New(client, st, cfg.Archive.Bucket, cfg.Archive.Prefix, logger)
		stream, cancelSub := broadcaster.Subscribe(nil)
		defer cancelSub()
		go arch.Run(ctx, stream)
		logger.Info("archiving enabled", "bucket", cfg.Archive.Bucket)
	}

	var sweeper *cleanup.Sweeper
	if cfg.Retention.Enabled() {
		sweeper = cleanup.New(st, cfg.Retention.MaxAge.Std(), logger)
		if err := sweeper.Start(cfg.Retention.Schedule); err != nil {
			return err
		}
		logger.Info("retention enabled",
			"max_age", cfg.Retention.MaxAge.Std().String(),
			"schedule", cfg.Retention.Schedule)
	}

	var limiter *auth.RateLimiter
	if cfg.Server.RatePerSecond > 0 {
		limiter = auth.NewRateLimiter(auth.RateLimitConfig{
			RequestsPerSecond: cfg.Server.RatePerSecond,
			Burst:             cfg.Server.RateBurst,
		})
	}

	server := runtime.NewServer(orc, st, broadcaster,
		runtime.WithAPIKey(cfg.Server.APIKey),
		runtime.WithNoAuth(cfg.Server.NoAuth),
		runtime.WithRateLimiter(limiter),
		runtime.WithMetrics(metrics),
		runtime.WithServerLogger(logger),
	)

	if configPath != "" {
		// Hot reload swaps only what is safe to swap mid-flight: the
		// pricing table and the halt guard. Listener, store, and lock
		// changes take a restart.
		err := config.Watch(ctx, configPath, logger, func(next *config.Config) {
			prices.Replace(next.Pricing.Models)
			if next.Policy.Halt == "" {
				guard.swap(nil)
				return
			}
			g, err := policy.Compile(next.Policy.Halt)
			if err != nil {
				logger.Warn("halt guard left unchanged", "error", err)
				return
			}
			guard.swap(g)
		})
		if err != nil {
			logger.Warn("config hot reload disabled", "error", err)
		}
	}

	errc := make(chan error, 1)
	go func() { errc <- server.ListenAndServe(cfg.Server.Listen) }()

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	grace := cfg.Server.ShutdownGrace.Std()
	logger.Info("shutting down", "grace", grace.String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if sweeper != nil {
		sweeper.Stop(shutdownCtx)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown incomplete", "error", err)
	}
	if err := orc.Close(shutdownCtx); err != nil {
		logger.Warn("rounds still in flight at shutdown", "error", err)
	}
	return nil
}
