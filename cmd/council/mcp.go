package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/szaher/council/internal/config"
	"github.com/szaher/council/internal/events"
	"github.com/szaher/council/internal/mcpserver"
	"github.com/szaher/council/internal/orchestrator"
	"github.com/szaher/council/internal/telemetry"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve council operations over MCP on stdio",
		Long: `Expose session operations as MCP tools for assistant and editor
integrations. Stdout carries the protocol; logs go to stderr. With a
postgres store and etcd locks this can run alongside serve against the
same sessions.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(func(c *config.Config) {
				// Stdio transport: the HTTP API key is not involved.
				c.Server.NoAuth = true
			})
			if err != nil {
				return err
			}
			return serveMCP(cfg)
		},
	}
}

func serveMCP(cfg *config.Config) error {
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

	prices := newPricingTable(cfg)
	metrics := telemetry.NewMetrics(nil)
	executor := newExecutor(cfg, prices, events.NopSink{}, metrics, logger)

	guard, err := newGuardHolder(cfg.Policy.Halt)
	if err != nil {
		return err
	}

	orc := orchestrator.New(st, executor,
		orchestrator.WithLocker(locker),
		orchestrator.WithGuard(guard),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithLogger(logger),
	)

	srv := mcpserver.New(orc,
		mcpserver.WithLogger(logger),
		mcpserver.WithDefaultMaxRounds(cfg.Defaults.MaxRounds),
	)

	err = srv.Run(ctx)
	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if cerr := orc.Close(closeCtx); cerr != nil {
		logger.Warn("rounds still in flight at shutdown", "error", cerr)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
