package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/szaher/council/internal/config"
	"github.com/szaher/council/internal/council"
	"github.com/szaher/council/internal/events"
	"github.com/szaher/council/internal/llm"
	"github.com/szaher/council/internal/lock"
	"github.com/szaher/council/internal/policy"
	"github.com/szaher/council/internal/pricing"
	"github.com/szaher/council/internal/responder"
	"github.com/szaher/council/internal/round"
	"github.com/szaher/council/internal/store"
	"github.com/szaher/council/internal/telemetry"
)

// newCLILogger builds the process logger. --verbose wins over the
// configured level.
func newCLILogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level := telemetry.ParseLevel(cfg.Server.LogLevel)
	if verbose {
		level = slog.LevelDebug
	}
	return telemetry.NewLogger(w, level)
}

// openStore builds the configured session store, creating the
// postgres schema when needed.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		pg, err := store.Open(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		return pg, nil
	default:
		return store.NewMemory(), nil
	}
}

// openLocker builds the configured execution lock provider and a
// cleanup func.
func openLocker(cfg *config.Config) (lock.Locker, func(), error) {
	if cfg.Lock.Driver != "etcd" {
		return lock.NewLocal(), func() {}, nil
	}
	e, err := lock.NewEtcd(cfg.Lock.EtcdEndpoints,
		lock.WithPrefix(cfg.Lock.EtcdPrefix),
		lock.WithTTL(cfg.Lock.EtcdTTL))
	if err != nil {
		return nil, nil, fmt.Errorf("connect etcd locks: %w", err)
	}
	return e, func() { _ = e.Close() }, nil
}

// newPricingTable builds the rate table with the configured overrides
// on top of the built-in defaults.
func newPricingTable(cfg *config.Config) *pricing.Table {
	t := pricing.NewTable()
	t.Replace(cfg.Pricing.Models)
	return t
}

// newExecutor wires the responder and round executor from the config.
func newExecutor(cfg *config.Config, prices *pricing.Table, sink events.Sink, metrics *telemetry.Metrics, logger *slog.Logger) *round.Executor {
	resp := responder.NewLLMResponder(llm.ProviderConfig{
		AnthropicAPIKey: cfg.LLM.AnthropicAPIKey,
		OpenAIAPIKey:    cfg.LLM.OpenAIAPIKey,
		OpenAIBaseURL:   cfg.LLM.OpenAIBaseURL,
		OllamaHost:      cfg.LLM.OllamaHost,
	}, prices,
		responder.WithTimeout(cfg.Defaults.AgentTimeout.Std()),
		responder.WithWindow(cfg.Defaults.TranscriptWindow),
		responder.WithMaxTokens(cfg.Defaults.MaxTokens),
		responder.WithLogger(logger),
	)
	return round.NewExecutor(resp,
		round.WithSink(sink),
		round.WithMetrics(metrics),
		round.WithMaxParallel(int64(cfg.Defaults.MaxParallel)),
		round.WithLogger(logger),
	)
}

// guardHolder gives the orchestrator one stable HaltGuard reference
// while config hot reload swaps the compiled expression underneath. A
// nil inner guard never halts.
type guardHolder struct {
	guard atomic.Pointer[policy.Guard]
}

func newGuardHolder(source string) (*guardHolder, error) {
	h := &guardHolder{}
	if source == "" {
		return h, nil
	}
	g, err := policy.Compile(source)
	if err != nil {
		return nil, err
	}
	h.guard.Store(g)
	return h, nil
}

func (h *guardHolder) swap(g *policy.Guard) { h.guard.Store(g) }

func (h *guardHolder) Halt(sess *council.Session, last *council.Round) (bool, error) {
	g := h.guard.Load()
	if g == nil {
		return false, nil
	}
	return g.Halt(sess, last)
}
