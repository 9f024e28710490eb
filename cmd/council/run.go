package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/szaher/council/internal/config"
	"github.com/szaher/council/internal/council"
	"github.com/szaher/council/internal/events"
	"github.com/szaher/council/internal/orchestrator"
	"github.com/szaher/council/internal/store"
	"github.com/szaher/council/internal/telemetry"
)

func newRunCmd() *cobra.Command {
	var (
		topic    string
		agents   []string
		rounds   int
		stream   bool
		eventLog string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a one-shot deliberation and print the transcript",
		Long: `Create a session against an in-memory store, auto-run it to
completion, and print each agent's contribution as rounds finish.
Participants are given as name=model pairs, e.g.

  council run --topic "Should we rewrite it?" \
    --agents optimist=claude-sonnet-4-5,skeptic=ollama/llama3.2 --rounds 3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			participants, err := parseParticipants(agents)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(func(c *config.Config) {
				// Local one-shot: no listener, no API key involved.
				c.Server.NoAuth = true
			})
			if err != nil {
				return err
			}
			return runOnce(cfg, topic, participants, rounds, stream, eventLog)
		},
	}

	cmd.Flags().StringVar(&topic, "topic", "", "Deliberation topic (required)")
	cmd.Flags().StringSliceVar(&agents, "agents", nil, `Participants as "name=model" (required)`)
	cmd.Flags().IntVar(&rounds, "rounds", 3, "Number of rounds to run")
	cmd.Flags().BoolVar(&stream, "stream", false, "Print partial content as it arrives")
	cmd.Flags().StringVar(&eventLog, "event-log", "", "Write the full event sequence to this JSON file")
	_ = cmd.MarkFlagRequired("topic")
	_ = cmd.MarkFlagRequired("agents")

	return cmd
}

// parseParticipants turns name=model pairs into participants. The name
// doubles as the agent ID.
func parseParticipants(specs []string) ([]council.Participant, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("--agents must name at least one participant")
	}
	out := make([]council.Participant, 0, len(specs))
	for _, spec := range specs {
		name, model, ok := strings.Cut(spec, "=")
		if !ok || name == "" || model == "" {
			return nil, fmt.Errorf("agent %q: want name=model", spec)
		}
		out = append(out, council.Participant{
			AgentID: name,
			Name:    name,
			Model:   model,
		})
	}
	return out, nil
}

func runOnce(cfg *config.Config, topic string, participants []council.Participant, rounds int, stream bool, eventLog string) error {
	// Transcript goes to stdout; keep logs quiet on stderr unless
	// --verbose.
	logLevel := slog.LevelWarn
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := telemetry.NewLogger(os.Stderr, logLevel)

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	st := store.NewMemory()
	defer st.Close()

	broadcaster := events.NewBroadcaster(events.WithBufferSize(256))
	defer broadcaster.Close()
	metrics := telemetry.NewMetrics(broadcaster.Dropped)

	prices := newPricingTable(cfg)
	executor := newExecutor(cfg, prices, broadcaster, metrics, logger)

	guard, err := newGuardHolder(cfg.Policy.Halt)
	if err != nil {
		return err
	}

	orc := orchestrator.New(st, executor,
		orchestrator.WithSink(broadcaster),
		orchestrator.WithGuard(guard),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithLogger(logger),
	)

	feed, cancelSub := broadcaster.Subscribe(nil)
	defer cancelSub()

	sess, err := orc.CreateSession(ctx, orchestrator.CreateParams{
		Topic:        topic,
		Participants: participants,
		MaxRounds:    rounds,
	})
	if err != nil {
		return err
	}
	fmt.Printf("session %s: %q with %d participants, %d rounds\n",
		sess.ID, sess.Topic, len(sess.Participants), sess.MaxRounds)

	if _, err := orc.StartAuto(ctx, sess.ID, rounds); err != nil {
		return err
	}

	var log []*events.Event
	if err := printProgress(ctx, orc, sess.ID, feed, stream, &log); err != nil {
		// A signal mid-run: stop at the round boundary, then drain.
		fmt.Fprintln(os.Stderr, "interrupted; stopping at the round boundary")
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Defaults.AgentTimeout.Std())
		defer cancel()
		if _, serr := orc.StopSession(stopCtx, sess.ID); serr != nil {
			logger.Warn("stop after interrupt failed", "error", serr)
		}
		_ = orc.Close(stopCtx)
	}

	final, err := orc.GetSession(context.Background(), sess.ID)
	if err != nil {
		return err
	}
	fmt.Printf("\n%s after %d round(s), $%.4f\n", final.State, final.CurrentRound, final.TotalCostUSD)
	if verbose {
		for _, p := range final.Participants {
			fmt.Fprintf(os.Stderr, "  %s: %d in / %d out tokens\n", p.Name, p.InputTokens, p.OutputTokens)
		}
	}
	if eventLog != "" {
		if err := events.WriteLog(eventLog, log); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "event log written to %s\n", eventLog)
	}
	return nil
}

// printProgress renders events until the session completes. The
// broadcaster drops on a full buffer, so a poll ticker backstops the
// terminal state.
func printProgress(ctx context.Context, orc *orchestrator.Orchestrator, sessionID string, feed <-chan *events.Event, stream bool, log *[]*events.Event) error {
	poll := time.NewTicker(2 * time.Second)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-poll.C:
			sess, err := orc.GetSession(context.Background(), sessionID)
			if err != nil {
				return err
			}
			if sess.State.Terminal() || sess.State == council.StatePaused {
				return nil
			}

		case ev, ok := <-feed:
			if !ok {
				return nil
			}
			*log = append(*log, ev)
			switch ev.Type {
			case events.RoundStart:
				fmt.Printf("\n--- round %v ---\n", ev.Data["round"])

			case events.AgentPartial:
				if !stream {
					continue
				}
				agent, _ := ev.Data["agent_id"].(string)
				text, _ := ev.Data["text"].(string)
				fmt.Printf("\r[%s] %d chars", agent, len(text))

			case events.AgentComplete:
				if stream {
					fmt.Print("\r")
				}
				content, _ := ev.Data["content"].(string)
				fmt.Printf("\n%s:\n%s\n", ev.Data["agent_id"], content)

			case events.AgentFailed:
				fmt.Fprintf(os.Stderr, "agent %v failed (%v): %v\n",
					ev.Data["agent_id"], ev.Data["kind"], ev.Data["reason"])

			case events.RoundComplete:
				fmt.Printf("round %v complete: %v message(s), %v failure(s), $%.4f\n",
					ev.Data["round"], ev.Data["messages"], ev.Data["failures"], ev.Data["cost_usd"])

			case events.SessionStateChanged:
				state, _ := ev.Data["state"].(string)
				if council.SessionState(state).Terminal() || state == string(council.StatePaused) {
					return nil
				}
			}
		}
	}
}
