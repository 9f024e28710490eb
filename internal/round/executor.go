// Package round runs one barrier-synchronized deliberation round:
// every participant responds in parallel against the same frozen
// transcript, per-participant failures are absorbed, and the round
// completes only when the last responder has returned.
package round

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/szaher/council/internal/council"
	"github.com/szaher/council/internal/events"
	"github.com/szaher/council/internal/responder"
	"github.com/szaher/council/internal/telemetry"
)

// Executor fans one round out to all participants and assembles the
// results in participant order.
type Executor struct {
	responder responder.Responder
	sink      events.Sink
	metrics   *telemetry.Metrics
	parallel  int64
	logger    *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithSink sets where execution events are published.
func WithSink(sink events.Sink) Option {
	return func(e *Executor) { e.sink = sink }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithMaxParallel caps how many participants respond concurrently.
// Zero means all at once.
func WithMaxParallel(n int64) Option {
	return func(e *Executor) { e.parallel = n }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewExecutor creates a round executor.
func NewExecutor(r responder.Responder, opts ...Option) *Executor {
	e := &Executor{
		responder: r,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs round roundNumber for the session against the given
// transcript. Participant failures never abort the round; the only
// error return is context cancellation, in which case the round is
// abandoned and must not be persisted.
func (e *Executor) Execute(ctx context.Context, sess *council.Session, transcript []council.Round, roundNumber int, humanMessage string) (*council.Round, error) {
	corr := telemetry.CorrelationID(ctx)
	logger := telemetry.SessionLogger(e.logger, ctx, sess.ID)

	round := &council.Round{
		RoundNumber:  roundNumber,
		StartedAt:    time.Now().UTC(),
		HumanMessage: humanMessage,
		Messages:     []council.Message{},
	}

	e.publish(events.New(events.RoundStart, sess.ID).
		WithCorrelationID(corr).
		WithData("round", roundNumber).
		WithData("participants", len(sess.Participants)))
	logger.Info("round started",
		"round", roundNumber,
		"participants", len(sess.Participants),
		"has_interjection", humanMessage != "")

	var sem *semaphore.Weighted
	if e.parallel > 0 {
		sem = semaphore.NewWeighted(e.parallel)
	}

	type outcome struct {
		message *council.Message
		failure *council.AgentFailure
	}
	outcomes := make([]outcome, len(sess.Participants))

	// Cumulative partial text per agent, alive only for this round.
	// Stream deltas append here so every agent_partial event carries
	// the full content so far, not the bare delta.
	var partialMu sync.Mutex
	partials := make(map[string]string, len(sess.Participants))

	var wg sync.WaitGroup
	for i, p := range sess.Participants {
		wg.Add(1)
		go func(idx int, part council.Participant) {
			defer wg.Done()

			if sem != nil {
				if err := sem.Acquire(ctx, 1); err != nil {
					outcomes[idx].failure = responder.Classify(part.AgentID, err)
					return
				}
				defer sem.Release(1)
			}

			req := &responder.Request{
				Session:      sess,
				Participant:  part,
				Rounds:       transcript,
				RoundNumber:  roundNumber,
				HumanMessage: humanMessage,
				OnPartial: func(delta string) {
					partialMu.Lock()
					partials[part.AgentID] += delta
					soFar := partials[part.AgentID]
					partialMu.Unlock()
					e.publish(events.New(events.AgentPartial, sess.ID).
						WithCorrelationID(corr).
						WithData("round", roundNumber).
						WithData("agent_id", part.AgentID).
						WithData("text", soFar))
				},
			}

			msg, err := e.responder.Respond(ctx, req)
			if err != nil {
				var failure *council.AgentFailure
				if !errors.As(err, &failure) {
					failure = responder.Classify(part.AgentID, err)
				}
				outcomes[idx].failure = failure
				e.metrics.RecordAgentResponse(string(failure.Kind))
				e.publish(events.New(events.AgentFailed, sess.ID).
					WithCorrelationID(corr).
					WithData("round", roundNumber).
					WithData("agent_id", part.AgentID).
					WithData("kind", string(failure.Kind)).
					WithData("reason", failure.Reason))
				return
			}

			outcomes[idx].message = msg
			e.metrics.RecordAgentResponse("ok")
			e.metrics.AddUsage(msg.InputTokens, msg.OutputTokens, msg.CostUSD)
			e.publish(events.New(events.AgentComplete, sess.ID).
				WithCorrelationID(corr).
				WithData("round", roundNumber).
				WithData("agent_id", part.AgentID).
				WithData("content", msg.Content).
				WithData("input_tokens", msg.InputTokens).
				WithData("output_tokens", msg.OutputTokens).
				WithData("cost_usd", msg.CostUSD))
		}(i, p)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		logger.Warn("round abandoned", "round", roundNumber, "error", err)
		return nil, err
	}

	// Messages keep participant order regardless of completion order.
	for _, o := range outcomes {
		switch {
		case o.message != nil:
			round.Messages = append(round.Messages, *o.message)
		case o.failure != nil:
			round.Failures = append(round.Failures, *o.failure)
		}
	}

	completed := time.Now().UTC()
	round.CompletedAt = &completed

	e.publish(events.New(events.RoundComplete, sess.ID).
		WithCorrelationID(corr).
		WithData("round", roundNumber).
		WithData("messages", len(round.Messages)).
		WithData("failures", len(round.Failures)).
		WithData("cost_usd", round.CostUSD()).
		WithData("duration_ms", completed.Sub(round.StartedAt).Milliseconds()))
	logger.Info("round completed",
		"round", roundNumber,
		"messages", len(round.Messages),
		"failures", len(round.Failures),
		"cost_usd", round.CostUSD())

	return round, nil
}

func (e *Executor) publish(ev *events.Event) {
	if e.sink != nil {
		e.sink.Publish(ev)
	}
}
