// Package testutil holds fakes shared by tests that exercise the
// deliberation engine without a model provider.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/szaher/council/internal/council"
)

// StubRunner fabricates one completed message per participant. It
// never fails and charges a fixed token count and cost per message,
// so tests can assert totals deterministically.
type StubRunner struct {
	// Delay, when set, stalls each round to give tests a window to
	// observe the running state.
	Delay time.Duration

	mu    sync.Mutex
	calls int
}

// MessageCost is what every stub message charges.
const MessageCost = 0.003

// Execute returns a completed round carrying one message per
// participant and the consumed human message, if any.
func (r *StubRunner) Execute(ctx context.Context, sess *council.Session, transcript []council.Round, roundNumber int, humanMessage string) (*council.Round, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()

	if r.Delay > 0 {
		select {
		case <-time.After(r.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	now := time.Now()
	round := &council.Round{
		RoundNumber:  roundNumber,
		StartedAt:    now,
		CompletedAt:  &now,
		HumanMessage: humanMessage,
		Messages:     make([]council.Message, 0, len(sess.Participants)),
	}
	for _, p := range sess.Participants {
		round.Messages = append(round.Messages, council.Message{
			AgentID:      p.AgentID,
			Content:      fmt.Sprintf("round %d take from %s", roundNumber, p.AgentID),
			InputTokens:  100,
			OutputTokens: 40,
			CostUSD:      MessageCost,
		})
	}
	return round, nil
}

// Calls reports how many rounds the runner has executed.
func (r *StubRunner) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}
