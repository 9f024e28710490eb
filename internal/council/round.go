package council

import (
	"encoding/json"
	"time"
)

// Round is one synchronized iteration: every participant either
// contributed a Message or is listed in Failures. A round is durable
// only as a whole; in-flight rounds never partially persist.
type Round struct {
	RoundNumber int        `json:"round_number"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// HumanMessage is the butt-in text consumed from the session's
	// pending slot when this round started. Frozen once set.
	HumanMessage string `json:"human_message,omitempty"`

	// Messages follow session participant order, not completion order.
	Messages []Message      `json:"messages"`
	Failures []AgentFailure `json:"failures,omitempty"`
}

// CostUSD sums the cost contributions of the round's messages.
func (r *Round) CostUSD() float64 {
	var total float64
	for _, m := range r.Messages {
		total += m.CostUSD
	}
	return total
}

// Message returns the message contributed by the given agent, or nil
// if the agent failed or abstained this round.
func (r *Round) Message(agentID string) *Message {
	for i := range r.Messages {
		if r.Messages[i].AgentID == agentID {
			return &r.Messages[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the round.
func (r *Round) Clone() *Round {
	if r == nil {
		return nil
	}
	out := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	out.Messages = make([]Message, len(r.Messages))
	for i, m := range r.Messages {
		out.Messages[i] = *m.Clone()
	}
	out.Failures = append([]AgentFailure(nil), r.Failures...)
	return &out
}

// Message is one agent's contribution within one round. Immutable once
// the round is persisted.
type Message struct {
	AgentID      string     `json:"agent_id"`
	Content      string     `json:"content"`
	InputTokens  int        `json:"input_tokens"`
	OutputTokens int        `json:"output_tokens"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	CostUSD      float64    `json:"cost_usd"`
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	out := *m
	if m.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			out.ToolCalls[i] = ToolCall{Name: tc.Name, Input: append(json.RawMessage(nil), tc.Input...)}
		}
	}
	return &out
}

// ToolCall records a tool invocation an agent requested. The engine
// stores these as data; it does not execute them.
type ToolCall struct {
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// RecomputeTotals derives the authoritative cost and per-participant
// token totals from persisted rounds. Read paths use this instead of
// trusting cached accumulators; it also verifies round contiguity.
func RecomputeTotals(s *Session, rounds []Round) error {
	var cost float64
	tokens := make(map[string][2]int, len(s.Participants))
	for i, r := range rounds {
		if r.RoundNumber != i+1 {
			return &PersistenceError{Op: "recompute", Err: &ValidationError{
				Field:  "rounds",
				Reason: "round numbers must be contiguous from 1",
			}}
		}
		for _, m := range r.Messages {
			cost += m.CostUSD
			t := tokens[m.AgentID]
			t[0] += m.InputTokens
			t[1] += m.OutputTokens
			tokens[m.AgentID] = t
		}
	}
	s.TotalCostUSD = cost
	s.CurrentRound = len(rounds)
	for i := range s.Participants {
		t := tokens[s.Participants[i].AgentID]
		s.Participants[i].InputTokens = t[0]
		s.Participants[i].OutputTokens = t[1]
	}
	return nil
}
