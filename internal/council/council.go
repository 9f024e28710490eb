// Package council defines the deliberation domain model: sessions,
// rounds, messages, participants, and the typed errors shared across
// the engine. A session binds a topic to an ordered participant set and
// a round budget; rounds accumulate one message per responding
// participant until the budget is exhausted or the session is stopped.
package council

import (
	"time"
)

// SessionState is the lifecycle state of a deliberation session.
type SessionState string

const (
	StatePending  SessionState = "pending"
	StateRunning  SessionState = "running"
	StatePaused   SessionState = "paused"
	StateComplete SessionState = "complete"
)

// Valid reports whether s is a known state.
func (s SessionState) Valid() bool {
	switch s {
	case StatePending, StateRunning, StatePaused, StateComplete:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible from s.
func (s SessionState) Terminal() bool { return s == StateComplete }

// CanTransitionTo reports whether the lifecycle permits moving from s
// to next. Complete is terminal; pause is only reachable from running;
// every non-terminal state may be stopped into complete.
func (s SessionState) CanTransitionTo(next SessionState) bool {
	if !s.Valid() || !next.Valid() || s == next {
		return false
	}
	switch s {
	case StatePending:
		return next == StateRunning || next == StateComplete
	case StateRunning:
		return next == StatePaused || next == StateComplete
	case StatePaused:
		return next == StateRunning || next == StateComplete
	}
	return false
}

// Participant is one agent identity assigned to a session. Membership
// is fixed at creation; token counters accumulate as rounds persist.
type Participant struct {
	AgentID      string `json:"agent_id"`
	Name         string `json:"name"`
	Role         string `json:"role,omitempty"`
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// Session is one deliberation instance. Mutable fields (State,
// CurrentRound, TotalCostUSD, PendingHumanMessage, LastError) are owned
// by the orchestrator and change only under the per-session execution
// lock; readers get copies and tolerate eventually-consistent snapshots.
type Session struct {
	ID           string        `json:"id"`
	Topic        string        `json:"topic"`
	Participants []Participant `json:"participants"`
	State        SessionState  `json:"state"`
	CurrentRound int           `json:"current_round"`
	MaxRounds    int           `json:"max_rounds"`
	TotalCostUSD float64       `json:"total_cost_usd"`

	// PendingHumanMessage is a single slot: a later submission before
	// the next round replaces an earlier one. It is consumed at round
	// start and discarded when the session completes.
	PendingHumanMessage string `json:"pending_human_message,omitempty"`

	// LastError records a persistence failure for a round that
	// completed in memory but could not be durably committed. The
	// session stays at its last known-good round when this is set.
	LastError string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RoundsRemaining returns how many rounds the lifetime budget still
// allows.
func (s *Session) RoundsRemaining() int {
	if r := s.MaxRounds - s.CurrentRound; r > 0 {
		return r
	}
	return 0
}

// Participant returns the participant with the given agent ID, or nil.
func (s *Session) Participant(agentID string) *Participant {
	for i := range s.Participants {
		if s.Participants[i].AgentID == agentID {
			return &s.Participants[i]
		}
	}
	return nil
}

// Clone returns a deep copy. Stores and the orchestrator hand out
// clones so callers never alias engine-owned state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Participants = make([]Participant, len(s.Participants))
	copy(out.Participants, s.Participants)
	return &out
}

// Validate checks creation-time invariants: non-empty topic, at least
// one participant, unique agent IDs with models assigned, and a
// positive round budget.
func (s *Session) Validate() error {
	if s.Topic == "" {
		return &ValidationError{Field: "topic", Reason: "must not be empty"}
	}
	if len(s.Participants) == 0 {
		return &ValidationError{Field: "participants", Reason: "must not be empty"}
	}
	seen := make(map[string]bool, len(s.Participants))
	for _, p := range s.Participants {
		if p.AgentID == "" {
			return &ValidationError{Field: "participants", Reason: "agent_id must not be empty"}
		}
		if seen[p.AgentID] {
			return &ValidationError{Field: "participants", Reason: "duplicate agent_id " + p.AgentID}
		}
		seen[p.AgentID] = true
		if p.Model == "" {
			return &ValidationError{Field: "participants", Reason: "participant " + p.AgentID + " has no model"}
		}
	}
	if s.MaxRounds < 1 {
		return &ValidationError{Field: "max_rounds", Reason: "must be at least 1"}
	}
	if s.CurrentRound < 0 || s.CurrentRound > s.MaxRounds {
		return &ValidationError{Field: "current_round", Reason: "must be within 0..max_rounds"}
	}
	return nil
}
