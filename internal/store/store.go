// Package store persists sessions, rounds, and messages. The one
// non-negotiable contract is AppendRound: a completed round and the
// session's advanced counters become durable together or not at all,
// so readers never observe a partial round.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/szaher/council/internal/council"
)

// ErrRoundConflict reports an AppendRound whose round number does not
// directly follow the session's persisted current round. It means
// another writer advanced the session first; the append changed
// nothing.
var ErrRoundConflict = errors.New("round number conflicts with persisted current round")

// ListFilter narrows List results. Zero values mean no constraint.
type ListFilter struct {
	State         council.SessionState
	UpdatedBefore time.Time
	Limit         int
}

// Store is the persistence contract. Implementations wrap driver
// failures in council.PersistenceError and report unknown sessions
// with council.NotFoundError.
type Store interface {
	// Create persists a new session in its initial state.
	Create(ctx context.Context, sess *council.Session) error

	// Get returns the session without its rounds.
	Get(ctx context.Context, id string) (*council.Session, error)

	// Load returns the session and all its rounds in order.
	Load(ctx context.Context, id string) (*council.Session, []council.Round, error)

	// AppendRound atomically persists the round together with the
	// post-round session snapshot: state, current round, cost total,
	// and participant token counters. It fails with ErrRoundConflict
	// (wrapped) unless round.RoundNumber is exactly the persisted
	// current round plus one. The butt-in slot is left alone so a
	// message submitted mid-round survives for the next round, except
	// when the snapshot state is terminal, which discards it.
	AppendRound(ctx context.Context, sess *council.Session, round *council.Round) error

	// UpdateState sets the session state and last-error note. Moving
	// into a terminal state discards any pending human message.
	UpdateState(ctx context.Context, id string, state council.SessionState, lastError string) error

	// SetPendingHumanMessage replaces the butt-in slot (last write wins).
	// Terminal sessions reject the write with InvalidStateError so a
	// completion racing the submit cannot leave a dangling message.
	SetPendingHumanMessage(ctx context.Context, id, text string) error

	// TakePendingHumanMessage atomically empties the butt-in slot and
	// returns what it held.
	TakePendingHumanMessage(ctx context.Context, id string) (string, error)

	// List returns sessions matching the filter, newest first.
	List(ctx context.Context, filter ListFilter) ([]*council.Session, error)

	// Delete removes the session and everything under it.
	Delete(ctx context.Context, id string) error

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases underlying resources.
	Close()
}
