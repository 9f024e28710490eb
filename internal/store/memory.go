package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/szaher/council/internal/council"
)

// Memory is an in-memory Store for tests and single-process use.
// Sessions are deep-copied on the way in and out so callers can never
// mutate stored state behind the mutex.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]*council.Session
	rounds   map[string][]council.Round
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]*council.Session),
		rounds:   make(map[string][]council.Round),
	}
}

func (m *Memory) Create(ctx context.Context, sess *council.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sess.ID]; ok {
		return &council.PersistenceError{Op: "create session", Err: fmt.Errorf("session %s already exists", sess.ID)}
	}
	m.sessions[sess.ID] = sess.Clone()
	m.rounds[sess.ID] = nil
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (*council.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, &council.NotFoundError{SessionID: id}
	}
	return sess.Clone(), nil
}

func (m *Memory) Load(ctx context.Context, id string) (*council.Session, []council.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, nil, &council.NotFoundError{SessionID: id}
	}
	rounds := make([]council.Round, 0, len(m.rounds[id]))
	for i := range m.rounds[id] {
		rounds = append(rounds, *m.rounds[id][i].Clone())
	}
	return sess.Clone(), rounds, nil
}

func (m *Memory) AppendRound(ctx context.Context, sess *council.Session, round *council.Round) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.sessions[sess.ID]
	if !ok {
		return &council.NotFoundError{SessionID: sess.ID}
	}
	if round.RoundNumber != stored.CurrentRound+1 {
		return fmt.Errorf("append round %d after round %d: %w", round.RoundNumber, stored.CurrentRound, ErrRoundConflict)
	}

	snap := sess.Clone()
	snap.UpdatedAt = time.Now()
	if snap.State.Terminal() {
		snap.PendingHumanMessage = ""
	} else {
		// The slot belongs to SubmitButtIn; a message that arrived
		// while the round ran must survive the snapshot write.
		snap.PendingHumanMessage = stored.PendingHumanMessage
	}
	m.sessions[sess.ID] = snap
	m.rounds[sess.ID] = append(m.rounds[sess.ID], *round.Clone())
	return nil
}

func (m *Memory) UpdateState(ctx context.Context, id string, state council.SessionState, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return &council.NotFoundError{SessionID: id}
	}
	sess.State = state
	sess.LastError = lastError
	sess.UpdatedAt = time.Now()
	if state.Terminal() {
		sess.PendingHumanMessage = ""
	}
	return nil
}

func (m *Memory) SetPendingHumanMessage(ctx context.Context, id, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return &council.NotFoundError{SessionID: id}
	}
	if sess.State.Terminal() {
		return &council.InvalidStateError{SessionID: id, State: sess.State, Op: "submit butt-in"}
	}
	sess.PendingHumanMessage = text
	sess.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) TakePendingHumanMessage(ctx context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return "", &council.NotFoundError{SessionID: id}
	}
	msg := sess.PendingHumanMessage
	if msg != "" {
		sess.PendingHumanMessage = ""
		sess.UpdatedAt = time.Now()
	}
	return msg, nil
}

func (m *Memory) List(ctx context.Context, filter ListFilter) ([]*council.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*council.Session
	for _, sess := range m.sessions {
		if filter.State != "" && sess.State != filter.State {
			continue
		}
		if !filter.UpdatedBefore.IsZero() && !sess.UpdatedAt.Before(filter.UpdatedBefore) {
			continue
		}
		out = append(out, sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return &council.NotFoundError{SessionID: id}
	}
	delete(m.sessions, id)
	delete(m.rounds, id)
	return nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() {}
