package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/szaher/council/internal/council"
	"github.com/szaher/council/internal/events"
	"github.com/szaher/council/internal/lock"
	"github.com/szaher/council/internal/store"
)

// stubRunner fabricates rounds so orchestration can be tested without
// providers. When a gate is set, Execute blocks on it after recording
// the call, which lets tests hold a round in flight deterministically.
type stubRunner struct {
	mu      sync.Mutex
	perCost float64
	gate    chan struct{}
	skip    map[string]bool
	humans  map[int]string
	calls   int
}

func (r *stubRunner) setGate(gate chan struct{}) {
	r.mu.Lock()
	r.gate = gate
	r.mu.Unlock()
}

func (r *stubRunner) skipAgent(id string) {
	r.mu.Lock()
	if r.skip == nil {
		r.skip = make(map[string]bool)
	}
	r.skip[id] = true
	r.mu.Unlock()
}

func (r *stubRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *stubRunner) humanFor(round int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.humans[round]
}

func (r *stubRunner) Execute(_ context.Context, sess *council.Session, _ []council.Round, roundNumber int, humanMessage string) (*council.Round, error) {
	r.mu.Lock()
	r.calls++
	if r.humans == nil {
		r.humans = make(map[int]string)
	}
	r.humans[roundNumber] = humanMessage
	gate := r.gate
	skip := make(map[string]bool, len(r.skip))
	for k, v := range r.skip {
		skip[k] = v
	}
	cost := r.perCost
	r.mu.Unlock()

	if gate != nil {
		<-gate
	}

	round := &council.Round{
		RoundNumber:  roundNumber,
		StartedAt:    time.Now().UTC(),
		HumanMessage: humanMessage,
		Messages:     []council.Message{},
	}
	for _, p := range sess.Participants {
		if skip[p.AgentID] {
			round.Failures = append(round.Failures, council.AgentFailure{
				AgentID: p.AgentID,
				Kind:    council.FailureTimeout,
				Reason:  "context deadline exceeded",
			})
			continue
		}
		round.Messages = append(round.Messages, council.Message{
			AgentID:      p.AgentID,
			Content:      fmt.Sprintf("round %d position of %s", roundNumber, p.AgentID),
			InputTokens:  120,
			OutputTokens: 45,
			CostUSD:      cost,
		})
	}
	done := time.Now().UTC()
	round.CompletedAt = &done
	return round, nil
}

// flakyStore injects AppendRound failures ahead of a real store.
type flakyStore struct {
	store.Store
	mu       sync.Mutex
	failLeft int
	appends  int
}

func (s *flakyStore) AppendRound(ctx context.Context, sess *council.Session, round *council.Round) error {
	s.mu.Lock()
	s.appends++
	inject := s.failLeft > 0
	if inject {
		s.failLeft--
	}
	s.mu.Unlock()
	if inject {
		return &council.PersistenceError{Op: "append round", Err: errors.New("connection reset by peer")}
	}
	return s.Store.AppendRound(ctx, sess, round)
}

func (s *flakyStore) appendCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appends
}

type fixture struct {
	orc    *Orchestrator
	store  store.Store
	runner *stubRunner
	locks  *lock.Local
	sink   *events.CollectorSink
}

func newFixture(t *testing.T, st store.Store, opts ...Option) *fixture {
	t.Helper()
	if st == nil {
		st = store.NewMemory()
	}
	runner := &stubRunner{perCost: 0.002}
	locks := lock.NewLocal()
	sink := &events.CollectorSink{}
	opts = append([]Option{
		WithLocker(locks),
		WithSink(sink),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	orc := New(st, runner, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orc.Close(ctx)
	})
	return &fixture{orc: orc, store: st, runner: runner, locks: locks, sink: sink}
}

func createSession(t *testing.T, f *fixture, maxRounds int, agents ...string) *council.Session {
	t.Helper()
	if len(agents) == 0 {
		agents = []string{"optimist", "skeptic"}
	}
	params := CreateParams{Topic: "should we ship the rewrite", MaxRounds: maxRounds}
	for _, a := range agents {
		params.Participants = append(params.Participants, council.Participant{
			AgentID: a,
			Name:    a,
			Role:    "panelist",
			Model:   "claude-sonnet-4-5",
		})
	}
	sess, err := f.orc.CreateSession(context.Background(), params)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func waitForState(t *testing.T, st store.Store, id string, want council.SessionState) *council.Session {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := st.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		if sess.State == want {
			return sess
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("session %s never reached state %q", id, want)
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitForQuiescent waits for the state and for the auto-run goroutine
// to release the execution lock, so follow-up operations see a settled
// session.
func waitForQuiescent(t *testing.T, f *fixture, id string, want council.SessionState) *council.Session {
	t.Helper()
	sess := waitForState(t, f.store, id, want)
	waitFor(t, "execution lock release", func() bool { return !f.locks.Held(id) })
	return sess
}

func TestCreateSession(t *testing.T) {
	f := newFixture(t, nil)
	sess := createSession(t, f, 5, "optimist", "skeptic", "moderator")

	if !council.ValidSessionID(sess.ID) {
		t.Fatalf("unexpected session id %q", sess.ID)
	}
	if sess.State != council.StatePending {
		t.Fatalf("state = %q, want pending", sess.State)
	}
	if sess.CurrentRound != 0 || sess.TotalCostUSD != 0 {
		t.Fatalf("new session has progress: round=%d cost=%f", sess.CurrentRound, sess.TotalCostUSD)
	}
	if sess.CreatedAt.IsZero() || sess.UpdatedAt.IsZero() {
		t.Fatal("timestamps not set")
	}

	stored, err := f.store.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("created session not persisted: %v", err)
	}
	if len(stored.Participants) != 3 {
		t.Fatalf("persisted participants = %d, want 3", len(stored.Participants))
	}
}

func TestCreateSessionValidation(t *testing.T) {
	f := newFixture(t, nil)
	participant := council.Participant{AgentID: "a", Model: "gpt-4o"}

	tests := []struct {
		name   string
		params CreateParams
	}{
		{"empty topic", CreateParams{MaxRounds: 3, Participants: []council.Participant{participant}}},
		{"no participants", CreateParams{Topic: "t", MaxRounds: 3}},
		{"zero max rounds", CreateParams{Topic: "t", Participants: []council.Participant{participant}}},
		{"duplicate agents", CreateParams{Topic: "t", MaxRounds: 3, Participants: []council.Participant{participant, participant}}},
		{"missing model", CreateParams{Topic: "t", MaxRounds: 3, Participants: []council.Participant{{AgentID: "b"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.orc.CreateSession(context.Background(), tt.params); !council.IsValidation(err) {
				t.Fatalf("error = %v, want ValidationError", err)
			}
		})
	}
}

func TestExecuteRoundAdvancesSession(t *testing.T) {
	f := newFixture(t, nil)
	sess := createSession(t, f, 5, "optimist", "skeptic", "moderator")
	ctx := context.Background()

	round, err := f.orc.ExecuteRound(ctx, sess.ID)
	if err != nil {
		t.Fatalf("execute round: %v", err)
	}
	if round.RoundNumber != 1 {
		t.Fatalf("round number = %d, want 1", round.RoundNumber)
	}
	if len(round.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(round.Messages))
	}

	got, err := f.store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != council.StateRunning {
		t.Fatalf("state = %q, want running", got.State)
	}
	if got.CurrentRound != 1 {
		t.Fatalf("current round = %d, want 1", got.CurrentRound)
	}
	if want := 3 * 0.002; math.Abs(got.TotalCostUSD-want) > 1e-9 {
		t.Fatalf("total cost = %f, want %f", got.TotalCostUSD, want)
	}
	for _, p := range got.Participants {
		if p.InputTokens != 120 || p.OutputTokens != 45 {
			t.Fatalf("participant %s tokens = %d/%d, want 120/45", p.AgentID, p.InputTokens, p.OutputTokens)
		}
	}

	changes := f.sink.OfType(events.SessionStateChanged)
	if len(changes) != 1 || changes[0].Data["state"] != "running" {
		t.Fatalf("state change events = %+v, want one pending->running", changes)
	}
}

func TestExecuteRoundStateRules(t *testing.T) {
	ctx := context.Background()

	t.Run("paused", func(t *testing.T) {
		f := newFixture(t, nil)
		sess := createSession(t, f, 5)
		if _, err := f.orc.ExecuteRound(ctx, sess.ID); err != nil {
			t.Fatalf("execute round: %v", err)
		}
		if _, err := f.orc.PauseAuto(ctx, sess.ID); err != nil {
			t.Fatalf("pause: %v", err)
		}
		if _, err := f.orc.ExecuteRound(ctx, sess.ID); !council.IsInvalidState(err) {
			t.Fatalf("error = %v, want InvalidStateError", err)
		}
	})

	t.Run("complete", func(t *testing.T) {
		f := newFixture(t, nil)
		sess := createSession(t, f, 1)
		if _, err := f.orc.ExecuteRound(ctx, sess.ID); err != nil {
			t.Fatalf("execute round: %v", err)
		}
		got := waitForState(t, f.store, sess.ID, council.StateComplete)
		if got.CurrentRound != 1 {
			t.Fatalf("current round = %d, want 1", got.CurrentRound)
		}
		if _, err := f.orc.ExecuteRound(ctx, sess.ID); !council.IsInvalidState(err) {
			t.Fatalf("error = %v, want InvalidStateError", err)
		}
	})

	t.Run("unknown session", func(t *testing.T) {
		f := newFixture(t, nil)
		if _, err := f.orc.ExecuteRound(ctx, "sess_missing"); !council.IsNotFound(err) {
			t.Fatalf("error = %v, want NotFoundError", err)
		}
	})
}

func TestExecuteRoundConcurrent(t *testing.T) {
	f := newFixture(t, nil)
	sess := createSession(t, f, 5)
	ctx := context.Background()

	gate := make(chan struct{})
	f.runner.setGate(gate)

	firstErr := make(chan error, 1)
	go func() {
		_, err := f.orc.ExecuteRound(ctx, sess.ID)
		firstErr <- err
	}()
	waitFor(t, "first round in flight", func() bool { return f.runner.callCount() == 1 })

	_, err := f.orc.ExecuteRound(ctx, sess.ID)
	if !council.IsConcurrentExecution(err) {
		t.Fatalf("second call error = %v, want ConcurrentExecutionError", err)
	}

	close(gate)
	if err := <-firstErr; err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	got, err := f.store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CurrentRound != 1 {
		t.Fatalf("current round = %d, want exactly 1", got.CurrentRound)
	}
}

func TestExecuteRoundAbsorbsAgentFailure(t *testing.T) {
	f := newFixture(t, nil)
	sess := createSession(t, f, 3, "optimist", "skeptic", "moderator")
	f.runner.skipAgent("skeptic")

	round, err := f.orc.ExecuteRound(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("execute round: %v", err)
	}
	if len(round.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(round.Messages))
	}
	if len(round.Failures) != 1 || round.Failures[0].Kind != council.FailureTimeout {
		t.Fatalf("failures = %+v, want one timeout", round.Failures)
	}

	got, err := f.store.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CurrentRound != 1 {
		t.Fatalf("current round = %d, want 1", got.CurrentRound)
	}
}

func TestButtInLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	sess := createSession(t, f, 5)
	ctx := context.Background()

	if _, err := f.orc.ExecuteRound(ctx, sess.ID); err != nil {
		t.Fatalf("round 1: %v", err)
	}
	if got := f.runner.humanFor(1); got != "" {
		t.Fatalf("round 1 human message = %q, want empty", got)
	}

	if _, err := f.orc.SubmitButtIn(ctx, sess.ID, "consider the migration cost"); err != nil {
		t.Fatalf("butt-in: %v", err)
	}
	updated, err := f.orc.SubmitButtIn(ctx, sess.ID, "focus on rollback safety")
	if err != nil {
		t.Fatalf("second butt-in: %v", err)
	}
	if updated.PendingHumanMessage != "focus on rollback safety" {
		t.Fatalf("pending = %q, want the replacement", updated.PendingHumanMessage)
	}

	round, err := f.orc.ExecuteRound(ctx, sess.ID)
	if err != nil {
		t.Fatalf("round 2: %v", err)
	}
	if round.HumanMessage != "focus on rollback safety" {
		t.Fatalf("round 2 human message = %q, want the replacement", round.HumanMessage)
	}
	if got := f.runner.humanFor(2); got != "focus on rollback safety" {
		t.Fatalf("runner saw %q, want the replacement", got)
	}

	// Consumed exactly once: the next round starts with an empty slot.
	if _, err := f.orc.ExecuteRound(ctx, sess.ID); err != nil {
		t.Fatalf("round 3: %v", err)
	}
	if got := f.runner.humanFor(3); got != "" {
		t.Fatalf("round 3 human message = %q, want empty", got)
	}
}

func TestButtInValidation(t *testing.T) {
	f := newFixture(t, nil)
	sess := createSession(t, f, 1)
	ctx := context.Background()

	if _, err := f.orc.SubmitButtIn(ctx, sess.ID, ""); !council.IsValidation(err) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	if _, err := f.orc.SubmitButtIn(ctx, "sess_missing", "hello"); !council.IsNotFound(err) {
		t.Fatalf("error = %v, want NotFoundError", err)
	}

	// Pending sessions accept butt-ins; the first round consumes them.
	if _, err := f.orc.SubmitButtIn(ctx, sess.ID, "open with scope"); err != nil {
		t.Fatalf("butt-in on pending: %v", err)
	}
	if _, err := f.orc.ExecuteRound(ctx, sess.ID); err != nil {
		t.Fatalf("round: %v", err)
	}
	if got := f.runner.humanFor(1); got != "open with scope" {
		t.Fatalf("round 1 human message = %q", got)
	}

	waitForState(t, f.store, sess.ID, council.StateComplete)
	if _, err := f.orc.SubmitButtIn(ctx, sess.ID, "too late"); !council.IsInvalidState(err) {
		t.Fatalf("error = %v, want InvalidStateError", err)
	}
}

func TestExecuteRoundPersistRetry(t *testing.T) {
	flaky := &flakyStore{Store: store.NewMemory(), failLeft: 1}
	f := newFixture(t, flaky)
	sess := createSession(t, f, 5)

	round, err := f.orc.ExecuteRound(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("execute round: %v", err)
	}
	if round.RoundNumber != 1 {
		t.Fatalf("round number = %d, want 1", round.RoundNumber)
	}
	if got := flaky.appendCalls(); got != 2 {
		t.Fatalf("append attempts = %d, want 2", got)
	}

	stored, err := f.store.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.CurrentRound != 1 || stored.LastError != "" {
		t.Fatalf("session = round %d, last error %q; want round 1 and no error", stored.CurrentRound, stored.LastError)
	}
}

func TestExecuteRoundPersistFailureKeepsLastGoodState(t *testing.T) {
	flaky := &flakyStore{Store: store.NewMemory(), failLeft: 2}
	f := newFixture(t, flaky)
	sess := createSession(t, f, 5)

	_, err := f.orc.ExecuteRound(context.Background(), sess.ID)
	if !council.IsPersistence(err) {
		t.Fatalf("error = %v, want PersistenceError", err)
	}
	if got := flaky.appendCalls(); got != 2 {
		t.Fatalf("append attempts = %d, want 2", got)
	}

	stored, err := f.store.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.CurrentRound != 0 {
		t.Fatalf("current round = %d, want 0 (round must not partially persist)", stored.CurrentRound)
	}
	if !strings.Contains(stored.LastError, "could not be persisted") {
		t.Fatalf("last error = %q, want persistence note", stored.LastError)
	}
	rounds, err := f.orc.GetRounds(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("get rounds: %v", err)
	}
	if len(rounds) != 0 {
		t.Fatalf("rounds = %d, want none", len(rounds))
	}

	// The next successful round clears the flag.
	if _, err := f.orc.ExecuteRound(context.Background(), sess.ID); err != nil {
		t.Fatalf("retry round: %v", err)
	}
	stored, _ = f.store.Get(context.Background(), sess.ID)
	if stored.CurrentRound != 1 || stored.LastError != "" {
		t.Fatalf("session = round %d, last error %q; want round 1 and no error", stored.CurrentRound, stored.LastError)
	}
}

func TestStopSessionImmediate(t *testing.T) {
	f := newFixture(t, nil)
	sess := createSession(t, f, 10)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := f.orc.ExecuteRound(ctx, sess.ID); err != nil {
			t.Fatalf("round %d: %v", i+1, err)
		}
	}

	stopped, err := f.orc.StopSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stopped.State != council.StateComplete {
		t.Fatalf("state = %q, want complete", stopped.State)
	}

	if _, err := f.orc.ExecuteRound(ctx, sess.ID); !council.IsInvalidState(err) {
		t.Fatalf("execute after stop = %v, want InvalidStateError", err)
	}
	if _, err := f.orc.StartAuto(ctx, sess.ID, 3); !council.IsInvalidState(err) {
		t.Fatalf("start auto after stop = %v, want InvalidStateError", err)
	}
	if _, err := f.orc.StopSession(ctx, sess.ID); !council.IsInvalidState(err) {
		t.Fatalf("second stop = %v, want InvalidStateError", err)
	}
	if got := f.runner.callCount(); got != 2 {
		t.Fatalf("rounds executed = %d, want 2 (stop is irreversible)", got)
	}
}

func TestStopSessionFromPending(t *testing.T) {
	f := newFixture(t, nil)
	sess := createSession(t, f, 5)

	stopped, err := f.orc.StopSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stopped.State != council.StateComplete || stopped.CurrentRound != 0 {
		t.Fatalf("session = %q round %d, want complete at 0", stopped.State, stopped.CurrentRound)
	}
}

func TestGetSessionRecomputesTotals(t *testing.T) {
	f := newFixture(t, nil)
	sess := createSession(t, f, 5)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := f.orc.ExecuteRound(ctx, sess.ID); err != nil {
			t.Fatalf("round %d: %v", i+1, err)
		}
	}

	got, err := f.orc.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if want := 2 * 2 * 0.002; math.Abs(got.TotalCostUSD-want) > 1e-9 {
		t.Fatalf("total cost = %f, want %f", got.TotalCostUSD, want)
	}
	if got.CurrentRound != 2 {
		t.Fatalf("current round = %d, want 2", got.CurrentRound)
	}
	for _, p := range got.Participants {
		if p.InputTokens != 240 || p.OutputTokens != 90 {
			t.Fatalf("participant %s tokens = %d/%d, want 240/90", p.AgentID, p.InputTokens, p.OutputTokens)
		}
	}

	rounds, err := f.orc.GetRounds(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get rounds: %v", err)
	}
	if len(rounds) != 2 || rounds[0].RoundNumber != 1 || rounds[1].RoundNumber != 2 {
		t.Fatalf("rounds = %+v, want contiguous 1..2", rounds)
	}
}

func TestDeleteSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	t.Run("removes session and rounds", func(t *testing.T) {
		sess := createSession(t, f, 3)
		if _, err := f.orc.ExecuteRound(ctx, sess.ID); err != nil {
			t.Fatalf("round: %v", err)
		}
		if err := f.orc.DeleteSession(ctx, sess.ID); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := f.store.Get(ctx, sess.ID); !council.IsNotFound(err) {
			t.Fatalf("get after delete = %v, want NotFoundError", err)
		}
	})

	t.Run("unknown session", func(t *testing.T) {
		if err := f.orc.DeleteSession(ctx, "sess_missing"); !council.IsNotFound(err) {
			t.Fatalf("error = %v, want NotFoundError", err)
		}
	})

	t.Run("round in flight", func(t *testing.T) {
		sess := createSession(t, f, 3)
		gate := make(chan struct{})
		f.runner.setGate(gate)
		defer f.runner.setGate(nil)

		done := make(chan error, 1)
		before := f.runner.callCount()
		go func() {
			_, err := f.orc.ExecuteRound(ctx, sess.ID)
			done <- err
		}()
		waitFor(t, "round in flight", func() bool { return f.runner.callCount() == before+1 })

		if err := f.orc.DeleteSession(ctx, sess.ID); !council.IsConcurrentExecution(err) {
			t.Fatalf("delete mid-round = %v, want ConcurrentExecutionError", err)
		}
		close(gate)
		if err := <-done; err != nil {
			t.Fatalf("in-flight round: %v", err)
		}
	})
}
