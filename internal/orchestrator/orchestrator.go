// Package orchestrator owns the session state machine. Every mutation
// of a session's mutable fields happens under that session's execution
// lock; at most one round is ever in flight per session, while
// different sessions deliberate independently.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/szaher/council/internal/council"
	"github.com/szaher/council/internal/events"
	"github.com/szaher/council/internal/lock"
	"github.com/szaher/council/internal/store"
	"github.com/szaher/council/internal/telemetry"
)

// Runner executes one round against a frozen session snapshot.
// round.Executor is the production implementation.
type Runner interface {
	Execute(ctx context.Context, sess *council.Session, transcript []council.Round, roundNumber int, humanMessage string) (*council.Round, error)
}

// HaltGuard is consulted between auto-deliberation rounds; a true
// verdict pauses the session. Evaluation errors are logged and the run
// continues. policy.Guard is the production implementation.
type HaltGuard interface {
	Halt(sess *council.Session, last *council.Round) (bool, error)
}

// Orchestrator coordinates stores, locks, and the round runner into
// the caller-facing session operations.
type Orchestrator struct {
	store   store.Store
	runner  Runner
	locks   lock.Locker
	sink    events.Sink
	guard   HaltGuard
	metrics *telemetry.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	controls map[string]*control

	quit chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLocker sets the per-session execution lock provider. The default
// is a process-local locker; multi-replica deployments pass an etcd
// locker instead.
func WithLocker(l lock.Locker) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.locks = l
		}
	}
}

// WithSink sets where session lifecycle events are published.
func WithSink(sink events.Sink) Option {
	return func(o *Orchestrator) { o.sink = sink }
}

// WithGuard sets the halt guard evaluated between auto rounds.
func WithGuard(g HaltGuard) Option {
	return func(o *Orchestrator) { o.guard = g }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New creates an orchestrator.
func New(st store.Store, runner Runner, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    st,
		runner:   runner,
		locks:    lock.NewLocal(),
		logger:   slog.Default(),
		controls: make(map[string]*control),
		quit:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CreateParams are the inputs for a new session.
type CreateParams struct {
	Topic        string                `json:"topic"`
	Participants []council.Participant `json:"participants"`
	MaxRounds    int                   `json:"max_rounds"`
}

// CreateSession validates the parameters and persists a new pending
// session.
func (o *Orchestrator) CreateSession(ctx context.Context, params CreateParams) (*council.Session, error) {
	now := time.Now().UTC()
	sess := &council.Session{
		ID:           council.NewSessionID(),
		Topic:        params.Topic,
		Participants: make([]council.Participant, len(params.Participants)),
		State:        council.StatePending,
		MaxRounds:    params.MaxRounds,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for i, p := range params.Participants {
		p.InputTokens, p.OutputTokens = 0, 0
		sess.Participants[i] = p
	}
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	if err := o.store.Create(ctx, sess); err != nil {
		return nil, err
	}
	telemetry.SessionLogger(o.logger, ctx, sess.ID).Info("session created",
		"topic", sess.Topic,
		"participants", len(sess.Participants),
		"max_rounds", sess.MaxRounds)
	return sess, nil
}

// ExecuteRound runs exactly one round. Valid only from pending or
// running with round budget remaining; concurrent calls against the
// same session fail with ConcurrentExecutionError.
func (o *Orchestrator) ExecuteRound(ctx context.Context, id string) (*council.Round, error) {
	release, ok, err := o.locks.TryAcquire(ctx, id)
	if err != nil {
		return nil, &council.PersistenceError{Op: "acquire execution lock", Err: err}
	}
	if !ok {
		return nil, &council.ConcurrentExecutionError{SessionID: id}
	}
	defer release()

	// A round, once started, is never truncated by the caller
	// disconnecting; per-participant timeouts bound its duration.
	ctx = context.WithoutCancel(ctx)

	sess, prior, err := o.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := o.ensureRunnable(ctx, sess, "execute round"); err != nil {
		return nil, err
	}

	round, err := o.executeRoundLocked(ctx, sess, prior)
	if err != nil {
		return nil, err
	}

	// A pause or stop signalled while this round was in flight lands
	// at the boundary, exactly as it does for auto-runs.
	o.applySignals(ctx, id)
	return round, nil
}

// SubmitButtIn stores a human interjection for the next round. The
// slot holds one message; a later submission replaces an earlier one.
func (o *Orchestrator) SubmitButtIn(ctx context.Context, id, text string) (*council.Session, error) {
	if text == "" {
		return nil, &council.ValidationError{Field: "message", Reason: "must not be empty"}
	}
	sess, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.State.Terminal() {
		return nil, &council.InvalidStateError{SessionID: id, State: sess.State, Op: "submit butt-in"}
	}
	if err := o.store.SetPendingHumanMessage(ctx, id, text); err != nil {
		return nil, err
	}
	o.metrics.RecordButtIn()
	telemetry.SessionLogger(o.logger, ctx, id).Info("butt-in submitted",
		"replaced", sess.PendingHumanMessage != "")
	sess.PendingHumanMessage = text
	return sess, nil
}

// StopSession forces the session to complete. It never truncates an
// in-flight round: when one is executing, completion lands at the
// round boundary.
func (o *Orchestrator) StopSession(ctx context.Context, id string) (*council.Session, error) {
	release, ok, err := o.locks.TryAcquire(ctx, id)
	if err != nil {
		return nil, &council.PersistenceError{Op: "acquire execution lock", Err: err}
	}
	if !ok {
		sess, err := o.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess.State.Terminal() {
			return nil, &council.InvalidStateError{SessionID: id, State: sess.State, Op: "stop"}
		}
		o.control(id).requestStop()
		// The driver may have passed its final signal check and released
		// the lock before the flag was set. One reacquire attempt closes
		// that window: holding the lock now means no driver is left to
		// consume the signal, so it is applied here.
		if sess, applied := o.applySignalsIfIdle(ctx, id); applied {
			return sess, nil
		}
		telemetry.SessionLogger(o.logger, ctx, id).Info("stop requested; waiting for round boundary")
		return sess, nil
	}
	defer release()

	sess, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sess.State.CanTransitionTo(council.StateComplete) {
		return nil, &council.InvalidStateError{SessionID: id, State: sess.State, Op: "stop"}
	}
	if err := o.store.UpdateState(ctx, id, council.StateComplete, sess.LastError); err != nil {
		return nil, err
	}
	o.emitStateChange(ctx, id, sess.State, council.StateComplete)
	telemetry.SessionLogger(o.logger, ctx, id).Info("session stopped",
		"rounds_run", sess.CurrentRound)
	o.dropControl(id)

	sess.State = council.StateComplete
	sess.PendingHumanMessage = ""
	return sess, nil
}

// GetSession returns the session with totals recomputed from its
// persisted rounds, which are the authoritative record.
func (o *Orchestrator) GetSession(ctx context.Context, id string) (*council.Session, error) {
	sess, rounds, err := o.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	cachedCost, cachedRound := sess.TotalCostUSD, sess.CurrentRound
	if err := council.RecomputeTotals(sess, rounds); err != nil {
		return nil, err
	}
	if math.Abs(cachedCost-sess.TotalCostUSD) > 1e-9 || cachedRound != sess.CurrentRound {
		o.logger.Warn("session totals drifted from persisted rounds",
			"session_id", id,
			"cached_cost_usd", cachedCost,
			"derived_cost_usd", sess.TotalCostUSD,
			"cached_round", cachedRound,
			"derived_round", sess.CurrentRound)
	}
	return sess, nil
}

// GetRounds returns the session's persisted rounds in order.
func (o *Orchestrator) GetRounds(ctx context.Context, id string) ([]council.Round, error) {
	_, rounds, err := o.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return rounds, nil
}

// ListSessions returns sessions matching the filter. Totals are the
// cached accumulators, not recomputed per session.
func (o *Orchestrator) ListSessions(ctx context.Context, filter store.ListFilter) ([]*council.Session, error) {
	return o.store.List(ctx, filter)
}

// DeleteSession removes a session and its rounds. It fails with
// ConcurrentExecutionError while a round is in flight.
func (o *Orchestrator) DeleteSession(ctx context.Context, id string) error {
	release, ok, err := o.locks.TryAcquire(ctx, id)
	if err != nil {
		return &council.PersistenceError{Op: "acquire execution lock", Err: err}
	}
	if !ok {
		return &council.ConcurrentExecutionError{SessionID: id}
	}
	defer release()

	if err := o.store.Delete(ctx, id); err != nil {
		return err
	}
	o.dropControl(id)
	telemetry.SessionLogger(o.logger, ctx, id).Info("session deleted")
	return nil
}

// Close stops issuing new auto-run rounds and waits for in-flight
// rounds to reach their boundary, bounded by ctx.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.once.Do(func() { close(o.quit) })
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ensureRunnable validates that a round may start now: pending or
// running state, budget remaining. The caller holds the execution lock.
func (o *Orchestrator) ensureRunnable(ctx context.Context, sess *council.Session, op string) error {
	switch sess.State {
	case council.StatePending:
		if err := o.store.UpdateState(ctx, sess.ID, council.StateRunning, sess.LastError); err != nil {
			return err
		}
		o.emitStateChange(ctx, sess.ID, council.StatePending, council.StateRunning)
		sess.State = council.StateRunning
	case council.StateRunning:
	default:
		return &council.InvalidStateError{SessionID: sess.ID, State: sess.State, Op: op}
	}
	if sess.RoundsRemaining() == 0 {
		return &council.InvalidStateError{SessionID: sess.ID, State: sess.State, Op: op}
	}
	return nil
}

// executeRoundLocked runs one round and persists it atomically with
// the session's advanced counters. On success sess is updated to the
// post-round snapshot. The caller holds the execution lock.
func (o *Orchestrator) executeRoundLocked(ctx context.Context, sess *council.Session, prior []council.Round) (*council.Round, error) {
	logger := telemetry.SessionLogger(o.logger, ctx, sess.ID)

	human, err := o.store.TakePendingHumanMessage(ctx, sess.ID)
	if err != nil {
		return nil, err
	}

	roundNumber := sess.CurrentRound + 1
	start := time.Now()
	round, err := o.runner.Execute(ctx, sess, prior, roundNumber, human)
	if err != nil {
		return nil, err
	}

	snap := sess.Clone()
	snap.CurrentRound = roundNumber
	snap.TotalCostUSD += round.CostUSD()
	snap.LastError = ""
	snap.PendingHumanMessage = ""
	for i := range snap.Participants {
		if msg := round.Message(snap.Participants[i].AgentID); msg != nil {
			snap.Participants[i].InputTokens += msg.InputTokens
			snap.Participants[i].OutputTokens += msg.OutputTokens
		}
	}
	snap.State = council.StateRunning
	if roundNumber >= snap.MaxRounds {
		snap.State = council.StateComplete
	}

	err = o.store.AppendRound(ctx, snap, round)
	if err != nil && retryableAppend(err) {
		logger.Warn("round persistence failed; retrying once", "round", roundNumber, "error", err)
		err = o.store.AppendRound(ctx, snap, round)
	}
	if err != nil {
		if errors.Is(err, store.ErrRoundConflict) {
			return nil, &council.ConcurrentExecutionError{SessionID: sess.ID}
		}
		if council.IsNotFound(err) {
			return nil, err
		}
		o.metrics.RecordRound("persist_failed", time.Since(start))
		// The session keeps its last durably committed round; only the
		// error flag records that a round was computed and lost.
		note := fmt.Sprintf("round %d completed but could not be persisted: %v", roundNumber, err)
		if uerr := o.store.UpdateState(ctx, sess.ID, sess.State, note); uerr != nil {
			logger.Error("failed to record persistence failure", "error", uerr)
		}
		logger.Error("round lost to persistence failure", "round", roundNumber, "error", err)
		return nil, err
	}

	o.metrics.RecordRound("completed", time.Since(start))
	if snap.State == council.StateComplete {
		o.emitStateChange(ctx, sess.ID, sess.State, council.StateComplete)
		logger.Info("round budget exhausted; session complete", "rounds", roundNumber)
		o.dropControl(sess.ID)
	}
	*sess = *snap
	return round, nil
}

// retryableAppend reports whether a failed append may be retried:
// conflicts and unknown sessions will fail identically the second time.
func retryableAppend(err error) bool {
	return !errors.Is(err, store.ErrRoundConflict) && !council.IsNotFound(err)
}

func (o *Orchestrator) emitStateChange(ctx context.Context, id string, from, to council.SessionState) {
	o.publish(events.New(events.SessionStateChanged, id).
		WithCorrelationID(telemetry.CorrelationID(ctx)).
		WithData("state", string(to)).
		WithData("previous", string(from)))
}

func (o *Orchestrator) publish(ev *events.Event) {
	if o.sink != nil {
		o.sink.Publish(ev)
	}
}
