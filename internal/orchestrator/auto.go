package orchestrator

import (
	"context"
	"sync"

	"github.com/szaher/council/internal/council"
	"github.com/szaher/council/internal/store"
	"github.com/szaher/council/internal/telemetry"
)

// control carries pause/stop signals to whoever is driving rounds for a
// session. Signals are set by PauseAuto and StopSession when a round is
// in flight and consumed at the next round boundary; a round is never
// interrupted mid-flight.
type control struct {
	mu    sync.Mutex
	pause bool
	stop  bool
}

func (c *control) requestPause() {
	c.mu.Lock()
	c.pause = true
	c.mu.Unlock()
}

func (c *control) requestStop() {
	c.mu.Lock()
	c.stop = true
	c.mu.Unlock()
}

// consume returns and clears both signals.
func (c *control) consume() (pause, stop bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pause, stop = c.pause, c.stop
	c.pause, c.stop = false, false
	return pause, stop
}

func (o *Orchestrator) control(id string) *control {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.controls[id]
	if !ok {
		c = &control{}
		o.controls[id] = c
	}
	return c
}

func (o *Orchestrator) dropControl(id string) {
	o.mu.Lock()
	delete(o.controls, id)
	o.mu.Unlock()
}

// StartAuto begins an auto-run that executes up to rounds rounds with
// no further input. It returns as soon as the run is launched; progress
// is observable through events and GetSession. The run holds the
// session's execution lock until it ends, so a manual round or a second
// StartAuto during the run fails with ConcurrentExecutionError.
func (o *Orchestrator) StartAuto(ctx context.Context, id string, rounds int) (*council.Session, error) {
	if rounds < 1 {
		return nil, &council.ValidationError{Field: "rounds", Reason: "must be at least 1"}
	}
	release, ok, err := o.locks.TryAcquire(ctx, id)
	if err != nil {
		return nil, &council.PersistenceError{Op: "acquire execution lock", Err: err}
	}
	if !ok {
		return nil, &council.ConcurrentExecutionError{SessionID: id}
	}

	sess, err := o.store.Get(ctx, id)
	if err != nil {
		release()
		return nil, err
	}
	if err := o.ensureRunnable(ctx, sess, "start auto-deliberation"); err != nil {
		release()
		return nil, err
	}

	o.wg.Add(1)
	go o.runAuto(id, rounds, release)
	return sess, nil
}

// PauseAuto pauses the session at the next round boundary. A round in
// flight always completes and persists first; with no round in flight
// the session moves to paused immediately. Valid only while running.
func (o *Orchestrator) PauseAuto(ctx context.Context, id string) (*council.Session, error) {
	release, ok, err := o.locks.TryAcquire(ctx, id)
	if err != nil {
		return nil, &council.PersistenceError{Op: "acquire execution lock", Err: err}
	}
	if !ok {
		sess, err := o.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess.State != council.StateRunning {
			return nil, &council.InvalidStateError{SessionID: id, State: sess.State, Op: "pause"}
		}
		o.control(id).requestPause()
		// Same latent-signal window as StopSession: the driver may have
		// released between checks, leaving nobody to consume the flag.
		if sess, applied := o.applySignalsIfIdle(ctx, id); applied {
			return sess, nil
		}
		telemetry.SessionLogger(o.logger, ctx, id).Info("pause requested; waiting for round boundary")
		return sess, nil
	}
	defer release()

	sess, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.State != council.StateRunning {
		return nil, &council.InvalidStateError{SessionID: id, State: sess.State, Op: "pause"}
	}
	if err := o.store.UpdateState(ctx, id, council.StatePaused, sess.LastError); err != nil {
		return nil, err
	}
	o.emitStateChange(ctx, id, council.StateRunning, council.StatePaused)
	telemetry.SessionLogger(o.logger, ctx, id).Info("session paused", "rounds_run", sess.CurrentRound)
	sess.State = council.StatePaused
	return sess, nil
}

// ResumeAuto continues a paused session with a fresh segment budget of
// up to rounds rounds. The segment budget is independent of MaxRounds,
// which still caps the session's lifetime total.
func (o *Orchestrator) ResumeAuto(ctx context.Context, id string, rounds int) (*council.Session, error) {
	if rounds < 1 {
		return nil, &council.ValidationError{Field: "rounds", Reason: "must be at least 1"}
	}
	release, ok, err := o.locks.TryAcquire(ctx, id)
	if err != nil {
		return nil, &council.PersistenceError{Op: "acquire execution lock", Err: err}
	}
	if !ok {
		sess, err := o.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, &council.InvalidStateError{SessionID: id, State: sess.State, Op: "resume"}
	}

	sess, err := o.store.Get(ctx, id)
	if err != nil {
		release()
		return nil, err
	}
	if sess.State != council.StatePaused || sess.RoundsRemaining() == 0 {
		release()
		return nil, &council.InvalidStateError{SessionID: id, State: sess.State, Op: "resume"}
	}
	if err := o.store.UpdateState(ctx, id, council.StateRunning, sess.LastError); err != nil {
		release()
		return nil, err
	}
	o.emitStateChange(ctx, id, council.StatePaused, council.StateRunning)
	sess.State = council.StateRunning

	o.wg.Add(1)
	go o.runAuto(id, rounds, release)
	return sess, nil
}

// runAuto drives rounds until the segment budget is spent, the session
// completes, a pause or stop lands at a boundary, or a round fails.
// It owns release for the whole run.
func (o *Orchestrator) runAuto(id string, budget int, release func()) {
	defer o.wg.Done()
	defer release()
	o.metrics.SessionStarted()
	defer o.metrics.SessionStopped()

	ctx := telemetry.WithCorrelationID(context.Background(), "")
	logger := telemetry.SessionLogger(o.logger, ctx, id)
	logger.Info("auto-deliberation started", "round_budget", budget)

	executed := 0
	for ; executed < budget; executed++ {
		select {
		case <-o.quit:
			o.applyBoundaryState(ctx, id, council.StatePaused)
			logger.Info("auto-deliberation interrupted by shutdown", "rounds_run", executed)
			return
		default:
		}
		if o.applySignals(ctx, id) {
			logger.Info("auto-deliberation ended by signal", "rounds_run", executed)
			return
		}

		sess, prior, err := o.store.Load(ctx, id)
		if err != nil {
			logger.Error("auto-deliberation aborted: session load failed", "error", err)
			return
		}
		if sess.State != council.StateRunning {
			logger.Info("auto-deliberation ended externally", "state", sess.State)
			return
		}

		round, err := o.executeRoundLocked(ctx, sess, prior)
		if err != nil {
			logger.Error("auto-deliberation aborted", "rounds_run", executed, "error", err)
			return
		}
		if sess.State.Terminal() {
			logger.Info("auto-deliberation finished: session complete", "rounds_run", executed+1)
			return
		}

		if o.guard != nil {
			halt, err := o.guard.Halt(sess, round)
			if err != nil {
				logger.Warn("halt guard evaluation failed; continuing", "error", err)
			} else if halt {
				o.applyBoundaryState(ctx, id, council.StatePaused)
				logger.Info("halt guard paused the session", "rounds_run", executed+1)
				return
			}
		}
	}

	// A pause or stop submitted during the final budgeted round still
	// lands here rather than leaking into a later run.
	o.applySignals(ctx, id)
	logger.Info("auto-deliberation finished: segment budget spent", "rounds_run", executed)
}

// applySignals consumes pending pause/stop signals and applies the
// resulting transition. Stop wins over pause. Returns true when a
// signal was applied. The caller holds the execution lock.
func (o *Orchestrator) applySignals(ctx context.Context, id string) bool {
	pause, stop := o.control(id).consume()
	switch {
	case stop:
		o.applyBoundaryState(ctx, id, council.StateComplete)
		return true
	case pause:
		o.applyBoundaryState(ctx, id, council.StatePaused)
		return true
	}
	return false
}

// applySignalsIfIdle reacquires the execution lock and, if it succeeds,
// consumes any pending signals immediately. Used after setting a signal
// behind a held lock: the holder may have released without another
// boundary check, and a signal with no driver would otherwise stay
// latent. Returns the refreshed session when a signal was applied.
func (o *Orchestrator) applySignalsIfIdle(ctx context.Context, id string) (*council.Session, bool) {
	release, ok, err := o.locks.TryAcquire(ctx, id)
	if err != nil || !ok {
		return nil, false
	}
	defer release()
	if !o.applySignals(ctx, id) {
		return nil, false
	}
	sess, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, false
	}
	return sess, true
}

// applyBoundaryState transitions the session if the lifecycle permits
// it from the currently persisted state. The caller holds the execution
// lock.
func (o *Orchestrator) applyBoundaryState(ctx context.Context, id string, next council.SessionState) {
	sess, err := o.store.Get(ctx, id)
	if err != nil {
		o.logger.Error("boundary transition failed: session load", "session_id", id, "error", err)
		return
	}
	if !sess.State.CanTransitionTo(next) {
		return
	}
	if err := o.store.UpdateState(ctx, id, next, sess.LastError); err != nil {
		o.logger.Error("boundary transition failed", "session_id", id, "state", string(next), "error", err)
		return
	}
	o.emitStateChange(ctx, id, sess.State, next)
	if next.Terminal() {
		o.dropControl(id)
	}
}

// Recover moves running sessions with no live lock holder to paused.
// Call once at startup: after a restart such sessions have no driver
// and a resume is the only way forward. Sessions whose lock is held by
// another replica are left alone.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	sessions, err := o.store.List(ctx, store.ListFilter{State: council.StateRunning})
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, sess := range sessions {
		release, ok, err := o.locks.TryAcquire(ctx, sess.ID)
		if err != nil {
			return recovered, &council.PersistenceError{Op: "acquire execution lock", Err: err}
		}
		if !ok {
			continue
		}
		err = o.store.UpdateState(ctx, sess.ID, council.StatePaused, sess.LastError)
		if err != nil {
			release()
			return recovered, err
		}
		o.emitStateChange(ctx, sess.ID, council.StateRunning, council.StatePaused)
		release()
		recovered++
		o.logger.Info("recovered orphaned session", "session_id", sess.ID,
			"current_round", sess.CurrentRound)
	}
	return recovered, nil
}
