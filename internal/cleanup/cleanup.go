// Package cleanup deletes completed sessions older than the configured
// retention age. Only terminal sessions are swept; anything still
// pending, running, or paused is left alone no matter how old it is.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/szaher/council/internal/council"
	"github.com/szaher/council/internal/store"
)

const sweepTimeout = 5 * time.Minute

// SessionStore is the slice of the store the sweeper needs.
type SessionStore interface {
	List(ctx context.Context, filter store.ListFilter) ([]*council.Session, error)
	Delete(ctx context.Context, id string) error
}

// Sweeper periodically removes expired completed sessions.
type Sweeper struct {
	store  SessionStore
	maxAge time.Duration
	logger *slog.Logger
	cron   *cron.Cron
}

// New creates a sweeper deleting completed sessions whose last update
// is older than maxAge.
func New(st SessionStore, maxAge time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: st, maxAge: maxAge, logger: logger}
}

// Start schedules sweeps on the given cron expression ("@hourly",
// "@every 10m", or a five-field spec) and runs one sweep immediately
// so a restart never waits out a full interval.
func (s *Sweeper) Start(schedule string) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, s.sweepJob); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}
	s.cron = c
	c.Start()
	go s.sweepJob()
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep, bounded by
// ctx.
func (s *Sweeper) Stop(ctx context.Context) {
	if s.cron == nil {
		return
	}
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

func (s *Sweeper) sweepJob() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	deleted, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Warn("retention sweep incomplete", "deleted", deleted, "error", err)
		return
	}
	if deleted > 0 {
		s.logger.Info("retention sweep", "deleted", deleted, "max_age", s.maxAge.String())
	}
}

// Sweep runs one pass and returns how many sessions were deleted. A
// failed delete is skipped and reported; the pass keeps going.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.maxAge)
	expired, err := s.store.List(ctx, store.ListFilter{
		State:         council.StateComplete,
		UpdatedBefore: cutoff,
	})
	if err != nil {
		return 0, fmt.Errorf("list expired sessions: %w", err)
	}

	var deleted int
	var errs []error
	for _, sess := range expired {
		if err := s.store.Delete(ctx, sess.ID); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", sess.ID, err))
			continue
		}
		deleted++
		s.logger.Debug("expired session deleted",
			"session_id", sess.ID,
			"updated_at", sess.UpdatedAt)
	}
	return deleted, errors.Join(errs...)
}
