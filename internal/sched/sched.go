// Package sched runs the background jobs: daily rollups, retention sweeps
// and interval maintenance.
//
// The scheduler polls once a minute and fires every job whose due time has
// passed. Job errors are logged and the job is rescheduled; one failing job
// never stalls the others.
package sched

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// pollInterval is how often due times are checked.
const pollInterval = time.Minute

// Job is one unit of scheduled work.
type Job func(ctx context.Context) error

type entry struct {
	name   string
	run    Job
	nextAt time.Time
	// next computes the following due time once a run fires.
	next func(after time.Time) time.Time
}

// Scheduler owns a set of daily and interval jobs.
type Scheduler struct {
	logger log.Logger

	mu      sync.Mutex
	entries []*entry

	now func() time.Time // test seam
}

// New builds an empty Scheduler. A nil logger discards output.
func New(logger log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Nop()
	}
	return &Scheduler{logger: logger, now: time.Now}
}

// Daily registers fn to run every day at hour:minute local time. If that
// time already passed today, the first run is tomorrow.
func (s *Scheduler) Daily(name string, hour, minute int, fn Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := func(after time.Time) time.Time {
		due := time.Date(after.Year(), after.Month(), after.Day(), hour, minute, 0, 0, after.Location())
		if !due.After(after) {
			due = due.AddDate(0, 0, 1)
		}
		return due
	}
	s.entries = append(s.entries, &entry{
		name:   name,
		run:    fn,
		nextAt: next(s.now()),
		next:   next,
	})
}

// Every registers fn to run at a fixed interval, first run one interval
// from now.
func (s *Scheduler) Every(name string, interval time.Duration, fn Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := func(after time.Time) time.Time { return after.Add(interval) }
	s.entries = append(s.entries, &entry{
		name:   name,
		run:    fn,
		nextAt: next(s.now()),
		next:   next,
	})
}

// Run polls until ctx is cancelled. Cancellation stops future polls; a job
// already in flight finishes first, so Run returns only between jobs.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info(ctx, "scheduler started", "jobs", len(s.entries))

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "scheduler stopped")
			return
		case <-ticker.C:
			s.runDue(ctx, s.now())
		}
	}
}

// runDue fires every entry due at or before now, sequentially in
// registration order.
func (s *Scheduler) runDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		if !e.nextAt.After(now) {
			due = append(due, e)
			e.nextAt = e.next(now)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		s.fire(ctx, e)
	}
}

// fire runs one job, containing panics and logging failures. The job gets
// a detached context so shutdown never aborts a run already chosen; jobs
// bound their own slow calls with timeouts.
func (s *Scheduler) fire(ctx context.Context, e *entry) {
	ctx = context.WithoutCancel(ctx)
	start := s.now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(ctx, fmt.Errorf("panic: %v", r), "scheduled job panicked", "job", e.name)
		}
	}()

	if err := e.run(ctx); err != nil {
		s.logger.Error(ctx, err, "scheduled job failed", "job", e.name)
		return
	}
	s.logger.Info(ctx, "scheduled job complete",
		"job", e.name,
		"duration", s.now().Sub(start).Seconds(),
	)
}
