// Package jobexec acquires due jobs and executes them.
//
// Every node runs one Scheduler. Each cycle the scheduler claims a batch of
// eligible jobs with a compare-and-swap on their lease columns, hands them
// to a bounded worker pool and sleeps. Nodes never talk to each other: the
// lease is the only thing that keeps two nodes from running the same job,
// and an expired lease makes a job eligible again on any node.
//
// The sleep between cycles adapts to load:
//
//	empty cycle       wait = min(wait * multiplier, MaxWait)
//	some jobs         wait = WaitTime
//	full batch        no wait
package jobexec

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/roach88/conductor/internal/model"
)

// Options configures a Scheduler.
type Options struct {
	WaitTime   time.Duration
	MaxWait    time.Duration
	Multiplier float64
}

// DefaultOptions returns the default acquisition backoff.
func DefaultOptions() Options {
	return Options{WaitTime: 5 * time.Second, MaxWait: 60 * time.Second, Multiplier: 2}
}

// nextWait returns the sleep after a cycle that acquired n of limit jobs,
// given the previous sleep.
func nextWait(o Options, previous time.Duration, n, limit int) time.Duration {
	switch {
	case n >= limit:
		return 0
	case n > 0:
		return o.WaitTime
	}
	if previous <= 0 {
		return o.WaitTime
	}
	next := time.Duration(float64(previous) * o.Multiplier)
	if next < o.WaitTime {
		next = o.WaitTime
	}
	if next > o.MaxWait {
		next = o.MaxWait
	}
	return next
}

// Scheduler drives acquisition for one node.
type Scheduler struct {
	acquirer *Acquirer
	pool     *Pool
	mgmt     *Management
	opts     Options
	recorder Recorder
	logger   *slog.Logger
}

// NewScheduler creates a scheduler. Rejected jobs are released through
// mgmt.
func NewScheduler(a *Acquirer, pool *Pool, mgmt *Management, opts Options) *Scheduler {
	return &Scheduler{
		acquirer: a,
		pool:     pool,
		mgmt:     mgmt,
		opts:     opts,
		recorder: nopRecorder{},
		logger:   slog.Default().With("component", "scheduler", "node", a.Node()),
	}
}

// SetRecorder installs an event recorder.
func (s *Scheduler) SetRecorder(r Recorder) { s.recorder = r }

// SetLogger replaces the logger.
func (s *Scheduler) SetLogger(l *slog.Logger) { s.logger = l }

// Cycle runs one acquisition and hands the acquired jobs to the pool. It
// returns the number of jobs the pool accepted and the number acquired.
func (s *Scheduler) Cycle(ctx context.Context) (submitted, acquired int, err error) {
	jobs, lost, err := s.acquirer.Acquire(ctx)
	if err != nil {
		return 0, 0, err
	}
	s.recorder.JobsAcquired(len(jobs), lost)
	if lost > 0 {
		s.logger.Debug("lost acquisition race", "jobs", lost)
	}

	var rejected []*model.Job
	for _, j := range jobs {
		if err := s.pool.Submit(j); err != nil {
			rejected = append(rejected, j)
			continue
		}
		submitted++
	}

	if len(rejected) > 0 {
		s.recorder.JobsRejected(len(rejected))
		s.logger.Warn("worker pool rejected jobs", "jobs", len(rejected))
		if err := s.mgmt.release(context.WithoutCancel(ctx), s.acquirer.Node(), rejected); err != nil {
			// The leases expire on their own.
			s.logger.Error("releasing rejected jobs", "error", err)
		}
	}
	return submitted, len(jobs), nil
}

// Run cycles until ctx is cancelled, then waits for running jobs.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.pool.Start(ctx); err != nil {
		return err
	}
	s.logger.Info("scheduler started",
		"max_jobs", s.acquirer.MaxJobs(),
		"wait", s.opts.WaitTime,
		"max_wait", s.opts.MaxWait)

	var wait time.Duration
	for ctx.Err() == nil {
		submitted, acquired, err := s.Cycle(ctx)
		switch {
		case err != nil && errors.Is(err, context.Canceled):
		case err != nil:
			s.logger.Error("job acquisition failed", "error", err)
			wait = nextWait(s.opts, wait, 0, s.acquirer.MaxJobs())
		case submitted < acquired:
			wait = s.opts.WaitTime
		default:
			wait = nextWait(s.opts, wait, acquired, s.acquirer.MaxJobs())
		}
		s.recorder.AcquisitionWait(wait)

		if wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
			case <-t.C:
			}
		}
	}

	s.logger.Info("scheduler stopping")
	return s.pool.Close()
}
