package jobexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/conductor/internal/model"
	"github.com/roach88/conductor/internal/persistence"
	"github.com/roach88/conductor/internal/retry"
	"github.com/roach88/conductor/internal/uow"
)

// maxExceptionInfo bounds the stored failure message.
const maxExceptionInfo = 4000

var (
	// errJobGone means the job was deleted after it was acquired.
	errJobGone = errors.New("job no longer exists")

	// errLeaseLost means another node holds the job now.
	errLeaseLost = errors.New("job lease lost")

	// errJobSuspended means the job was suspended after it was acquired.
	errJobSuspended = errors.New("job suspended")
)

// Worker executes acquired jobs.
type Worker struct {
	exec     *uow.Executor
	handlers *Handlers
	policy   retry.Policy
	node     string
	recorder Recorder
	logger   *slog.Logger
}

// NewWorker creates a worker for the jobs node acquires.
func NewWorker(exec *uow.Executor, handlers *Handlers, policy retry.Policy, node string) *Worker {
	return &Worker{
		exec:     exec,
		handlers: handlers,
		policy:   policy,
		node:     node,
		recorder: nopRecorder{},
		logger:   slog.Default().With("component", "worker", "node", node),
	}
}

// SetRecorder installs an event recorder.
func (w *Worker) SetRecorder(r Recorder) { w.recorder = r }

// SetLogger replaces the logger.
func (w *Worker) SetLogger(l *slog.Logger) { w.logger = l }

// Run executes one acquired job and records the outcome. It never returns
// the job's failure: a failed attempt is persisted on the job itself.
// Cancelling ctx does not interrupt a job that has started.
func (w *Worker) Run(ctx context.Context, job *model.Job) Outcome {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	outcome := w.run(ctx, job)
	w.recorder.JobFinished(job.HandlerType, outcome, time.Since(start))
	return outcome
}

func (w *Worker) run(ctx context.Context, job *model.Job) Outcome {
	err := w.exec.Execute(ctx, "execute job", func(ctx context.Context, u *uow.UnitOfWork) error {
		return w.execute(ctx, u, job.ID)
	})

	switch {
	case err == nil:
		w.logger.Debug("job succeeded", "job", job.ID, "handler", job.HandlerType)
		return OutcomeSucceeded
	case errors.Is(err, errJobGone), errors.Is(err, errLeaseLost):
		w.logger.Info("job skipped", "job", job.ID, "reason", err)
		return OutcomeSkipped
	case errors.Is(err, errJobSuspended):
		w.logger.Info("job skipped", "job", job.ID, "reason", err)
		if rerr := w.releaseLease(ctx, job.ID); rerr != nil {
			w.logger.Warn("releasing suspended job", "job", job.ID, "error", rerr)
		}
		return OutcomeSkipped
	case model.IsDeadlock(err):
		// The lease expires and any node picks the job up again; the
		// attempt does not count against its retries.
		w.logger.Warn("job deadlocked", "job", job.ID, "error", err)
		return OutcomeDeadlock
	}

	w.logger.Warn("job failed", "job", job.ID, "handler", job.HandlerType, "error", err)
	incident, ferr := w.recordFailure(ctx, job.ID, err)
	if ferr != nil {
		w.logger.Error("recording job failure", "job", job.ID, "error", ferr)
		return OutcomeFailed
	}
	if incident {
		return OutcomeIncident
	}
	return OutcomeFailed
}

// execute runs the handler and deletes the job with its incidents.
func (w *Worker) execute(ctx context.Context, u *uow.UnitOfWork, id string) (err error) {
	job, err := u.FindJob(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return errJobGone
	}
	if job.LockOwner != w.node {
		return errLeaseLost
	}
	if job.Suspended {
		return errJobSuspended
	}

	h, ok := w.handlers.Lookup(job.HandlerType)
	if !ok {
		return &HandlerError{JobID: job.ID, HandlerType: job.HandlerType, Err: errors.New("no handler registered")}
	}

	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{JobID: job.ID, HandlerType: job.HandlerType, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err := h.Handle(ctx, u, job); err != nil {
		if model.IsRetryable(err) {
			return err
		}
		return &HandlerError{JobID: job.ID, HandlerType: job.HandlerType, Err: err}
	}

	u.BulkDelete(model.FamilyIncident, persistence.Eq("job_id", job.ID))
	return u.Delete(job)
}

// releaseLease unlocks a job this node still holds without consuming a
// retry.
func (w *Worker) releaseLease(ctx context.Context, id string) error {
	return w.exec.Execute(ctx, "release job", func(ctx context.Context, u *uow.UnitOfWork) error {
		job, err := u.FindJob(ctx, id)
		if err != nil || job == nil || job.LockOwner != w.node {
			return err
		}
		job.ClearLock()
		return nil
	})
}

// recordFailure consumes one retry of the job in a new transaction and
// releases its lease. It reports whether the job ran out of retries.
func (w *Worker) recordFailure(ctx context.Context, id string, cause error) (incident bool, err error) {
	err = w.exec.Execute(ctx, "record job failure", func(ctx context.Context, u *uow.UnitOfWork) error {
		incident = false

		job, err := u.FindJob(ctx, id)
		if err != nil {
			return err
		}
		if job == nil || job.LockOwner != w.node {
			return nil
		}

		spec, perr := retry.Parse(job.RetrySpec)
		if perr != nil {
			w.logger.Warn("invalid retry spec, using default", "job", job.ID, "spec", job.RetrySpec, "error", perr)
		}
		now := u.Now()
		st := w.policy.NextState(spec, job.Retries, job.ExceptionInfo == "", now)

		job.Retries = st.Retries
		job.DueDate = st.DueDate
		job.ExceptionInfo = exceptionInfo(cause)
		job.ClearLock()

		if st.Retries > 0 {
			return nil
		}
		incident = true
		return w.openIncident(ctx, u, job, cause, now)
	})
	return incident, err
}

// openIncident records the terminal failure of a job, chained to the
// job's previous incident.
func (w *Worker) openIncident(ctx context.Context, u *uow.UnitOfWork, job *model.Job, cause error, now time.Time) error {
	previous, err := u.IncidentsByJob(ctx, job.ID)
	if err != nil {
		return err
	}
	inc := &model.Incident{
		JobID:        job.ID,
		DefinitionID: job.DefinitionID,
		Message:      exceptionInfo(cause),
		CreatedAt:    now,
	}
	if n := len(previous); n > 0 {
		inc.CauseIncidentID = previous[n-1].ID
	}
	if err := u.Insert(inc); err != nil {
		return err
	}
	w.logger.Warn("incident opened", "job", job.ID, "incident", inc.ID, "cause", inc.CauseIncidentID)
	return nil
}

func exceptionInfo(err error) string {
	msg := err.Error()
	if len(msg) > maxExceptionInfo {
		msg = strings.ToValidUTF8(msg[:maxExceptionInfo], "")
	}
	if msg == "" {
		msg = "unknown failure"
	}
	return msg
}
