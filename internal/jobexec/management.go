package jobexec

import (
	"context"
	"fmt"

	"github.com/roach88/conductor/internal/model"
	"github.com/roach88/conductor/internal/retry"
	"github.com/roach88/conductor/internal/store"
	"github.com/roach88/conductor/internal/uow"
)

// Management holds the operator commands on jobs and definitions. Every
// change is a conditional write through a unit of work.
type Management struct {
	exec   *uow.Executor
	policy retry.Policy
}

// NewManagement creates the management commands. New jobs get their retry
// budget from policy.
func NewManagement(exec *uow.Executor, policy retry.Policy) *Management {
	return &Management{exec: exec, policy: policy}
}

// Schedule creates a job.
func (m *Management) Schedule(ctx context.Context, req JobRequest) (*model.Job, error) {
	var job *model.Job
	err := m.exec.Execute(ctx, "schedule job", func(ctx context.Context, u *uow.UnitOfWork) error {
		var err error
		job, err = CreateJob(ctx, u, m.policy, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func notFound(op string, kind model.Kind, id string) error {
	return &model.Error{Kind: model.ErrValidation, Op: op, Entity: kind, ID: id, Message: "not found"}
}

// SetRetries sets the retry budget of a job. A positive budget makes a
// failed job eligible again.
func (m *Management) SetRetries(ctx context.Context, jobID string, retries int) error {
	if retries < 0 {
		return model.NewValidationError("set retries", "retries must not be negative, got %d", retries)
	}
	return m.exec.Execute(ctx, "set retries", func(ctx context.Context, u *uow.UnitOfWork) error {
		job, err := u.FindJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job == nil {
			return notFound("set retries", model.KindAsyncJob, jobID)
		}
		job.Retries = retries
		return nil
	})
}

// Unlock drops the lease of a job.
func (m *Management) Unlock(ctx context.Context, jobID string) error {
	return m.exec.Execute(ctx, "unlock job", func(ctx context.Context, u *uow.UnitOfWork) error {
		job, err := u.FindJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job == nil {
			return notFound("unlock job", model.KindAsyncJob, jobID)
		}
		job.ClearLock()
		return nil
	})
}

// release drops the leases owner holds on jobs. Jobs that are gone or
// were taken over are left alone.
func (m *Management) release(ctx context.Context, owner string, jobs []*model.Job) error {
	return m.exec.Execute(ctx, "release jobs", func(ctx context.Context, u *uow.UnitOfWork) error {
		for _, j := range jobs {
			job, err := u.FindJob(ctx, j.ID)
			if err != nil {
				return err
			}
			if job != nil && job.LockOwner == owner {
				job.ClearLock()
			}
		}
		return nil
	})
}

// ActivateDefinition resumes a suspended definition and its jobs.
func (m *Management) ActivateDefinition(ctx context.Context, definitionID string) error {
	return m.exec.Execute(ctx, "activate definition", func(ctx context.Context, u *uow.UnitOfWork) error {
		def, err := u.FindDefinition(ctx, definitionID)
		if err != nil {
			return err
		}
		if def == nil {
			return notFound("activate definition", model.KindDefinition, definitionID)
		}
		if !def.Suspended {
			return nil
		}
		def.Suspended = false
		u.SuspendJobsOf(def.ID, false)
		return nil
	})
}

// ListJobs returns jobs matching f.
func (m *Management) ListJobs(ctx context.Context, f store.JobFilter) ([]*model.Job, error) {
	var jobs []*model.Job
	err := m.exec.Store().WithTx(ctx, func(tx *store.Tx) error {
		var err error
		jobs, err = tx.ListJobs(ctx, f)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Incidents returns the incidents of a job, oldest first.
func (m *Management) Incidents(ctx context.Context, jobID string) ([]*model.Incident, error) {
	var out []*model.Incident
	err := m.exec.Store().WithTx(ctx, func(tx *store.Tx) error {
		var err error
		out, err = tx.IncidentsByJob(ctx, jobID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("incidents of job %s: %w", jobID, err)
	}
	return out, nil
}
