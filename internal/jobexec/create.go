package jobexec

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/conductor/internal/model"
	"github.com/roach88/conductor/internal/retry"
	"github.com/roach88/conductor/internal/uow"
)

// JobRequest describes a job to create.
type JobRequest struct {
	Kind         model.Kind
	HandlerType  string
	Payload      string
	DefinitionID string

	// RetrySpec is the job's retry specification. Empty inherits the
	// definition's specification, then the policy default.
	RetrySpec string

	// DueDate defaults to now.
	DueDate time.Time
}

// CreateJob validates req and schedules the insert of a new job in u. The
// retry budget comes from policy and the retry specification.
func CreateJob(ctx context.Context, u *uow.UnitOfWork, policy retry.Policy, req JobRequest) (*model.Job, error) {
	kind := req.Kind
	if kind == "" {
		kind = model.KindAsyncJob
	}
	if !kind.IsJob() {
		return nil, model.NewValidationError("create job", "%q is not a job kind", kind)
	}
	if req.HandlerType == "" {
		return nil, model.NewValidationError("create job", "handler type is empty")
	}
	if req.DefinitionID != "" {
		def, err := u.FindDefinition(ctx, req.DefinitionID)
		if err != nil {
			return nil, err
		}
		if def == nil {
			return nil, notFound("create job", model.KindDefinition, req.DefinitionID)
		}
		if req.RetrySpec == "" {
			req.RetrySpec = def.RetrySpec
		}
	}
	spec, err := retry.Parse(req.RetrySpec)
	if err != nil {
		return nil, &model.Error{Kind: model.ErrValidation, Op: "create job", Message: err.Error(), Err: err}
	}

	now := u.Now()
	due := req.DueDate
	if due.IsZero() {
		due = now
	}
	job := &model.Job{
		JobKind:      kind,
		HandlerType:  req.HandlerType,
		Payload:      req.Payload,
		DefinitionID: req.DefinitionID,
		DueDate:      due,
		Retries:      policy.InitialRetries(spec),
		RetrySpec:    req.RetrySpec,
		CreatedAt:    now,
	}
	if err := u.Insert(job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}
