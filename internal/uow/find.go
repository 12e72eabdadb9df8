package uow

import (
	"context"

	"github.com/roach88/conductor/internal/model"
	"github.com/roach88/conductor/internal/persistence"
	"github.com/roach88/conductor/internal/store"
)

// Finders read through the cache: a record already held by the unit is
// returned as the cached instance, and records deleted in this unit are
// hidden.

// attach registers a loaded record and returns the instance the unit
// holds for it, or the zero value if the record was deleted in this unit.
func attach[T model.Entity](u *UnitOfWork, e T) (T, error) {
	var zero T
	got, err := u.cache.PutPersistent(e)
	if err != nil {
		return zero, err
	}
	if ce := u.cache.Lookup(got.Kind().Family(), got.EntityID()); ce != nil && ce.State.IsDeleted() {
		return zero, nil
	}
	return got.(T), nil
}

func attachAll[T model.Entity](u *UnitOfWork, rows []T) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		got, err := u.cache.PutPersistent(row)
		if err != nil {
			return nil, err
		}
		if ce := u.cache.Lookup(got.Kind().Family(), got.EntityID()); ce != nil && ce.State.IsDeleted() {
			continue
		}
		out = append(out, got.(T))
	}
	return out, nil
}

// cached returns the live cached record for (family, id). found reports
// whether the cache had an entry at all, deleted or not.
func (u *UnitOfWork) cached(family model.Family, id string) (e model.Entity, found bool) {
	ce := u.cache.Lookup(family, id)
	if ce == nil {
		return nil, false
	}
	if ce.State.IsDeleted() {
		return nil, true
	}
	return ce.Entity, true
}

// FindDeployment returns the deployment with the given id, or nil.
func (u *UnitOfWork) FindDeployment(ctx context.Context, id string) (*model.Deployment, error) {
	if e, found := u.cached(model.FamilyDeployment, id); found {
		d, _ := e.(*model.Deployment)
		return d, nil
	}
	d, err := u.tx.FindDeployment(ctx, id)
	if err != nil || d == nil {
		return nil, err
	}
	return attach(u, d)
}

// LatestDeploymentByName returns the most recent deployment with name.
func (u *UnitOfWork) LatestDeploymentByName(ctx context.Context, name string) (*model.Deployment, error) {
	d, err := u.tx.LatestDeploymentByName(ctx, name)
	if err != nil || d == nil {
		return nil, err
	}
	return attach(u, d)
}

// DeploymentNamesBoundTo returns the names of deployments that created or
// bind the definition. It reads the store only.
func (u *UnitOfWork) DeploymentNamesBoundTo(ctx context.Context, definitionID string) ([]string, error) {
	return u.tx.DeploymentNamesBoundTo(ctx, definitionID)
}

// ResourcesByDeployment returns the resources of a deployment.
func (u *UnitOfWork) ResourcesByDeployment(ctx context.Context, deploymentID string) ([]*model.Resource, error) {
	rows, err := u.tx.ResourcesByDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	return attachAll(u, rows)
}

// FindDefinition returns the definition with the given id, or nil.
func (u *UnitOfWork) FindDefinition(ctx context.Context, id string) (*model.Definition, error) {
	if e, found := u.cached(model.FamilyDefinition, id); found {
		d, _ := e.(*model.Definition)
		return d, nil
	}
	d, err := u.tx.FindDefinition(ctx, id)
	if err != nil || d == nil {
		return nil, err
	}
	return attach(u, d)
}

// LatestDefinitionByKey returns the highest stored version of key.
func (u *UnitOfWork) LatestDefinitionByKey(ctx context.Context, key string) (*model.Definition, error) {
	d, err := u.tx.LatestDefinitionByKey(ctx, key)
	if err != nil || d == nil {
		return nil, err
	}
	return attach(u, d)
}

// DefinitionsByKey returns every stored version of key, oldest first.
func (u *UnitOfWork) DefinitionsByKey(ctx context.Context, key string) ([]*model.Definition, error) {
	rows, err := u.tx.DefinitionsByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	return attachAll(u, rows)
}

// DefinitionsByDeployment returns the definitions created by a deployment.
func (u *UnitOfWork) DefinitionsByDeployment(ctx context.Context, deploymentID string) ([]*model.Definition, error) {
	rows, err := u.tx.DefinitionsByDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	return attachAll(u, rows)
}

// ListDefinitions returns all definitions.
func (u *UnitOfWork) ListDefinitions(ctx context.Context) ([]*model.Definition, error) {
	rows, err := u.tx.ListDefinitions(ctx)
	if err != nil {
		return nil, err
	}
	return attachAll(u, rows)
}

// FindJob returns the job with the given id, or nil.
func (u *UnitOfWork) FindJob(ctx context.Context, id string) (*model.Job, error) {
	if e, found := u.cached(model.FamilyJob, id); found {
		j, _ := e.(*model.Job)
		return j, nil
	}
	j, err := u.tx.FindJob(ctx, id)
	if err != nil || j == nil {
		return nil, err
	}
	return attach(u, j)
}

// ListJobs returns jobs matching the filter.
func (u *UnitOfWork) ListJobs(ctx context.Context, f store.JobFilter) ([]*model.Job, error) {
	rows, err := u.tx.ListJobs(ctx, f)
	if err != nil {
		return nil, err
	}
	return attachAll(u, rows)
}

// IncidentsByJob returns the incidents recorded for a job.
func (u *UnitOfWork) IncidentsByJob(ctx context.Context, jobID string) ([]*model.Incident, error) {
	rows, err := u.tx.IncidentsByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return attachAll(u, rows)
}

// SuspendJobsOf schedules a bulk change of the suspension flag of every job
// of a definition. Job revisions are bumped so running executions notice.
func (u *UnitOfWork) SuspendJobsOf(definitionID string, suspended bool) {
	u.BulkUpdate(model.FamilyJob, model.Fields{"suspended": suspended}, true,
		persistence.Eq("definition_id", definitionID))
}
