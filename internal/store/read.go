package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/conductor/internal/model"
)

// scanner is implemented by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

const deploymentColumns = "id, revision, name, deployed_at"

func scanDeployment(row scanner) (*model.Deployment, error) {
	var (
		d  model.Deployment
		at sql.NullInt64
	)
	if err := row.Scan(&d.ID, &d.Rev, &d.Name, &at); err != nil {
		return nil, err
	}
	d.DeployedAt = model.FromMillis(at.Int64, at.Valid)
	return &d, nil
}

const resourceColumns = "id, revision, deployment_id, name, content, definition_id"

func scanResource(row scanner) (*model.Resource, error) {
	var (
		r     model.Resource
		defID sql.NullString
	)
	if err := row.Scan(&r.ID, &r.Rev, &r.DeploymentID, &r.Name, &r.Content, &defID); err != nil {
		return nil, err
	}
	r.DefinitionID = defID.String
	return &r, nil
}

const definitionColumns = "id, revision, definition_key, name, version, deployment_id, resource_name, fingerprint, suspended, loader_handle, retry_spec"

func scanDefinition(row scanner) (*model.Definition, error) {
	var (
		d      model.Definition
		loader sql.NullString
		spec   sql.NullString
	)
	if err := row.Scan(&d.ID, &d.Rev, &d.Key, &d.Name, &d.Version, &d.DeploymentID,
		&d.ResourceName, &d.Fingerprint, &d.Suspended, &loader, &spec); err != nil {
		return nil, err
	}
	d.LoaderHandle = loader.String
	d.RetrySpec = spec.String
	return &d, nil
}

const jobColumns = "id, revision, kind, handler_type, payload, definition_id, due_date, lock_owner, lock_expiration, retries, retry_spec, exception_info, suspended, created_at"

func scanJob(row scanner) (*model.Job, error) {
	var (
		j                     model.Job
		kind                  string
		defID, owner, excInfo sql.NullString
		due, expiry, created  sql.NullInt64
	)
	if err := row.Scan(&j.ID, &j.Rev, &kind, &j.HandlerType, &j.Payload, &defID, &due,
		&owner, &expiry, &j.Retries, &j.RetrySpec, &excInfo, &j.Suspended, &created); err != nil {
		return nil, err
	}
	k, ok := model.ParseJobKind(kind)
	if !ok {
		return nil, fmt.Errorf("job %s: unknown kind %q", j.ID, kind)
	}
	j.JobKind = k
	j.DefinitionID = defID.String
	j.DueDate = model.FromMillis(due.Int64, due.Valid)
	j.LockOwner = owner.String
	j.LockExpiration = model.FromMillis(expiry.Int64, expiry.Valid)
	j.ExceptionInfo = excInfo.String
	j.CreatedAt = model.FromMillis(created.Int64, created.Valid)
	return &j, nil
}

const incidentColumns = "id, revision, job_id, definition_id, message, cause_incident_id, created_at"

func scanIncident(row scanner) (*model.Incident, error) {
	var (
		i                   model.Incident
		jobID, defID, cause sql.NullString
		at                  sql.NullInt64
	)
	if err := row.Scan(&i.ID, &i.Rev, &jobID, &defID, &i.Message, &cause, &at); err != nil {
		return nil, err
	}
	i.JobID = jobID.String
	i.DefinitionID = defID.String
	i.CauseIncidentID = cause.String
	i.CreatedAt = model.FromMillis(at.Int64, at.Valid)
	return &i, nil
}

// queryOne runs a single-row query. A missing row yields (nil, nil).
func queryOne[T any](ctx context.Context, t *Tx, scan func(scanner) (T, error), what, query string, args ...any) (T, error) {
	var zero T
	v, err := scan(t.queryRow(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return zero, nil
	}
	if err != nil {
		return zero, t.classify("read "+what, nil, err)
	}
	return v, nil
}

// queryAll runs a multi-row query. No rows yields an empty, non-nil slice.
func queryAll[T any](ctx context.Context, t *Tx, scan func(scanner) (T, error), what, query string, args ...any) ([]T, error) {
	rows, err := t.query(ctx, query, args...)
	if err != nil {
		return nil, t.classify("query "+what, nil, err)
	}
	defer rows.Close()

	out := []T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", what, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, t.classify("iterate "+what, nil, err)
	}
	return out, nil
}

// FindDeployment returns the deployment with the given id, or nil.
func (t *Tx) FindDeployment(ctx context.Context, id string) (*model.Deployment, error) {
	return queryOne(ctx, t, scanDeployment, "deployment",
		`SELECT `+deploymentColumns+` FROM deployments WHERE id = ?`, id)
}

// LatestDeploymentByName returns the most recent deployment with the given
// name, or nil.
func (t *Tx) LatestDeploymentByName(ctx context.Context, name string) (*model.Deployment, error) {
	return queryOne(ctx, t, scanDeployment, "deployment",
		`SELECT `+deploymentColumns+` FROM deployments WHERE name = ?
		 ORDER BY deployed_at DESC, id DESC LIMIT 1`, name)
}

// ListDeployments returns all deployments, oldest first.
func (t *Tx) ListDeployments(ctx context.Context) ([]*model.Deployment, error) {
	return queryAll(ctx, t, scanDeployment, "deployments",
		`SELECT `+deploymentColumns+` FROM deployments ORDER BY deployed_at, name, id`)
}

// DeploymentNamesBoundTo returns the names of the deployment that created
// the definition and of deployments holding a resource bound to it, sorted.
func (t *Tx) DeploymentNamesBoundTo(ctx context.Context, definitionID string) ([]string, error) {
	scanName := func(row scanner) (string, error) {
		var name string
		err := row.Scan(&name)
		return name, err
	}
	return queryAll(ctx, t, scanName, "deployment names",
		`SELECT DISTINCT name FROM deployments
		 WHERE id IN (SELECT deployment_id FROM resources WHERE definition_id = ?)
		    OR id IN (SELECT deployment_id FROM definitions WHERE id = ?)
		 ORDER BY name`, definitionID, definitionID)
}

// ResourcesByDeployment returns the resources of a deployment ordered by name.
func (t *Tx) ResourcesByDeployment(ctx context.Context, deploymentID string) ([]*model.Resource, error) {
	return queryAll(ctx, t, scanResource, "resources",
		`SELECT `+resourceColumns+` FROM resources WHERE deployment_id = ? ORDER BY name, id`, deploymentID)
}

// FindDefinition returns the definition with the given id, or nil.
func (t *Tx) FindDefinition(ctx context.Context, id string) (*model.Definition, error) {
	return queryOne(ctx, t, scanDefinition, "definition",
		`SELECT `+definitionColumns+` FROM definitions WHERE id = ?`, id)
}

// LatestDefinitionByKey returns the highest version of key across all
// deployments, or nil.
func (t *Tx) LatestDefinitionByKey(ctx context.Context, key string) (*model.Definition, error) {
	return queryOne(ctx, t, scanDefinition, "definition",
		`SELECT `+definitionColumns+` FROM definitions WHERE definition_key = ?
		 ORDER BY version DESC LIMIT 1`, key)
}

// DefinitionsByKey returns every version of key in ascending order.
func (t *Tx) DefinitionsByKey(ctx context.Context, key string) ([]*model.Definition, error) {
	return queryAll(ctx, t, scanDefinition, "definitions",
		`SELECT `+definitionColumns+` FROM definitions WHERE definition_key = ? ORDER BY version`, key)
}

// DefinitionsByDeployment returns the definitions created by a deployment.
func (t *Tx) DefinitionsByDeployment(ctx context.Context, deploymentID string) ([]*model.Definition, error) {
	return queryAll(ctx, t, scanDefinition, "definitions",
		`SELECT `+definitionColumns+` FROM definitions WHERE deployment_id = ? ORDER BY definition_key, version`, deploymentID)
}

// ListDefinitions returns all definitions ordered by key and version.
func (t *Tx) ListDefinitions(ctx context.Context) ([]*model.Definition, error) {
	return queryAll(ctx, t, scanDefinition, "definitions",
		`SELECT `+definitionColumns+` FROM definitions ORDER BY definition_key, version`)
}

// FindJob returns the job with the given id, or nil.
func (t *Tx) FindJob(ctx context.Context, id string) (*model.Job, error) {
	return queryOne(ctx, t, scanJob, "job",
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
}

// AcquirableJobs returns up to limit jobs that are due at now, have
// retries left, are not suspended, and are unlocked or hold an expired
// lease. On backends with row locking the rows are locked and rows locked
// by other transactions are skipped.
func (t *Tx) AcquirableJobs(ctx context.Context, now time.Time, limit int) ([]*model.Job, error) {
	ms := now.UnixMilli()
	return queryAll(ctx, t, scanJob, "acquirable jobs",
		`SELECT `+jobColumns+` FROM jobs
		 WHERE retries > 0
		   AND suspended = ?
		   AND (due_date IS NULL OR due_date <= ?)
		   AND (lock_owner IS NULL OR lock_expiration < ?)
		 ORDER BY COALESCE(due_date, 0), id
		 LIMIT ?`+t.dialect.SkipLocked(), false, ms, ms, limit)
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	DefinitionID string
	// Failed selects jobs with no retries left.
	Failed bool
	Limit  int
}

// ListJobs returns jobs matching the filter ordered by creation.
func (t *Tx) ListJobs(ctx context.Context, f JobFilter) ([]*model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1 = 1`
	var args []any
	if f.DefinitionID != "" {
		query += ` AND definition_id = ?`
		args = append(args, f.DefinitionID)
	}
	if f.Failed {
		query += ` AND retries = 0`
	}
	query += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return queryAll(ctx, t, scanJob, "jobs", query, args...)
}

// IncidentsByJob returns the incidents recorded for a job, oldest first.
func (t *Tx) IncidentsByJob(ctx context.Context, jobID string) ([]*model.Incident, error) {
	return queryAll(ctx, t, scanIncident, "incidents",
		`SELECT `+incidentColumns+` FROM incidents WHERE job_id = ? ORDER BY created_at, id`, jobID)
}

// Count returns the number of rows of a family. Used by tests and the CLI.
func (t *Tx) Count(ctx context.Context, family model.Family) (int, error) {
	table, err := tableFor(family)
	if err != nil {
		return 0, err
	}
	var n int
	if err := t.queryRow(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
		return 0, t.classify("count "+table, nil, err)
	}
	return n, nil
}
