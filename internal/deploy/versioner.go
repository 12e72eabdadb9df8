// Package deploy versions process definitions across deployments.
//
// A deployment is a named bundle of resources. Each executable definition
// found in the bundle is compared with the latest stored version of its key:
// unchanged content reuses that version, changed content creates the next
// one. A key owned by a different bundle cannot be redeployed with
// different content under a new bundle name.
//
// All deployments of a store are serialized by a lock row, so concurrent
// nodes never race on version numbers.
package deploy

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/roach88/conductor/internal/model"
	"github.com/roach88/conductor/internal/parser"
	"github.com/roach88/conductor/internal/persistence"
	"github.com/roach88/conductor/internal/uow"
)

// Versioner deploys and undeploys bundles through an executor.
type Versioner struct {
	exec   *uow.Executor
	parser parser.Parser
	logger *slog.Logger
}

// Option configures a Versioner.
type Option func(*Versioner)

// WithParser replaces the resource parser. The default dispatches on file
// extension to the YAML and CUE parsers.
func WithParser(p parser.Parser) Option {
	return func(v *Versioner) { v.parser = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Versioner) { v.logger = l }
}

// NewVersioner creates a versioner.
func NewVersioner(exec *uow.Executor, opts ...Option) *Versioner {
	v := &Versioner{
		exec:   exec,
		parser: parser.NewRegistry(),
		logger: slog.Default().With("component", "deploy"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

type deployOptions struct {
	loaderHandle    string
	filterDuplicate bool
}

// DeployOption configures one Deploy call.
type DeployOption func(*deployOptions)

// WithLoaderHandle binds the deployed definitions, new and reused, to a
// resource loader.
func WithLoaderHandle(h string) DeployOption {
	return func(o *deployOptions) { o.loaderHandle = h }
}

// WithDuplicateFilter controls whether an unchanged redeploy of a bundle
// returns the previous deployment instead of recording a new one. It is on
// by default.
func WithDuplicateFilter(on bool) DeployOption {
	return func(o *deployOptions) { o.filterDuplicate = on }
}

// candidate is a parsed executable definition and the resource holding it.
type candidate struct {
	parser.Definition
	resource string
}

// bundle is a parsed deployment request.
type bundle struct {
	names      []string
	resources  map[string][]byte
	candidates []candidate
}

func (v *Versioner) parse(name string, resources map[string][]byte) (*bundle, error) {
	if name == "" {
		return nil, model.NewValidationError("deploy", "deployment name is empty")
	}
	if len(resources) == 0 {
		return nil, model.NewValidationError("deploy", "deployment %q has no resources", name)
	}

	b := &bundle{resources: resources}
	for rn := range resources {
		if rn == "" {
			return nil, model.NewValidationError("deploy", "deployment %q has a resource without name", name)
		}
		b.names = append(b.names, rn)
	}
	slices.Sort(b.names)

	owner := make(map[string]string)
	for _, rn := range b.names {
		defs, err := v.parser.Parse(rn, resources[rn])
		if err != nil {
			return nil, &model.Error{Kind: model.ErrValidation, Op: "deploy", Message: err.Error(), Err: err}
		}
		for _, d := range defs {
			if prev, dup := owner[d.Key]; dup {
				return nil, model.NewValidationError("deploy",
					"definition key %q is defined by both %s and %s", d.Key, prev, rn)
			}
			owner[d.Key] = rn
			if d.Executable {
				b.candidates = append(b.candidates, candidate{Definition: d, resource: rn})
			}
		}
	}
	return b, nil
}

// Deploy records a deployment of resources under name and returns its id.
// When every definition is reused and the latest deployment of name holds
// identical resources, that deployment's id is returned and nothing new is
// recorded.
func (v *Versioner) Deploy(ctx context.Context, name string, resources map[string][]byte, opts ...DeployOption) (string, error) {
	o := deployOptions{filterDuplicate: true}
	for _, opt := range opts {
		opt(&o)
	}

	b, err := v.parse(name, resources)
	if err != nil {
		return "", err
	}

	var (
		deploymentID    string
		created, reused int
		duplicate       bool
	)
	err = v.exec.Execute(ctx, "deploy "+name, func(ctx context.Context, u *uow.UnitOfWork) error {
		deploymentID, created, reused, duplicate = "", 0, 0, false

		if err := u.Tx().AcquireDeploymentLock(ctx); err != nil {
			return err
		}

		// bound maps a resource name to the first definition it yields.
		bound := make(map[string]*model.Definition)
		var fresh []*model.Definition
		for _, c := range b.candidates {
			def, isNew, err := v.resolve(ctx, u, name, c)
			if err != nil {
				return err
			}
			if isNew {
				fresh = append(fresh, def)
				created++
			} else {
				reused++
				if o.loaderHandle != "" {
					def.LoaderHandle = o.loaderHandle
				}
			}
			if _, ok := bound[c.resource]; !ok {
				bound[c.resource] = def
			}
		}

		if len(fresh) == 0 && o.filterDuplicate {
			prev, err := v.duplicateOf(ctx, u, name, b)
			if err != nil {
				return err
			}
			if prev != nil {
				deploymentID = prev.ID
				duplicate = true
			}
		}

		if deploymentID == "" {
			dep := &model.Deployment{Name: name, DeployedAt: u.Now()}
			if err := u.Insert(dep); err != nil {
				return err
			}
			deploymentID = dep.ID

			for _, def := range fresh {
				def.DeploymentID = dep.ID
				def.LoaderHandle = o.loaderHandle
				if err := u.Insert(def); err != nil {
					return err
				}
			}
			for _, rn := range b.names {
				r := &model.Resource{DeploymentID: dep.ID, Name: rn, Content: b.resources[rn]}
				if def, ok := bound[rn]; ok {
					r.DefinitionID = def.ID
				}
				if err := u.Insert(r); err != nil {
					return err
				}
			}
		}

		return v.activateKeys(ctx, u, b.candidates)
	})
	if err != nil {
		return "", err
	}

	v.logger.Info("deployed",
		"name", name,
		"deployment", deploymentID,
		"created", created,
		"reused", reused,
		"duplicate", duplicate)
	return deploymentID, nil
}

// resolve returns the definition a candidate maps to: the latest stored
// version when the fingerprint matches, otherwise a new unsaved version.
func (v *Versioner) resolve(ctx context.Context, u *uow.UnitOfWork, name string, c candidate) (*model.Definition, bool, error) {
	latest, err := u.LatestDefinitionByKey(ctx, c.Key)
	if err != nil {
		return nil, false, err
	}
	if latest != nil && latest.Fingerprint == c.Fingerprint {
		return latest, false, nil
	}

	version := 1
	if latest != nil {
		names, err := u.DeploymentNamesBoundTo(ctx, latest.ID)
		if err != nil {
			return nil, false, err
		}
		if !slices.Contains(names, name) {
			return nil, false, model.NewConflictError("deploy", c.Key,
				"definition %q version %d belongs to %v, not to %q", c.Key, latest.Version, names, name)
		}
		version = latest.Version + 1
	}

	return &model.Definition{
		Key:          c.Key,
		Name:         c.Name,
		Version:      version,
		ResourceName: c.resource,
		Fingerprint:  c.Fingerprint,
		RetrySpec:    c.RetrySpec,
	}, true, nil
}

// duplicateOf returns the latest deployment of name if it holds exactly
// the bundle's resources.
func (v *Versioner) duplicateOf(ctx context.Context, u *uow.UnitOfWork, name string, b *bundle) (*model.Deployment, error) {
	prev, err := u.LatestDeploymentByName(ctx, name)
	if err != nil || prev == nil {
		return nil, err
	}
	stored, err := u.ResourcesByDeployment(ctx, prev.ID)
	if err != nil {
		return nil, err
	}
	if len(stored) != len(b.names) {
		return nil, nil
	}
	for _, r := range stored {
		content, ok := b.resources[r.Name]
		if !ok || !bytes.Equal(content, r.Content) {
			return nil, nil
		}
	}
	return prev, nil
}

// activateKeys resumes every suspended stored version of the deployed keys
// together with its jobs.
func (v *Versioner) activateKeys(ctx context.Context, u *uow.UnitOfWork, cands []candidate) error {
	for _, c := range cands {
		defs, err := u.DefinitionsByKey(ctx, c.Key)
		if err != nil {
			return err
		}
		for _, d := range defs {
			if !d.Suspended {
				continue
			}
			d.Suspended = false
			u.SuspendJobsOf(d.ID, false)
			u.Logger().Debug("definition activated", "key", d.Key, "version", d.Version)
		}
	}
	return nil
}

// Undeploy resolves the most recent deployment of name and suspends every
// version of the keys it deployed. With del, the deployment, its resources
// and the definitions it created are removed first, together with their
// jobs and incidents. It returns the resolved deployment id, or "" when no
// deployment has that name.
func (v *Versioner) Undeploy(ctx context.Context, name string, del bool) (string, error) {
	if name == "" {
		return "", model.NewValidationError("undeploy", "deployment name is empty")
	}

	var (
		deploymentID string
		suspended    int
	)
	err := v.exec.Execute(ctx, "undeploy "+name, func(ctx context.Context, u *uow.UnitOfWork) error {
		deploymentID, suspended = "", 0

		if err := u.Tx().AcquireDeploymentLock(ctx); err != nil {
			return err
		}

		dep, err := u.LatestDeploymentByName(ctx, name)
		if err != nil || dep == nil {
			return err
		}
		deploymentID = dep.ID

		owned, err := u.DefinitionsByDeployment(ctx, dep.ID)
		if err != nil {
			return err
		}
		resources, err := u.ResourcesByDeployment(ctx, dep.ID)
		if err != nil {
			return err
		}

		var keys []string
		addKey := func(k string) {
			if !slices.Contains(keys, k) {
				keys = append(keys, k)
			}
		}
		for _, d := range owned {
			addKey(d.Key)
		}
		for _, r := range resources {
			if r.DefinitionID == "" {
				continue
			}
			d, err := u.FindDefinition(ctx, r.DefinitionID)
			if err != nil {
				return err
			}
			if d != nil {
				addKey(d.Key)
			}
		}

		if del {
			if err := v.remove(u, dep, owned, resources); err != nil {
				return err
			}
		}

		for _, k := range keys {
			defs, err := u.DefinitionsByKey(ctx, k)
			if err != nil {
				return err
			}
			for _, d := range defs {
				if d.Suspended {
					continue
				}
				d.Suspended = true
				u.SuspendJobsOf(d.ID, true)
				suspended++
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if deploymentID == "" {
		v.logger.Debug("undeploy: no deployment", "name", name)
		return "", nil
	}

	v.logger.Info("undeployed",
		"name", name,
		"deployment", deploymentID,
		"deleted", del,
		"suspended", suspended)
	return deploymentID, nil
}

// remove schedules deletion of a deployment and everything that hangs off
// the definitions it created.
func (v *Versioner) remove(u *uow.UnitOfWork, dep *model.Deployment, owned []*model.Definition, resources []*model.Resource) error {
	ids := make([]string, 0, len(owned))
	for _, d := range owned {
		ids = append(ids, d.ID)
	}

	if len(ids) > 0 {
		u.BulkDelete(model.FamilyIncident, persistence.InStrings("definition_id", ids))
		u.BulkDelete(model.FamilyJob, persistence.InStrings("definition_id", ids))
		u.BulkUpdate(model.FamilyResource, model.Fields{"definition_id": nil}, true,
			persistence.InStrings("definition_id", ids),
			persistence.NotEq("deployment_id", dep.ID))
	}

	for _, r := range resources {
		if err := u.Delete(r); err != nil {
			return fmt.Errorf("undeploy %s: %w", dep.Name, err)
		}
	}
	for _, d := range owned {
		if err := u.Delete(d); err != nil {
			return fmt.Errorf("undeploy %s: %w", dep.Name, err)
		}
	}
	if err := u.Delete(dep); err != nil {
		return fmt.Errorf("undeploy %s: %w", dep.Name, err)
	}
	return nil
}
