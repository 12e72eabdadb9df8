package model

import "time"

// Deployment is a named bundle of resources deployed at a point in time.
type Deployment struct {
	Record
	Name       string
	DeployedAt time.Time
}

func (d *Deployment) Kind() Kind { return KindDeployment }

func (d *Deployment) Fields() Fields {
	return Fields{
		"name":        d.Name,
		"deployed_at": Millis(d.DeployedAt),
	}
}

func (d *Deployment) References() []string { return nil }

// Resource is one named blob inside a deployment. DefinitionID is set when
// the resource produced or reused a definition.
type Resource struct {
	Record
	DeploymentID string
	Name         string
	Content      []byte
	DefinitionID string
}

func (r *Resource) Kind() Kind { return KindResource }

func (r *Resource) Fields() Fields {
	return Fields{
		"deployment_id": r.DeploymentID,
		"name":          r.Name,
		"content":       r.Content,
		"definition_id": NullString(r.DefinitionID),
	}
}

func (r *Resource) References() []string {
	return refs(r.DeploymentID, r.DefinitionID)
}
