package model

// Definition is one version of a process definition. (Key, Version) is
// unique and versions of a key increase by one per new deployment of
// changed content.
type Definition struct {
	Record
	Key          string
	Name         string
	Version      int
	DeploymentID string
	ResourceName string
	Fingerprint  string
	Suspended    bool

	// LoaderHandle names the code bundle able to run the definition. It is
	// rebound on every deployment that reuses the definition.
	LoaderHandle string

	// RetrySpec is the retry specification of jobs created for the
	// definition without one of their own.
	RetrySpec string
}

func (d *Definition) Kind() Kind { return KindDefinition }

func (d *Definition) Fields() Fields {
	return Fields{
		"definition_key": d.Key,
		"name":           d.Name,
		"version":        int64(d.Version),
		"deployment_id":  d.DeploymentID,
		"resource_name":  d.ResourceName,
		"fingerprint":    d.Fingerprint,
		"suspended":      d.Suspended,
		"loader_handle":  NullString(d.LoaderHandle),
		"retry_spec":     NullString(d.RetrySpec),
	}
}

func (d *Definition) References() []string {
	return refs(d.DeploymentID)
}
