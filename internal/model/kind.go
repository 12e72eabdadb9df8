package model

// Kind identifies a concrete record type.
type Kind string

const (
	KindDeployment Kind = "deployment"
	KindResource   Kind = "resource"
	KindDefinition Kind = "definition"
	KindTimerJob   Kind = "timer-job"
	KindAsyncJob   Kind = "async-job"
	KindBatchJob   Kind = "batch-job"
	KindIncident   Kind = "incident"
)

// Family groups kinds that share an identity space and a table. Lookups by
// family see every kind in it, so a timer job and an async job can never
// share an id.
type Family string

const (
	FamilyDeployment Family = "deployment"
	FamilyResource   Family = "resource"
	FamilyDefinition Family = "definition"
	FamilyJob        Family = "job"
	FamilyIncident   Family = "incident"
)

var families = map[Kind]Family{
	KindDeployment: FamilyDeployment,
	KindResource:   FamilyResource,
	KindDefinition: FamilyDefinition,
	KindTimerJob:   FamilyJob,
	KindAsyncJob:   FamilyJob,
	KindBatchJob:   FamilyJob,
	KindIncident:   FamilyIncident,
}

// Family returns the family the kind belongs to. Unknown kinds form their
// own single-member family.
func (k Kind) Family() Family {
	if f, ok := families[k]; ok {
		return f
	}
	return Family(k)
}

// IsJob reports whether the kind is one of the job kinds.
func (k Kind) IsJob() bool {
	return k.Family() == FamilyJob
}

// ParseJobKind maps the kind column of the jobs table back to a Kind.
func ParseJobKind(s string) (Kind, bool) {
	k := Kind(s)
	if !k.IsJob() {
		return "", false
	}
	return k, true
}
