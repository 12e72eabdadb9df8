package model

import "time"

// Job is a durable unit of asynchronous work. The kind column selects the
// concrete job kind; all kinds share the jobs table.
type Job struct {
	Record
	JobKind      Kind
	HandlerType  string
	Payload      string
	DefinitionID string
	DueDate      time.Time

	// LockOwner and LockExpiration form the lease. Both are empty when the
	// job is unlocked.
	LockOwner      string
	LockExpiration time.Time

	Retries       int
	RetrySpec     string
	ExceptionInfo string
	Suspended     bool
	CreatedAt     time.Time
}

func (j *Job) Kind() Kind {
	if j.JobKind == "" {
		return KindAsyncJob
	}
	return j.JobKind
}

func (j *Job) Fields() Fields {
	return Fields{
		"kind":            string(j.Kind()),
		"handler_type":    j.HandlerType,
		"payload":         j.Payload,
		"definition_id":   NullString(j.DefinitionID),
		"due_date":        Millis(j.DueDate),
		"lock_owner":      NullString(j.LockOwner),
		"lock_expiration": Millis(j.LockExpiration),
		"retries":         int64(j.Retries),
		"retry_spec":      j.RetrySpec,
		"exception_info":  NullString(j.ExceptionInfo),
		"suspended":       j.Suspended,
		"created_at":      Millis(j.CreatedAt),
	}
}

func (j *Job) References() []string {
	return refs(j.DefinitionID)
}

// LockedBy reports whether owner holds an unexpired lease at now.
func (j *Job) LockedBy(owner string, now time.Time) bool {
	return j.LockOwner == owner && j.LockExpiration.After(now)
}

// ClearLock drops the lease.
func (j *Job) ClearLock() {
	j.LockOwner = ""
	j.LockExpiration = time.Time{}
}

// Incident records a job whose retries ran out. CauseIncidentID links to the
// incident recorded for the previous terminal failure of the same job.
type Incident struct {
	Record
	JobID           string
	DefinitionID    string
	Message         string
	CauseIncidentID string
	CreatedAt       time.Time
}

func (i *Incident) Kind() Kind { return KindIncident }

func (i *Incident) Fields() Fields {
	return Fields{
		"job_id":            NullString(i.JobID),
		"definition_id":     NullString(i.DefinitionID),
		"message":           i.Message,
		"cause_incident_id": NullString(i.CauseIncidentID),
		"created_at":        Millis(i.CreatedAt),
	}
}

func (i *Incident) References() []string {
	return refs(i.JobID, i.DefinitionID, i.CauseIncidentID)
}
