package harness

// StepResult records what one step did.
type StepResult struct {
	// Op describes the step, e.g. "deploy billing".
	Op string

	// Outcome is "ok" or the kind of the error the step failed with.
	Outcome string

	// Jobs holds the execution outcome of every job a run step acquired,
	// in acquisition order.
	Jobs []string
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step behaved as expected and every assertion
	// holds.
	Pass bool

	Steps []StepResult

	// Errors contains validation error messages. Empty if Pass is true.
	Errors []string

	// State is the final state of the store.
	State *State
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{Pass: true, Errors: []string{}}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// DeploymentState is a deployment without its id.
type DeploymentState struct {
	Name      string
	Resources []string
}

// DefinitionState is a definition without its id. Deployment is the name
// of the bundle that created it.
type DefinitionState struct {
	Key        string
	Version    int
	Deployment string
	Suspended  bool
	Loader     string
}

// JobState is a job without its id. Definition is "key@version" or empty
// and Due is the offset of the due date from the scenario start.
type JobState struct {
	Handler    string
	Definition string
	Retries    int
	Due        string
	Locked     bool
	Suspended  bool
	Failing    bool
	Incidents  int
}

// State is the id-free final state of a scenario. Ids are left out so
// golden files survive changes to id generation.
type State struct {
	Deployments []DeploymentState
	Definitions []DefinitionState
	Jobs        []JobState
}
