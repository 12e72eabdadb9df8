package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/conductor/internal/model"
)

// Scenario defines a conformance scenario: a sequence of deployment and
// job steps followed by assertions on the final state.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Legacy runs the scenario with the legacy retry policy.
	Legacy bool `yaml:"legacy,omitempty"`

	// Steps run in order against a fresh store.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step is one operation. Exactly one of the operation fields is set.
type Step struct {
	Deploy     *DeployStep     `yaml:"deploy,omitempty"`
	Undeploy   *UndeployStep   `yaml:"undeploy,omitempty"`
	Schedule   *ScheduleStep   `yaml:"schedule,omitempty"`
	Run        *RunStep        `yaml:"run,omitempty"`
	Advance    string          `yaml:"advance,omitempty"`
	SetRetries *SetRetriesStep `yaml:"set_retries,omitempty"`
	Activate   string          `yaml:"activate,omitempty"`

	// ExpectError is the error kind the step must fail with. Empty means
	// the step must succeed.
	ExpectError model.ErrorKind `yaml:"expect_error,omitempty"`
}

// DeployStep deploys resources under a bundle name.
type DeployStep struct {
	Name      string            `yaml:"name"`
	Resources map[string]string `yaml:"resources"`
	Loader    string            `yaml:"loader,omitempty"`

	// KeepDuplicates disables the duplicate filter.
	KeepDuplicates bool `yaml:"keep_duplicates,omitempty"`
}

// UndeployStep undeploys the latest deployment of a bundle name.
type UndeployStep struct {
	Name   string `yaml:"name"`
	Delete bool   `yaml:"delete,omitempty"`
}

// ScheduleStep creates a job. Definition names a key; the job is attached
// to its latest version.
type ScheduleStep struct {
	Handler    string `yaml:"handler"`
	Payload    string `yaml:"payload,omitempty"`
	Definition string `yaml:"definition,omitempty"`
	Retry      string `yaml:"retry,omitempty"`
}

// RunStep acquires every due job and executes them one by one.
type RunStep struct {
	// Node overrides the lock owner.
	Node string `yaml:"node,omitempty"`
}

// SetRetriesStep resets the retry budget of the job with the given
// handler type.
type SetRetriesStep struct {
	Handler string `yaml:"handler"`
	Retries int    `yaml:"retries"`
}

// Assertion validates the final state.
type Assertion struct {
	// Type is one of count, definition, job.
	Type string `yaml:"type"`

	// Family and Count are used by count.
	Family model.Family `yaml:"family,omitempty"`
	Count  *int         `yaml:"count,omitempty"`

	// Key and Version select a definition.
	Key     string `yaml:"key,omitempty"`
	Version int    `yaml:"version,omitempty"`

	// Handler selects a job.
	Handler   string `yaml:"handler,omitempty"`
	Retries   *int   `yaml:"retries,omitempty"`
	Incidents *int   `yaml:"incidents,omitempty"`

	// Suspended is checked on definitions and jobs.
	Suspended *bool `yaml:"suspended,omitempty"`
}

// Assertion type constants.
const (
	AssertCount      = "count"
	AssertDefinition = "definition"
	AssertJob        = "job"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i := range s.Steps {
		if err := validateStep(i, &s.Steps[i]); err != nil {
			return err
		}
	}
	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, st *Step) error {
	set := 0
	for _, ok := range []bool{
		st.Deploy != nil,
		st.Undeploy != nil,
		st.Schedule != nil,
		st.Run != nil,
		st.Advance != "",
		st.SetRetries != nil,
		st.Activate != "",
	} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("steps[%d]: exactly one operation is required, got %d", index, set)
	}

	switch {
	case st.Deploy != nil:
		if st.Deploy.Name == "" {
			return fmt.Errorf("steps[%d]: deploy name is required", index)
		}
	case st.Undeploy != nil:
		if st.Undeploy.Name == "" {
			return fmt.Errorf("steps[%d]: undeploy name is required", index)
		}
	case st.Schedule != nil:
		if st.Schedule.Handler == "" {
			return fmt.Errorf("steps[%d]: schedule handler is required", index)
		}
	case st.Advance != "":
		d, err := time.ParseDuration(st.Advance)
		if err != nil {
			return fmt.Errorf("steps[%d]: advance: %w", index, err)
		}
		if d <= 0 {
			return fmt.Errorf("steps[%d]: advance must be positive", index)
		}
	case st.SetRetries != nil:
		if st.SetRetries.Handler == "" {
			return fmt.Errorf("steps[%d]: set_retries handler is required", index)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertCount:
		if a.Family == "" || a.Count == nil {
			return fmt.Errorf("assertions[%d]: family and count are required for count", index)
		}
	case AssertDefinition:
		if a.Key == "" || a.Version < 1 {
			return fmt.Errorf("assertions[%d]: key and version are required for definition", index)
		}
	case AssertJob:
		if a.Handler == "" {
			return fmt.Errorf("assertions[%d]: handler is required for job", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
