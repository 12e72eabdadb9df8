package harness

import (
	"fmt"

	"github.com/roach88/conductor/internal/model"
)

// EvaluateAssertions checks every assertion against the final state and
// returns one message per failure.
func EvaluateAssertions(state *State, assertions []Assertion) []string {
	var failures []string
	for i, a := range assertions {
		if err := evaluate(state, a); err != nil {
			failures = append(failures, fmt.Sprintf("assertions[%d] (%s): %v", i, a.Type, err))
		}
	}
	return failures
}

func evaluate(state *State, a Assertion) error {
	switch a.Type {
	case AssertCount:
		got, err := countOf(state, a.Family)
		if err != nil {
			return err
		}
		if got != *a.Count {
			return fmt.Errorf("expected %d %s records, got %d", *a.Count, a.Family, got)
		}
	case AssertDefinition:
		for _, d := range state.Definitions {
			if d.Key != a.Key || d.Version != a.Version {
				continue
			}
			if a.Suspended != nil && d.Suspended != *a.Suspended {
				return fmt.Errorf("definition %s@%d: expected suspended=%t", a.Key, a.Version, *a.Suspended)
			}
			return nil
		}
		return fmt.Errorf("definition %s@%d not found", a.Key, a.Version)
	case AssertJob:
		for _, j := range state.Jobs {
			if j.Handler != a.Handler {
				continue
			}
			if a.Retries != nil && j.Retries != *a.Retries {
				return fmt.Errorf("job %s: expected %d retries, got %d", a.Handler, *a.Retries, j.Retries)
			}
			if a.Incidents != nil && j.Incidents != *a.Incidents {
				return fmt.Errorf("job %s: expected %d incidents, got %d", a.Handler, *a.Incidents, j.Incidents)
			}
			if a.Suspended != nil && j.Suspended != *a.Suspended {
				return fmt.Errorf("job %s: expected suspended=%t", a.Handler, *a.Suspended)
			}
			return nil
		}
		return fmt.Errorf("job %s not found", a.Handler)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

// countOf counts the records of a family. Resources and incidents are
// counted through the records that own them.
func countOf(state *State, family model.Family) (int, error) {
	switch family {
	case model.FamilyDeployment:
		return len(state.Deployments), nil
	case model.FamilyDefinition:
		return len(state.Definitions), nil
	case model.FamilyJob:
		return len(state.Jobs), nil
	case model.FamilyResource:
		n := 0
		for _, d := range state.Deployments {
			n += len(d.Resources)
		}
		return n, nil
	case model.FamilyIncident:
		n := 0
		for _, j := range state.Jobs {
			n += j.Incidents
		}
		return n, nil
	}
	return 0, fmt.Errorf("unknown family %q", family)
}
