package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/conductor/internal/model"
)

// canonical converts the scenario outcome to the value encoded in golden
// files.
func canonical(name string, r *Result) map[string]any {
	steps := make([]any, len(r.Steps))
	for i, s := range r.Steps {
		m := map[string]any{"op": s.Op, "outcome": s.Outcome}
		if s.Jobs != nil {
			m["jobs"] = s.Jobs
		}
		steps[i] = m
	}

	deployments := make([]any, len(r.State.Deployments))
	for i, d := range r.State.Deployments {
		deployments[i] = map[string]any{"name": d.Name, "resources": d.Resources}
	}

	definitions := make([]any, len(r.State.Definitions))
	for i, d := range r.State.Definitions {
		m := map[string]any{
			"key":        d.Key,
			"version":    d.Version,
			"deployment": d.Deployment,
			"suspended":  d.Suspended,
		}
		if d.Loader != "" {
			m["loader"] = d.Loader
		}
		definitions[i] = m
	}

	jobs := make([]any, len(r.State.Jobs))
	for i, j := range r.State.Jobs {
		jobs[i] = map[string]any{
			"handler":    j.Handler,
			"definition": j.Definition,
			"retries":    j.Retries,
			"due":        j.Due,
			"locked":     j.Locked,
			"suspended":  j.Suspended,
			"failing":    j.Failing,
			"incidents":  j.Incidents,
		}
	}

	return map[string]any{
		"scenario":    name,
		"steps":       steps,
		"deployments": deployments,
		"definitions": definitions,
		"jobs":        jobs,
	}
}

// RunWithGolden executes a scenario and compares its steps and final state
// against testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// Snapshot returns the canonical JSON written to golden files.
func Snapshot(scenarioName string, result *Result) ([]byte, error) {
	return model.MarshalCanonical(canonical(scenarioName, result))
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := Snapshot(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
